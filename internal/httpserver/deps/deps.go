package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/auth"
	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/session"
)

// Backend is the persistence side the handlers talk to directly
// (readiness checks and bulk import). Sessions use it through the reconciler.
type Backend interface {
	Ping(ctx context.Context) error
	InsertMany(ctx context.Context, userID string, drafts []domain.Draft) ([]domain.Bookmark, error)
}

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	TimeNow        func() time.Time // for testing, defaults to time.Now
	AllowedHosts   []string         // Host headers allowed to access the server
	AllowedCIDRS   []string         // IPs allowed to access ops endpoints (readyz, infra, resync, metrics)
	TrustProxy     bool             // true if running behind a trusted reverse proxy (e.g., cloudflared)
	RequestTimeout time.Duration    // per-request timeout for non-streaming routes
	Sessions       *session.Manager // per-user sessions
	Verifier       *auth.Verifier   // session token verifier
	Backend        Backend          // redis or sqlite gateway
	BackendName    string           // "redis" | "sqlite"
	LoginURL       string           // browser requests without a valid token are redirected here (optional)
	WriteBurst     int              // per-user burst on write endpoints
	WriteRefill    int              // per-user tokens refilled per minute on write endpoints
	ResyncTrigger  chan struct{}    // Channel to trigger a manual resync of every session
	StreamPing     time.Duration    // websocket keepalive interval, defaults to 54s (optional)
}
