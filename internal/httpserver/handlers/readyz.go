package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/logger"
)

const backendPingTimeout = 2 * time.Second

type readyzResponse struct {
	Ready   bool   `json:"ready"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// Readyz reports ready once the backend answers a ping.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyzResponse{Ready: true, Backend: d.BackendName}
		status := http.StatusOK

		if err := pingBackend(r.Context(), d); err != nil {
			d.Logger.Warn("readiness check failed",
				logger.String("backend", d.BackendName),
				logger.Error(err))
			resp.Ready = false
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, d.Logger, status, resp)
	}
}

func pingBackend(ctx context.Context, d deps.Deps) error {
	if d.Backend == nil {
		return errBackendMissing
	}
	ctx, cancel := context.WithTimeout(ctx, backendPingTimeout)
	defer cancel()
	return d.Backend.Ping(ctx)
}
