package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/logger"
)

const (
	// DefaultIdleTTL is how long a session may go untouched before it is closed
	DefaultIdleTTL = 30 * time.Minute
	// DefaultReapInterval is how often idle sessions are looked for
	DefaultReapInterval = time.Minute
)

// IdleReaper is the part of session.Manager the reaper needs
type IdleReaper interface {
	ReapIdle(now time.Time, maxIdle time.Duration) int
}

// Reaper closes sessions nobody has used for a while, releasing their
// feed subscriptions
type Reaper struct {
	sessions IdleReaper
	logger   logger.Logger
	interval time.Duration
	idleTTL  time.Duration
	now      func() time.Time
	stopCh   chan struct{}
}

// NewReaper creates a new reaper
func NewReaper(
	sessions IdleReaper,
	log logger.Logger,
	interval time.Duration,
	idleTTL time.Duration,
) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}

	return &Reaper{
		sessions: sessions,
		logger:   log,
		interval: interval,
		idleTTL:  idleTTL,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic reaping process
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap()
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the reaper
func (r *Reaper) Stop() {
	close(r.stopCh)
}

// Reap closes idle sessions once and returns how many were closed
func (r *Reaper) Reap() int {
	n := r.sessions.ReapIdle(r.now(), r.idleTTL)
	if n > 0 {
		r.logger.Info("closed idle sessions",
			logger.Int("count", n),
			logger.Duration("idle_ttl", r.idleTTL))
	}
	return n
}
