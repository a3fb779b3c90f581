package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/session"
)

// DefaultResyncInterval is how often every live session reloads from the backend
const DefaultResyncInterval = 10 * time.Minute

// resyncParallelism bounds concurrent loads against the backend during a pass
const resyncParallelism = 4

// SessionLister is the part of session.Manager the resyncer needs
type SessionLister interface {
	Sessions() []*session.Session
}

// Resyncer periodically runs a full load on every live session. It is the
// recovery path for notifications lost while a feed connection was down.
type Resyncer struct {
	sessions      SessionLister
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	manualTrigger chan struct{}
}

// NewResyncer creates a new resyncer. Sending on manualTrigger forces a pass.
func NewResyncer(
	sessions SessionLister,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *Resyncer {
	if interval <= 0 {
		interval = DefaultResyncInterval
	}

	return &Resyncer{
		sessions:      sessions,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start begins the periodic resync process
func (r *Resyncer) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ResyncAll(ctx)
			case <-r.manualTrigger:
				r.logger.Info("manual resync triggered")
				r.ResyncAll(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the resyncer
func (r *Resyncer) Stop() {
	close(r.stopCh)
}

// ResyncAll reloads every live session, at most resyncParallelism at a time,
// and reports how many succeeded and failed.
// A failing session keeps its stale view; the next pass retries it.
func (r *Resyncer) ResyncAll(ctx context.Context) (ok, failed int) {
	start := time.Now()
	var okCount, failedCount atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(resyncParallelism)
	for _, sess := range r.sessions.Sessions() {
		g.Go(func() error {
			if err := sess.Resync(gCtx); err != nil {
				failedCount.Add(1)
				r.logger.Warn("failed to resync session",
					logger.String("user_id", sess.UserID()),
					logger.Error(err))
				return nil // counted, never returned
			}
			okCount.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	ok, failed = int(okCount.Load()), int(failedCount.Load())

	if ok+failed > 0 {
		r.logger.Info("resync completed",
			logger.Int("ok", ok),
			logger.Int("failed", failed),
			logger.Duration("elapsed", time.Since(start)))
	}
	return ok, failed
}
