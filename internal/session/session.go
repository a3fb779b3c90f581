// Package session owns the per-user connection objects: one reconciled store
// plus one feed subscription for each signed-in user, with an explicit
// lifecycle (start, token refresh, close).
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/reconciler"
)

// ErrClosed is returned by operations on a session that was closed.
var ErrClosed = errors.New("session closed")

const (
	// loadTimeout bounds loads started on behalf of a request. Those loads
	// outlive the request so a client disconnect cannot leave a failed view.
	loadTimeout = 15 * time.Second

	// defaultRecoverAttempts bounds the immediate recovery after the feed
	// ends; the Resyncer takes over once they are exhausted.
	defaultRecoverAttempts = 5
	recoverWait            = 250 * time.Millisecond
)

// Credential is a verified session token with its validity window.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// supersedes reports whether c refreshes cur: a different token that
// expires later, or expires at the same instant and was issued later.
// Two devices holding their own valid tokens never supersede each other
// back and forth.
func (c Credential) supersedes(cur Credential) bool {
	if c.Token == "" || c.Token == cur.Token {
		return false
	}
	if c.ExpiresAt.After(cur.ExpiresAt) {
		return true
	}
	return c.ExpiresAt.Equal(cur.ExpiresAt) && c.IssuedAt.After(cur.IssuedAt)
}

// Session binds one user's Store to one feed subscription.
type Session struct {
	userID string
	store  *reconciler.Store
	source feed.Source
	log    logger.Logger
	now    func() time.Time

	// retryInterval is the minimum gap between retries of a failed load.
	retryInterval   time.Duration
	recoverAttempts int

	mu      sync.Mutex // guards the fields below; held across resubscription
	cred    Credential
	started bool
	closed  bool
	sub     feed.Subscription
	stop    chan struct{}
	done    chan struct{}

	closedCh  chan struct{}
	feedLost  atomic.Bool
	lastSeen  atomic.Int64 // unix nanos
	retrying  atomic.Bool
	lastRetry atomic.Int64 // unix nanos
}

// New builds a session. Nothing is subscribed or loaded until Start.
func New(store *reconciler.Store, source feed.Source, cred Credential, log logger.Logger) *Session {
	s := &Session{
		userID: store.UserID(),
		store:  store,
		source: source,
		cred:   cred,
		log:    log.With(logger.String("user_id", store.UserID())),
		now:    time.Now,

		recoverAttempts: defaultRecoverAttempts,
		closedCh:        make(chan struct{}),
	}
	s.Touch()
	return s
}

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.userID }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// Store returns the reconciled view of the session.
func (s *Session) Store() *reconciler.Store { return s.store }

// Token returns the auth token the current subscription was established with.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.Token
}

// Credential returns the credential the current subscription was established with.
func (s *Session) Credential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Touch records activity for idle tracking.
func (s *Session) Touch() { s.lastSeen.Store(s.now().UnixNano()) }

// LastSeen returns the last recorded activity.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// FeedLost reports whether the subscription ended without being closed by us.
func (s *Session) FeedLost() bool { return s.feedLost.Load() }

// Start subscribes to the feed and then runs the initial load, so no change
// committed between the fetch and the subscription is missed. Calling Start
// on a started session is a no-op. A failed load is not an error here: the
// store reports it through LastError and the next Open retries it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if err := s.subscribeLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.mu.Unlock()

	s.log.Info("session started",
		logger.String("delete_policy", s.store.DeletePolicy().String()),
		logger.String("insert_policy", s.store.InsertPolicy().String()))

	loadCtx, cancel := detachedLoadContext(ctx)
	defer cancel()
	if err := s.store.Load(loadCtx); err != nil {
		s.log.Warn("initial load failed", logger.Error(err))
	}
	return nil
}

// RefreshToken re-establishes the subscription for a new credential and
// resyncs, since notifications sent while the old connection went down are lost.
func (s *Session) RefreshToken(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.teardownLocked()
	s.cred = cred
	err := s.subscribeLocked(ctx)
	if err == nil {
		s.started = true
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.log.Info("subscription re-established after token refresh")
	loadCtx, cancel := detachedLoadContext(ctx)
	defer cancel()
	return s.store.Load(loadCtx)
}

// Resync runs a full load, first re-establishing the subscription if it was
// lost or a previous resubscription failed.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sub == nil || s.feedLost.Load() {
		s.teardownLocked()
		if err := s.subscribeLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
		s.log.Info("subscription re-established after feed loss")
	}
	s.mu.Unlock()
	return s.store.Load(ctx)
}

// retryFailedLoad reloads when the last load failed. Retries are
// single-flighted and spaced by retryInterval; callers never wait on
// another caller's retry.
func (s *Session) retryFailedLoad(ctx context.Context) {
	if s.store.LastError() == nil {
		return
	}
	now := s.now()
	if last := s.lastRetry.Load(); last != 0 && now.Sub(time.Unix(0, last)) < s.retryInterval {
		return
	}
	if !s.retrying.CompareAndSwap(false, true) {
		return
	}
	defer s.retrying.Store(false)
	s.lastRetry.Store(now.UnixNano())

	loadCtx, cancel := detachedLoadContext(ctx)
	defer cancel()
	if err := s.Resync(loadCtx); err != nil {
		s.log.Warn("retry of failed load did not succeed", logger.Error(err))
		return
	}
	s.log.Info("failed load recovered")
}

// recoverFeed resubscribes and reloads after the feed ended, backing off
// between attempts until the session closes.
func (s *Session) recoverFeed() {
	wait := recoverWait
	for attempt := 1; attempt <= s.recoverAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		err := s.Resync(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		s.log.Warn("feed recovery failed",
			logger.Int("attempt", attempt),
			logger.Error(err))
		if attempt == s.recoverAttempts {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.closedCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		wait *= 2
	}
	s.log.Error("feed recovery gave up, waiting for the next resync pass",
		logger.Int("attempts", s.recoverAttempts))
}

// detachedLoadContext keeps ctx values but not its cancellation, bounded by loadTimeout.
func detachedLoadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
}

// Close releases the subscription. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closedCh)
	s.teardownLocked()
	s.log.Info("session closed")
	return nil
}

// subscribeLocked opens a subscription and starts the pump. Caller holds s.mu.
func (s *Session) subscribeLocked(ctx context.Context) error {
	sub, err := s.source.Subscribe(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change feed: %w", err)
	}

	s.sub = sub
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.feedLost.Store(false)

	go s.pump(sub.Events(), s.stop, s.done)
	return nil
}

// teardownLocked closes the subscription and waits for the pump, so no
// event of the old subscription reaches the store afterwards. Caller holds s.mu.
func (s *Session) teardownLocked() {
	if s.sub == nil {
		return
	}
	close(s.stop)
	if err := s.sub.Close(); err != nil {
		s.log.Warn("failed to close subscription", logger.Error(err))
	}
	<-s.done
	s.sub = nil
}

// pump applies notifications in arrival order on a single goroutine.
func (s *Session) pump(events <-chan domain.ChangeEvent, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-stop:
				default:
					s.feedLost.Store(true)
					s.log.Warn("change feed ended unexpectedly, recovering")
					// Runs after this pump exits; Resync waits for done.
					go s.recoverFeed()
				}
				return
			}
			s.store.Apply(ev)
		}
	}
}
