package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
	"github.com/MrSnakeDoc/shelf/internal/reconciler"
)

// Policies are applied to every store the manager creates.
type Policies struct {
	Delete       reconciler.DeletePolicy
	Insert       reconciler.InsertPolicy
	TombstoneTTL time.Duration
	// LoadRetryInterval is the minimum gap between two retries of a failed
	// load triggered by Open. Zero retries on every Open.
	LoadRetryInterval time.Duration
}

// Manager keeps at most one live session per user.
type Manager struct {
	gateway  reconciler.Gateway
	source   feed.Source
	policies Policies
	log      logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty manager.
func NewManager(gateway reconciler.Gateway, source feed.Source, policies Policies, log logger.Logger) *Manager {
	return &Manager{
		gateway:  gateway,
		source:   source,
		policies: policies,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Open returns the live session of userID, starting one if needed.
// An existing session is resubscribed only when cred supersedes the
// credential it runs with (a refreshed token), and its view is reloaded
// when the last load failed.
func (m *Manager) Open(ctx context.Context, userID string, cred Credential) (*Session, error) {
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}

	m.mu.Lock()
	sess, existed := m.sessions[userID]
	if !existed {
		store, err := reconciler.New(reconciler.Options{
			UserID:       userID,
			Gateway:      m.gateway,
			Logger:       m.log,
			DeletePolicy: m.policies.Delete,
			InsertPolicy: m.policies.Insert,
			TombstoneTTL: m.policies.TombstoneTTL,
		})
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		sess = New(store, m.source, cred, m.log)
		sess.retryInterval = m.policies.LoadRetryInterval
		m.sessions[userID] = sess
		metrics.ActiveSessions.Inc()
	}
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.drop(userID, sess)
		if existed && errors.Is(err, ErrClosed) {
			// Reaped between lookup and start; the next attempt builds a fresh one.
			return m.Open(ctx, userID, cred)
		}
		return nil, err
	}

	switch {
	case existed && cred.supersedes(sess.Credential()):
		if err := sess.RefreshToken(ctx, cred); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, err
			}
			// Either the resubscribe or the load failed; Resync repairs both.
			m.log.Warn("resync after token refresh failed",
				logger.String("user_id", userID),
				logger.Error(err))
		}
	case existed:
		sess.retryFailedLoad(ctx)
	}

	sess.Touch()
	return sess, nil
}

// Get returns the live session of userID, if any.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	return sess, ok
}

// Close tears down the session of userID. Reports whether one existed.
func (m *Manager) Close(userID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.drop(userID, sess)
	return true
}

// CloseAll tears down every session.
func (m *Manager) CloseAll() {
	for _, sess := range m.Sessions() {
		m.drop(sess.UserID(), sess)
	}
}

// Sessions returns the live sessions ordered by user id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID() < out[j].UserID() })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ReapIdle closes sessions not touched since before now-maxIdle and returns how many it closed.
func (m *Manager) ReapIdle(now time.Time, maxIdle time.Duration) int {
	cutoff := now.Add(-maxIdle)
	reaped := 0
	for _, sess := range m.Sessions() {
		if sess.LastSeen().Before(cutoff) {
			m.drop(sess.UserID(), sess)
			reaped++
		}
	}
	return reaped
}

// drop removes sess from the map (if it is still the registered one) and closes it.
func (m *Manager) drop(userID string, sess *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[userID]; ok && cur == sess {
		delete(m.sessions, userID)
		metrics.ActiveSessions.Dec()
	}
	m.mu.Unlock()

	if err := sess.Close(); err != nil {
		m.log.Warn("failed to close session", logger.String("user_id", userID), logger.Error(err))
	}
}
