// Package reconciler keeps one user's bookmark view consistent while three
// writers race on it: the initial/resync load, the user's own create and
// delete calls, and the change feed.
//
// Every mutation goes through Store.mu, so feed handlers, load results and
// user actions never interleave mid-update. Backend calls run outside the lock.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/index"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
)

// DefaultTombstoneTTL is how long a deleted id keeps late inserts out.
const DefaultTombstoneTTL = 5 * time.Minute

// Gateway is the persistence backend, scoped by owning user.
type Gateway interface {
	ListByUser(ctx context.Context, userID string) ([]domain.Bookmark, error)
	Insert(ctx context.Context, userID string, draft domain.Draft) (domain.Bookmark, error)
	DeleteByID(ctx context.Context, userID, id string) error
}

// Options configures a Store.
type Options struct {
	UserID       string
	Gateway      Gateway
	Logger       logger.Logger
	DeletePolicy DeletePolicy
	InsertPolicy InsertPolicy
	TombstoneTTL time.Duration    // 0 => DefaultTombstoneTTL
	Now          func() time.Time // for testing, defaults to time.Now
}

// ownInsert is a row this store created and already shows.
type ownInsert struct {
	row     domain.Bookmark
	at      time.Time
	loadGen uint64 // loadGen when confirmed; rows confirmed during a load survive its result
}

// Store is the reconciled bookmark view of one user.
type Store struct {
	userID       string
	gateway      Gateway
	log          logger.Logger
	deletePolicy DeletePolicy
	insertPolicy InsertPolicy
	tombstoneTTL time.Duration
	now          func() time.Time

	mu         sync.Mutex
	index      *index.MemoryIndex
	state      State
	lastErr    error
	loadGen    uint64
	replay     []domain.ChangeEvent // feed events seen while a load is in flight
	pending    map[string]ownInsert // own inserts whose notification has not arrived
	tombstones map[string]time.Time // deleted ids

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

// New builds a Store in the Uninitialized state.
func New(opts Options) (*Store, error) {
	if opts.UserID == "" {
		return nil, errors.New("reconciler: user id is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("reconciler: gateway is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("reconciler: logger is required")
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		userID:       opts.UserID,
		gateway:      opts.Gateway,
		log:          opts.Logger.With(logger.String("user_id", opts.UserID)),
		deletePolicy: opts.DeletePolicy,
		insertPolicy: opts.InsertPolicy,
		tombstoneTTL: opts.TombstoneTTL,
		now:          opts.Now,
		index:        index.NewMemoryIndex(),
		state:        StateUninitialized,
		pending:      make(map[string]ownInsert),
		tombstones:   make(map[string]time.Time),
		watchers:     make(map[chan struct{}]struct{}),
	}, nil
}

// UserID returns the owner this store is scoped to.
func (s *Store) UserID() string { return s.userID }

// DeletePolicy returns the policy fixed at construction.
func (s *Store) DeletePolicy() DeletePolicy { return s.deletePolicy }

// InsertPolicy returns the policy fixed at construction.
func (s *Store) InsertPolicy() InsertPolicy { return s.insertPolicy }

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error of the most recent load, nil once a load succeeds.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Readers take s.mu like writers do: a load result and its replayed events
// land in one critical section and must never be observed half applied.

// Snapshot returns the current view, newest first.
func (s *Store) Snapshot() []domain.Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Snapshot()
}

// Search filters the current view by a case-insensitive substring of title or url.
func (s *Store) Search(query string) []domain.Bookmark {
	return domain.Search(s.Snapshot(), query)
}

// Count returns the number of bookmarks in view.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Count()
}

// LastReload returns when a load last replaced the view.
func (s *Store) LastReload() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.GetLastReload()
}

// ─────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────

// Load fetches all bookmarks of the user and replaces the view.
// Feed events applied while the fetch is in flight are replayed on top of the result.
// When loads overlap, only the most recently started one writes the view.
// On failure the previous view is kept and the store still ends up Ready.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	s.loadGen++
	gen := s.loadGen
	s.state = StateLoading
	s.mu.Unlock()
	s.notify()

	start := s.now()
	rows, err := s.gateway.ListByUser(ctx, s.userID)

	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		s.log.Debug("load superseded by a newer load")
		if err != nil {
			return domain.Transient("load", err)
		}
		return nil
	}

	if err != nil {
		s.lastErr = domain.Transient("load", err)
		s.state = StateReady
		s.replay = nil
		s.mu.Unlock()

		metrics.Loads.WithLabelValues("error").Inc()
		metrics.GatewayErrors.WithLabelValues("list").Inc()
		s.log.Warn("failed to load bookmarks, keeping previous view", logger.Error(err))
		s.notify()
		return s.lastErr
	}

	s.replaceLocked(rows, gen)
	s.lastErr = nil
	s.state = StateReady
	replayed := len(s.replay)
	for _, ev := range s.replay {
		s.applyLocked(ev, false)
	}
	s.replay = nil
	count := s.index.Count()
	s.mu.Unlock()

	metrics.Loads.WithLabelValues("ok").Inc()
	s.log.Info("bookmarks loaded",
		logger.Int("count", count),
		logger.Int("replayed_events", replayed),
		logger.Duration("elapsed", s.now().Sub(start)))
	s.notify()
	return nil
}

// replaceLocked installs a fetched result. Caller holds s.mu.
func (s *Store) replaceLocked(rows []domain.Bookmark, gen uint64) {
	owned := make([]domain.Bookmark, 0, len(rows))
	present := make(map[string]struct{}, len(rows))
	for _, b := range rows {
		if b.UserID != s.userID {
			s.log.Warn("dropping foreign row from load", logger.String("bookmark_id", b.ID))
			continue
		}
		owned = append(owned, b)
		present[b.ID] = struct{}{}
	}
	domain.SortNewestFirst(owned)

	// The server says these exist: a failed optimistic delete comes back here.
	for id := range present {
		delete(s.tombstones, id)
	}

	s.index.Replace(owned)

	// Rows confirmed while this load was in flight may be missing from its result.
	for id, own := range s.pending {
		if _, ok := present[id]; ok || own.loadGen < gen {
			continue
		}
		if _, gone := s.tombstones[id]; gone {
			continue
		}
		s.index.InsertHead(own.row)
	}
}

// ─────────────────────────────────────────────────────────────────
// Feed notifications
// ─────────────────────────────────────────────────────────────────

// Apply routes a feed notification to the matching ApplyRemote* method.
func (s *Store) Apply(ev domain.ChangeEvent) {
	s.mu.Lock()
	changed := s.applyLocked(ev, true)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// ApplyRemoteInsert adds b at the head unless its id is already shown.
func (s *Store) ApplyRemoteInsert(b domain.Bookmark) {
	s.Apply(domain.ChangeEvent{Kind: domain.ChangeInsert, Row: b})
}

// ApplyRemoteUpdate replaces the entry with b's id in place; absent ids are ignored.
func (s *Store) ApplyRemoteUpdate(b domain.Bookmark) {
	s.Apply(domain.ChangeEvent{Kind: domain.ChangeUpdate, Row: b})
}

// ApplyRemoteDelete removes the entry with id; absent ids are ignored.
func (s *Store) ApplyRemoteDelete(id string) {
	s.Apply(domain.ChangeEvent{Kind: domain.ChangeDelete, Row: domain.Bookmark{ID: id}})
}

// applyLocked applies one event and reports whether the view changed.
// live is false when replaying buffered events after a load. Caller holds s.mu.
func (s *Store) applyLocked(ev domain.ChangeEvent, live bool) bool {
	if live && s.state == StateLoading {
		s.replay = append(s.replay, ev)
	}
	s.expireLocked()

	var outcome string
	switch ev.Kind {
	case domain.ChangeInsert:
		outcome = s.insertLocked(ev.Row)
	case domain.ChangeUpdate:
		outcome = s.updateLocked(ev.Row)
	case domain.ChangeDelete:
		outcome = s.deleteLocked(ev.Row)
	default:
		outcome = "unknown"
	}

	metrics.FeedEvents.WithLabelValues(string(ev.Kind), outcome).Inc()
	s.log.Debug("feed event",
		logger.String("kind", string(ev.Kind)),
		logger.String("bookmark_id", ev.Row.ID),
		logger.String("outcome", outcome),
		logger.Bool("replay", !live))

	return outcome == "applied"
}

func (s *Store) insertLocked(b domain.Bookmark) string {
	if b.UserID != s.userID {
		return "foreign"
	}
	if _, gone := s.tombstones[b.ID]; gone {
		return "tombstoned"
	}
	if _, own := s.pending[b.ID]; own {
		delete(s.pending, b.ID)
		return "own"
	}
	if !s.index.InsertHead(b) {
		return "duplicate"
	}
	return "applied"
}

func (s *Store) updateLocked(b domain.Bookmark) string {
	if b.UserID != s.userID {
		return "foreign"
	}
	if _, gone := s.tombstones[b.ID]; gone {
		return "tombstoned"
	}
	if !s.index.Update(b) {
		return "missing"
	}
	return "applied"
}

func (s *Store) deleteLocked(b domain.Bookmark) string {
	// Delete notifications may arrive without an owner.
	if b.UserID != "" && b.UserID != s.userID {
		return "foreign"
	}
	s.tombstones[b.ID] = s.now()
	delete(s.pending, b.ID)
	if !s.index.Delete(b.ID) {
		return "missing"
	}
	return "applied"
}

// expireLocked forgets tombstones and own inserts older than the TTL. Caller holds s.mu.
func (s *Store) expireLocked() {
	cutoff := s.now().Add(-s.tombstoneTTL)
	for id, at := range s.tombstones {
		if at.Before(cutoff) {
			delete(s.tombstones, id)
		}
	}
	for id, own := range s.pending {
		if own.at.Before(cutoff) {
			delete(s.pending, id)
		}
	}
}

// ─────────────────────────────────────────────────────────────────
// User actions
// ─────────────────────────────────────────────────────────────────

// Create validates and inserts a bookmark for the user.
// Validation errors are returned before any gateway call; gateway errors are
// returned as *domain.TransientError and leave the view untouched.
func (s *Store) Create(ctx context.Context, title, url string) (domain.Bookmark, error) {
	draft, err := domain.NewDraft(title, url)
	if err != nil {
		return domain.Bookmark{}, err
	}

	row, err := s.gateway.Insert(ctx, s.userID, draft)
	if err != nil {
		metrics.GatewayErrors.WithLabelValues("insert").Inc()
		s.log.Warn("failed to insert bookmark", logger.Error(err))
		return domain.Bookmark{}, domain.Transient("insert", err)
	}
	if row.UserID == "" {
		row.UserID = s.userID
	}

	if s.insertPolicy == InsertOnNotify {
		s.log.Debug("bookmark created, waiting for feed", logger.String("bookmark_id", row.ID))
		return row, nil
	}

	s.mu.Lock()
	s.expireLocked()
	inserted := false
	if _, gone := s.tombstones[row.ID]; !gone && s.index.InsertHead(row) {
		s.pending[row.ID] = ownInsert{row: row, at: s.now(), loadGen: s.loadGen}
		inserted = true
	}
	s.mu.Unlock()

	s.log.Debug("bookmark created",
		logger.String("bookmark_id", row.ID),
		logger.Bool("inserted_locally", inserted))
	if inserted {
		s.notify()
	}
	return row, nil
}

// Delete removes a bookmark according to the store's DeletePolicy.
// A gateway ErrNotFound is treated as success.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}

	if s.deletePolicy == DeleteDeferred {
		return s.deleteDeferred(ctx, id)
	}
	return s.deleteOptimistic(ctx, id)
}

func (s *Store) deleteOptimistic(ctx context.Context, id string) error {
	s.removeLocal(id)

	err := s.gateway.DeleteByID(ctx, s.userID, id)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return nil
	}

	metrics.GatewayErrors.WithLabelValues("delete").Inc()
	s.log.Warn("failed to delete bookmark, resynchronizing",
		logger.String("bookmark_id", id),
		logger.Error(err))

	// The caller's context may be what failed the delete.
	if loadErr := s.Load(context.WithoutCancel(ctx)); loadErr != nil {
		s.log.Warn("resync after failed delete also failed", logger.Error(loadErr))
	}
	return domain.Transient("delete", err)
}

func (s *Store) deleteDeferred(ctx context.Context, id string) error {
	err := s.gateway.DeleteByID(ctx, s.userID, id)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		// No notification will ever come for a row the backend does not have.
		s.removeLocal(id)
		return nil
	}

	metrics.GatewayErrors.WithLabelValues("delete").Inc()
	s.log.Warn("failed to delete bookmark",
		logger.String("bookmark_id", id),
		logger.Error(err))
	return domain.Transient("delete", err)
}

// removeLocal drops id from the view on behalf of the user and tombstones it.
func (s *Store) removeLocal(id string) {
	ev := domain.ChangeEvent{Kind: domain.ChangeDelete, Row: domain.Bookmark{ID: id, UserID: s.userID}}

	s.mu.Lock()
	if s.state == StateLoading {
		s.replay = append(s.replay, ev)
	}
	s.expireLocked()
	changed := s.deleteLocked(ev.Row) == "applied"
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// ─────────────────────────────────────────────────────────────────
// Change signal
// ─────────────────────────────────────────────────────────────────

// Watch returns a channel that receives a value after the view or the state
// changes. Signals coalesce; read Snapshot after each one. Call cancel to stop.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, ch)
			s.watchMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) String() string {
	return fmt.Sprintf("reconciler.Store(user=%s, delete=%s, insert=%s)", s.userID, s.deletePolicy, s.insertPolicy)
}
