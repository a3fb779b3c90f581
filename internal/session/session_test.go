package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/MrSnakeDoc/shelf/internal/feed/hub"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/reconciler"
)

// memGateway stores rows in memory and publishes every write to a hub,
// like the sqlite backend does.
type memGateway struct {
	mu   sync.Mutex
	rows []domain.Bookmark
	hub  *hub.Hub
	seq  int
}

func (g *memGateway) ListByUser(ctx context.Context, userID string) ([]domain.Bookmark, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Bookmark
	for _, b := range g.rows {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	domain.SortNewestFirst(out)
	return out, nil
}

func (g *memGateway) Insert(ctx context.Context, userID string, d domain.Draft) (domain.Bookmark, error) {
	g.mu.Lock()
	g.seq++
	b := domain.Bookmark{
		ID:        fmt.Sprintf("b%d", g.seq),
		Title:     d.Title,
		URL:       d.URL,
		UserID:    userID,
		CreatedAt: time.Unix(int64(g.seq), 0),
	}
	g.rows = append(g.rows, b)
	g.mu.Unlock()

	g.hub.Publish(userID, domain.ChangeEvent{Kind: domain.ChangeInsert, Row: b})
	return b, nil
}

func (g *memGateway) DeleteByID(ctx context.Context, userID, id string) error {
	g.mu.Lock()
	found := false
	for i, b := range g.rows {
		if b.ID == id && b.UserID == userID {
			g.rows = append(g.rows[:i], g.rows[i+1:]...)
			found = true
			break
		}
	}
	g.mu.Unlock()

	if !found {
		return domain.ErrNotFound
	}
	g.hub.Publish(userID, domain.ChangeEvent{Kind: domain.ChangeDelete, Row: domain.Bookmark{ID: id}})
	return nil
}

func newTestManager(t *testing.T, policies Policies) (*Manager, *memGateway, *hub.Hub) {
	t.Helper()
	log := logger.New("error", false)
	h := hub.New(log, 16)
	gw := &memGateway{hub: h}
	return NewManager(gw, h, policies, log), gw, h
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenStartsAndLoads(t *testing.T) {
	m, gw, h := newTestManager(t, Policies{})
	gw.rows = []domain.Bookmark{{ID: "x", Title: "X", URL: "https://x", UserID: "alice", CreatedAt: time.Unix(1, 0)}}

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.CloseAll()

	if sess.Store().State() != reconciler.StateReady {
		t.Errorf("State() = %v, want ready", sess.Store().State())
	}
	if sess.Store().Count() != 1 {
		t.Errorf("Count() = %d, want 1", sess.Store().Count())
	}
	if h.Subscribers("alice") != 1 {
		t.Errorf("Subscribers() = %d, want 1", h.Subscribers("alice"))
	}
}

func TestOpenReusesSession(t *testing.T) {
	m, _, h := newTestManager(t, Policies{})
	defer m.CloseAll()

	first, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if first != second {
		t.Error("Open() should return the live session")
	}
	if m.Count() != 1 || h.Subscribers("alice") != 1 {
		t.Errorf("sessions = %d, subscribers = %d, want 1 and 1", m.Count(), h.Subscribers("alice"))
	}
}

func TestFeedEventsReachTheStore(t *testing.T) {
	m, gw, _ := newTestManager(t, Policies{Insert: reconciler.InsertOnNotify})
	defer m.CloseAll()

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Another tab of the same user writes through the gateway.
	if _, err := gw.Insert(context.Background(), "alice", domain.Draft{Title: "A", URL: "https://a"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	waitFor(t, "insert notification", func() bool { return sess.Store().Count() == 1 })

	// Bob's writes never show up in Alice's view.
	if _, err := gw.Insert(context.Background(), "bob", domain.Draft{Title: "B", URL: "https://b"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sess.Store().Count() != 1 {
		t.Errorf("Count() = %d, want 1", sess.Store().Count())
	}
}

func TestCreateThroughSessionShowsOneRow(t *testing.T) {
	m, _, _ := newTestManager(t, Policies{})
	defer m.CloseAll()

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := sess.Store().Create(context.Background(), "A", "a.example.com"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if sess.Store().Count() != 1 {
		t.Errorf("Count() = %d, want exactly one row", sess.Store().Count())
	}
}

func TestDeferredDeleteThroughSession(t *testing.T) {
	m, gw, _ := newTestManager(t, Policies{Delete: reconciler.DeleteDeferred})
	defer m.CloseAll()
	gw.rows = []domain.Bookmark{{ID: "x", Title: "X", URL: "https://x", UserID: "alice", CreatedAt: time.Unix(1, 0)}}

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := sess.Store().Delete(context.Background(), "x"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	waitFor(t, "delete notification", func() bool { return sess.Store().Count() == 0 })
}

func TestRefreshTokenResubscribes(t *testing.T) {
	m, gw, h := newTestManager(t, Policies{Insert: reconciler.InsertOnNotify})
	defer m.CloseAll()

	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t1", IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	refreshed := issued.Add(30 * time.Minute)
	again, err := m.Open(context.Background(), "alice", Credential{Token: "t2", IssuedAt: refreshed, ExpiresAt: refreshed.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if again != sess {
		t.Fatal("a token change should keep the session")
	}
	if sess.Token() != "t2" {
		t.Errorf("Token() = %q, want t2", sess.Token())
	}
	if h.Subscribers("alice") != 1 {
		t.Errorf("Subscribers() = %d after refresh, want 1", h.Subscribers("alice"))
	}

	if _, err := gw.Insert(context.Background(), "alice", domain.Draft{Title: "A", URL: "https://a"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	waitFor(t, "insert after refresh", func() bool { return sess.Store().Count() == 1 })
}

func TestCredentialSupersedes(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := Credential{Token: "cur", IssuedAt: base, ExpiresAt: base.Add(time.Hour)}

	tests := []struct {
		name string
		next Credential
		want bool
	}{
		{"same token", cur, false},
		{"empty token", Credential{ExpiresAt: base.Add(2 * time.Hour)}, false},
		{"expires later", Credential{Token: "new", IssuedAt: base, ExpiresAt: base.Add(2 * time.Hour)}, true},
		{"expires earlier", Credential{Token: "old", IssuedAt: base, ExpiresAt: base.Add(time.Minute)}, false},
		{"same expiry issued later", Credential{Token: "new", IssuedAt: base.Add(time.Second), ExpiresAt: cur.ExpiresAt}, true},
		{"same expiry issued earlier", Credential{Token: "old", IssuedAt: base.Add(-time.Second), ExpiresAt: cur.ExpiresAt}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.next.supersedes(cur); got != tt.want {
				t.Errorf("supersedes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAlternatingDeviceTokensKeepSubscription(t *testing.T) {
	log := logger.New("error", false)
	gw := newFlakyGateway(nil)
	m := NewManager(gw, hub.New(log, 16), Policies{}, log)
	defer m.CloseAll()

	now := time.Now()
	laptop := Credential{Token: "laptop-token", IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)}
	phone := Credential{Token: "phone-token", IssuedAt: now.Add(-time.Minute), ExpiresAt: now.Add(2 * time.Hour)}

	for i := 0; i < 6; i++ {
		cred := laptop
		if i%2 == 1 {
			cred = phone
		}
		if _, err := m.Open(context.Background(), "alice", cred); err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
	}

	// One initial load, one refresh when the phone's later-expiring token shows up.
	if n := gw.listCalls(); n != 2 {
		t.Errorf("ListByUser calls = %d, want 2", n)
	}
	sess, _ := m.Get("alice")
	if sess.Token() != "phone-token" {
		t.Errorf("Token() = %q, want phone-token", sess.Token())
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	m, gw, h := newTestManager(t, Policies{Insert: reconciler.InsertOnNotify})

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	select {
	case <-sess.Done():
		t.Fatal("Done() closed before Close")
	default:
	}
	if !m.Close("alice") {
		t.Fatal("Close() should report an existing session")
	}
	select {
	case <-sess.Done():
	default:
		t.Error("Done() should be closed after Close")
	}
	if m.Close("alice") {
		t.Error("second Close() should report no session")
	}
	if err := sess.Close(); err != nil {
		t.Errorf("Session.Close() twice error = %v", err)
	}

	if h.Subscribers("alice") != 0 {
		t.Errorf("Subscribers() = %d after Close, want 0", h.Subscribers("alice"))
	}
	if _, err := gw.Insert(context.Background(), "alice", domain.Draft{Title: "A", URL: "https://a"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sess.Store().Count() != 0 {
		t.Error("closed session should not receive events")
	}
	if err := sess.RefreshToken(context.Background(), Credential{Token: "t3"}); !errors.Is(err, ErrClosed) {
		t.Errorf("RefreshToken() on closed session error = %v, want ErrClosed", err)
	}
}

func TestReapIdle(t *testing.T) {
	m, _, _ := newTestManager(t, Policies{})
	defer m.CloseAll()

	if _, err := m.Open(context.Background(), "alice", Credential{Token: "t"}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := m.Open(context.Background(), "bob", Credential{Token: "t"}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if n := m.ReapIdle(time.Now(), time.Hour); n != 0 {
		t.Errorf("ReapIdle() closed %d fresh sessions, want 0", n)
	}
	if n := m.ReapIdle(time.Now().Add(2*time.Hour), time.Hour); n != 2 {
		t.Errorf("ReapIdle() = %d, want 2", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d after reap, want 0", m.Count())
	}
}

// flakySource hands out subscriptions the test can sever, and can refuse to subscribe.
type flakySource struct {
	mu   sync.Mutex
	subs []*flakySub
	fail error
}

type flakySub struct {
	ch   chan domain.ChangeEvent
	once sync.Once
}

func (s *flakySub) Events() <-chan domain.ChangeEvent { return s.ch }
func (s *flakySub) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

func (f *flakySource) Subscribe(ctx context.Context, userID string) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	sub := &flakySub{ch: make(chan domain.ChangeEvent, 4)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *flakySource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *flakySource) sub(i int) *flakySub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func TestLostFeedRecoversWithoutResyncer(t *testing.T) {
	log := logger.New("error", false)
	src := &flakySource{}
	gw := newFlakyGateway(nil)
	m := NewManager(gw, src, Policies{}, log)
	defer m.CloseAll()

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	loads := gw.listCalls()

	src.sub(0).Close() // connection dropped
	waitFor(t, "resubscribe", func() bool { return src.count() == 2 })
	waitFor(t, "reload after feed loss", func() bool { return gw.listCalls() > loads })
	waitFor(t, "feed restored", func() bool { return !sess.FeedLost() })

	src.sub(1).ch <- domain.ChangeEvent{Kind: domain.ChangeInsert, Row: domain.Bookmark{ID: "n", UserID: "alice"}}
	waitFor(t, "event on new subscription", func() bool { return sess.Store().Count() == 1 })
}

func TestResyncResubscribesAfterFailedRecovery(t *testing.T) {
	log := logger.New("error", false)
	src := &flakySource{}
	m := NewManager(newFlakyGateway(nil), src, Policies{}, log)
	defer m.CloseAll()

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	sess.recoverAttempts = 1
	src.mu.Lock()
	src.fail = errors.New("realtime unavailable")
	src.mu.Unlock()
	src.sub(0).Close()
	waitFor(t, "feed loss", sess.FeedLost)
	time.Sleep(20 * time.Millisecond) // the single recovery attempt fails

	src.mu.Lock()
	src.fail = nil
	src.mu.Unlock()
	if err := sess.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if sess.FeedLost() {
		t.Error("FeedLost() should clear after resubscribing")
	}
	if src.count() != 2 {
		t.Fatalf("subscriptions = %d, want 2", src.count())
	}
}

// flakyGateway fails ListByUser while failLists > 0 and can run a hook
// (such as cancelling the caller's context) before answering.
type flakyGateway struct {
	mu        sync.Mutex
	rows      []domain.Bookmark
	failLists int
	lists     int
	onList    func()
}

func newFlakyGateway(rows []domain.Bookmark) *flakyGateway {
	return &flakyGateway{rows: rows}
}

func (g *flakyGateway) ListByUser(ctx context.Context, userID string) ([]domain.Bookmark, error) {
	g.mu.Lock()
	g.lists++
	hook := g.onList
	fail := g.failLists > 0
	if fail {
		g.failLists--
	}
	rows := append([]domain.Bookmark(nil), g.rows...)
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail {
		return nil, errors.New("network down")
	}
	return rows, nil
}

func (g *flakyGateway) Insert(ctx context.Context, userID string, d domain.Draft) (domain.Bookmark, error) {
	return domain.Bookmark{}, errors.New("read only")
}

func (g *flakyGateway) DeleteByID(ctx context.Context, userID, id string) error {
	return domain.ErrNotFound
}

func (g *flakyGateway) listCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lists
}

func TestOpenRetriesFailedFirstLoad(t *testing.T) {
	log := logger.New("error", false)
	gw := newFlakyGateway([]domain.Bookmark{{ID: "x", Title: "X", URL: "https://x", UserID: "alice", CreatedAt: time.Unix(1, 0)}})
	gw.failLists = 1
	m := NewManager(gw, hub.New(log, 4), Policies{LoadRetryInterval: time.Hour}, log)
	defer m.CloseAll()

	sess, err := m.Open(context.Background(), "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if sess.Store().LastError() == nil || sess.Store().Count() != 0 {
		t.Fatalf("first load should fail: err=%v count=%d", sess.Store().LastError(), sess.Store().Count())
	}

	// The backend is back: the next request retries at once.
	if _, err := m.Open(context.Background(), "alice", Credential{Token: "t1"}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := sess.Store().LastError(); err != nil {
		t.Errorf("LastError() = %v after retry, want nil", err)
	}
	if sess.Store().Count() != 1 {
		t.Errorf("Count() = %d after retry, want 1", sess.Store().Count())
	}

	// A healthy view is not reloaded on every request.
	if _, err := m.Open(context.Background(), "alice", Credential{Token: "t1"}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if n := gw.listCalls(); n != 2 {
		t.Errorf("ListByUser calls = %d, want 2", n)
	}
}

func TestOpenSpacesRetriesOfFailedLoad(t *testing.T) {
	log := logger.New("error", false)
	gw := newFlakyGateway(nil)
	gw.failLists = 10
	m := NewManager(gw, hub.New(log, 4), Policies{LoadRetryInterval: time.Hour}, log)
	defer m.CloseAll()

	for i := 0; i < 4; i++ {
		if _, err := m.Open(context.Background(), "alice", Credential{Token: "t1"}); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
	}
	// Initial load plus one retry; the rest fall inside the retry interval.
	if n := gw.listCalls(); n != 2 {
		t.Errorf("ListByUser calls = %d, want 2", n)
	}
}

func TestInitialLoadOutlivesRequestContext(t *testing.T) {
	log := logger.New("error", false)
	gw := newFlakyGateway([]domain.Bookmark{{ID: "x", Title: "X", URL: "https://x", UserID: "alice", CreatedAt: time.Unix(1, 0)}})
	m := NewManager(gw, hub.New(log, 4), Policies{}, log)
	defer m.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.onList = cancel // the client goes away while the load is in flight

	sess, err := m.Open(ctx, "alice", Credential{Token: "t1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := sess.Store().LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}
	if sess.Store().Count() != 1 {
		t.Errorf("Count() = %d, want 1", sess.Store().Count())
	}
}

func TestOpenFailsWhenSubscribeFails(t *testing.T) {
	log := logger.New("error", false)
	src := &flakySource{fail: errors.New("realtime unavailable")}
	m := NewManager(&memGateway{hub: hub.New(log, 1)}, src, Policies{}, log)

	if _, err := m.Open(context.Background(), "alice", Credential{Token: "t"}); err == nil {
		t.Fatal("Open() should fail when the feed cannot be subscribed")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}
