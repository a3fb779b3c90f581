package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/MrSnakeDoc/shelf/internal/logger"
)

type testEnv struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *Store
	feed   *Feed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })

	store := NewStore(client)
	store.now = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{
		mr:     mr,
		client: client,
		store:  store,
		feed:   NewFeed(client, logger.New("error", false)),
	}
}

func (e *testEnv) subscribe(t *testing.T, userID string) feed.Subscription {
	t.Helper()
	sub, err := e.feed.Subscribe(context.Background(), userID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func nextEvent(t *testing.T, sub feed.Subscription) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return domain.ChangeEvent{}
}

func ids(rows []domain.Bookmark) []string {
	out := make([]string, len(rows))
	for i, b := range rows {
		out[i] = b.ID
	}
	return out
}

func TestInsertManyListsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows, err := env.store.InsertMany(ctx, "alice", []domain.Draft{
		{Title: "First", URL: "https://first"},
		{Title: "Second", URL: "https://second"},
		{Title: "Third", URL: "https://third"},
	})
	if err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("InsertMany() returned %d rows, want 3", len(rows))
	}
	for _, b := range rows {
		if b.ID == "" || b.UserID != "alice" {
			t.Errorf("row %+v should carry an id and the owner", b)
		}
		if b.CreatedAt.Location() != time.UTC || b.CreatedAt.Nanosecond()%int(time.Millisecond) != 0 {
			t.Errorf("CreatedAt = %v, want UTC at millisecond precision", b.CreatedAt)
		}
	}
	if _, err := env.store.Insert(ctx, "bob", domain.Draft{Title: "Bob", URL: "https://bob"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := env.store.ListByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	want := ids(rows)
	if g := ids(got); len(g) != 3 || g[0] != want[0] || g[1] != want[1] || g[2] != want[2] {
		t.Errorf("ListByUser() = %v, want input order %v", g, want)
	}

	empty, err := env.store.ListByUser(ctx, "carol")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("ListByUser(carol) = %v, %v; want empty slice", empty, err)
	}
}

func TestInsertManyRejectsMissingUser(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.InsertMany(context.Background(), "", []domain.Draft{{Title: "A", URL: "https://a"}}); err == nil {
		t.Error("InsertMany() without user should fail")
	}
	rows, err := env.store.InsertMany(context.Background(), "alice", nil)
	if err != nil || len(rows) != 0 {
		t.Errorf("InsertMany(nil) = %v, %v; want no rows", rows, err)
	}
}

func TestInsertPublishesToOwnerFeed(t *testing.T) {
	env := newTestEnv(t)
	alice := env.subscribe(t, "alice")
	bob := env.subscribe(t, "bob")

	row, err := env.store.Insert(context.Background(), "alice", domain.Draft{Title: "A", URL: "https://a"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	ev := nextEvent(t, alice)
	if ev.Kind != domain.ChangeInsert || ev.Row.ID != row.ID || ev.Row.UserID != "alice" {
		t.Errorf("event = %+v, want insert of %s", ev, row.ID)
	}
	select {
	case ev := <-bob.Events():
		t.Errorf("bob received %+v, want nothing", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteByIDIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	row, err := env.store.Insert(ctx, "alice", domain.Draft{Title: "A", URL: "https://a"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	sub := env.subscribe(t, "alice")

	if err := env.store.DeleteByID(ctx, "bob", row.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("DeleteByID(bob) error = %v, want ErrNotFound", err)
	}
	if err := env.store.DeleteByID(ctx, "alice", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("DeleteByID(missing) error = %v, want ErrNotFound", err)
	}
	if rows, _ := env.store.ListByUser(ctx, "alice"); len(rows) != 1 {
		t.Fatalf("row should survive a foreign delete, got %v", ids(rows))
	}

	if err := env.store.DeleteByID(ctx, "alice", row.ID); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}
	if rows, _ := env.store.ListByUser(ctx, "alice"); len(rows) != 0 {
		t.Errorf("ListByUser() after delete = %v, want empty", ids(rows))
	}
	if env.mr.Exists(BookmarkKey(row.ID)) {
		t.Error("row key should be gone")
	}

	ev := nextEvent(t, sub)
	if ev.Kind != domain.ChangeDelete || ev.Row.ID != row.ID || ev.Row.UserID != "alice" {
		t.Errorf("event = %+v, want delete of %s", ev, row.ID)
	}
}

func TestListSkipsDanglingAndForeignMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	row, err := env.store.Insert(ctx, "alice", domain.Draft{Title: "A", URL: "https://a"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// A member whose row is gone, and one whose row belongs to bob.
	if _, err := env.mr.ZAdd(UserBookmarksKey("alice"), 1, "ghost"); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	foreign, _ := json.Marshal(domain.Bookmark{ID: "theirs", Title: "T", URL: "https://t", UserID: "bob"})
	if err := env.mr.Set(BookmarkKey("theirs"), string(foreign)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := env.mr.ZAdd(UserBookmarksKey("alice"), 2, "theirs"); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}

	got, err := env.store.ListByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if g := ids(got); len(g) != 1 || g[0] != row.ID {
		t.Errorf("ListByUser() = %v, want only %s", g, row.ID)
	}
}

func TestListFailsOnCorruptRow(t *testing.T) {
	env := newTestEnv(t)
	if err := env.mr.Set(BookmarkKey("bad"), "{not json"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := env.mr.ZAdd(UserBookmarksKey("alice"), 1, "bad"); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	if _, err := env.store.ListByUser(context.Background(), "alice"); err == nil {
		t.Error("ListByUser() should report a corrupt row")
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	env.mr.Close()
	if err := env.store.Ping(context.Background()); err == nil {
		t.Error("Ping() should fail once the server is gone")
	}
}
