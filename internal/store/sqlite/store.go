// Package sqlite provides a SQLite-backed persistence gateway. SQLite has no
// change notifications, so committed writes are published to a feed.Publisher.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store persists bookmarks in SQLite.
type Store struct {
	sqlDB     *sql.DB
	publisher feed.Publisher
	now       func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path, applies the schema and publishes
// committed changes to publisher (may be nil).
func Open(path string, publisher feed.Publisher) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, publisher: publisher, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the handle, used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// ListByUser returns the user's bookmarks, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]domain.Bookmark, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, user_id, title, url, created_at
		   FROM bookmarks
		  WHERE user_id = ?
		  ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := []domain.Bookmark{}
	for rows.Next() {
		var (
			b         domain.Bookmark
			createdAt int64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.Title, &b.URL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		b.CreatedAt = fromMillis(createdAt)
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return bookmarks, nil
}

// Insert stores a new bookmark for userID.
func (s *Store) Insert(ctx context.Context, userID string, draft domain.Draft) (domain.Bookmark, error) {
	rows, err := s.InsertMany(ctx, userID, []domain.Draft{draft})
	if err != nil {
		return domain.Bookmark{}, err
	}
	return rows[0], nil
}

// InsertMany stores several bookmarks in one transaction (bulk import).
// The first draft gets the newest timestamp so input order is the display order.
func (s *Store) InsertMany(ctx context.Context, userID string, drafts []domain.Draft) ([]domain.Bookmark, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if len(drafts) == 0 {
		return []domain.Bookmark{}, nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	base := s.now().UTC().Truncate(time.Millisecond)
	out := make([]domain.Bookmark, len(drafts))
	for i, d := range drafts {
		b := domain.Bookmark{
			ID:        uuid.NewString(),
			Title:     d.Title,
			URL:       d.URL,
			UserID:    userID,
			CreatedAt: base.Add(time.Duration(len(drafts)-1-i) * time.Millisecond),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bookmarks (id, user_id, title, url, created_at) VALUES (?, ?, ?, ?, ?)`,
			b.ID, b.UserID, b.Title, b.URL, toMillis(b.CreatedAt),
		); err != nil {
			return nil, fmt.Errorf("insert bookmark: %w", err)
		}
		out[i] = b
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}

	for _, b := range out {
		s.publish(userID, domain.ChangeEvent{Kind: domain.ChangeInsert, Row: b})
	}
	return out, nil
}

// DeleteByID removes a bookmark owned by userID.
// Returns domain.ErrNotFound when no such row exists for that user.
func (s *Store) DeleteByID(ctx context.Context, userID, id string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM bookmarks WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}

	s.publish(userID, domain.ChangeEvent{
		Kind: domain.ChangeDelete,
		Row:  domain.Bookmark{ID: id, UserID: userID},
	})
	return nil
}

func (s *Store) publish(userID string, ev domain.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(userID, ev)
}
