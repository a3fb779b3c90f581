package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store is the persistence gateway over Redis. Every write also publishes
// its change event on the owner's feed channel inside the same MULTI.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
		now:    time.Now,
	}
}

// Ping checks the connection, used by readiness checks
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ListByUser returns the user's bookmarks, newest first
func (s *Store) ListByUser(ctx context.Context, userID string) ([]domain.Bookmark, error) {
	ids, err := s.client.ZRevRange(ctx, UserBookmarksKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bookmark IDs: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Bookmark{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = BookmarkKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bookmarks: %w", err)
	}

	bookmarks := make([]domain.Bookmark, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Dangling set member, row already gone
			continue
		}
		var b domain.Bookmark
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bookmark: %w", err)
		}
		if b.UserID != userID {
			continue
		}
		bookmarks = append(bookmarks, b)
	}

	domain.SortNewestFirst(bookmarks)
	return bookmarks, nil
}

// Insert stores a new bookmark for userID and publishes the insert
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
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if len(drafts) == 0 {
		return []domain.Bookmark{}, nil
	}

	base := s.now().UTC().Truncate(time.Millisecond)
	rows := make([]domain.Bookmark, len(drafts))

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, d := range drafts {
			b := domain.Bookmark{
				ID:        uuid.NewString(),
				Title:     d.Title,
				URL:       d.URL,
				UserID:    userID,
				CreatedAt: base.Add(time.Duration(len(drafts)-1-i) * time.Millisecond),
			}
			data, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("failed to marshal bookmark %s: %w", b.ID, err)
			}
			event, err := domain.EncodeEvent(domain.ChangeEvent{Kind: domain.ChangeInsert, Row: b})
			if err != nil {
				return err
			}

			pipe.Set(ctx, BookmarkKey(b.ID), data, 0)
			pipe.ZAdd(ctx, UserBookmarksKey(userID), redis.Z{
				Score:  float64(b.CreatedAt.UnixMilli()),
				Member: b.ID,
			})
			pipe.Publish(ctx, FeedChannel(userID), event)
			rows[i] = b
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save bookmarks: %w", err)
	}

	return rows, nil
}

// DeleteByID removes a bookmark owned by userID and publishes the delete.
// Returns domain.ErrNotFound when the row is missing or owned by someone else.
func (s *Store) DeleteByID(ctx context.Context, userID, id string) error {
	key := BookmarkKey(id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to get bookmark: %w", err)
		}

		var b domain.Bookmark
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("failed to unmarshal bookmark: %w", err)
		}
		if b.UserID != userID {
			return domain.ErrNotFound
		}

		event, err := domain.EncodeEvent(domain.ChangeEvent{Kind: domain.ChangeDelete, Row: b})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, UserBookmarksKey(userID), id)
			pipe.Publish(ctx, FeedChannel(userID), event)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		// Someone else changed the row between GET and EXEC; the feed tells us the outcome
		return fmt.Errorf("bookmark %s changed concurrently: %w", id, err)
	default:
		return fmt.Errorf("failed to delete bookmark: %w", err)
	}
}
