// Package hub is an in-process change feed. Gateways that have no native
// notification channel (sqlite) publish into it after each committed write.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub fans change events out to the subscribers of each user.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	log    logger.Logger
}

// New creates a hub. buffer <= 0 uses DefaultBuffer.
func New(log logger.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

var _ feed.Source = (*Hub)(nil)
var _ feed.Publisher = (*Hub)(nil)

// Subscribe registers a new subscriber for userID.
func (h *Hub) Subscribe(ctx context.Context, userID string) (feed.Subscription, error) {
	if userID == "" {
		return nil, errors.New("hub: user id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		hub:    h,
		userID: userID,
		ch:     make(chan domain.ChangeEvent, h.buffer),
	}

	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub, nil
}

// Publish delivers ev to every subscriber of userID without blocking.
// A subscriber whose queue is full is evicted: its Events channel closes,
// which its session treats as a lost feed and answers with a full load.
func (h *Hub) Publish(userID string, ev domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			metrics.FeedDropped.WithLabelValues("hub").Inc()
			h.log.Warn("evicting slow subscriber",
				logger.String("user_id", userID),
				logger.String("bookmark_id", ev.Row.ID))
			h.removeLocked(sub)
		}
	}
}

// Subscribers returns the number of open subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked drops sub and closes its channel. Caller holds h.mu, so
// Publish never sends on a closed channel.
func (h *Hub) removeLocked(sub *subscription) {
	set := h.subs[sub.userID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.userID)
	}
	close(sub.ch)
}

type subscription struct {
	hub    *Hub
	userID string
	ch     chan domain.ChangeEvent
	once   sync.Once
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() { s.hub.remove(s) })
	return nil
}
