// Package feed defines the per-user change notification stream consumed by a session.
package feed

import (
	"context"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// Source establishes change subscriptions scoped to one user.
type Source interface {
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// Subscription delivers notifications until Close is called.
// Events is closed after Close returns or when the underlying connection ends.
type Subscription interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

// Publisher is implemented by feeds that gateways write change events into.
type Publisher interface {
	Publish(userID string, ev domain.ChangeEvent)
}
