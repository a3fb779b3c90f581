package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// feedBuffer is the per-subscription queue between go-redis and the session pump.
const feedBuffer = 64

// Feed is the change feed over Redis pub/sub.
type Feed struct {
	client *redis.Client
	log    logger.Logger
}

// NewFeed creates a feed reading the channels Store publishes to
func NewFeed(client *redis.Client, log logger.Logger) *Feed {
	return &Feed{client: client, log: log}
}

var _ feed.Source = (*Feed)(nil)

// Subscribe listens on the user's feed channel. ctx bounds only the
// SUBSCRIBE round trip; the subscription lives until Close.
func (f *Feed) Subscribe(ctx context.Context, userID string) (feed.Subscription, error) {
	channel := FeedChannel(userID)
	pubsub := f.client.Subscribe(ctx, channel)

	// Wait for the confirmation so no publish after this call is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &subscription{
		pubsub: pubsub,
		out:    make(chan domain.ChangeEvent, feedBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    f.log.With(logger.String("channel", channel)),
	}
	go sub.run(pubsub.ChannelWithSubscriptions(redis.WithChannelSize(feedBuffer)))

	return sub, nil
}

type subscription struct {
	pubsub *redis.PubSub
	out    chan domain.ChangeEvent
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	log    logger.Logger
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// run forwards decoded events until Close. go-redis reconnects and
// resubscribes on its own; messages published in between are gone, so a
// fresh subscribe confirmation ends the subscription as a lost feed and the
// session reloads.
func (s *subscription) run(messages <-chan any) {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-s.quit:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			ev, act := s.classify(msg)
			switch act {
			case skipMessage:
				continue
			case feedLost:
				metrics.FeedDropped.WithLabelValues("redis").Inc()
				s.log.Warn("redis subscription re-established, ending feed so the view is reloaded")
				return
			}
			select {
			case s.out <- ev:
			case <-s.quit:
				return
			}
		}
	}
}

type action int

const (
	deliverEvent action = iota
	skipMessage
	feedLost
)

// classify decides what to do with one item of the pub/sub channel.
func (s *subscription) classify(msg any) (domain.ChangeEvent, action) {
	switch m := msg.(type) {
	case *redis.Message:
		ev, err := domain.DecodeEvent([]byte(m.Payload))
		if err != nil {
			metrics.FeedDropped.WithLabelValues("redis").Inc()
			s.log.Warn("dropping malformed change event", logger.Error(err))
			return domain.ChangeEvent{}, skipMessage
		}
		return ev, deliverEvent
	case *redis.Subscription:
		// The first confirmation was consumed by Subscribe; any later
		// "subscribe" comes from a reconnect.
		if m.Kind == "subscribe" {
			return domain.ChangeEvent{}, feedLost
		}
		return domain.ChangeEvent{}, skipMessage
	default:
		return domain.ChangeEvent{}, skipMessage
	}
}
