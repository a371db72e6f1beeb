package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/careprep/careprep-go/broker"
)

// Feed carries Changes over a broker topic. Providers publish through it and
// hand out Subscriptions backed by it, so the same notification stream can be
// shared in-process (broker/memory) or across processes (broker/redis).
type Feed struct {
	broker broker.Broker
	topic  string
	log    *slog.Logger
	origin string
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// FeedOrigin stamps every published change with origin and makes
// subscriptions drop changes stamped by anyone else. Providers whose
// session state is private to the instance use it so a shared topic cannot
// report an identity they hold no credentials for.
func FeedOrigin(origin string) FeedOption {
	return func(f *Feed) { f.origin = origin }
}

// NewFeed creates a Feed on topic. A nil logger uses slog.Default().
func NewFeed(b broker.Broker, topic string, logger *slog.Logger, opts ...FeedOption) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{broker: b, topic: topic, log: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Topic returns the broker topic the feed uses.
func (f *Feed) Topic() string { return f.topic }

// Publish appends c to the topic and returns its event ID.
func (f *Feed) Publish(ctx context.Context, c Change) (string, error) {
	if f.origin != "" {
		c.Origin = f.origin
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode change: %w", err)
	}
	eventID, err := f.broker.Publish(ctx, f.topic, data)
	if err != nil {
		return "", fmt.Errorf("failed to publish change: %w", err)
	}
	return eventID, nil
}

// Subscribe starts a Subscription that first yields initial (when non-nil)
// and then every change published after lastEventID. An empty lastEventID
// starts with the next published change.
func (f *Feed) Subscribe(ctx context.Context, initial *Change, lastEventID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &feedSubscription{
		events: make(chan Change, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if initial != nil {
		s.events <- Change{Identity: initial.Identity.Clone(), Origin: f.origin}
	}

	go func() {
		defer close(s.done)
		defer close(s.events)

		err := f.broker.Subscribe(subCtx, f.topic, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
			var c Change
			if err := json.Unmarshal(env.Data, &c); err != nil {
				f.log.WarnContext(ctx, "identity.feed.decode.fail",
					slog.String("event_id", env.ID),
					slog.String("err", err.Error()))
				return nil
			}
			if f.origin != "" && c.Origin != f.origin {
				f.log.DebugContext(ctx, "identity.feed.foreign",
					slog.String("event_id", env.ID),
					slog.String("origin", c.Origin))
				return nil
			}
			select {
			case s.events <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			f.log.WarnContext(subCtx, "identity.feed.subscribe.fail",
				slog.String("topic", f.topic),
				slog.String("err", err.Error()))
		}
	}()
	return s, nil
}

type feedSubscription struct {
	events    chan Change
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *feedSubscription) Events() <-chan Change { return s.events }

// Close stops delivery and waits for the delivery goroutine to exit.
func (s *feedSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
