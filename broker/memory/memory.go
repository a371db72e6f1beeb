// Package memory provides an in-process implementation of broker.Broker.
// Messages are retained per topic (bounded) and every subscriber keeps its
// own cursor, so a slow subscriber never loses a notification while it is
// within the retention window.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/careprep/careprep-go/broker"
)

// DefaultRetention is the number of messages kept per topic.
const DefaultRetention = 1024

// Broker implements broker.Broker using in-memory topics.
type Broker struct {
	mu           sync.Mutex
	topics       map[string]*topic
	retention    int
	eventCounter atomic.Int64
}

type topic struct {
	mu       sync.Mutex
	messages []broker.MessageEnvelope
	// offset is the absolute position of messages[0].
	offset int
	// notify is closed and replaced on every publish and on cleanup.
	notify chan struct{}
	closed bool
}

// Option configures a memory Broker.
type Option func(*Broker)

// WithRetention bounds the number of messages retained per topic.
func WithRetention(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.retention = n
		}
	}
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:    make(map[string]*topic),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{notify: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("%w: %q", broker.ErrClosed, name)
	}

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	payload := make([]byte, len(data))
	copy(payload, data)
	t.messages = append(t.messages, broker.MessageEnvelope{ID: eventID, Data: payload})
	if over := len(t.messages) - b.retention; over > 0 {
		t.messages = append([]broker.MessageEnvelope(nil), t.messages[over:]...)
		t.offset += over
	}

	close(t.notify)
	t.notify = make(chan struct{})
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := b.topic(name)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", broker.ErrClosed, name)
	}
	cursor := t.offset + len(t.messages)
	if lastEventID != "" {
		for i, msg := range t.messages {
			if msg.ID == lastEventID {
				cursor = t.offset + i + 1
				break
			}
		}
	}
	t.mu.Unlock()

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return fmt.Errorf("%w: %q", broker.ErrClosed, name)
		}
		if cursor < t.offset {
			// Fell behind the retention window; continue with the oldest
			// retained message.
			cursor = t.offset
		}
		if idx := cursor - t.offset; idx < len(t.messages) {
			env := t.messages[idx]
			cursor++
			t.mu.Unlock()
			if err := handler(ctx, env); err != nil {
				return err
			}
			continue
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Cleanup implements broker.Broker. Active subscribers return
// broker.ErrClosed; a later Publish to the same topic starts a fresh one.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	t, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	t.closed = true
	t.messages = nil
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
