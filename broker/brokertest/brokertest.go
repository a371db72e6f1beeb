// Package brokertest is a conformance suite shared by every broker.Broker
// implementation.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/careprep/careprep-go/broker"
)

// BrokerFactory creates a new broker instance for a single test.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFromNext", func(t *testing.T) {
		testPublishAndSubscribeFromNext(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("OrderedDelivery", func(t *testing.T) {
		testOrderedDelivery(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
}

// collector gathers envelopes and cancels once want have arrived.
type collector struct {
	mu     sync.Mutex
	got    []broker.MessageEnvelope
	want   int
	cancel context.CancelFunc
}

func (c *collector) handle(ctx context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	c.got = append(c.got, env)
	n := len(c.got)
	c.mu.Unlock()
	if n >= c.want {
		c.cancel()
	}
	return nil
}

func (c *collector) envelopes() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.got...)
}

func subscribe(ctx context.Context, b broker.Broker, topic, lastEventID string, c *collector) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, topic, lastEventID, c.handle) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not complete within timeout")
		return nil
	}
}

func uniqueTopic(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func testPublishAndSubscribeFromNext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := uniqueTopic(t, "next")

	if _, err := b.Publish(ctx, topic, []byte("before")); err != nil {
		t.Fatalf("publish before: %v", err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	c := &collector{want: 1, cancel: subCancel}
	done := subscribe(subCtx, b, topic, "", c)

	// Give the subscription time to start.
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, topic, []byte("after"))
	if err != nil {
		t.Fatalf("publish after: %v", err)
	}
	if eventID == "" {
		t.Fatal("expected non-empty event ID")
	}

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	got := c.envelopes()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ID != eventID || string(got[0].Data) != "after" {
		t.Fatalf("unexpected envelope %s %q", got[0].ID, got[0].Data)
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := uniqueTopic(t, "resume")

	first, err := b.Publish(ctx, topic, []byte("one"))
	if err != nil {
		t.Fatalf("publish one: %v", err)
	}
	second, err := b.Publish(ctx, topic, []byte("two"))
	if err != nil {
		t.Fatalf("publish two: %v", err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	c := &collector{want: 1, cancel: subCancel}
	if err := waitDone(t, subscribe(subCtx, b, topic, first, c)); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	got := c.envelopes()
	if len(got) != 1 || got[0].ID != second || string(got[0].Data) != "two" {
		t.Fatalf("expected only the second message, got %+v", got)
	}
}

func testOrderedDelivery(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := uniqueTopic(t, "ordered")

	subCtx, subCancel := context.WithCancel(ctx)
	const n = 20
	c := &collector{want: n, cancel: subCancel}
	done := subscribe(subCtx, b, topic, "", c)
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, topic, []byte(fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	got := c.envelopes()
	if len(got) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got))
	}
	for i, env := range got {
		if want := fmt.Sprintf("m%02d", i); string(env.Data) != want {
			t.Fatalf("message %d: got %q want %q", i, env.Data, want)
		}
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := uniqueTopic(t, "fanout")

	ctx1, cancel1 := context.WithCancel(ctx)
	ctx2, cancel2 := context.WithCancel(ctx)
	c1 := &collector{want: 1, cancel: cancel1}
	c2 := &collector{want: 1, cancel: cancel2}
	done1 := subscribe(ctx1, b, topic, "", c1)
	done2 := subscribe(ctx2, b, topic, "", c2)
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, topic, []byte("hello"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, done := range []<-chan error{done1, done2} {
		if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
			t.Fatalf("subscriber %d error: %v", i+1, err)
		}
	}
	for i, c := range []*collector{c1, c2} {
		got := c.envelopes()
		if len(got) != 1 || got[0].ID != eventID {
			t.Fatalf("subscriber %d: expected event %s, got %+v", i+1, eventID, got)
		}
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topicA := uniqueTopic(t, "iso-a")
	topicB := uniqueTopic(t, "iso-b")

	subCtx, subCancel := context.WithCancel(ctx)
	c := &collector{want: 1, cancel: subCancel}
	done := subscribe(subCtx, b, topicA, "", c)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, topicB, []byte("other")); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	eventID, err := b.Publish(ctx, topicA, []byte("mine"))
	if err != nil {
		t.Fatalf("publish a: %v", err)
	}

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	got := c.envelopes()
	if len(got) != 1 || got[0].ID != eventID || string(got[0].Data) != "mine" {
		t.Fatalf("expected only topic A message, got %+v", got)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := uniqueTopic(t, "handler-err")

	sentinel := errors.New("stop")
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, topic, "", func(ctx context.Context, env broker.MessageEnvelope) error {
			return sentinel
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, topic, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, sentinel) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := uniqueTopic(t, "cleanup")

	if _, err := b.Publish(ctx, topic, []byte("old")); err != nil {
		t.Fatalf("publish old: %v", err)
	}
	if err := b.Cleanup(ctx, topic); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// Cleaning an unknown topic is not an error.
	if err := b.Cleanup(ctx, topic+"-missing"); err != nil {
		t.Fatalf("cleanup missing: %v", err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	c := &collector{want: 1, cancel: subCancel}
	done := subscribe(subCtx, b, topic, "", c)
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, topic, []byte("new"))
	if err != nil {
		t.Fatalf("publish new: %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	if got := c.envelopes(); len(got) != 1 || got[0].ID != eventID || string(got[0].Data) != "new" {
		t.Fatalf("expected only the post-cleanup message, got %+v", got)
	}
}
