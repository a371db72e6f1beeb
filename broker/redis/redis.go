// Package redis is a Redis Streams implementation of broker.Broker. It lets
// several CarePrep processes observe the same identity provider topic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/careprep/careprep-go/broker"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "careprep:broker:".
	KeyPrefix string
	// MaxLen approximately bounds each stream. Defaults to 1000.
	MaxLen int64
	// Block is how long a single XREAD waits before re-checking the
	// context. Defaults to one second.
	Block time.Duration
}

// Broker is a Redis Streams-based broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	b := &Broker{
		client:    client,
		keyPrefix: config.KeyPrefix,
		maxLen:    config.MaxLen,
		block:     config.Block,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "careprep:broker:"
	}
	if b.maxLen <= 0 {
		b.maxLen = 1000
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	return b
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	key := b.streamKey(topic)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", key, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string, handler broker.MessageHandler) error {
	key := b.streamKey(topic)

	startID := lastEventID
	if startID == "" {
		// Pin "$" to a concrete ID once so nothing published between two
		// reads is skipped.
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read stream tail %s: %w", key, err)
		}
		startID = "0-0"
		if len(last) == 1 {
			startID = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   16,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				var payload []byte
				switch v := message.Values["data"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: payload}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	key := b.streamKey(topic)
	if err := b.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup topic %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

var _ broker.Broker = (*Broker)(nil)
