// Package broker carries ordered notifications between the parts of a
// CarePrep client. Identity providers publish session-change events to a
// topic and every Session Store subscribed to that topic receives them in
// publication order.
//
// Two backends are provided: broker/memory for a single process and
// broker/redis (Redis Streams) for sharing one session across processes.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe once a topic has been
// cleaned up.
var ErrClosed = errors.New("broker: topic closed")

// MessageHandler is invoked for each delivered envelope. Returning an error
// stops the subscription and Subscribe returns that error.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// Broker handles ordered topic delivery.
type Broker interface {
	// Publish appends data to topic and returns the generated event ID.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe delivers topic messages to handler until ctx is done, the
	// handler fails or the topic is cleaned up. If lastEventID is empty the
	// subscription starts with the next published message; otherwise it
	// resumes right after lastEventID. An unknown lastEventID behaves like
	// an empty one.
	Subscribe(ctx context.Context, topic string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all retained messages of a topic.
	Cleanup(ctx context.Context, topic string) error
}

// MessageEnvelope wraps a message with its ordering metadata.
type MessageEnvelope struct {
	// ID is unique and monotonically increasing within a topic.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
