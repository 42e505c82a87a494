// Package broker fans controller events out to UI adapters. Each topic is an
// ordered, resumable log: subscribers may reconnect with the last event ID
// they saw and continue without gaps, as long as the backlog still holds it.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe on a topic that has been
// cleaned up.
var ErrClosed = errors.New("broker: topic closed")

// Broker publishes events to topics and serves ordered subscriptions.
type Broker interface {
	// Publish appends data to topic and returns the generated event ID.
	// IDs are unique and increase monotonically within a topic.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe to topic, resuming after lastEventID if provided. With an
	// empty lastEventID the subscription starts with the next published
	// event.
	Subscribe(ctx context.Context, topic string, lastEventID string) (MessageStream, error)

	// Cleanup removes the topic's backlog and ends its subscriptions.
	Cleanup(ctx context.Context, topic string) error
}

// MessageStream is an ordered subscription to one topic. A stream is meant
// for a single consumer.
type MessageStream interface {
	// Next blocks until the next event is available or ctx is done. It
	// returns io.EOF once the stream has been closed.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases the stream. Close is idempotent.
	Close() error
}

// MessageEnvelope is one published event.
type MessageEnvelope struct {
	// ID is the event ID assigned by Publish.
	ID string `json:"id"`
	// Data is the JSON payload.
	Data []byte `json:"data"`
}
