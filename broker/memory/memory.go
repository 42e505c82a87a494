// Package memory provides an in-process implementation of broker.Broker. It
// keeps a bounded backlog per topic so that subscribers can resume after a
// reconnect, and is the default broker when the UI runs in the same process
// as the device actor.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/solo2-authenticator/broker"
)

const (
	// DefaultBacklog is the number of events retained per topic.
	DefaultBacklog = 256
	// DefaultBuffer is the per-subscriber buffer.
	DefaultBuffer = 64
)

// Broker implements broker.Broker with in-memory state.
type Broker struct {
	mu           sync.Mutex
	topics       map[string]*topic
	eventCounter atomic.Int64
	backlog      int
	buffer       int
}

type topic struct {
	mu          sync.Mutex
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	topic  *topic
	ch     chan broker.MessageEnvelope
	done   chan struct{}
	closed atomic.Bool
	// overflow is set when the publisher dropped events for this
	// subscriber; Next then reports the gap and ends the stream.
	overflow atomic.Bool
}

// Option customizes a Broker.
type Option func(*Broker)

// WithBacklog sets the number of retained events per topic.
func WithBacklog(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.backlog = n
		}
	}
}

// WithBuffer sets the per-subscriber buffer.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates a memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:  make(map[string]*topic),
		backlog: DefaultBacklog,
		buffer:  DefaultBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscription]struct{})}
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
		return "", fmt.Errorf("topic %q: %w", name, broker.ErrClosed)
	}

	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}
	t.messages = append(t.messages, env)
	if len(t.messages) > b.backlog {
		t.messages = append([]broker.MessageEnvelope(nil), t.messages[len(t.messages)-b.backlog:]...)
	}

	for sub := range t.subscribers {
		select {
		case sub.ch <- env:
		default:
			// A slow consumer loses its place rather than blocking the
			// publisher; it can resume from its last event ID.
			sub.overflow.Store(true)
			delete(t.subscribers, sub)
			sub.shutdown()
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := b.topic(name)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("topic %q: %w", name, broker.ErrClosed)
	}

	var backlog []broker.MessageEnvelope
	if lastEventID != "" {
		for i, msg := range t.messages {
			if msg.ID == lastEventID {
				backlog = t.messages[i+1:]
				break
			}
		}
	}

	size := b.buffer
	if len(backlog) > size {
		size = len(backlog)
	}
	sub := &subscription{
		topic: t,
		ch:    make(chan broker.MessageEnvelope, size+b.buffer),
		done:  make(chan struct{}),
	}
	for _, msg := range backlog {
		sub.ch <- msg
	}
	t.subscribers[sub] = struct{}{}
	return sub, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.topics, name)
	b.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subscribers {
		sub.shutdown()
	}
	t.subscribers = nil
	t.messages = nil
	return nil
}

func (s *subscription) shutdown() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Next implements broker.MessageStream. Buffered events are drained before
// a closed stream reports io.EOF.
func (s *subscription) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
		}
		if s.overflow.Load() {
			return broker.MessageEnvelope{}, fmt.Errorf("subscriber fell behind: %w", io.EOF)
		}
		return broker.MessageEnvelope{}, io.EOF
	case <-ctx.Done():
		return broker.MessageEnvelope{}, ctx.Err()
	}
}

// Close implements broker.MessageStream.
func (s *subscription) Close() error {
	s.topic.mu.Lock()
	if s.topic.subscribers != nil {
		delete(s.topic.subscribers, s)
	}
	s.topic.mu.Unlock()
	s.shutdown()
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
