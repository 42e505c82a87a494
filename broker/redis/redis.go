// Package redis implements broker.Broker on Redis Streams, so that UI
// adapters running in other processes can follow the events of one device
// actor.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/solo2-authenticator/broker"
)

// Broker is a Redis Streams-based broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for
	// localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "solo2:broker:".
	KeyPrefix string
	// MaxLen approximately caps each stream. Defaults to 1000.
	MaxLen int64
}

// New creates a Redis broker.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "solo2:broker:"
	}
	maxLen := config.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Broker{client: client, keyPrefix: keyPrefix, maxLen: maxLen}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker with XADD.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	streamKey := b.streamKey(topic)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker. Each stream polls XREAD with a short
// block so that Close and context cancellation are observed promptly.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamKey := b.streamKey(topic)
	startID := lastEventID
	if startID == "" {
		// Resolve "$" now so events published between Subscribe and the
		// first Next are not missed.
		msgs, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read stream tail %s: %w", streamKey, err)
		}
		startID = "0-0"
		if len(msgs) > 0 {
			startID = msgs[0].ID
		}
	}
	return &stream{client: b.client, key: streamKey, lastID: startID, done: make(chan struct{})}, nil
}

// Cleanup implements broker.Broker by deleting the stream.
func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	if err := b.client.Del(ctx, b.streamKey(topic)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup topic %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

type stream struct {
	client redis.UniversalClient
	key    string

	mu      sync.Mutex
	lastID  string
	pending []redis.XMessage

	once sync.Once
	done chan struct{}
}

func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		default:
		}
		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}
		for len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.lastID = msg.ID
			data, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			return broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}, nil
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Count:   32,
			Block:   250 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return broker.MessageEnvelope{}, ctx.Err()
			}
			return broker.MessageEnvelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}
		for _, st := range streams {
			s.pending = append(s.pending, st.Messages...)
		}
	}
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
