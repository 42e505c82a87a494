// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/solo2-authenticator/broker"
)

// BrokerFactory creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("MultipleSubscribersToSameTopic", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("NextHonoursContext", func(t *testing.T) {
		testNextHonoursContext(t, factory)
	})
	t.Run("CloseEndsStream", func(t *testing.T) {
		testCloseEndsStream(t, factory)
	})
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) {
		testResumeFromUnknownEventID(t, factory)
	})
	t.Run("OrderIsPreserved", func(t *testing.T) {
		testOrderIsPreserved(t, factory)
	})
}

func topicName(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func cleanup(t *testing.T, b broker.Broker, topic string) {
	t.Cleanup(func() {
		if err := b.Cleanup(context.Background(), topic); err != nil {
			t.Errorf("Cleanup(%q) failed: %v", topic, err)
		}
	})
}

func next(t *testing.T, s broker.MessageStream) broker.MessageEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	return env
}

func publish(t *testing.T, b broker.Broker, topic, data string) string {
	t.Helper()
	id, err := b.Publish(context.Background(), topic, []byte(data))
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty event ID")
	}
	return id
}

func subscribe(t *testing.T, b broker.Broker, topic, last string) broker.MessageStream {
	t.Helper()
	s, err := b.Subscribe(context.Background(), topic, last)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	publish(t, b, topic, `{"type":"before"}`)
	s := subscribe(t, b, topic, "")
	id := publish(t, b, topic, `{"type":"after"}`)

	env := next(t, s)
	if env.ID != id {
		t.Fatalf("Expected event ID %s, got %s", id, env.ID)
	}
	if string(env.Data) != `{"type":"after"}` {
		t.Fatalf("Expected data after subscription, got %s", env.Data)
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	first := publish(t, b, topic, `1`)
	second := publish(t, b, topic, `2`)
	third := publish(t, b, topic, `3`)

	s := subscribe(t, b, topic, first)
	if env := next(t, s); env.ID != second || string(env.Data) != `2` {
		t.Fatalf("Expected %s/2, got %s/%s", second, env.ID, env.Data)
	}
	if env := next(t, s); env.ID != third || string(env.Data) != `3` {
		t.Fatalf("Expected %s/3, got %s/%s", third, env.ID, env.Data)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	s1 := subscribe(t, b, topic, "")
	s2 := subscribe(t, b, topic, "")
	id := publish(t, b, topic, `"hello"`)

	for i, s := range []broker.MessageStream{s1, s2} {
		if env := next(t, s); env.ID != id {
			t.Fatalf("Subscriber %d: expected %s, got %s", i, id, env.ID)
		}
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	a, c := topicName(t)+"-a", topicName(t)+"-c"
	cleanup(t, b, a)
	cleanup(t, b, c)

	sa := subscribe(t, b, a, "")
	publish(t, b, c, `"other"`)
	id := publish(t, b, a, `"mine"`)

	if env := next(t, sa); env.ID != id || string(env.Data) != `"mine"` {
		t.Fatalf("Expected only events of topic a, got %s/%s", env.ID, env.Data)
	}
}

func testNextHonoursContext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	s := subscribe(t, b, topic, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
}

func testCloseEndsStream(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	s, err := b.Subscribe(context.Background(), topic, "")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF after Close, got %v", err)
	}
}

func testResumeFromUnknownEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	s := subscribe(t, b, topic, "1-1")
	id := publish(t, b, topic, `"fresh"`)

	// Implementations may or may not replay; the new event must arrive.
	for {
		env := next(t, s)
		if env.ID == id {
			return
		}
	}
}

func testOrderIsPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)
	cleanup(t, b, topic)

	s := subscribe(t, b, topic, "")
	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, publish(t, b, topic, fmt.Sprintf("%d", i)))
	}
	for i, want := range ids {
		env := next(t, s)
		if env.ID != want || string(env.Data) != fmt.Sprintf("%d", i) {
			t.Fatalf("Event %d: expected %s, got %s/%s", i, want, env.ID, env.Data)
		}
	}
}
