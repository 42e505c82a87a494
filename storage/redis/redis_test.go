package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/solo2-authenticator/storage"
	"github.com/ggoodman/solo2-authenticator/storage/storagetest"
)

func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	client.Close()

	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		prefix := fmt.Sprintf("test:solo2:%d:", time.Now().UnixNano())
		s, err := New(Config{
			Client:    redis.NewClient(&redis.Options{Addr: addr}),
			KeyPrefix: prefix,
		})
		if err != nil {
			t.Fatalf("Failed to create Redis storage: %v", err)
		}
		t.Cleanup(func() {
			_ = s.Delete(context.Background())
			_ = s.Delete(context.Background(), storage.WithDevice("*"))
			_ = s.Close()
		})
		return s
	})
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("Expected error without client")
	}
}
