// Package storagetest is a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/solo2-authenticator/storage"
)

// StorageFactory creates a new, empty storage instance for testing.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("GlobalSetAndGet", func(t *testing.T) { testGlobalSetAndGet(t, factory(t)) })
	t.Run("DeviceSetAndGet", func(t *testing.T) { testDeviceSetAndGet(t, factory(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory(t)) })
}

func mustGet(t *testing.T, s storage.Storage, key string, opts ...storage.Option) *storage.StorageItem {
	t.Helper()
	item, err := s.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return item
}

func mustSet(t *testing.T, s storage.Storage, key, data string, opts ...storage.Option) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(data), opts...); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func testGlobalSetAndGet(t *testing.T, s storage.Storage) {
	mustSet(t, s, "config", "value")
	item := mustGet(t, s, "config")
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != "value" {
		t.Fatalf("Expected data %q, got %q", "value", item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("Expected CreatedAt to be set")
	}
	if item.ExpiresAt != nil {
		t.Fatal("Expected no expiration")
	}
}

func testDeviceSetAndGet(t *testing.T, s storage.Storage) {
	dev := storage.WithDevice("0123456789abcdef0123456789abcdef")
	mustSet(t, s, "params:github", `{"period":30}`, dev)
	item := mustGet(t, s, "params:github", dev)
	if item == nil || string(item.Data) != `{"period":30}` {
		t.Fatalf("Unexpected item %+v", item)
	}
	if got := mustGet(t, s, "params:github"); got != nil {
		t.Fatalf("Expected device data to be invisible globally, got %q", got.Data)
	}
}

func testNamespaceIsolation(t *testing.T, s storage.Storage) {
	mustSet(t, s, "k", "global")
	mustSet(t, s, "k", "a", storage.WithDevice("a"))
	mustSet(t, s, "k", "b", storage.WithDevice("b"))

	for _, tc := range []struct {
		opts []storage.Option
		want string
	}{
		{nil, "global"},
		{[]storage.Option{storage.WithDevice("a")}, "a"},
		{[]storage.Option{storage.WithDevice("b")}, "b"},
	} {
		item := mustGet(t, s, "k", tc.opts...)
		if item == nil || string(item.Data) != tc.want {
			t.Fatalf("Expected %q, got %+v", tc.want, item)
		}
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	mustSet(t, s, "short", "x", storage.WithTTL(50*time.Millisecond))
	item := mustGet(t, s, "short")
	if item == nil {
		t.Fatal("Expected item before expiry")
	}
	if item.ExpiresAt == nil {
		t.Fatal("Expected ExpiresAt to be set")
	}
	time.Sleep(1100 * time.Millisecond)
	if item := mustGet(t, s, "short"); item != nil {
		t.Fatalf("Expected item to expire, got %q", item.Data)
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	dev := storage.WithDevice("dev")
	mustSet(t, s, "a", "1", dev)
	mustSet(t, s, "b", "2", dev)
	if err := s.Delete(context.Background(), dev, storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item := mustGet(t, s, "a", dev); item != nil {
		t.Fatal("Expected a to be deleted")
	}
	if item := mustGet(t, s, "b", dev); item == nil {
		t.Fatal("Expected b to survive")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	dev := storage.WithDevice("wipe")
	for i := 0; i < 5; i++ {
		mustSet(t, s, fmt.Sprintf("k%d", i), "v", dev)
	}
	mustSet(t, s, "k0", "keep", storage.WithDevice("other"))
	if err := s.Delete(context.Background(), dev); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if item := mustGet(t, s, fmt.Sprintf("k%d", i), dev); item != nil {
			t.Fatalf("Expected k%d deleted", i)
		}
	}
	if item := mustGet(t, s, "k0", storage.WithDevice("other")); item == nil || string(item.Data) != "keep" {
		t.Fatal("Expected other namespace untouched")
	}
}

func testNotFound(t *testing.T, s storage.Storage) {
	if item := mustGet(t, s, "missing", storage.WithDevice("nobody")); item != nil {
		t.Fatalf("Expected nil, got %+v", item)
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	mustSet(t, s, "k", "one")
	mustSet(t, s, "k", "two")
	if item := mustGet(t, s, "k"); item == nil || string(item.Data) != "two" {
		t.Fatalf("Expected overwrite, got %+v", item)
	}
}
