// Package memory provides an in-memory implementation of the storage interface
// using github.com/hashicorp/golang-lru/v2 for bounded caching with TTL support.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/solo2-authenticator/storage"
)

// Storage implements the storage.Storage interface using in-memory storage.
type Storage struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.StorageItem]

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a new in-memory storage holding at most maxItems entries.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		done:  make(chan struct{}),
	}

	// Start background cleanup of expired items
	go s.cleanupExpired(5 * time.Minute)

	return s, nil
}

// Get retrieves data for a specific key within the given namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Namespace, key)

	s.mu.RLock()
	item, exists := s.cache.Get(storageKey)
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}

	return item, nil
}

// Set stores data for a specific key within the given namespace.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Namespace, key)

	now := time.Now()
	item := &storage.StorageItem{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()

	return nil
}

// Delete removes data within the given namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Namespace, *options.Key))
		return nil
	}

	// LRU doesn't provide prefix iteration.
	prefix := buildNamespacePrefix(options.Namespace)
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Close purges the cache and stops the expiry sweeper.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(namespace storage.Namespace, key string) string {
	return buildNamespacePrefix(namespace) + "key:" + key
}

func buildNamespacePrefix(namespace storage.Namespace) string {
	switch ns := namespace.(type) {
	case storage.DeviceNamespace:
		return fmt.Sprintf("device:%s:", ns.DeviceID)
	case nil:
		return "global:"
	default:
		// Unreachable: Namespace has an unexported method.
		return "unknown:"
	}
}

func (s *Storage) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, exists := s.cache.Peek(key); exists {
				if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
					s.cache.Remove(key)
				}
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
