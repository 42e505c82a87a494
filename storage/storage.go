// Package storage is a small keyed store for host-side metadata that the
// device cannot hold, such as the period and digit count a credential was
// registered with. Data is namespaced per device so that two tokens with the
// same labels do not collide.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the primary interface for namespaced data storage.
type Storage interface {
	// Get retrieves data for key within the given namespace.
	// Returns nil StorageItem if key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// If no key is specified via WithKey, the entire namespace is removed.
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources.
	Close() error
}

// StorageItem represents a stored piece of data with metadata.
type StorageItem struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired.
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations.
type Option func(*Options)

// Options contains configuration for storage operations.
type Options struct {
	Namespace Namespace      // Optional: storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// Apply collects opts.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Namespace represents a storage namespace. If nil, storage operates in the
// global namespace.
type Namespace interface {
	namespace()
}

// DeviceNamespace scopes data to one token, identified by its UUID hex.
type DeviceNamespace struct {
	DeviceID string
}

func (DeviceNamespace) namespace() {}

// WithDevice specifies device-level storage namespace.
func WithDevice(deviceID string) Option {
	return func(opts *Options) {
		opts.Namespace = DeviceNamespace{DeviceID: deviceID}
	}
}

// WithKey specifies a specific key for Delete operations.
// If not provided, Delete removes the entire namespace.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)
