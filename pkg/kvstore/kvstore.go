// Package kvstore defines the minimal durable key-value contract that the
// cache, mutation queue and pending-proof index are built on. Backends are
// expected to be cheap for small string values and survive process restarts
// (except mem_store).
package kvstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// Store is an async key-value store. Implementations must be safe for
// concurrent use. There are no transactions; callers that need
// read-modify-write atomicity serialize access themselves.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveMany deletes all given keys, continuing past individual
	// failures and returning the first error encountered.
	RemoveMany(ctx context.Context, keys []string) error

	// ListKeys returns all keys currently stored.
	ListKeys(ctx context.Context) ([]string, error)

	io.Closer
}
