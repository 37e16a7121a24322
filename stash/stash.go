// Package stash is the durable key/value store behind instance
// records. Backends: Redis (default), Postgres, and an in-memory map
// for tests and single-node development.
package stash

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("stash: key not found")

// Store is the abstract durable store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	// Keys returns every key starting with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
