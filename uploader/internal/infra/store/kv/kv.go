package kv

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// UpdateFunc receives the current value (nil when the key is absent) and
// returns the value to store. Returning nil deletes the key.
type UpdateFunc func(old []byte) ([]byte, error)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Update performs an atomic read-modify-write of a single key.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
