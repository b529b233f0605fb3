// Package kv holds the durable key-value tier behind the storage
// orchestrator. Keys are plain strings laid out as {type}:{id} with secondary
// index keys under the same type prefix.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/qualys/intelengine/internal/models"
)

// ErrNotFound is returned by Get for a missing key. It matches
// models.ErrNotFound.
var ErrNotFound = fmt.Errorf("kv: %w", models.ErrNotFound)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("kv: store closed")

// Op is one mutation of a Batch. A nil Value with Delete unset stores an
// empty value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

func PutOp(key string, value []byte) Op { return Op{Key: key, Value: value} }

func DeleteOp(key string) Op { return Op{Key: key, Delete: true} }

// Store is the durable tier. Batch applies all ops atomically or none.
// Scan visits keys with the given prefix in ascending key order and stops at
// the first error returned by fn.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Batch(ctx context.Context, ops []Op) error
	Close() error
}

// Permanent reports errors that retrying cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
