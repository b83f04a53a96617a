// Package kv is the durable key-value port used for fleet state: the state
// cache, resume sessions and the bookkeeping keys written by jobs.
//
// Implementations live in adapters/redis and adapters/nats; [MemStore] is the
// in-process implementation used by tests and the demo.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

type Entry struct {
	Data []byte
}

type PutOptions struct {
	// TTL expires the key after the given duration. Every write replaces the
	// TTL of the key; reads never extend it. Zero means no expiry.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	// Swap writes entry and returns the value it replaced. found is false when
	// the key did not exist (or had expired) before the write.
	Swap(ctx context.Context, key string, entry Entry, opts PutOptions) (prev Entry, found bool, err error)
	Delete(ctx context.Context, key string) error
	// Keys lists the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Opener opens a store handle with its own underlying connection. Long-running
// tasks each open their own handle so one slow task cannot block the others.
type Opener func(ctx context.Context) (Store, error)

// Shared returns an Opener that always hands out s. Close on the returned
// handles is a no-op.
func Shared(s Store) Opener {
	return func(context.Context) (Store, error) {
		return nopCloser{s}, nil
	}
}

type nopCloser struct{ Store }

func (nopCloser) Close() error { return nil }

// Put stores v as JSON.
func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

// Get loads the JSON value of key. A missing key returns [ErrNotFound].
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return out, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return out, nil
}
