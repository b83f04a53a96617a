// Package redis implements the kv port on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/codewandler/clstr-dispatch/ports/kv"
)

const scanCount = 256

type Store struct {
	client redis.UniversalClient
}

// NewStore wraps client. Closing the store closes the client.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Connect parses a redis:// URL and returns a store with its own pool.
func Connect(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return NewStore(redis.NewClient(opts)), nil
}

// Opener returns a kv.Opener that connects to url on every call and pings
// before handing out the store.
func Opener(url string) kv.Opener {
	return func(ctx context.Context) (kv.Store, error) {
		s, err := Connect(url)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
}

func (s *Store) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	return s.client.Set(ctx, key, entry.Data, opts.TTL).Err()
}

func (s *Store) Get(ctx context.Context, key string) (kv.Entry, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, err
	}
	return kv.Entry{Data: data}, nil
}

// Swap uses SET ... GET, so the read and the write are one atomic command.
func (s *Store) Swap(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) (kv.Entry, bool, error) {
	prev, err := s.client.SetArgs(ctx, key, entry.Data, redis.SetArgs{Get: true, TTL: opts.TTL}).Result()
	if errors.Is(err, redis.Nil) {
		return kv.Entry{}, false, nil
	}
	if err != nil {
		return kv.Entry{}, false, err
	}
	return kv.Entry{Data: []byte(prev)}, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	out := make([]string, 0)
	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globReplacer.Replace(s) }

var _ kv.Store = (*Store)(nil)
