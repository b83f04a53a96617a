package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/clstr-dispatch/ports/kv"
)

const swapRetries = 8

type KvConfig struct {
	Connect Connector
	Bucket  string
	// Now is the clock used for expiry. Default: time.Now.
	Now func() time.Time
}

// KvStore implements kv.Store on a JetStream key-value bucket.
//
// JetStream buckets only expire whole histories, so every value carries its
// own deadline. Expired values read as missing and are removed by the state
// cleaner. Keys use ':' as separator; it is stored as '.', which NATS allows.
type KvStore struct {
	kv      jetstream.KeyValue
	release func()
	now     func() time.Time
}

type record struct {
	Data []byte `json:"d"`
	// ExpiresAt is unix milliseconds; zero never expires.
	ExpiresAt int64 `json:"x,omitempty"`
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Connect == nil {
		cfg.Connect = ConnectURL("")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	nc, release, err := cfg.Connect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		release()
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		Storage: jetstream.FileStorage,
		History: 1,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("nats: create bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{kv: bucket, release: release, now: now}, nil
}

// Opener returns a kv.Opener whose stores connect through connect. With a
// [ReuseConnection] connector all handles share one connection.
func Opener(connect Connector, bucket string) kv.Opener {
	return func(ctx context.Context) (kv.Store, error) {
		return NewKvStore(ctx, KvConfig{Connect: connect, Bucket: bucket})
	}
}

func encodeKey(k string) string { return strings.ReplaceAll(k, ":", ".") }
func decodeKey(k string) string { return strings.ReplaceAll(k, ".", ":") }

func (k *KvStore) encode(entry kv.Entry, opts kv.PutOptions) ([]byte, error) {
	rec := record{Data: entry.Data}
	if opts.TTL > 0 {
		rec.ExpiresAt = k.now().Add(opts.TTL).UnixMilli()
	}
	return json.Marshal(rec)
}

// load returns the live record and its revision. Revision is 0 when the key
// does not exist at all.
func (k *KvStore) load(ctx context.Context, key string) (rec record, rev uint64, found bool, err error) {
	e, err := k.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return rec, 0, false, nil
	}
	if err != nil {
		return rec, 0, false, err
	}
	if err := json.Unmarshal(e.Value(), &rec); err != nil {
		return rec, 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if rec.ExpiresAt != 0 && k.now().UnixMilli() >= rec.ExpiresAt {
		return record{}, e.Revision(), false, nil
	}
	return rec, e.Revision(), true, nil
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	data, err := k.encode(entry, opts)
	if err != nil {
		return err
	}
	_, err = k.kv.Put(ctx, encodeKey(key), data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	rec, _, found, err := k.load(ctx, key)
	if err != nil {
		return kv.Entry{}, err
	}
	if !found {
		return kv.Entry{}, kv.ErrNotFound
	}
	return kv.Entry{Data: rec.Data}, nil
}

// Swap writes entry with optimistic concurrency on the key revision.
func (k *KvStore) Swap(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) (kv.Entry, bool, error) {
	data, err := k.encode(entry, opts)
	if err != nil {
		return kv.Entry{}, false, err
	}

	for range swapRetries {
		prev, rev, found, err := k.load(ctx, key)
		if err != nil {
			return kv.Entry{}, false, err
		}
		if rev == 0 {
			_, err = k.kv.Create(ctx, encodeKey(key), data)
		} else {
			_, err = k.kv.Update(ctx, encodeKey(key), data, rev)
		}
		if err == nil {
			if !found {
				return kv.Entry{}, false, nil
			}
			return kv.Entry{Data: prev.Data}, true, nil
		}
		if !conflict(err) {
			return kv.Entry{}, false, err
		}
	}
	return kv.Entry{}, false, fmt.Errorf("nats: swap %s: too many concurrent writers", key)
}

func conflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Keys lists keys with prefix, including expired keys not yet deleted.
func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	out := make([]string, 0)
	for key := range lister.Keys() {
		if key = decodeKey(key); strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (k *KvStore) Ping(ctx context.Context) error {
	_, err := k.kv.Status(ctx)
	return err
}

func (k *KvStore) Close() error {
	k.release()
	return nil
}

var _ kv.Store = (*KvStore)(nil)
