package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

// Cleanup reasons reported to [StateMetrics.CleanupRemoved].
const (
	CleanupDisabled     = "disabled"
	CleanupOrphaned     = "orphaned"
	CleanupDisconnected = "disconnected"
	CleanupExpired      = "expired"
)

type CleanerOptions struct {
	Log   *slog.Logger
	Cache *Cache

	// ShardsTotal routes guilds to shards.
	ShardsTotal uint32
	// Owned reports whether a shard is run by this process.
	Owned func(gateway.ShardID) bool
	// Connected returns the local shards that currently hold a connection.
	Connected func() map[gateway.ShardID]bool
}

// Cleaner removes cache entries that are stale beyond their category's
// policy. It is best effort; TTLs remain the primary bound.
type Cleaner struct {
	log       *slog.Logger
	cache     *Cache
	total     uint32
	owned     func(gateway.ShardID) bool
	connected func() map[gateway.ShardID]bool
}

func NewCleaner(opts CleanerOptions) (*Cleaner, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("state: CleanerOptions.Cache is required")
	}
	log := opts.Log
	if log == nil {
		log = opts.Cache.log
	}
	owned := opts.Owned
	if owned == nil {
		owned = func(gateway.ShardID) bool { return false }
	}
	connected := opts.Connected
	if connected == nil {
		connected = func() map[gateway.ShardID]bool { return nil }
	}
	return &Cleaner{
		log:       log.With(slog.String("component", "cleaner")),
		cache:     opts.Cache,
		total:     opts.ShardsTotal,
		owned:     owned,
		connected: connected,
	}, nil
}

// Run performs one cleanup pass and returns the number of removed keys per
// reason. A failing step does not stop the remaining steps.
func (c *Cleaner) Run(ctx context.Context) (map[string]int, error) {
	var (
		store   = c.cache.store
		removed = map[string]int{}
		errs    []error
	)
	remove := func(reason string, keys []string) {
		for _, k := range keys {
			if err := store.Delete(ctx, k); err != nil && !errors.Is(err, kv.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
				continue
			}
			removed[reason]++
		}
	}

	for _, cat := range Categories() {
		if !cat.Gated() || c.cache.Enabled(cat) {
			continue
		}
		keys, err := store.Keys(ctx, cat.Prefix())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if keys, err = c.withoutSelf(ctx, cat, keys); err != nil {
			errs = append(errs, err)
			continue
		}
		remove(CleanupDisabled, keys)
	}

	guilds, err := c.guilds(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		connected := c.connected()
		for _, cat := range []Category{CategoryMember, CategoryPresence} {
			if !c.cache.Enabled(cat) {
				continue
			}
			keys, err := store.Keys(ctx, cat.Prefix())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			var orphaned, disconnected []string
			for _, k := range keys {
				_, ids, err := ParseKey(k)
				if err != nil || len(ids) != 2 {
					orphaned = append(orphaned, k)
					continue
				}
				if !guilds[ids[0]] {
					orphaned = append(orphaned, k)
					continue
				}
				if cat != CategoryPresence || c.total == 0 {
					continue
				}
				shard := gateway.ShardForGuild(ids[0], c.total)
				if c.owned(shard) && !connected[shard] {
					disconnected = append(disconnected, k)
				}
			}
			remove(CleanupOrphaned, orphaned)
			remove(CleanupDisconnected, disconnected)
		}
	}

	for _, cat := range Categories() {
		p := c.cache.Policy(cat)
		if !p.Enabled || p.TTL == 0 {
			continue
		}
		keys, err := store.Keys(ctx, cat.Prefix())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var expired []string
		for _, k := range keys {
			if _, err := store.Get(ctx, k); errors.Is(err, kv.ErrNotFound) {
				expired = append(expired, k)
			}
		}
		remove(CleanupExpired, expired)
	}

	for reason, n := range removed {
		c.cache.metrics.CleanupRemoved(reason, n)
	}
	c.log.Debug("cleanup done",
		slog.Int("disabled", removed[CleanupDisabled]),
		slog.Int("orphaned", removed[CleanupOrphaned]),
		slog.Int("disconnected", removed[CleanupDisconnected]),
		slog.Int("expired", removed[CleanupExpired]),
	)
	return removed, errors.Join(errs...)
}

func (c *Cleaner) guilds(ctx context.Context) (map[uint64]bool, error) {
	keys, err := c.cache.store.Keys(ctx, CategoryGuild.Prefix())
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]bool, len(keys))
	for _, k := range keys {
		if _, ids, err := ParseKey(k); err == nil && len(ids) == 1 {
			out[ids[0]] = true
		}
	}
	return out, nil
}

// withoutSelf keeps the bot's own member entries, which are cached
// regardless of the member policy. The bot is known from [SelfKey].
func (c *Cleaner) withoutSelf(ctx context.Context, cat Category, keys []string) ([]string, error) {
	if cat != CategoryMember {
		return keys, nil
	}
	self, err := kv.Get[uint64](ctx, c.cache.store, SelfKey)
	if errors.Is(err, kv.ErrNotFound) {
		return keys, nil
	}
	if err != nil {
		return nil, err
	}
	out := keys[:0:0]
	for _, k := range keys {
		if _, ids, err := ParseKey(k); err == nil && len(ids) == 2 && ids[1] == self {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
