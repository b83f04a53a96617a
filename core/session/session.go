// Package session persists the resumable gateway sessions of all local shards
// across restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

// Key is the store key holding the session mapping.
const Key = "sessions"

type Options struct {
	Log   *slog.Logger
	Store kv.Store
	// Resume disables loading when false; Save still persists.
	Resume bool
}

type Store struct {
	log    *slog.Logger
	store  kv.Store
	resume bool
}

func NewStore(opts Options) *Store {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:    log.With(slog.String("component", "sessions")),
		store:  opts.Store,
		resume: opts.Resume,
	}
}

// Load returns the persisted sessions. The mapping is empty when resume is
// disabled or nothing was saved yet.
func (s *Store) Load(ctx context.Context) (map[gateway.ShardID]gateway.SessionInfo, error) {
	out := map[gateway.ShardID]gateway.SessionInfo{}
	if !s.resume {
		return out, nil
	}

	raw, err := kv.Get[map[string]gateway.SessionInfo](ctx, s.store, Key)
	if errors.Is(err, kv.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			s.log.Warn("ignoring session with invalid shard id", slog.String("shard", k))
			continue
		}
		out[gateway.ShardID(id)] = v
	}
	s.log.Info("loaded sessions", slog.Int("count", len(out)))
	return out, nil
}

// Save replaces the persisted mapping with sessions in a single write.
func (s *Store) Save(ctx context.Context, sessions map[gateway.ShardID]gateway.SessionInfo) error {
	raw := make(map[string]gateway.SessionInfo, len(sessions))
	for id, v := range sessions {
		raw[strconv.FormatUint(uint64(id), 10)] = v
	}
	if err := kv.Put(ctx, s.store, Key, raw, kv.PutOptions{}); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	s.log.Info("saved sessions", slog.Int("count", len(sessions)))
	return nil
}
