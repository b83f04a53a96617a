package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-dispatch/adapters/nats"
	"github.com/codewandler/clstr-dispatch/adapters/redis"
	"github.com/codewandler/clstr-dispatch/core/admission"
	"github.com/codewandler/clstr-dispatch/core/app"
	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/core/gateway/gatewaytest"
	"github.com/codewandler/clstr-dispatch/core/session"
	"github.com/codewandler/clstr-dispatch/core/state"
	"github.com/codewandler/clstr-dispatch/internal/config"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

const numShards = 6

func baseConfig() *config.Config {
	return &config.Config{
		Shards: config.ShardsConfig{
			Start:       0,
			End:         numShards,
			Total:       numShards,
			Concurrency: 2,
			WaitMs:      50,
		},
		Clusters:     2,
		Resume:       true,
		DefaultQueue: true,
		State: config.StateConfig{
			Enabled:    true,
			Member:     true,
			MemberTTL:  time.Minute.Milliseconds(),
			CaptureOld: true,
		},
		Store: config.StoreConfig{Prefix: "it", Bucket: "dispatch-it"},
		Queue: config.QueueConfig{Prefix: "it", TimeoutMs: 10_000},
		Jobs: config.JobsConfig{
			IntervalMs:        3_600_000,
			CleanupIntervalMs: 3_600_000,
		},
		LogLevel: "info",
	}
}

func guilds(shard gateway.ShardID) []gateway.Guild {
	id := uint64(shard) << 22
	return []gateway.Guild{{
		ID:      id,
		Name:    "guild",
		Members: []gateway.Member{{GuildID: id, User: gateway.User{ID: id + 1}}},
	}}
}

// runUntilConnected runs the dispatcher until every shard completed a
// handshake and returns the result of the shutdown.
func runUntilConnected(t *testing.T, cfg *config.Config) (app.Result, *gatewaytest.Client) {
	t.Helper()
	gw := gatewaytest.NewClient(gatewaytest.Options{
		HandshakeDelay: 20 * time.Millisecond,
		Guilds:         guilds,
	})
	a, err := app.New(app.Options{
		Config:  cfg,
		Gateway: func(config.GatewayConfig) (gateway.Client, error) { return gw, nil },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	type out struct {
		res app.Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := a.Run(ctx)
		done <- out{res, err}
	}()

	require.Eventually(t, func() bool { return len(gw.Handshakes()) == numShards }, 20*time.Second, 20*time.Millisecond)
	// let the pipelines reach the store
	time.Sleep(200 * time.Millisecond)
	cancel()

	o := <-done
	require.NoError(t, o.err)
	return o.res, gw
}

func checkStore(t *testing.T, open kv.Opener) {
	t.Helper()
	s, err := open(t.Context())
	require.NoError(t, err)
	defer s.Close()
	store := kv.NewPrefixed(s, "it")

	sessions, err := session.NewStore(session.Options{Store: store, Resume: true}).Load(t.Context())
	require.NoError(t, err)
	require.Len(t, sessions, numShards)

	for shard := range gateway.ShardID(numShards) {
		id := uint64(shard) << 22
		_, err := store.Get(t.Context(), state.GuildKey(id))
		require.NoError(t, err)
		_, err = store.Get(t.Context(), state.MemberKey(id, id+1))
		require.NoError(t, err)
	}
}

func TestIntegration_Redis(t *testing.T) {
	url := redis.NewTestContainer(t)

	cfg := baseConfig()
	cfg.Store.Backend = "redis"
	cfg.Store.RedisURL = url

	res, _ := runUntilConnected(t, cfg)
	require.Equal(t, numShards, res.Saved)
	checkStore(t, redis.Opener(url))

	// the second run resumes everything the first one saved
	res, gw := runUntilConnected(t, cfg)
	require.Equal(t, numShards, res.Resumed)
	for _, hs := range gw.Handshakes() {
		require.True(t, hs.Resume)
	}
}

func TestIntegration_NATS(t *testing.T) {
	url := nats.NewTestServerURL(t)

	tr, err := nats.NewTransport(nats.TransportConfig{Connect: nats.ConnectURL(url), SubjectPrefix: "it"})
	require.NoError(t, err)
	defer tr.Close()

	srv, err := admission.NewServer(admission.ServerOptions{Transport: tr, Buckets: 1, Concurrency: 1})
	require.NoError(t, err)
	require.NoError(t, srv.Run(t.Context()))

	cfg := baseConfig()
	cfg.DefaultQueue = false
	cfg.Store.Backend = "nats"
	cfg.Store.NatsURL = url

	res, gw := runUntilConnected(t, cfg)
	require.Equal(t, numShards, res.Saved)
	require.Equal(t, 0, srv.Outstanding(0))

	// the shared queue admits one handshake at a time across both clusters
	hs := gw.Handshakes()
	for i := 1; i < len(hs); i++ {
		require.False(t, hs[i].Start.Before(hs[i-1].End), "handshakes %d and %d overlap", i-1, i)
	}

	checkStore(t, nats.Opener(nats.ConnectURL(url), cfg.Store.Bucket))
}
