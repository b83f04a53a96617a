package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/core/gateway/gatewaytest"
	"github.com/codewandler/clstr-dispatch/core/notify"
	"github.com/codewandler/clstr-dispatch/core/session"
	"github.com/codewandler/clstr-dispatch/core/state"
	"github.com/codewandler/clstr-dispatch/internal/config"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

func testConfig() *config.Config {
	return &config.Config{
		Shards: config.ShardsConfig{
			Start:       0,
			End:         4,
			Total:       4,
			Concurrency: 2,
		},
		Clusters:     2,
		Resume:       true,
		DefaultQueue: true,
		State:        config.StateConfig{Enabled: true, CaptureOld: true},
		Store:        config.StoreConfig{Backend: "memory"},
		Jobs: config.JobsConfig{
			IntervalMs:        3_600_000,
			CleanupIntervalMs: 3_600_000,
		},
		LogLevel: "info",
	}
}

type harness struct {
	mem *kv.MemStore
	gw  *gatewaytest.Client
	rec *notify.Recorder
	app *App
}

func newHarness(t *testing.T, cfg *config.Config, gwOpts gatewaytest.Options) *harness {
	t.Helper()
	h := &harness{
		mem: kv.NewMemStore(),
		gw:  gatewaytest.NewClient(gwOpts),
		rec: &notify.Recorder{},
	}
	a, err := New(Options{
		Config:  cfg,
		Gateway: func(config.GatewayConfig) (gateway.Client, error) { return h.gw, nil },
		Open:    kv.Shared(h.mem),
		Notify:  h.rec,
	})
	require.NoError(t, err)
	h.app = a
	return h
}

// run starts the app, waits for cond and then shuts it down.
func (h *harness) run(t *testing.T, cond func() bool) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := h.app.Run(ctx)
		done <- out{res, err}
	}()

	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
		return Result{}, nil
	}
}

func readyCount(rec *notify.Recorder) int {
	n := 0
	for _, x := range rec.Sent(notify.ChannelLog) {
		if strings.HasSuffix(x.Body, "] Ready") {
			n++
		}
	}
	return n
}

func TestApp_RunAndShutdown(t *testing.T) {
	h := newHarness(t, testConfig(), gatewaytest.Options{
		Guilds: func(shard gateway.ShardID) []gateway.Guild {
			return []gateway.Guild{{ID: uint64(shard)<<22 | 1, Name: "guild"}}
		},
	})

	res, err := h.run(t, func() bool {
		_, hbErr := h.mem.Get(t.Context(), KeyHeartbeat)
		return hbErr == nil && readyCount(h.rec) == 4 && len(h.rec.Sent(notify.ChannelGuild)) == 4
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Clusters)
	require.Equal(t, 4, res.Shards)
	require.Equal(t, 0, res.Resumed)
	require.Equal(t, 4, res.Saved)

	ctx := t.Context()
	started, err := kv.Get[string](ctx, h.mem, KeyStarted)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, started)
	require.NoError(t, err)

	shards, err := kv.Get[uint32](ctx, h.mem, KeyShards)
	require.NoError(t, err)
	require.Equal(t, uint32(4), shards)

	for shard := range 4 {
		_, err := h.mem.Get(ctx, state.GuildKey(uint64(shard)<<22|1))
		require.NoError(t, err)
	}

	saved, err := session.NewStore(session.Options{Store: h.mem, Resume: true}).Load(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 4)
}

// countingStore counts Close calls on a shared store handle.
type countingStore struct {
	kv.Store
	closed *atomic.Int32
}

func (s countingStore) Close() error {
	s.closed.Add(1)
	return nil
}

func TestApp_RunReturnsAndClosesStores(t *testing.T) {
	mem := kv.NewMemStore()
	var opened, closed atomic.Int32
	a, err := New(Options{
		Config: testConfig(),
		Gateway: func(config.GatewayConfig) (gateway.Client, error) {
			return gatewaytest.NewClient(gatewaytest.Options{}), nil
		},
		Open: func(context.Context) (kv.Store, error) {
			opened.Add(1)
			return countingStore{Store: mem, closed: &closed}, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := a.Run(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	require.Positive(t, opened.Load())
	require.Equal(t, opened.Load(), closed.Load())
}

func TestApp_ResumesSavedSessions(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, gatewaytest.Options{})

	sessions := map[gateway.ShardID]gateway.SessionInfo{}
	for id := range gateway.ShardID(4) {
		sessions[id] = gateway.SessionInfo{SessionID: "s", Sequence: 7}
	}
	require.NoError(t, session.NewStore(session.Options{Store: h.mem, Resume: true}).Save(t.Context(), sessions))

	res, err := h.run(t, func() bool { return len(h.gw.Handshakes()) == 4 })
	require.NoError(t, err)
	require.Equal(t, 4, res.Resumed)
	for _, hs := range h.gw.Handshakes() {
		require.True(t, hs.Resume, "shard %d", hs.Shard)
	}
}

func TestApp_StateDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.State.Enabled = false
	h := newHarness(t, cfg, gatewaytest.Options{
		Guilds: func(gateway.ShardID) []gateway.Guild { return []gateway.Guild{{ID: 1 << 22}} },
	})

	_, err := h.run(t, func() bool { return readyCount(h.rec) == 4 })
	require.NoError(t, err)

	keys, err := h.mem.Keys(t.Context(), state.CategoryGuild.Prefix())
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestApp_StartupFailure(t *testing.T) {
	gw := gatewaytest.NewClient(gatewaytest.Options{})
	a, err := New(Options{
		Config:  testConfig(),
		Gateway: func(config.GatewayConfig) (gateway.Client, error) { return gw, nil },
		Open: func(context.Context) (kv.Store, error) {
			return nil, errors.New("connection refused")
		},
	})
	require.NoError(t, err)

	_, err = a.Run(t.Context())
	require.ErrorIs(t, err, ErrStartup)
	require.Empty(t, gw.Handshakes())
}

func TestApp_StorePingFailure(t *testing.T) {
	mem := kv.NewMemStore()
	require.NoError(t, mem.Close())
	gw := gatewaytest.NewClient(gatewaytest.Options{})

	a, err := New(Options{
		Config:  testConfig(),
		Gateway: func(config.GatewayConfig) (gateway.Client, error) { return gw, nil },
		Open:    kv.Shared(mem),
	})
	require.NoError(t, err)

	_, err = a.Run(t.Context())
	require.ErrorIs(t, err, ErrStartup)
	require.Empty(t, gw.Handshakes())
}

func TestNew_Invalid(t *testing.T) {
	gw := func(config.GatewayConfig) (gateway.Client, error) { return gatewaytest.NewClient(gatewaytest.Options{}), nil }

	_, err := New(Options{Gateway: gw})
	require.ErrorIs(t, err, ErrConfig)

	_, err = New(Options{Config: testConfig()})
	require.ErrorIs(t, err, ErrConfig)

	bad := testConfig()
	bad.Clusters = 0
	_, err = New(Options{Config: bad, Gateway: gw})
	require.ErrorIs(t, err, config.ErrInvalid)

	_, err = New(Options{
		Config:  testConfig(),
		Gateway: func(config.GatewayConfig) (gateway.Client, error) { return nil, errors.New("no token") },
	})
	require.ErrorIs(t, err, ErrStartup)
}

func TestStoreOpener(t *testing.T) {
	open, err := StoreOpener(config.StoreConfig{Backend: "memory", Prefix: "dispatch"}, nil)
	require.NoError(t, err)

	s, err := open(t.Context())
	require.NoError(t, err)
	require.NoError(t, kv.Put(t.Context(), s, "k", "v", kv.PutOptions{}))

	// handles share one memory store
	s2, err := open(t.Context())
	require.NoError(t, err)
	v, err := kv.Get[string](t.Context(), s2, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	_, err = StoreOpener(config.StoreConfig{Backend: "etcd"}, nil)
	require.ErrorIs(t, err, ErrConfig)
}
