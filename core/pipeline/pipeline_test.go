package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/core/gateway/gatewaytest"
	"github.com/codewandler/clstr-dispatch/core/notify"
	"github.com/codewandler/clstr-dispatch/core/state"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

type recordingMetrics struct {
	mu       sync.Mutex
	failures map[string]int
	events   int
}

func (m *recordingMetrics) EventProcessed(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events++
}

func (m *recordingMetrics) StateUpdateFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = map[string]int{}
	}
	m.failures[reason]++
}

func (m *recordingMetrics) NotificationSent(string, bool) {}

func (m *recordingMetrics) failed(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[reason]
}

// stallStore never completes a write and ignores its context.
type stallStore struct {
	*kv.MemStore
	block chan struct{}
}

func (s stallStore) Swap(context.Context, string, kv.Entry, kv.PutOptions) (kv.Entry, bool, error) {
	<-s.block
	return kv.Entry{}, false, nil
}

func newCache(t *testing.T, store kv.Store) *state.Cache {
	t.Helper()
	c, err := state.New(state.Options{Store: store, Member: state.Policy{Enabled: true}, CaptureOld: true})
	require.NoError(t, err)
	return c
}

func ready(shard gateway.ShardID) gateway.Dispatch {
	return gateway.Dispatch{Shard: shard, Event: gateway.Ready{SessionID: "s", User: gateway.User{ID: 1000, Bot: true}}}
}

func guildCreate(shard gateway.ShardID, id uint64) gateway.Dispatch {
	return gateway.Dispatch{Shard: shard, Event: gateway.GuildCreate{Guild: gateway.Guild{ID: id, Name: "answers"}}}
}

func TestPipeline_GuildFirstSeen(t *testing.T) {
	var rec notify.Recorder
	p := New(Options{Cache: newCache(t, kv.NewMemStore()), Notify: &rec})

	p.Handle(t.Context(), ready(3))
	p.Handle(t.Context(), guildCreate(3, 42))
	p.Handle(t.Context(), guildCreate(3, 42))

	joins := rec.Sent(notify.ChannelGuild)
	require.Len(t, joins, 1)
	require.Equal(t, "Guild Join", joins[0].Title)
	require.Equal(t, "answers (42)", joins[0].Body)
	require.Equal(t, notify.ColorJoin, joins[0].Color)

	id, ok := p.BotID()
	require.True(t, ok)
	require.Equal(t, uint64(1000), id)
}

func TestPipeline_NoUpdatesBeforeReady(t *testing.T) {
	store := kv.NewMemStore()
	var rec notify.Recorder
	p := New(Options{Cache: newCache(t, store), Notify: &rec})

	p.Handle(t.Context(), guildCreate(0, 42))

	keys, err := store.Keys(t.Context(), "")
	require.NoError(t, err)
	require.Empty(t, keys)
	// unknown prior value counts as first seen
	require.Len(t, rec.Sent(notify.ChannelGuild), 1)
}

func TestPipeline_BotIdentityPerPipeline(t *testing.T) {
	store := kv.NewMemStore()
	a := New(Options{Cache: newCache(t, store)})
	b := New(Options{Cache: newCache(t, store)})

	a.Handle(t.Context(), ready(0))
	_, ok := b.BotID()
	require.False(t, ok)
}

func TestPipeline_StateDisabled(t *testing.T) {
	var rec notify.Recorder
	p := New(Options{Notify: &rec})

	p.Handle(t.Context(), ready(0))
	p.Handle(t.Context(), guildCreate(0, 42))
	p.Handle(t.Context(), guildCreate(0, 42))

	_, ok := p.BotID()
	require.False(t, ok)
	require.Len(t, rec.Sent(notify.ChannelGuild), 2)
}

func TestPipeline_UpdateTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	m := &recordingMetrics{}
	var rec notify.Recorder
	p := New(Options{
		Cache:         newCache(t, stallStore{MemStore: kv.NewMemStore(), block: block}),
		Notify:        &rec,
		UpdateTimeout: 20 * time.Millisecond,
		Metrics:       m,
	})

	p.Handle(t.Context(), ready(1))

	start := time.Now()
	p.Handle(t.Context(), guildCreate(1, 42))
	p.Handle(t.Context(), gateway.Dispatch{Shard: 1, Event: gateway.ShardConnected{}})
	require.Less(t, time.Since(start), time.Second)

	require.Equal(t, 1, m.failed("timeout"))
	// the shard keeps being processed
	require.Len(t, rec.Sent(notify.ChannelLog), 2)
	require.Equal(t, "[Shard 1] Connected", rec.Sent(notify.ChannelLog)[1].Body)
}

// orderStore stalls the first write, ignoring its context, and records the
// order in which writes land.
type orderStore struct {
	*kv.MemStore
	block chan struct{}
	calls atomic.Int32

	mu     sync.Mutex
	writes []string
}

func (s *orderStore) Swap(ctx context.Context, key string, e kv.Entry, opts kv.PutOptions) (kv.Entry, bool, error) {
	if s.calls.Add(1) == 1 {
		<-s.block
	}
	s.mu.Lock()
	s.writes = append(s.writes, string(e.Data))
	s.mu.Unlock()
	return s.MemStore.Swap(ctx, key, e, opts)
}

func (s *orderStore) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func TestPipeline_TimedOutWriteKeepsShardOrder(t *testing.T) {
	store := &orderStore{MemStore: kv.NewMemStore(), block: make(chan struct{})}
	m := &recordingMetrics{}
	p := New(Options{Cache: newCache(t, store), UpdateTimeout: 20 * time.Millisecond, Metrics: m})

	guild := func(shard gateway.ShardID, id uint64, name string) gateway.Dispatch {
		return gateway.Dispatch{Shard: shard, Event: gateway.GuildUpdate{Guild: gateway.Guild{ID: id, Name: name}}}
	}

	p.Handle(t.Context(), ready(1))
	p.Handle(t.Context(), guild(1, 42, "first"))
	// the first write is still pending, so this one must not overtake it
	p.Handle(t.Context(), guild(1, 42, "second"))
	require.Equal(t, 2, m.failed("timeout"))
	require.Empty(t, store.written())

	// other shards are not held back
	p.Handle(t.Context(), guild(2, 7, "other"))
	require.Equal(t, 2, m.failed("timeout"))

	close(store.block)
	require.Eventually(t, func() bool { return len(store.written()) == 2 }, time.Second, 5*time.Millisecond)

	p.Handle(t.Context(), guild(1, 42, "third"))
	writes := store.written()
	require.Len(t, writes, 3)
	require.Contains(t, writes[0], "other")
	require.Contains(t, writes[1], "first")
	require.Contains(t, writes[2], "third")
}

func TestPipeline_UpdateError(t *testing.T) {
	store := kv.NewMemStore()
	require.NoError(t, store.Close())

	m := &recordingMetrics{}
	p := New(Options{Cache: newCache(t, store), Metrics: m})
	p.Handle(t.Context(), ready(0))
	p.Handle(t.Context(), guildCreate(0, 1))

	require.Equal(t, 1, m.failed("error"))
	require.Zero(t, m.failed("timeout"))
}

func TestPipeline_LifecycleNotifications(t *testing.T) {
	var rec notify.Recorder
	p := New(Options{Notify: &rec})

	code := uint16(4000)
	for _, ev := range []gateway.Event{
		gateway.ShardConnecting{Gateway: "wss://x"},
		gateway.ShardConnected{},
		gateway.Hello{HeartbeatInterval: 41250},
		gateway.ShardIdentifying{},
		gateway.Ready{SessionID: "abc"},
		gateway.Resumed{},
		gateway.ShardDisconnected{Code: &code, Reason: "bye"},
		gateway.ShardDisconnected{},
	} {
		p.Handle(t.Context(), gateway.Dispatch{Shard: 2, Event: ev})
	}

	var bodies []string
	var colors []notify.Color
	for _, n := range rec.Sent(notify.ChannelLog) {
		bodies = append(bodies, n.Body)
		colors = append(colors, n.Color)
	}
	require.Equal(t, []string{
		"[Shard 2] Connected",
		"[Shard 2] Ready",
		"[Shard 2] Resumed",
		"[Shard 2] Disconnected",
		"[Shard 2] Disconnected",
	}, bodies)
	require.Equal(t, []notify.Color{
		notify.ColorConnect, notify.ColorReady, notify.ColorResume, notify.ColorDisconnect, notify.ColorDisconnect,
	}, colors)
}

func TestPipeline_ResumedLogsSession(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	gw := gatewaytest.NewClient(gatewaytest.Options{})
	conn := gw.Shard(5, 8, func(gateway.Event) {})
	require.NoError(t, conn.Resume(t.Context(), gateway.SessionInfo{SessionID: "abc", Sequence: 3}))

	p := New(Options{Log: log, Shards: shardsOf{5: conn}})
	p.Handle(t.Context(), gateway.Dispatch{Shard: 5, Event: gateway.Resumed{}})
	require.Contains(t, buf.String(), `"session":"abc"`)
}

type shardsOf map[gateway.ShardID]gateway.Conn

func (s shardsOf) Shard(id gateway.ShardID) (gateway.Conn, bool) {
	c, ok := s[id]
	return c, ok
}

func TestPipeline_HandlesEveryKind(t *testing.T) {
	p := New(Options{})
	for _, ev := range gateway.Kinds() {
		require.True(t, p.dispatch(t.Context(), p.log, gateway.Dispatch{Event: ev}, false), "kind %s", ev.Kind())
	}
}

func TestPipeline_RunDrainsStream(t *testing.T) {
	m := &recordingMetrics{}
	p := New(Options{Metrics: m})

	events := make(chan gateway.Dispatch, 4)
	events <- ready(0)
	events <- guildCreate(0, 1)
	close(events)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := p.Service(events).Serve(ctx)
	require.ErrorIs(t, err, suture.ErrDoNotRestart)
	require.Equal(t, 2, m.events)
}
