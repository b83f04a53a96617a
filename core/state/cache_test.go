package state

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

const botID = 1000

func newCache(t *testing.T, mod func(*Options)) (*Cache, *kv.MemStore) {
	t.Helper()
	store := kv.NewMemStore()
	opts := Options{
		Store:      store,
		Member:     Policy{Enabled: true},
		CaptureOld: true,
	}
	if mod != nil {
		mod(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c, store
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoStore)
}

func TestSet_CaptureOld(t *testing.T) {
	c, _ := newCache(t, nil)

	_, found, err := c.Set(t.Context(), "k", []byte("a"), 0)
	require.NoError(t, err)
	require.False(t, found)

	old, found, err := c.Set(t.Context(), "k", []byte("b"), 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a"), old)

	cur, found, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("b"), cur)
}

func TestSet_WithoutCaptureOld(t *testing.T) {
	c, _ := newCache(t, func(o *Options) { o.CaptureOld = false })

	for _, v := range []string{"a", "b", "c"} {
		old, found, err := c.Set(t.Context(), "k", []byte(v), 0)
		require.NoError(t, err)
		require.False(t, found)
		require.Nil(t, old)
	}

	cur, _, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("c"), cur)
}

func TestGet_Absent(t *testing.T) {
	c, _ := newCache(t, nil)
	v, found, err := c.Get(t.Context(), "nope")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, v)
}

func TestUpdate_GuildFirstSeen(t *testing.T) {
	c, store := newCache(t, nil)
	ev := gateway.GuildCreate{Guild: gateway.Guild{
		ID:       42,
		Name:     "answers",
		Channels: []gateway.Channel{{ID: 7, Name: "general"}},
		Members:  []gateway.Member{{User: gateway.User{ID: 5}}},
	}}

	_, found, err := c.Update(t.Context(), ev, botID)
	require.NoError(t, err)
	require.False(t, found, "first GuildCreate has no prior value")

	old, found, err := c.Update(t.Context(), ev, botID)
	require.NoError(t, err)
	require.True(t, found, "reconnect sees the stored guild")

	var g gateway.Guild
	require.NoError(t, json.Unmarshal(old, &g))
	require.Equal(t, uint64(42), g.ID)
	require.Empty(t, g.Channels)

	ch, err := kv.Get[gateway.Channel](t.Context(), store, ChannelKey(7))
	require.NoError(t, err)
	require.Equal(t, uint64(42), ch.GuildID)

	m, err := kv.Get[gateway.Member](t.Context(), store, MemberKey(42, 5))
	require.NoError(t, err)
	require.Equal(t, uint64(5), m.User.ID)
}

func TestUpdate_DisabledCategoryIsNoop(t *testing.T) {
	c, store := newCache(t, func(o *Options) { o.Member.Enabled = false })

	for _, ev := range []gateway.Event{
		gateway.MemberAdd{Member: gateway.Member{GuildID: 1, User: gateway.User{ID: 5}}},
		gateway.MemberAdd{Member: gateway.Member{GuildID: 1, User: gateway.User{ID: 5}}},
		gateway.MessageCreate{Message: gateway.Message{ID: 9, ChannelID: 2}},
		gateway.PresenceUpdate{Presence: gateway.Presence{GuildID: 1, UserID: 5}},
		gateway.MessageDelete{ID: 9, ChannelID: 2},
		gateway.MemberRemove{GuildID: 1, User: gateway.User{ID: 5}},
	} {
		old, found, err := c.Update(t.Context(), ev, botID)
		require.NoError(t, err)
		require.False(t, found)
		require.Nil(t, old)
	}

	keys, err := store.Keys(t.Context(), "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestUpdate_BotMemberAlwaysCached(t *testing.T) {
	c, store := newCache(t, func(o *Options) { o.Member.Enabled = false })

	_, _, err := c.Update(t.Context(), gateway.MemberAdd{Member: gateway.Member{
		GuildID: 1, User: gateway.User{ID: botID, Bot: true},
	}}, botID)
	require.NoError(t, err)

	_, err = store.Get(t.Context(), MemberKey(1, botID))
	require.NoError(t, err)

	self, err := kv.Get[uint64](t.Context(), store, SelfKey)
	require.NoError(t, err)
	require.Equal(t, uint64(botID), self)
}

func TestUpdate_TTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := kv.NewMemStore().WithClock(func() time.Time { return now })
	c, err := New(Options{
		Store:      store,
		Message:    Policy{Enabled: true, TTL: time.Minute},
		CaptureOld: true,
	})
	require.NoError(t, err)

	ev := gateway.MessageCreate{Message: gateway.Message{ID: 9, ChannelID: 2, Content: "hi"}}
	_, _, err = c.Update(t.Context(), ev, botID)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, found, err := c.Get(t.Context(), MessageKey(2, 9))
	require.NoError(t, err)
	require.False(t, found)
}

func TestUpdate_Deletes(t *testing.T) {
	c, _ := newCache(t, nil)

	_, _, err := c.Update(t.Context(), gateway.ChannelCreate{Channel: gateway.Channel{ID: 3, Name: "a"}}, botID)
	require.NoError(t, err)

	old, found, err := c.Update(t.Context(), gateway.ChannelDelete{Channel: gateway.Channel{ID: 3}}, botID)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, string(old), `"name":"a"`)

	_, found, err = c.Get(t.Context(), ChannelKey(3))
	require.NoError(t, err)
	require.False(t, found)
}

func TestUpdate_UnavailableGuildKept(t *testing.T) {
	c, _ := newCache(t, nil)
	_, _, err := c.Update(t.Context(), gateway.GuildCreate{Guild: gateway.Guild{ID: 42}}, botID)
	require.NoError(t, err)

	_, _, err = c.Update(t.Context(), gateway.GuildDelete{ID: 42, Unavailable: true}, botID)
	require.NoError(t, err)
	_, found, err := c.Get(t.Context(), GuildKey(42))
	require.NoError(t, err)
	require.True(t, found)

	_, _, err = c.Update(t.Context(), gateway.GuildDelete{ID: 42}, botID)
	require.NoError(t, err)
	_, found, err = c.Get(t.Context(), GuildKey(42))
	require.NoError(t, err)
	require.False(t, found)
}

func TestUpdate_ConnectionEventsIgnored(t *testing.T) {
	c, store := newCache(t, nil)
	for _, ev := range gateway.Kinds() {
		switch ev.(type) {
		case gateway.Hello, gateway.Ready, gateway.Resumed, gateway.InvalidSession,
			gateway.ShardConnecting, gateway.ShardConnected, gateway.ShardDisconnected,
			gateway.ShardIdentifying, gateway.ShardReconnecting, gateway.ShardResuming:
			_, found, err := c.Update(t.Context(), ev, botID)
			require.NoError(t, err)
			require.False(t, found)
		}
	}
	keys, err := store.Keys(t.Context(), "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestUpdate_StoreError(t *testing.T) {
	c, store := newCache(t, nil)
	require.NoError(t, store.Close())

	_, _, err := c.Update(t.Context(), gateway.GuildCreate{Guild: gateway.Guild{ID: 1}}, botID)
	require.ErrorIs(t, err, kv.ErrClosed)
}

func TestParseKey(t *testing.T) {
	cat, ids, err := ParseKey(MemberKey(42, 7))
	require.NoError(t, err)
	require.Equal(t, CategoryMember, cat)
	require.Equal(t, []uint64{42, 7}, ids)

	_, _, err = ParseKey("guild")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, _, err = ParseKey("guild:abc")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestStateful(t *testing.T) {
	require.True(t, Stateful(gateway.GuildCreate{}))
	require.True(t, Stateful(gateway.MessageDelete{}))
	require.True(t, Stateful(gateway.PresenceUpdate{}))
	require.False(t, Stateful(gateway.Ready{}))
	require.False(t, Stateful(gateway.ShardConnected{}))
}
