package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

func TestStore_RoundTrip(t *testing.T) {
	mem := kv.NewMemStore()
	s := NewStore(Options{Store: mem, Resume: true})

	empty, err := s.Load(t.Context())
	require.NoError(t, err)
	require.Empty(t, empty)

	in := map[gateway.ShardID]gateway.SessionInfo{
		0: {SessionID: "a", Sequence: 10},
		3: {SessionID: "b", Sequence: 99},
	}
	require.NoError(t, s.Save(t.Context(), in))

	out, err := s.Load(t.Context())
	require.NoError(t, err)
	require.Equal(t, in, out)

	entry, err := mem.Get(t.Context(), Key)
	require.NoError(t, err)
	require.JSONEq(t, `{"0":{"session_id":"a","sequence":10},"3":{"session_id":"b","sequence":99}}`, string(entry.Data))
}

func TestStore_SaveOverwrites(t *testing.T) {
	s := NewStore(Options{Store: kv.NewMemStore(), Resume: true})

	require.NoError(t, s.Save(t.Context(), map[gateway.ShardID]gateway.SessionInfo{
		0: {SessionID: "a"},
		1: {SessionID: "b"},
	}))
	require.NoError(t, s.Save(t.Context(), map[gateway.ShardID]gateway.SessionInfo{
		1: {SessionID: "c"},
	}))

	out, err := s.Load(t.Context())
	require.NoError(t, err)
	require.Equal(t, map[gateway.ShardID]gateway.SessionInfo{1: {SessionID: "c"}}, out)
}

func TestStore_ResumeDisabled(t *testing.T) {
	mem := kv.NewMemStore()
	require.NoError(t, NewStore(Options{Store: mem, Resume: true}).Save(t.Context(),
		map[gateway.ShardID]gateway.SessionInfo{0: {SessionID: "a"}}))

	out, err := NewStore(Options{Store: mem}).Load(t.Context())
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestStore_InvalidShardKeysIgnored(t *testing.T) {
	mem := kv.NewMemStore()
	require.NoError(t, mem.Put(t.Context(), Key, kv.Entry{Data: []byte(`{"x":{"session_id":"a"},"2":{"session_id":"b","sequence":1}}`)}, kv.PutOptions{}))

	out, err := NewStore(Options{Store: mem, Resume: true}).Load(t.Context())
	require.NoError(t, err)
	require.Equal(t, map[gateway.ShardID]gateway.SessionInfo{2: {SessionID: "b", Sequence: 1}}, out)
}

func TestStore_Errors(t *testing.T) {
	mem := kv.NewMemStore()
	require.NoError(t, mem.Close())
	s := NewStore(Options{Store: mem, Resume: true})

	_, err := s.Load(t.Context())
	require.ErrorIs(t, err, kv.ErrClosed)
	require.ErrorIs(t, s.Save(t.Context(), nil), kv.ErrClosed)
}
