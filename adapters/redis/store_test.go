package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-dispatch/ports/kv"
)

func TestStore(t *testing.T) {
	url := NewTestContainer(t)

	store, err := Opener(url)(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s := kv.NewPrefixed(store, "dispatch")

	t.Run("put & get", func(t *testing.T) {
		_, err := s.Get(t.Context(), "guild:1")
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Put(t.Context(), "guild:1", kv.Entry{Data: []byte("a")}, kv.PutOptions{}))
		e, err := s.Get(t.Context(), "guild:1")
		require.NoError(t, err)
		require.Equal(t, []byte("a"), e.Data)
	})

	t.Run("swap", func(t *testing.T) {
		_, found, err := s.Swap(t.Context(), "channel:5", kv.Entry{Data: []byte("x")}, kv.PutOptions{})
		require.NoError(t, err)
		require.False(t, found)

		prev, found, err := s.Swap(t.Context(), "channel:5", kv.Entry{Data: []byte("y")}, kv.PutOptions{})
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("x"), prev.Data)
	})

	t.Run("ttl", func(t *testing.T) {
		require.NoError(t, s.Put(t.Context(), "message:1:2", kv.Entry{Data: []byte("m")}, kv.PutOptions{TTL: 200 * time.Millisecond}))
		require.Eventually(t, func() bool {
			_, err := s.Get(t.Context(), "message:1:2")
			return err == kv.ErrNotFound
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("keys & delete", func(t *testing.T) {
		require.NoError(t, s.Put(t.Context(), "guild:2", kv.Entry{Data: []byte("b")}, kv.PutOptions{}))

		keys, err := s.Keys(t.Context(), "guild:")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"guild:1", "guild:2"}, keys)

		require.NoError(t, s.Delete(t.Context(), "guild:2"))
		require.NoError(t, s.Delete(t.Context(), "guild:2"))
		keys, err = s.Keys(t.Context(), "guild:")
		require.NoError(t, err)
		require.Equal(t, []string{"guild:1"}, keys)
	})
}
