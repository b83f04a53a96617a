package fleet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-dispatch/core/gateway"
)

func TestPartition_Contiguous(t *testing.T) {
	groups, err := Partition(0, 4, 2)
	require.NoError(t, err)
	require.Equal(t, [][]gateway.ShardID{{0, 1}, {2, 3}}, groups)
}

func TestPartition_EarlierGroupsLarger(t *testing.T) {
	groups, err := Partition(10, 17, 3)
	require.NoError(t, err)
	require.Equal(t, [][]gateway.ShardID{{10, 11, 12}, {13, 14}, {15, 16}}, groups)
}

func TestPartition_CompleteAndDisjoint(t *testing.T) {
	for _, tc := range []struct {
		start, end uint32
		n          int
	}{
		{0, 1, 1},
		{0, 16, 4},
		{5, 100, 7},
		{0, 64, 64},
		{3, 12, 2},
	} {
		groups, err := Partition(tc.start, tc.end, tc.n)
		require.NoError(t, err)
		require.Len(t, groups, tc.n)

		seen := map[gateway.ShardID]bool{}
		minSize, maxSize := int(tc.end), 0
		for _, g := range groups {
			require.NotEmpty(t, g)
			minSize = min(minSize, len(g))
			maxSize = max(maxSize, len(g))
			for _, id := range g {
				require.False(t, seen[id], "shard %d assigned twice", id)
				seen[id] = true
			}
		}
		require.Len(t, seen, int(tc.end-tc.start))
		for id := tc.start; id < tc.end; id++ {
			require.True(t, seen[id])
		}
		require.LessOrEqual(t, maxSize-minSize, 1)
	}
}

func TestPartition_Deterministic(t *testing.T) {
	a, err := Partition(0, 33, 5)
	require.NoError(t, err)
	b, err := Partition(0, 33, 5)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPartition_Invalid(t *testing.T) {
	_, err := Partition(4, 4, 1)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = Partition(5, 2, 1)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = Partition(0, 4, 0)
	require.ErrorIs(t, err, ErrInvalidClusters)

	_, err = Partition(0, 4, 5)
	require.ErrorIs(t, err, ErrInvalidClusters)
}
