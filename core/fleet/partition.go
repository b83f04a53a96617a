package fleet

import (
	"fmt"

	"github.com/codewandler/clstr-dispatch/core/gateway"
)

// Partition splits [start, end) into n contiguous groups whose sizes differ
// by at most one. Earlier groups get the larger share. The result depends
// only on the arguments.
func Partition(start, end uint32, n int) ([][]gateway.ShardID, error) {
	if end <= start {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}
	count := int(end - start)
	if n < 1 || n > count {
		return nil, fmt.Errorf("%w: %d clusters for %d shards", ErrInvalidClusters, n, count)
	}

	size, extra := count/n, count%n
	out := make([][]gateway.ShardID, 0, n)
	next := start
	for i := 0; i < n; i++ {
		k := size
		if i < extra {
			k++
		}
		group := make([]gateway.ShardID, 0, k)
		for j := 0; j < k; j++ {
			group = append(group, next)
			next++
		}
		out = append(out, group)
	}
	return out, nil
}
