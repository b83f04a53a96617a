// Package admission gates shard handshakes through a concurrency budget.
//
// The gateway only accepts a limited number of identify handshakes at once per
// rate-limit bucket. [Budget] is the capability the fleet depends on; it has
// two implementations:
//
//   - [Local]: a counting semaphore owned by one process.
//   - [Remote]: a client of a [Server] reached over a [Transport], so that
//     several independent processes share one global budget.
//
// Both expose the same operation. Acquire blocks until a slot is granted and
// returns a release func that the caller invokes once the handshake has
// completed:
//
//	release, err := budget.Acquire(ctx, shardID)
//	if err != nil {
//	    return err
//	}
//	defer release()
//	err = conn.Identify(ctx)
//
// # Remote coordination
//
// A [Server] subscribes to one or more bucket numbers on a [ServerTransport]
// and keeps a [Local] budget per bucket. Grants are leases: a lease that is
// not released within the server's LeaseTTL is reclaimed, so a crashed
// process cannot starve the fleet. The adapters/nats package provides a NATS
// transport; [MemoryTransport] is the in-process transport used in tests.
package admission
