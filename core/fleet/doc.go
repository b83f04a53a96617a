// Package fleet builds and operates the shard clusters of one process.
//
// The process owns the shard range [start, end) out of total shards. [Build]
// partitions the range into contiguous clusters with [Partition], creates one
// gateway connection per shard and returns a [Fleet]. Each [Cluster] owns an
// admission budget and one merged event stream for all of its shards.
//
// # Lifecycle
//
// A cluster moves through built → bringing up → running → tearing down →
// drained.
//
//   - [Cluster.Up] issues handshakes in batches no larger than the
//     concurrency budget, starting successive batches at least Wait apart.
//     Every handshake holds a budget slot until it completed. Shards with a
//     known session resume; when the gateway rejects the session the shard
//     takes a new slot and identifies.
//   - [Cluster.Down] stops admission, waits for in-flight handshakes, closes
//     every connection, closes the event stream and returns the resumable
//     sessions.
//
// Failures of one shard are logged and never affect its siblings.
package fleet
