// Package gateway defines the contract between the fleet and the gateway
// client library: the closed set of events a shard can emit, the per-shard
// connection handle and the resumable session data.
//
// The client library itself (transport, heartbeats, payload decoding) is not
// part of this module. It is plugged in through [Client].
//
// # Events
//
// [Event] is a closed variant type. Every concrete event is a struct in this
// package carrying an unexported marker method, so no other package can add
// kinds. [Kinds] enumerates all of them for exhaustiveness checks.
//
// # Shards
//
// [Client.Shard] creates an unconnected [Conn] for one shard id. The caller
// then performs exactly one handshake with [Conn.Identify] or [Conn.Resume]
// and eventually [Conn.Close]. Events are delivered through the emit callback
// passed to Shard, in the order the shard observed them.
package gateway
