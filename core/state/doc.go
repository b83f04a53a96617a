// Package state caches gateway entities in a [kv.Store] so that restarts and
// reconnects can tell first-seen entities from repeats.
//
// Entities are stored under "<category>:<id...>" keys. Guilds and channels are
// always cached; members, messages and presences are gated by a [Policy]
// with its own TTL. When capture-old is enabled every write returns the value
// it replaced, which the pipeline uses to suppress repeated join notifications.
//
// [Cleaner] is the periodic consistency pass that complements TTL expiry.
package state
