package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionInvalidated is returned by [Conn.Resume] when the remote
	// endpoint rejected the session. The shard must identify fresh.
	ErrSessionInvalidated = errors.New("gateway: session invalidated")
	ErrConnClosed         = errors.New("gateway: connection closed")
	// ErrFatal wraps handshake failures that retrying cannot fix, such as
	// an invalid token or disallowed intents.
	ErrFatal = errors.New("gateway: fatal close")
)

// SessionInfo is the resumable state of one shard.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Sequence  uint64 `json:"sequence"`
}

type Stage string

const (
	StageIdle         Stage = "idle"
	StageHandshaking  Stage = "handshaking"
	StageConnected    Stage = "connected"
	StageDisconnected Stage = "disconnected"
	StageClosed       Stage = "closed"
)

type ShardInfo struct {
	ID      ShardID       `json:"id"`
	Stage   Stage         `json:"stage"`
	Latency time.Duration `json:"latency"`
	// Session is nil when the shard holds no resumable session.
	Session *SessionInfo `json:"session,omitempty"`
}

// Emit receives a shard's events in order. Implementations of [Conn] call it
// from a single goroutine per shard and may block on it.
type Emit func(Event)

// Client is implemented by the gateway client library.
type Client interface {
	// Shard creates the connection handle for shard id out of total shards.
	// The handle is not connected until Identify or Resume is called.
	Shard(id ShardID, total uint32, emit Emit) Conn
}

type Conn interface {
	ID() ShardID
	// Identify connects and performs a fresh handshake. It returns once the
	// handshake completed or failed.
	Identify(ctx context.Context) error
	// Resume connects and continues the given session. It returns
	// ErrSessionInvalidated when the remote endpoint rejected the session.
	Resume(ctx context.Context, session SessionInfo) error
	Info() ShardInfo
	// Close disconnects while keeping the session resumable. ok reports whether
	// a resumable session was held. No events are emitted after Close returns.
	Close(ctx context.Context) (session SessionInfo, ok bool, err error)
}

// ShardForGuild maps a guild id to the shard that receives its events.
func ShardForGuild(guildID uint64, total uint32) ShardID {
	if total == 0 {
		return 0
	}
	return ShardID((guildID >> 22) % uint64(total))
}
