// Package gatewaytest provides an in-process gateway client that performs
// handshakes without a network and records what the fleet asked of it.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/clstr-dispatch/core/gateway"
)

type Options struct {
	// BotUser is reported in every Ready event.
	BotUser gateway.User
	// Guilds returns the guilds a shard receives after Ready.
	Guilds func(shard gateway.ShardID) []gateway.Guild
	// HandshakeDelay is how long a handshake stays in flight.
	HandshakeDelay time.Duration
	// RejectResume makes every resume attempt fail with an invalidated session.
	RejectResume bool
	// FailIdentify makes Identify fail permanently for the listed shards.
	FailIdentify map[gateway.ShardID]bool
	// FlakyIdentify fails the first n Identify calls of a shard with a
	// retryable error.
	FlakyIdentify map[gateway.ShardID]int
}

// Handshake is one recorded Identify or Resume call.
type Handshake struct {
	Shard  gateway.ShardID
	Resume bool
	Start  time.Time
	End    time.Time
}

type Client struct {
	opts Options

	mu         sync.Mutex
	conns      map[gateway.ShardID]*Conn
	handshakes []Handshake
	failed     map[gateway.ShardID]int
	seq        atomic.Uint64

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func NewClient(opts Options) *Client {
	if opts.BotUser.ID == 0 {
		opts.BotUser = gateway.User{ID: 1000, Username: "dispatch", Bot: true}
	}
	return &Client{opts: opts, conns: map[gateway.ShardID]*Conn{}, failed: map[gateway.ShardID]int{}}
}

func (c *Client) Shard(id gateway.ShardID, total uint32, emit gateway.Emit) gateway.Conn {
	conn := &Conn{c: c, id: id, total: total, emit: emit, stage: gateway.StageIdle}
	c.mu.Lock()
	c.conns[id] = conn
	c.mu.Unlock()
	return conn
}

// Conn returns the handle created for shard id.
func (c *Client) Conn(id gateway.ShardID) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

// Handshakes returns all recorded handshakes ordered by start time.
func (c *Client) Handshakes() []Handshake {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Handshake(nil), c.handshakes...)
}

// MaxInflight is the highest number of simultaneous handshakes observed.
func (c *Client) MaxInflight() int { return int(c.maxInflight.Load()) }

func (c *Client) begin() time.Time {
	n := c.inflight.Add(1)
	for {
		cur := c.maxInflight.Load()
		if n <= cur || c.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	return time.Now()
}

func (c *Client) end(shard gateway.ShardID, resume bool, start time.Time) {
	c.inflight.Add(-1)
	c.mu.Lock()
	c.handshakes = append(c.handshakes, Handshake{Shard: shard, Resume: resume, Start: start, End: time.Now()})
	c.mu.Unlock()
}

// flaky consumes one scripted failure of shard.
func (c *Client) flaky(shard gateway.ShardID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed[shard] >= c.opts.FlakyIdentify[shard] {
		return false
	}
	c.failed[shard]++
	return true
}

func (c *Client) sleep(ctx context.Context) error {
	if c.opts.HandshakeDelay <= 0 {
		return nil
	}
	t := time.NewTimer(c.opts.HandshakeDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Conn struct {
	c     *Client
	id    gateway.ShardID
	total uint32
	emit  gateway.Emit

	mu      sync.Mutex
	stage   gateway.Stage
	session *gateway.SessionInfo
}

func (s *Conn) ID() gateway.ShardID { return s.id }

func (s *Conn) setStage(stage gateway.Stage) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}

func (s *Conn) connect() {
	s.setStage(gateway.StageHandshaking)
	s.emit(gateway.ShardConnecting{Gateway: "wss://gateway.invalid"})
	s.emit(gateway.ShardConnected{HeartbeatInterval: 41250})
	s.emit(gateway.Hello{HeartbeatInterval: 41250})
}

func (s *Conn) Identify(ctx context.Context) error {
	start := s.c.begin()
	defer s.c.end(s.id, false, start)

	s.connect()
	s.emit(gateway.ShardIdentifying{})
	if err := s.c.sleep(ctx); err != nil {
		s.setStage(gateway.StageDisconnected)
		return err
	}
	if s.c.opts.FailIdentify[s.id] {
		s.setStage(gateway.StageDisconnected)
		code := uint16(4004)
		s.emit(gateway.ShardDisconnected{Code: &code, Reason: "Authentication failed"})
		return fmt.Errorf("shard %d: identify rejected: %w", s.id, gateway.ErrFatal)
	}
	if s.c.flaky(s.id) {
		s.setStage(gateway.StageDisconnected)
		code := uint16(4000)
		s.emit(gateway.ShardDisconnected{Code: &code, Reason: "Unknown error"})
		return fmt.Errorf("shard %d: connection reset", s.id)
	}

	session := gateway.SessionInfo{
		SessionID: fmt.Sprintf("session-%d-%d", s.id, s.c.seq.Add(1)),
		Sequence:  1,
	}
	s.mu.Lock()
	s.session = &session
	s.stage = gateway.StageConnected
	s.mu.Unlock()

	s.emit(gateway.Ready{SessionID: session.SessionID, User: s.c.opts.BotUser})
	if s.c.opts.Guilds != nil {
		for _, g := range s.c.opts.Guilds(s.id) {
			s.Inject(gateway.GuildCreate{Guild: g})
		}
	}
	return nil
}

func (s *Conn) Resume(ctx context.Context, session gateway.SessionInfo) error {
	start := s.c.begin()
	defer s.c.end(s.id, true, start)

	s.connect()
	s.emit(gateway.ShardResuming{Seq: session.Sequence})
	if err := s.c.sleep(ctx); err != nil {
		s.setStage(gateway.StageDisconnected)
		return err
	}
	if s.c.opts.RejectResume || session.SessionID == "" {
		s.setStage(gateway.StageDisconnected)
		s.emit(gateway.InvalidSession{Resumable: false})
		return gateway.ErrSessionInvalidated
	}

	s.mu.Lock()
	s.session = &session
	s.stage = gateway.StageConnected
	s.mu.Unlock()

	s.emit(gateway.Resumed{})
	return nil
}

// Inject emits ev as if it arrived on the shard, advancing the sequence.
func (s *Conn) Inject(ev gateway.Event) {
	s.mu.Lock()
	if s.session != nil {
		s.session.Sequence++
	}
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Conn) Info() gateway.ShardInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := gateway.ShardInfo{ID: s.id, Stage: s.stage}
	if s.session != nil {
		session := *s.session
		info.Session = &session
		info.Latency = 40 * time.Millisecond
	}
	return info
}

func (s *Conn) Close(context.Context) (gateway.SessionInfo, bool, error) {
	s.mu.Lock()
	wasConnected := s.stage == gateway.StageConnected
	s.stage = gateway.StageClosed
	session := s.session
	s.mu.Unlock()

	if wasConnected {
		code := uint16(4000)
		s.emit(gateway.ShardDisconnected{Code: &code})
	}
	if session == nil {
		return gateway.SessionInfo{}, false, nil
	}
	return *session, true, nil
}

var (
	_ gateway.Client = (*Client)(nil)
	_ gateway.Conn   = (*Conn)(nil)
)
