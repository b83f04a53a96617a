package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codewandler/clstr-dispatch/core/admission"
	"github.com/codewandler/clstr-dispatch/core/gateway"
)

type Stage string

const (
	StageBuilt       Stage = "built"
	StageBringingUp  Stage = "bringing_up"
	StageRunning     Stage = "running"
	StageTearingDown Stage = "tearing_down"
	StageDrained     Stage = "drained"
)

type clusterOptions struct {
	id               int
	log              *slog.Logger
	client           gateway.Client
	shards           []gateway.ShardID
	total            uint32
	budget           admission.Budget
	concurrency      int
	wait             time.Duration
	handshakeTimeout time.Duration
	retryInterval    time.Duration
	retryMaxInterval time.Duration
	resume           map[gateway.ShardID]gateway.SessionInfo
	eventBuffer      int
	metrics          FleetMetrics
}

type Cluster struct {
	id               int
	name             string
	log              *slog.Logger
	shards           []gateway.ShardID
	conns            map[gateway.ShardID]gateway.Conn
	budget           admission.Budget
	concurrency      int
	wait             time.Duration
	handshakeTimeout time.Duration
	retryInterval    time.Duration
	retryMaxInterval time.Duration
	resume           map[gateway.ShardID]gateway.SessionInfo
	events           chan gateway.Dispatch
	metrics          FleetMetrics
	inflight         atomic.Int32

	mu       sync.Mutex
	stage    Stage
	upCancel context.CancelFunc
	upDone   chan struct{}

	downOnce sync.Once
	sessions map[gateway.ShardID]gateway.SessionInfo
}

func newCluster(opts clusterOptions) *Cluster {
	name := fmt.Sprintf("cluster-%d", opts.id)
	c := &Cluster{
		id:               opts.id,
		name:             name,
		log:              opts.log.With(slog.Int("cluster", opts.id)),
		shards:           opts.shards,
		conns:            make(map[gateway.ShardID]gateway.Conn, len(opts.shards)),
		budget:           opts.budget,
		concurrency:      opts.concurrency,
		wait:             opts.wait,
		handshakeTimeout: opts.handshakeTimeout,
		retryInterval:    opts.retryInterval,
		retryMaxInterval: opts.retryMaxInterval,
		resume:           make(map[gateway.ShardID]gateway.SessionInfo),
		events:           make(chan gateway.Dispatch, opts.eventBuffer),
		metrics:          opts.metrics,
		stage:            StageBuilt,
		upDone:           make(chan struct{}),
	}
	for _, id := range opts.shards {
		if s, ok := opts.resume[id]; ok {
			c.resume[id] = s
		}
		c.conns[id] = opts.client.Shard(id, opts.total, c.emitter(id))
	}
	return c
}

func (c *Cluster) emitter(id gateway.ShardID) gateway.Emit {
	return func(ev gateway.Event) {
		c.events <- gateway.Dispatch{Shard: id, Event: ev}
	}
}

func (c *Cluster) ID() int { return c.id }

func (c *Cluster) Name() string { return c.name }

// Shards returns the shard ids owned by the cluster.
func (c *Cluster) Shards() []gateway.ShardID {
	return append([]gateway.ShardID(nil), c.shards...)
}

// Events is the merged, per-shard ordered event stream of the cluster. It is
// closed by Down after every connection is closed.
func (c *Cluster) Events() <-chan gateway.Dispatch { return c.events }

// Shard returns the connection of shard id, if the cluster owns it.
func (c *Cluster) Shard(id gateway.ShardID) (gateway.Conn, bool) {
	conn, ok := c.conns[id]
	return conn, ok
}

func (c *Cluster) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

func (c *Cluster) setStage(from, to Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage == from {
		c.stage = to
	}
}

// Up brings all shards up. A shard whose slot request or handshake fails is
// retried with backoff, so Up returns once every shard is connected or failed
// fatally, or admission was stopped by Down or ctx.
func (c *Cluster) Up(ctx context.Context) error {
	c.mu.Lock()
	switch c.stage {
	case StageBuilt:
	case StageTearingDown, StageDrained:
		c.mu.Unlock()
		return ErrClusterDown
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.stage = StageBringingUp
	upCtx, cancel := context.WithCancel(ctx)
	c.upCancel = cancel
	c.mu.Unlock()

	defer close(c.upDone)
	defer cancel()

	c.log.Info("bringing up cluster",
		slog.Int("shards", len(c.shards)),
		slog.Int("resumable", len(c.resume)),
	)

	var wg sync.WaitGroup
	for i := 0; i < len(c.shards); i += c.concurrency {
		if i > 0 && !sleep(upCtx, c.wait) {
			break
		}
		batch := c.shards[i:min(i+c.concurrency, len(c.shards))]
		if !c.startBatch(upCtx, &wg, batch) {
			break
		}
	}
	wg.Wait()

	if c.Stage() == StageTearingDown {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setStage(StageBringingUp, StageRunning)
	c.log.Info("cluster running")
	return nil
}

// startBatch acquires a slot per shard and starts its handshake. It reports
// false once admission was stopped.
func (c *Cluster) startBatch(ctx context.Context, wg *sync.WaitGroup, batch []gateway.ShardID) bool {
	for _, id := range batch {
		release, err := c.acquire(ctx, id)
		if err != nil {
			c.log.Info("admission stopped", slog.Int("shard", int(id)))
			return false
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.connect(ctx, id, release)
		}()
	}
	return true
}

func (c *Cluster) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = c.retryMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// acquire takes a handshake slot for id. Failed requests are retried until
// ctx ends, which is the only error returned.
func (c *Cluster) acquire(ctx context.Context, id gateway.ShardID) (func(), error) {
	var release func()
	op := func() error {
		r, err := c.budget.Acquire(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		release = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.metrics.HandshakeRetried("acquire")
		c.log.Warn("failed to acquire handshake slot",
			slog.Int("shard", int(id)),
			slog.Duration("retry_in", next),
			slog.Any("error", err),
		)
	}
	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return release, nil
}

// connect runs the handshakes of shard id until one succeeds. The first slot
// is already held. A resume rejected by the remote falls back to identify,
// other failures are retried with backoff and a fresh slot.
func (c *Cluster) connect(upCtx context.Context, id gateway.ShardID, release func()) {
	log := c.log.With(slog.Int("shard", int(id)))
	conn := c.conns[id]
	session, resume := c.resume[id]
	b := c.newBackOff(upCtx)

	for {
		var err error
		if resume {
			err = c.run(upCtx, "resume", release, func(ctx context.Context) error { return conn.Resume(ctx, session) })
		} else {
			err = c.run(upCtx, "identify", release, conn.Identify)
		}

		switch {
		case err == nil:
			if resume {
				log.Debug("resumed", slog.String("session", session.SessionID))
			}
			return
		case resume && errors.Is(err, gateway.ErrSessionInvalidated):
			c.metrics.SessionInvalidated()
			log.Info("session invalidated, identifying")
			resume = false
		case errors.Is(err, gateway.ErrFatal):
			log.Error("handshake rejected", slog.Any("error", err))
			return
		default:
			next := b.NextBackOff()
			if next == backoff.Stop || !sleep(upCtx, next) {
				log.Warn("handshake failed", slog.Any("error", err))
				return
			}
			c.metrics.HandshakeRetried("handshake")
			log.Warn("handshake failed, retrying", slog.Duration("retry_in", next), slog.Any("error", err))
		}

		release, err = c.acquire(upCtx, id)
		if err != nil {
			log.Debug("admission stopped before retry")
			return
		}
	}
}

// run performs one handshake while holding its budget slot. In-flight
// handshakes finish even when admission stops.
func (c *Cluster) run(upCtx context.Context, mode string, release func(), f func(context.Context) error) error {
	defer release()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(upCtx), c.handshakeTimeout)
	defer cancel()

	c.metrics.HandshakesInflight(c.name, int(c.inflight.Add(1)))
	defer func() { c.metrics.HandshakesInflight(c.name, int(c.inflight.Add(-1))) }()

	timer := c.metrics.HandshakeDuration(mode)
	err := f(hctx)
	timer.ObserveDuration()
	c.metrics.HandshakeCompleted(mode, err == nil)
	return err
}

// Down tears the cluster down and returns the sessions of all shards that
// held a resumable session. Calling Down again returns the same result.
func (c *Cluster) Down(ctx context.Context) map[gateway.ShardID]gateway.SessionInfo {
	c.downOnce.Do(func() {
		c.mu.Lock()
		started := c.stage != StageBuilt
		c.stage = StageTearingDown
		if c.upCancel != nil {
			c.upCancel()
		}
		c.mu.Unlock()

		c.log.Info("tearing down cluster")

		if started {
			<-c.upDone
		}

		sessions := make(map[gateway.ShardID]gateway.SessionInfo)
		for _, id := range c.shards {
			session, ok, err := c.conns[id].Close(ctx)
			if err != nil {
				c.log.Warn("failed to close shard", slog.Int("shard", int(id)), slog.Any("error", err))
			}
			if ok {
				sessions[id] = session
			}
		}
		close(c.events)

		c.mu.Lock()
		c.stage = StageDrained
		c.sessions = sessions
		c.mu.Unlock()

		c.log.Info("cluster drained", slog.Int("resumable", len(sessions)))
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[gateway.ShardID]gateway.SessionInfo, len(c.sessions))
	for k, v := range c.sessions {
		out[k] = v
	}
	return out
}

// Info reports the current state of every shard.
func (c *Cluster) Info() []gateway.ShardInfo {
	out := make([]gateway.ShardInfo, 0, len(c.shards))
	for _, id := range c.shards {
		out = append(out, c.conns[id].Info())
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
