// Package pipeline consumes the merged event stream of one cluster: it keeps
// the state cache current, logs lifecycle transitions and emits operator
// notifications.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/core/notify"
	"github.com/codewandler/clstr-dispatch/core/state"
)

const DefaultUpdateTimeout = 10 * time.Second

var ErrUpdateTimeout = errors.New("pipeline: state update timed out")

// Shards looks up the connections of the cluster. *fleet.Cluster implements it.
type Shards interface {
	Shard(id gateway.ShardID) (gateway.Conn, bool)
}

type Options struct {
	Log  *slog.Logger
	Name string
	// Cache is nil when state caching is disabled.
	Cache  *state.Cache
	Notify notify.Sink
	// Shards is optional and used to report session ids on resume.
	Shards        Shards
	UpdateTimeout time.Duration
	Metrics       PipelineMetrics
}

type Pipeline struct {
	log           *slog.Logger
	name          string
	cache         *state.Cache
	notify        notify.Sink
	shards        Shards
	updateTimeout time.Duration
	metrics       PipelineMetrics

	// botID is learned from the first Ready on this pipeline.
	botID    uint64
	botKnown bool

	// stale holds updates abandoned at their timeout that may still write,
	// per shard. They close when the write returned.
	stale map[gateway.ShardID]<-chan struct{}
}

func New(opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.Notify == nil {
		opts.Notify = notify.Nop()
	}
	if opts.UpdateTimeout <= 0 {
		opts.UpdateTimeout = DefaultUpdateTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NopPipelineMetrics()
	}
	if opts.Name == "" {
		opts.Name = "pipeline"
	}
	return &Pipeline{
		log:           log.With(slog.String("pipeline", opts.Name)),
		name:          opts.Name,
		cache:         opts.Cache,
		notify:        opts.Notify,
		shards:        opts.Shards,
		updateTimeout: opts.UpdateTimeout,
		metrics:       opts.Metrics,
		stale:         make(map[gateway.ShardID]<-chan struct{}),
	}
}

// BotID returns the bot user id once a Ready was seen.
func (p *Pipeline) BotID() (uint64, bool) { return p.botID, p.botKnown }

// Run handles events in order until the stream is closed. Cancelling ctx
// does not stop Run: the stream is drained so that tear-down never blocks on
// a full buffer.
func (p *Pipeline) Run(ctx context.Context, events <-chan gateway.Dispatch) {
	for d := range events {
		p.Handle(ctx, d)
	}
	p.log.Debug("event stream closed")
}

// Service adapts Run to a supervised service that is not restarted once the
// stream is closed.
func (p *Pipeline) Service(events <-chan gateway.Dispatch) suture.Service {
	return serviceFunc{name: p.name, f: func(ctx context.Context) error {
		p.Run(ctx, events)
		return suture.ErrDoNotRestart
	}}
}

type serviceFunc struct {
	name string
	f    func(ctx context.Context) error
}

func (s serviceFunc) Serve(ctx context.Context) error { return s.f(ctx) }
func (s serviceFunc) String() string                  { return s.name }

// Handle processes a single event.
func (p *Pipeline) Handle(ctx context.Context, d gateway.Dispatch) {
	log := p.log.With(slog.Int("shard", int(d.Shard)))

	var found bool
	if p.cache != nil {
		if ready, ok := d.Event.(gateway.Ready); ok && !p.botKnown {
			p.botID, p.botKnown = ready.User.ID, true
		}
		if p.botKnown && state.Stateful(d.Event) {
			var err error
			_, found, err = p.update(ctx, d.Shard, d.Event)
			switch {
			case errors.Is(err, ErrUpdateTimeout):
				p.metrics.StateUpdateFailed("timeout")
				log.Warn("Timed out while updating state", slog.String("kind", string(d.Event.Kind())))
			case err != nil:
				p.metrics.StateUpdateFailed("error")
				log.Warn("Failed to update state", slog.String("kind", string(d.Event.Kind())), slog.Any("error", err))
			}
		}
	}

	p.dispatch(ctx, log, d, found)
	p.metrics.EventProcessed(p.name, string(d.Event.Kind()))
}

// update runs the cache update detached from ctx cancellation and bounded by
// the update timeout. A store that ignores its context cannot stall the
// stream; its result is dropped. Writes of one shard never overlap: while an
// abandoned update of the shard is still running, the next one waits for it
// within its own deadline and is skipped if it does not finish.
func (p *Pipeline) update(ctx context.Context, shard gateway.ShardID, ev gateway.Event) ([]byte, bool, error) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.updateTimeout)

	if prev, ok := p.stale[shard]; ok {
		select {
		case <-prev:
			delete(p.stale, shard)
		case <-uctx.Done():
			cancel()
			return nil, false, ErrUpdateTimeout
		}
	}

	type result struct {
		old   []byte
		found bool
		err   error
	}
	done := make(chan result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer cancel()
		old, found, err := p.cache.Update(uctx, ev, p.botID)
		done <- result{old, found, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return nil, false, ErrUpdateTimeout
		}
		return r.old, r.found, r.err
	case <-uctx.Done():
		p.stale[shard] = finished
		return nil, false, ErrUpdateTimeout
	}
}

// dispatch logs the event and emits notifications. It reports false for
// events it has no arm for.
func (p *Pipeline) dispatch(ctx context.Context, log *slog.Logger, d gateway.Dispatch, found bool) bool {
	switch e := d.Event.(type) {
	case gateway.Hello:
		log.Info("Hello", slog.Uint64("heartbeat_interval", e.HeartbeatInterval))
	case gateway.InvalidSession:
		log.Info("Invalid Session", slog.Bool("resumable", e.Resumable))
	case gateway.Ready:
		log.Info("Ready", slog.String("session", e.SessionID))
		p.send(ctx, log, notify.ChannelLog, notify.ColorReady, "", fmt.Sprintf("[Shard %d] Ready", d.Shard))
	case gateway.Resumed:
		if session, ok := p.session(d.Shard); ok {
			log.Info("Resumed", slog.String("session", session))
		} else {
			log.Info("Resumed")
		}
		p.send(ctx, log, notify.ChannelLog, notify.ColorResume, "", fmt.Sprintf("[Shard %d] Resumed", d.Shard))
	case gateway.ShardConnected:
		log.Info("Connected")
		p.send(ctx, log, notify.ChannelLog, notify.ColorConnect, "", fmt.Sprintf("[Shard %d] Connected", d.Shard))
	case gateway.ShardConnecting:
		log.Info("Connecting", slog.String("url", e.Gateway))
	case gateway.ShardDisconnected:
		switch {
		case e.Code != nil && e.Reason != "":
			log.Info("Disconnected", slog.Int("code", int(*e.Code)), slog.String("reason", e.Reason))
		case e.Code != nil:
			log.Info("Disconnected", slog.Int("code", int(*e.Code)))
		default:
			log.Info("Disconnected")
		}
		p.send(ctx, log, notify.ChannelLog, notify.ColorDisconnect, "", fmt.Sprintf("[Shard %d] Disconnected", d.Shard))
	case gateway.ShardIdentifying:
		log.Info("Identifying")
	case gateway.ShardReconnecting:
		log.Info("Reconnecting")
	case gateway.ShardResuming:
		log.Info("Resuming", slog.Uint64("sequence", e.Seq))
	case gateway.GuildCreate:
		if !found {
			p.send(ctx, log, notify.ChannelGuild, notify.ColorJoin, "Guild Join", fmt.Sprintf("%s (%d)", e.Guild.Name, e.Guild.ID))
		}
	case gateway.GuildUpdate, gateway.GuildDelete,
		gateway.ChannelCreate, gateway.ChannelUpdate, gateway.ChannelDelete,
		gateway.MemberAdd, gateway.MemberUpdate, gateway.MemberRemove,
		gateway.MessageCreate, gateway.MessageUpdate, gateway.MessageDelete,
		gateway.PresenceUpdate:
		log.Debug("event", slog.String("kind", string(e.Kind())), slog.Bool("seen", found))
	default:
		log.Warn("unhandled event", slog.String("kind", string(d.Event.Kind())))
		return false
	}
	return true
}

func (p *Pipeline) session(id gateway.ShardID) (string, bool) {
	if p.shards == nil {
		return "", false
	}
	conn, ok := p.shards.Shard(id)
	if !ok {
		return "", false
	}
	info := conn.Info()
	if info.Session == nil {
		return "", false
	}
	return info.Session.SessionID, true
}

func (p *Pipeline) send(ctx context.Context, log *slog.Logger, ch notify.Channel, color notify.Color, title, body string) {
	err := p.notify.Notify(ctx, notify.Notification{Channel: ch, Color: color, Title: title, Body: body})
	p.metrics.NotificationSent(string(ch), err == nil)
	if err != nil {
		log.Warn("failed to send notification", slog.String("channel", string(ch)), slog.Any("error", err))
	}
}
