package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/codewandler/clstr-dispatch/adapters/api"
	natsadapter "github.com/codewandler/clstr-dispatch/adapters/nats"
	promadapter "github.com/codewandler/clstr-dispatch/adapters/prometheus"
	"github.com/codewandler/clstr-dispatch/adapters/webhook"
	"github.com/codewandler/clstr-dispatch/core/admission"
	"github.com/codewandler/clstr-dispatch/core/fleet"
	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/core/jobs"
	"github.com/codewandler/clstr-dispatch/core/notify"
	"github.com/codewandler/clstr-dispatch/core/pipeline"
	"github.com/codewandler/clstr-dispatch/core/session"
	"github.com/codewandler/clstr-dispatch/core/state"
	"github.com/codewandler/clstr-dispatch/internal/config"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

var (
	ErrConfig  = errors.New("app: invalid options")
	ErrStartup = errors.New("app: startup failed")
)

// GatewayFactory creates the gateway client from the pass-through settings.
type GatewayFactory func(cfg config.GatewayConfig) (gateway.Client, error)

type Options struct {
	Log     *slog.Logger
	Config  *config.Config
	Gateway GatewayFactory

	// Open overrides the store opener derived from Config.Store.
	Open kv.Opener
	// Admission overrides the queue transport used when the default queue is
	// disabled. It is not closed by the app.
	Admission admission.ClientTransport
	// Notify receives notifications in addition to the log and the webhooks.
	Notify notify.Sink
	// Registry collects the metrics. Default: a fresh registry.
	Registry *prometheus.Registry
	// DrainTimeout bounds the wait for pipelines after tear-down. Default: 15s.
	DrainTimeout time.Duration
	Now          func() time.Time
}

// Result summarizes one run.
type Result struct {
	Clusters int           `json:"clusters"`
	Shards   int           `json:"shards"`
	Resumed  int           `json:"resumed"`
	Saved    int           `json:"saved"`
	Uptime   time.Duration `json:"uptime"`
}

type App struct {
	log     *slog.Logger
	cfg     *config.Config
	gw      gateway.Client
	open    kv.Opener
	nats    natsadapter.Connector
	queue   admission.ClientTransport
	notify  notify.Sink
	reg     *prometheus.Registry
	metrics *promadapter.AllMetrics
	drain   time.Duration
	now     func() time.Time

	mu      sync.Mutex
	closers []func() error
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: Config is required", ErrConfig)
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("%w: Gateway is required", ErrConfig)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	gw, err := opts.Gateway(opts.Config.Gateway)
	if err != nil {
		return nil, fmt.Errorf("%w: gateway client: %w", ErrStartup, err)
	}

	// store handles and the admission queue share one NATS connection
	var nc natsadapter.Connector
	if url := opts.Config.Store.NatsURL; url != "" {
		nc = natsadapter.ReuseConnection(natsadapter.ConnectURL(url))
	}

	open := opts.Open
	if open == nil {
		if open, err = StoreOpener(opts.Config.Store, nc); err != nil {
			return nil, err
		}
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = 15 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &App{
		log:     log,
		cfg:     opts.Config,
		gw:      gw,
		open:    open,
		nats:    nc,
		queue:   opts.Admission,
		notify:  opts.Notify,
		reg:     reg,
		metrics: promadapter.NewAllMetrics(reg),
		drain:   drain,
		now:     now,
	}, nil
}

// openStore opens a store handle that is closed when Run returns.
func (a *App) openStore(ctx context.Context) (kv.Store, error) {
	s, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)
	return s, nil
}

func (a *App) onClose(f func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, f)
	a.mu.Unlock()
}

func (a *App) close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			a.log.Warn("failed to close resource", slog.Any("error", err))
		}
	}
}

// Run brings the fleet up and blocks until ctx is cancelled. Startup errors
// are returned before any shard connects. A failed session save is returned
// after shutdown completed.
func (a *App) Run(ctx context.Context) (res Result, err error) {
	defer a.close()

	cfg := a.cfg
	started := a.now()

	// === store ===
	store, err := a.openStore(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: open store: %w", ErrStartup, err)
	}
	if err := store.Ping(ctx); err != nil {
		return res, fmt.Errorf("%w: ping store: %w", ErrStartup, err)
	}
	if err := kv.Put(ctx, store, KeyStarted, started.UTC().Format(time.RFC3339), kv.PutOptions{}); err != nil {
		return res, fmt.Errorf("%w: write %s: %w", ErrStartup, KeyStarted, err)
	}
	if err := kv.Put(ctx, store, KeyShards, cfg.Shards.Total, kv.PutOptions{}); err != nil {
		return res, fmt.Errorf("%w: write %s: %w", ErrStartup, KeyShards, err)
	}

	// === sessions ===
	sessions := session.NewStore(session.Options{Log: a.log, Store: store, Resume: cfg.Resume})
	resume, err := sessions.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	// === fleet ===
	budgets, err := a.budgets()
	if err != nil {
		return res, err
	}
	f, err := fleet.Build(fleet.Options{
		Log:         a.log,
		Gateway:     a.gw,
		ShardsStart: cfg.Shards.Start,
		ShardsEnd:   cfg.Shards.End,
		ShardsTotal: cfg.Shards.Total,
		Clusters:    cfg.Clusters,
		Concurrency: cfg.Shards.Concurrency,
		Wait:        cfg.Shards.Wait(),
		Budget:      budgets,
		Resume:      resume,
		Metrics:     a.metrics.Fleet,
	})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	res.Clusters = len(f.Clusters())
	res.Shards = f.NumShards()
	res.Resumed = len(resume)

	a.log.Info("starting fleet",
		slog.Int("clusters", res.Clusters),
		slog.Int("shards", res.Shards),
		slog.Int("shards_total", int(cfg.Shards.Total)),
		slog.Int("sessions", res.Resumed),
	)

	// === supervised services ===
	sup := suture.New("dispatch", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: a.log}).MustHook(),
	})
	drained, err := a.addServices(ctx, sup, store, f)
	if err != nil {
		return res, err
	}

	supCtx, stopSup := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSup()
	supErr := sup.ServeBackground(supCtx)

	upDone := make(chan struct{})
	go func() {
		defer close(upDone)
		f.Up(ctx)
		a.log.Info("fleet bring-up finished", slog.Int("connected", f.Status().ShardsConnected))
	}()

	<-ctx.Done()
	a.log.Info("shutting down")

	// === shutdown ===
	downCtx := context.WithoutCancel(ctx)
	saved := f.Down(downCtx)
	<-upDone

	res.Saved = len(saved)
	saveErr := sessions.Save(downCtx, saved)
	if saveErr != nil {
		a.log.Error("failed to save sessions", slog.Any("error", saveErr))
	}

	a.waitDrained(drained)
	stopSup()
	// ServeBackground delivers exactly one value and never closes the channel.
	if err := <-supErr; err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("supervisor stopped with error", slog.Any("error", err))
	}
	if unstopped, _ := sup.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			a.log.Warn("service failed to stop", slog.String("service", svc.Name))
		}
	}

	res.Uptime = a.now().Sub(started)
	a.log.Info("stopped", slog.Int("sessions_saved", res.Saved), slog.Duration("uptime", res.Uptime))
	return res, saveErr
}

// budgets selects the admission budget of every cluster.
func (a *App) budgets() (fleet.BudgetFactory, error) {
	cfg := a.cfg
	if cfg.DefaultQueue {
		return fleet.LocalBudgets(cfg.Shards.Concurrency, a.metrics.Admission), nil
	}

	t := a.queue
	if t == nil {
		nt, err := natsadapter.NewTransport(natsadapter.TransportConfig{
			Connect:       a.nats,
			Log:           a.log,
			SubjectPrefix: cfg.Queue.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: admission queue: %w", ErrStartup, err)
		}
		a.onClose(nt.Close)
		t = nt
	}

	return func(cluster int) (admission.Budget, error) {
		r, err := admission.NewRemote(admission.RemoteOptions{
			Log:            a.log.With(slog.Int("cluster", cluster)),
			Transport:      t,
			Bucket:         cfg.Queue.Bucket,
			AcquireTimeout: cfg.Queue.Timeout(),
			Metrics:        a.metrics.Admission,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(r.Close)
		return r, nil
	}, nil
}

// addServices registers pipelines, jobs, notification delivery and the ops
// API. The returned channels close when the corresponding pipeline drained.
func (a *App) addServices(ctx context.Context, sup *suture.Supervisor, store kv.Store, f *fleet.Fleet) ([]<-chan struct{}, error) {
	cfg := a.cfg

	sinks := []notify.Sink{notify.Log(a.log)}
	if a.notify != nil {
		sinks = append(sinks, a.notify)
	}
	if urls := a.webhookURLs(); len(urls) > 0 {
		wh := webhook.New(webhook.Options{Log: a.log, URLs: urls})
		sup.Add(wh)
		sinks = append(sinks, wh)
	}
	sink := notify.Multi(sinks...)

	var cache *state.Cache
	if cfg.State.Enabled {
		var err error
		cache, err = state.New(state.Options{
			Log:        a.log,
			Store:      store,
			Member:     state.Policy{Enabled: cfg.State.Member, TTL: cfg.State.MemberTTLDuration()},
			Message:    state.Policy{Enabled: cfg.State.Message, TTL: cfg.State.MessageTTLDuration()},
			Presence:   state.Policy{Enabled: cfg.State.Presence, TTL: cfg.State.PresenceTTLDuration()},
			CaptureOld: cfg.State.CaptureOld,
			Metrics:    a.metrics.State,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}

	var drained []<-chan struct{}
	for _, c := range f.Clusters() {
		opts := pipeline.Options{
			Log:     a.log,
			Name:    c.Name(),
			Notify:  sink,
			Shards:  c,
			Metrics: a.metrics.Pipeline,
		}
		if cache != nil {
			s, err := a.openStore(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: open store for %s: %w", ErrStartup, c.Name(), err)
			}
			opts.Cache = cache.With(s)
		}
		done := make(chan struct{})
		sup.Add(&drainedService{Service: pipeline.New(opts).Service(c.Events()), done: done})
		drained = append(drained, done)
	}

	jobStore, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open store for jobs: %w", ErrStartup, err)
	}
	loop, err := jobs.NewLoop(jobs.LoopOptions{
		Log:      a.log,
		Name:     "jobs",
		Interval: cfg.Jobs.Interval(),
		Jobs: []jobs.Job{
			heartbeatJob(jobStore, a.now),
			statusJob(jobStore, f, a.now),
		},
		Metrics: a.metrics.Jobs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	sup.Add(loop)

	if cache != nil {
		cleanStore, err := a.openStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: open store for cleanup: %w", ErrStartup, err)
		}
		cleaner, err := state.NewCleaner(state.CleanerOptions{
			Log:         a.log,
			Cache:       cache.With(cleanStore),
			ShardsTotal: cfg.Shards.Total,
			Owned:       func(id gateway.ShardID) bool { return cfg.Shards.Owns(uint32(id)) },
			Connected:   func() map[gateway.ShardID]bool { return f.Status().Connected() },
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
		cleanup, err := jobs.NewLoop(jobs.LoopOptions{
			Log:      a.log,
			Name:     "cleanup",
			Interval: cfg.Jobs.CleanupInterval(),
			Jobs: []jobs.Job{{
				Name: "cleanup",
				Run: func(ctx context.Context) error {
					_, err := cleaner.Run(ctx)
					return err
				},
			}},
			Metrics: a.metrics.Jobs,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
		sup.Add(cleanup)
	}

	if cfg.MetricsAddr != "" {
		sup.Add(api.NewServer(cfg.MetricsAddr, api.Options{
			Log:      a.log,
			Store:    store,
			Status:   func() any { return f.Status() },
			Gatherer: a.reg,
		}))
	}

	return drained, nil
}

func (a *App) webhookURLs() map[notify.Channel]string {
	urls := map[notify.Channel]string{}
	if u := a.cfg.Webhook.URL; u != "" {
		urls[notify.ChannelLog] = u
	}
	if u := a.cfg.Webhook.GuildURL; u != "" {
		urls[notify.ChannelGuild] = u
	}
	return urls
}

func (a *App) waitDrained(drained []<-chan struct{}) {
	timeout := time.NewTimer(a.drain)
	defer timeout.Stop()
	for _, done := range drained {
		select {
		case <-done:
		case <-timeout.C:
			a.log.Warn("pipelines did not drain in time", slog.Duration("timeout", a.drain))
			return
		}
	}
}

// drainedService closes done once the wrapped pipeline finished its stream.
type drainedService struct {
	suture.Service
	done chan struct{}
	once sync.Once
}

func (s *drainedService) Serve(ctx context.Context) error {
	err := s.Service.Serve(ctx)
	if errors.Is(err, suture.ErrDoNotRestart) {
		s.once.Do(func() { close(s.done) })
	}
	return err
}

func (s *drainedService) String() string { return fmt.Sprint(s.Service) }
