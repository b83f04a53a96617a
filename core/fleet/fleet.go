package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/clstr-dispatch/core/admission"
	"github.com/codewandler/clstr-dispatch/core/gateway"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultEventBuffer      = 256
	DefaultRetryInterval    = time.Second
	DefaultRetryMaxInterval = 30 * time.Second
)

type (
	// BudgetFactory returns the admission budget of the cluster with the
	// given index.
	BudgetFactory func(cluster int) (admission.Budget, error)

	Options struct {
		Log     *slog.Logger
		Gateway gateway.Client

		ShardsStart uint32
		ShardsEnd   uint32
		ShardsTotal uint32
		Clusters    int
		Concurrency int
		// Wait separates the start of successive handshake batches.
		Wait time.Duration

		// Budget defaults to a local semaphore of Concurrency per cluster.
		Budget BudgetFactory
		// Resume holds the persisted sessions; shards without an entry identify.
		Resume map[gateway.ShardID]gateway.SessionInfo

		HandshakeTimeout time.Duration
		// RetryInterval is the first backoff after a failed slot request or
		// handshake; it grows up to RetryMaxInterval.
		RetryInterval    time.Duration
		RetryMaxInterval time.Duration
		EventBuffer      int
		Metrics          FleetMetrics
	}

	Fleet struct {
		log      *slog.Logger
		clusters []*Cluster
		metrics  FleetMetrics
	}
)

// LocalBudgets is the default [BudgetFactory].
func LocalBudgets(concurrency int, m admission.AdmissionMetrics) BudgetFactory {
	return func(cluster int) (admission.Budget, error) {
		return admission.NewLocal(admission.LocalOptions{
			Name:        fmt.Sprintf("cluster-%d", cluster),
			Concurrency: concurrency,
			Metrics:     m,
		})
	}
}

// Build partitions the shard range and creates one cluster per partition.
// No connection is made until [Cluster.Up].
func Build(opts Options) (*Fleet, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("fleet: Options.Gateway is required")
	}
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("fleet: concurrency must be >= 1, got %d", opts.Concurrency)
	}
	if opts.ShardsEnd > opts.ShardsTotal {
		return nil, fmt.Errorf("%w: end %d exceeds total %d", ErrInvalidRange, opts.ShardsEnd, opts.ShardsTotal)
	}

	groups, err := Partition(opts.ShardsStart, opts.ShardsEnd, opts.Clusters)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopFleetMetrics()
	}
	budgets := opts.Budget
	if budgets == nil {
		budgets = LocalBudgets(opts.Concurrency, nil)
	}
	hsTimeout := opts.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = DefaultHandshakeTimeout
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	retryMax := max(opts.RetryMaxInterval, retry)
	if opts.RetryMaxInterval <= 0 {
		retryMax = max(DefaultRetryMaxInterval, retry)
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}

	f := &Fleet{log: log, metrics: m}
	for i, shards := range groups {
		budget, err := budgets(i)
		if err != nil {
			return nil, fmt.Errorf("fleet: budget for cluster %d: %w", i, err)
		}
		f.clusters = append(f.clusters, newCluster(clusterOptions{
			id:               i,
			log:              log,
			client:           opts.Gateway,
			shards:           shards,
			total:            opts.ShardsTotal,
			budget:           budget,
			concurrency:      opts.Concurrency,
			wait:             opts.Wait,
			handshakeTimeout: hsTimeout,
			retryInterval:    retry,
			retryMaxInterval: retryMax,
			resume:           opts.Resume,
			eventBuffer:      buf,
			metrics:          m,
		}))
	}
	return f, nil
}

func (f *Fleet) Clusters() []*Cluster { return f.clusters }

// NumShards returns the number of shards owned by the fleet.
func (f *Fleet) NumShards() int {
	n := 0
	for _, c := range f.clusters {
		n += len(c.shards)
	}
	return n
}

// Cluster returns the cluster owning shard id.
func (f *Fleet) Cluster(id gateway.ShardID) (*Cluster, bool) {
	for _, c := range f.clusters {
		if _, ok := c.conns[id]; ok {
			return c, true
		}
	}
	return nil, false
}

// Up brings all clusters up concurrently and waits for them.
func (f *Fleet) Up(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range f.clusters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Up(ctx); err != nil {
				f.log.Warn("cluster bring-up stopped", slog.Int("cluster", c.id), slog.Any("error", err))
			}
		}()
	}
	wg.Wait()
}

// Down tears all clusters down and merges their resumable sessions.
func (f *Fleet) Down(ctx context.Context) map[gateway.ShardID]gateway.SessionInfo {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[gateway.ShardID]gateway.SessionInfo)
	)
	for _, c := range f.clusters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions := c.Down(ctx)
			mu.Lock()
			defer mu.Unlock()
			for k, v := range sessions {
				out[k] = v
			}
		}()
	}
	wg.Wait()
	return out
}

type (
	ClusterStatus struct {
		ID     int                 `json:"id"`
		Stage  Stage               `json:"stage"`
		Shards []gateway.ShardInfo `json:"shards"`
	}

	Status struct {
		Clusters        []ClusterStatus `json:"clusters"`
		ShardsTotal     int             `json:"shards_total"`
		ShardsConnected int             `json:"shards_connected"`
	}
)

// Connected returns the ids of all connected shards.
func (s Status) Connected() map[gateway.ShardID]bool {
	out := map[gateway.ShardID]bool{}
	for _, c := range s.Clusters {
		for _, sh := range c.Shards {
			if sh.Stage == gateway.StageConnected {
				out[sh.ID] = true
			}
		}
	}
	return out
}

// Status snapshots every cluster and records connected-shard gauges.
func (f *Fleet) Status() Status {
	var st Status
	for _, c := range f.clusters {
		cs := ClusterStatus{ID: c.id, Stage: c.Stage(), Shards: c.Info()}
		connected := 0
		for _, sh := range cs.Shards {
			if sh.Stage == gateway.StageConnected {
				connected++
			}
		}
		f.metrics.ShardsConnected(c.name, connected)
		st.ShardsTotal += len(cs.Shards)
		st.ShardsConnected += connected
		st.Clusters = append(st.Clusters, cs)
	}
	return st
}
