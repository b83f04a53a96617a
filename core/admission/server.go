package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLeaseTTL = 30 * time.Second

type (
	ServerOptions struct {
		Log       *slog.Logger
		Transport ServerTransport
		// Buckets is the number of buckets served, numbered 0..Buckets-1.
		Buckets     uint32
		Concurrency int
		// LeaseTTL reclaims grants that are neither renewed nor released.
		LeaseTTL time.Duration
		Metrics  AdmissionMetrics
	}

	// Server grants handshake slots to [Remote] budgets.
	Server struct {
		log      *slog.Logger
		t        ServerTransport
		leaseTTL time.Duration
		metrics  AdmissionMetrics
		budgets  map[uint32]*Local

		mu     sync.Mutex
		leases map[string]*lease
	}

	lease struct {
		id      string
		holder  string
		shard   uint32
		bucket  uint32
		release func()
		timer   *time.Timer
	}
)

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("admission: ServerOptions.Transport is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopAdmissionMetrics()
	}
	buckets := opts.Buckets
	if buckets == 0 {
		buckets = 1
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	s := &Server{
		log:      log.With(slog.String("component", "admission-server")),
		t:        opts.Transport,
		leaseTTL: ttl,
		metrics:  m,
		budgets:  make(map[uint32]*Local, buckets),
		leases:   make(map[string]*lease),
	}
	for b := uint32(0); b < buckets; b++ {
		l, err := NewLocal(LocalOptions{
			Name:        fmt.Sprintf("bucket-%d", b),
			Concurrency: opts.Concurrency,
			Metrics:     m,
		})
		if err != nil {
			return nil, err
		}
		s.budgets[b] = l
	}
	return s, nil
}

// Run subscribes to all buckets. Subscriptions end when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting admission server",
		slog.Int("buckets", len(s.budgets)),
		slog.Duration("lease_ttl", s.leaseTTL),
	)
	for b := range s.budgets {
		if _, err := s.t.SubscribeBucket(ctx, b, s.handleMsg); err != nil {
			return fmt.Errorf("failed to subscribe to bucket %d: %w", b, err)
		}
	}
	return nil
}

func (s *Server) handleMsg(ctx context.Context, env Envelope) ([]byte, error) {
	switch env.Type {
	case MsgAcquire:
		var req AcquireRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, fmt.Errorf("decode acquire: %w", err)
		}
		res, err := s.acquire(ctx, env.Bucket, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case MsgRelease:
		var req ReleaseRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, fmt.Errorf("decode release: %w", err)
		}
		return json.Marshal(ReleaseResponse{Released: s.release(req.LeaseID)})
	case MsgRenew:
		var req RenewRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, fmt.Errorf("decode renew: %w", err)
		}
		return json.Marshal(RenewResponse{Renewed: s.renew(req.LeaseID)})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func (s *Server) acquire(ctx context.Context, bucket uint32, req AcquireRequest) (*AcquireResponse, error) {
	budget, ok := s.budgets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBucket, bucket)
	}

	if req.WaitMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.WaitMs)*time.Millisecond)
		defer cancel()
	}

	release, err := budget.Acquire(ctx, req.Shard)
	if err != nil {
		return nil, err
	}

	l := &lease{
		id:      gonanoid.Must(12),
		holder:  req.Holder,
		shard:   req.Shard,
		bucket:  bucket,
		release: release,
	}
	s.mu.Lock()
	s.leases[l.id] = l
	l.timer = time.AfterFunc(s.leaseTTL, func() { s.expire(l.id) })
	s.mu.Unlock()

	s.log.Debug("granted",
		slog.String("lease", l.id),
		slog.String("holder", l.holder),
		slog.Int("shard", int(l.shard)),
		slog.Int("bucket", int(bucket)),
	)

	return &AcquireResponse{LeaseID: l.id, TTLMs: s.leaseTTL.Milliseconds()}, nil
}

func (s *Server) take(id string) *lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil
	}
	delete(s.leases, id)
	return l
}

func (s *Server) release(id string) bool {
	l := s.take(id)
	if l == nil {
		return false
	}
	l.timer.Stop()
	l.release()
	return true
}

// renew restarts the lease clock. A lease whose timer already fired is being
// reclaimed and cannot be renewed.
func (s *Server) renew(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return false
	}
	return l.timer.Reset(s.leaseTTL)
}

func (s *Server) expire(id string) {
	l := s.take(id)
	if l == nil {
		return
	}
	s.metrics.LeaseExpired()
	s.log.Warn("lease expired",
		slog.String("lease", l.id),
		slog.String("holder", l.holder),
		slog.Int("shard", int(l.shard)),
	)
	l.release()
}

// Outstanding returns the number of unreleased grants of bucket.
func (s *Server) Outstanding(bucket uint32) int {
	b, ok := s.budgets[bucket]
	if !ok {
		return 0
	}
	return b.Outstanding()
}
