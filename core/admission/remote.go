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

type RemoteOptions struct {
	Log       *slog.Logger
	Transport ClientTransport
	// Bucket is the server bucket this budget draws from.
	Bucket uint32
	// Holder identifies this process in server logs. Generated when empty.
	Holder string
	// AcquireTimeout bounds an acquire whose context has no deadline.
	// Default: 60s.
	AcquireTimeout time.Duration
	// ReleaseTimeout bounds the release request. Default: 5s.
	ReleaseTimeout time.Duration
	Metrics        AdmissionMetrics
}

// Remote is a [Budget] backed by a [Server]. Every process using the same
// transport and bucket shares one budget. A granted lease is renewed at a
// third of its TTL until it is released or the Remote is closed.
type Remote struct {
	log            *slog.Logger
	t              ClientTransport
	bucket         uint32
	holder         string
	acquireTimeout time.Duration
	releaseTimeout time.Duration
	metrics        AdmissionMetrics

	closeOnce sync.Once
	done      chan struct{}
}

func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("admission: RemoteOptions.Transport is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	holder := opts.Holder
	if holder == "" {
		holder = fmt.Sprintf("proc-%s", gonanoid.Must(6))
	}
	m := opts.Metrics
	if m == nil {
		m = NopAdmissionMetrics()
	}
	at := opts.AcquireTimeout
	if at <= 0 {
		at = 60 * time.Second
	}
	rt := opts.ReleaseTimeout
	if rt <= 0 {
		rt = 5 * time.Second
	}
	return &Remote{
		log:            log.With(slog.String("holder", holder), slog.Int("bucket", int(opts.Bucket))),
		t:              opts.Transport,
		bucket:         opts.Bucket,
		holder:         holder,
		acquireTimeout: at,
		releaseTimeout: rt,
		metrics:        m,
		done:           make(chan struct{}),
	}, nil
}

func (r *Remote) request(ctx context.Context, msgType string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	res, err := r.t.Request(ctx, Envelope{Bucket: r.bucket, Type: msgType, Data: data})
	if err != nil {
		return err
	}
	return json.Unmarshal(res, out)
}

func (r *Remote) Acquire(ctx context.Context, shard uint32) (func(), error) {
	timer := r.metrics.AcquireDuration("remote")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}
	dl, _ := ctx.Deadline()
	req := AcquireRequest{Holder: r.holder, Shard: shard, WaitMs: max(time.Until(dl).Milliseconds(), 1)}

	var res AcquireResponse
	if err := r.request(ctx, MsgAcquire, req, &res); err != nil {
		r.metrics.AcquireCompleted("remote", false)
		return nil, fmt.Errorf("admission: acquire shard %d: %w", shard, err)
	}
	timer.ObserveDuration()
	r.metrics.AcquireCompleted("remote", true)

	stop := make(chan struct{})
	if res.TTLMs > 0 {
		go r.keepAlive(res.LeaseID, shard, time.Duration(res.TTLMs)*time.Millisecond, stop)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			r.release(res.LeaseID, shard)
		})
	}, nil
}

func (r *Remote) keepAlive(leaseID string, shard uint32, ttl time.Duration, stop <-chan struct{}) {
	every := max(ttl/3, time.Millisecond)
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-r.done:
			return
		case <-tick.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), every)
		var res RenewResponse
		err := r.request(ctx, MsgRenew, RenewRequest{LeaseID: leaseID}, &res)
		cancel()

		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			r.log.Warn("failed to renew lease",
				slog.String("lease", leaseID),
				slog.Int("shard", int(shard)),
				slog.Any("error", err),
			)
			continue
		}
		if !res.Renewed {
			r.log.Warn("lease lost before release", slog.String("lease", leaseID), slog.Int("shard", int(shard)))
			return
		}
	}
}

// Close stops renewing outstanding leases. The server reclaims them after
// their TTL. Releases remain safe to call.
func (r *Remote) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func (r *Remote) release(leaseID string, shard uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), r.releaseTimeout)
	defer cancel()

	var res ReleaseResponse
	if err := r.request(ctx, MsgRelease, ReleaseRequest{LeaseID: leaseID}, &res); err != nil {
		// the server reclaims the lease after its TTL
		r.log.Warn("failed to release lease",
			slog.String("lease", leaseID),
			slog.Int("shard", int(shard)),
			slog.Any("error", err),
		)
		return
	}
	if !res.Released {
		r.log.Warn("lease already expired", slog.String("lease", leaseID), slog.Int("shard", int(shard)))
	}
}

var _ Budget = (*Remote)(nil)
