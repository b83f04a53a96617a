package admission

import (
	"context"
	"fmt"
	"sync"
)

// Budget bounds the number of in-flight handshakes.
type Budget interface {
	// Acquire blocks until a handshake slot is granted for shard. The returned
	// release func must be called exactly once when the handshake completed;
	// further calls are no-ops.
	Acquire(ctx context.Context, shard uint32) (release func(), err error)
}

type LocalOptions struct {
	// Name labels the budget in metrics, e.g. "cluster-0".
	Name        string
	Concurrency int
	Metrics     AdmissionMetrics
}

// Local is a counting semaphore. At most Concurrency grants are outstanding
// at any instant.
type Local struct {
	name    string
	sem     chan struct{}
	metrics AdmissionMetrics
}

func NewLocal(opts LocalOptions) (*Local, error) {
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("admission: concurrency must be >= 1, got %d", opts.Concurrency)
	}
	m := opts.Metrics
	if m == nil {
		m = NopAdmissionMetrics()
	}
	name := opts.Name
	if name == "" {
		name = "local"
	}
	return &Local{
		name:    name,
		sem:     make(chan struct{}, opts.Concurrency),
		metrics: m,
	}, nil
}

func (l *Local) Acquire(ctx context.Context, _ uint32) (func(), error) {
	timer := l.metrics.AcquireDuration("local")

	select {
	case <-ctx.Done():
		l.metrics.AcquireCompleted("local", false)
		return nil, ctx.Err()
	case l.sem <- struct{}{}:
	}

	timer.ObserveDuration()
	l.metrics.AcquireCompleted("local", true)
	l.metrics.Outstanding(l.name, len(l.sem))

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			l.metrics.Outstanding(l.name, len(l.sem))
		})
	}, nil
}

// Outstanding returns the number of granted, unreleased slots.
func (l *Local) Outstanding() int { return len(l.sem) }

// Capacity returns the configured concurrency.
func (l *Local) Capacity() int { return cap(l.sem) }

var _ Budget = (*Local)(nil)
