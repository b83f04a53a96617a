// Package jobs runs periodic maintenance tasks as supervised services.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/clstr-dispatch/core/metrics"
)

// Job is one periodic task. A failing job is logged and retried on the next
// tick; it never stops its loop.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// JobMetrics defines the metrics interface for job loops.
// All methods are thread-safe.
type JobMetrics interface {
	JobDuration(job string) metrics.Timer
	JobCompleted(job string, success bool)
}

type nopJobMetrics struct{}

func (nopJobMetrics) JobDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopJobMetrics) JobCompleted(string, bool)        {}

// NopJobMetrics returns a no-op JobMetrics implementation.
func NopJobMetrics() JobMetrics { return nopJobMetrics{} }

type LoopOptions struct {
	Log      *slog.Logger
	Name     string
	Interval time.Duration
	Jobs     []Job
	Metrics  JobMetrics
}

// Loop runs its jobs immediately and then on every tick until its context
// ends. It implements suture.Service.
type Loop struct {
	log      *slog.Logger
	name     string
	interval time.Duration
	jobs     []Job
	metrics  JobMetrics
}

func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("jobs: loop %q: interval must be > 0", opts.Name)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopJobMetrics()
	}
	return &Loop{
		log:      log.With(slog.String("loop", opts.Name)),
		name:     opts.Name,
		interval: opts.Interval,
		jobs:     opts.Jobs,
		metrics:  m,
	}, nil
}

func (l *Loop) String() string { return l.name }

func (l *Loop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Debug("loop started", slog.Duration("interval", l.interval), slog.Int("jobs", len(l.jobs)))
	for {
		l.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs every job in order and returns the number of failures.
func (l *Loop) RunOnce(ctx context.Context) (failed int) {
	for _, job := range l.jobs {
		if ctx.Err() != nil {
			return
		}
		timer := l.metrics.JobDuration(job.Name)
		err := job.Run(ctx)
		timer.ObserveDuration()
		l.metrics.JobCompleted(job.Name, err == nil)
		if err != nil {
			failed++
			l.log.Warn("job failed", slog.String("job", job.Name), slog.Any("error", err))
		}
	}
	return
}
