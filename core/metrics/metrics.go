// Package metrics holds the timer type shared by the per-component metrics
// interfaces of the fleet, admission, pipeline, state and jobs packages.
// Backends implement those interfaces; see adapters/prometheus.
package metrics

import "time"

// Timer measures one operation. ObserveDuration records the time elapsed
// since the timer was started.
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }

type funcTimer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t funcTimer) ObserveDuration() { t.observe(time.Since(t.start)) }

// StartTimer starts a Timer that passes the elapsed time to observe.
func StartTimer(observe func(time.Duration)) Timer {
	return funcTimer{start: time.Now(), observe: observe}
}
