package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoop_RunsImmediatelyAndOnTick(t *testing.T) {
	var runs atomic.Int32
	l, err := NewLoop(LoopOptions{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Jobs: []Job{{Name: "count", Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestLoop_FailureDoesNotStopOthers(t *testing.T) {
	var ok atomic.Int32
	l, err := NewLoop(LoopOptions{
		Name:     "test",
		Interval: time.Hour,
		Jobs: []Job{
			{Name: "broken", Run: func(context.Context) error { return errors.New("boom") }},
			{Name: "fine", Run: func(context.Context) error { ok.Add(1); return nil }},
		},
	})
	require.NoError(t, err)

	require.Equal(t, 1, l.RunOnce(t.Context()))
	require.Equal(t, 1, l.RunOnce(t.Context()))
	require.Equal(t, int32(2), ok.Load())
}

func TestLoop_StopsOnCancelledContext(t *testing.T) {
	var runs atomic.Int32
	l, err := NewLoop(LoopOptions{Interval: time.Hour, Jobs: []Job{{Name: "x", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.Zero(t, l.RunOnce(ctx))
	require.Zero(t, runs.Load())
}

func TestNewLoop_InvalidInterval(t *testing.T) {
	_, err := NewLoop(LoopOptions{Name: "x"})
	require.Error(t, err)
}
