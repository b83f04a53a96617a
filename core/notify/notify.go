// Package notify delivers operator-visible notifications about the fleet:
// shard lifecycle changes on the log channel and first-seen guilds on the
// guild channel.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type Channel string

const (
	// ChannelLog receives connection lifecycle notifications.
	ChannelLog Channel = "log"
	// ChannelGuild receives guild join notifications.
	ChannelGuild Channel = "guild"
)

// Color is an RGB embed color.
type Color int

const (
	ColorReady      Color = 0x43b581
	ColorResume     Color = 0x7289da
	ColorConnect    Color = 0xfaa61a
	ColorDisconnect Color = 0xf04747
	ColorJoin       Color = 0x3ba55c
)

type Notification struct {
	Channel Channel
	Color   Color
	// Title is optional; lifecycle notifications only carry a body.
	Title string
	Body  string
}

// Sink accepts notifications. Implementations must not block the caller on
// delivery.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop discards every notification.
func Nop() Sink {
	return SinkFunc(func(context.Context, Notification) error { return nil })
}

// Log writes notifications to a structured logger.
func Log(log *slog.Logger) Sink {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "notify"))
	return SinkFunc(func(ctx context.Context, n Notification) error {
		log.InfoContext(ctx, n.Body,
			slog.String("channel", string(n.Channel)),
			slog.String("title", n.Title),
			slog.Int("color", int(n.Color)),
		)
		return nil
	})
}

// Multi delivers to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, n Notification) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Notify(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns the recorded notifications, optionally filtered by channel.
func (r *Recorder) Sent(channels ...Channel) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(channels) == 0 {
		return append([]Notification(nil), r.sent...)
	}
	var out []Notification
	for _, n := range r.sent {
		for _, c := range channels {
			if n.Channel == c {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

var _ Sink = (*Recorder)(nil)
