// Package webhook delivers notifications as embed messages to chat webhooks.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/codewandler/clstr-dispatch/core/notify"
)

var (
	ErrQueueFull  = errors.New("webhook: queue full")
	ErrNoEndpoint = errors.New("webhook: no endpoint for channel")
)

type Options struct {
	Log *slog.Logger
	// URLs maps notification channels to webhook endpoints. Notifications
	// for channels without an endpoint are dropped.
	URLs map[notify.Channel]string

	Client *http.Client
	// Rate and Burst bound outgoing requests across all channels.
	Rate      rate.Limit
	Burst     int
	QueueSize int
	Timeout   time.Duration
	// DrainTimeout bounds delivery of notifications still queued when
	// Serve is cancelled.
	DrainTimeout time.Duration
}

type (
	embed struct {
		Title       string `json:"title,omitempty"`
		Description string `json:"description"`
		Color       int    `json:"color"`
	}
	payload struct {
		Embeds []embed `json:"embeds"`
	}
)

// Sink queues notifications and posts them from [Sink.Serve].
type Sink struct {
	log     *slog.Logger
	urls    map[notify.Channel]string
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	drain   time.Duration
	queue   chan notify.Notification
}

func New(opts Options) *Sink {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "webhook"))

	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Rate == 0 {
		opts.Rate = rate.Every(time.Second)
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 3 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Sink{
		log:     log,
		urls:    opts.URLs,
		client:  opts.Client,
		limiter: rate.NewLimiter(opts.Rate, opts.Burst),
		cb:      cb,
		timeout: opts.Timeout,
		drain:   opts.DrainTimeout,
		queue:   make(chan notify.Notification, opts.QueueSize),
	}
}

// Notify enqueues n without waiting for delivery.
func (s *Sink) Notify(_ context.Context, n notify.Notification) error {
	if _, ok := s.urls[n.Channel]; !ok {
		return nil
	}
	select {
	case s.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Serve posts queued notifications until ctx is done, then keeps
// draining the queue for at most the drain timeout.
func (s *Sink) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drainQueue(ctx)
			return ctx.Err()
		case n := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				s.requeue(n)
				s.drainQueue(ctx)
				return err
			}
			s.send(ctx, n)
		}
	}
}

func (s *Sink) drainQueue(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.drain)
	defer cancel()

	for {
		select {
		case n := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				s.log.Warn("dropping undelivered notifications",
					slog.Int("count", len(s.queue)+1),
					slog.Any("error", err),
				)
				return
			}
			s.send(ctx, n)
		default:
			return
		}
	}
}

// requeue puts n back so a drain can still deliver it.
func (s *Sink) requeue(n notify.Notification) {
	select {
	case s.queue <- n:
	default:
	}
}

func (s *Sink) send(ctx context.Context, n notify.Notification) {
	if err := s.deliver(ctx, n); err != nil {
		s.log.Warn("failed to deliver notification",
			slog.String("channel", string(n.Channel)),
			slog.Any("error", err),
		)
	}
}

func (s *Sink) deliver(ctx context.Context, n notify.Notification) error {
	url, ok := s.urls[n.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, n.Channel)
	}

	body, err := json.Marshal(payload{Embeds: []embed{{
		Title:       n.Title,
		Description: n.Body,
		Color:       int(n.Color),
	}}})
	if err != nil {
		return err
	}

	_, err = s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(ctx, url, body)
	})
	return err
}

func (s *Sink) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", res.StatusCode)
	}
	return nil
}

var _ notify.Sink = (*Sink)(nil)
