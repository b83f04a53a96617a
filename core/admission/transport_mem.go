package admission

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryTransport connects budgets and a server within one process. Replies
// pass through [EncodeResponse] so errors surface exactly as over NATS.
type MemoryTransport struct {
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[uint32][]*memSubscription
	next   map[uint32]int
	done   chan struct{}
}

func NewInMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		log:  slog.New(slog.DiscardHandler),
		subs: make(map[uint32][]*memSubscription),
		next: make(map[uint32]int),
		done: make(chan struct{}),
	}
}

func (t *MemoryTransport) WithLog(log *slog.Logger) *MemoryTransport {
	t.log = log.With(slog.String("transport", "mem"))
	return t
}

// pick selects the next subscriber of bucket in round-robin order.
func (t *MemoryTransport) pick(bucket uint32) (ServerHandlerFunc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	subs := t.subs[bucket]
	if len(subs) == 0 {
		return nil, ErrTransportNoBucketSubscriber
	}
	i := t.next[bucket] % len(subs)
	t.next[bucket] = i + 1
	return subs[i].h, nil
}

func (t *MemoryTransport) Request(ctx context.Context, env Envelope) ([]byte, error) {
	h, err := t.pick(env.Bucket)
	if err != nil {
		return nil, err
	}

	// the handler outlives the request; a server may still grant after the
	// caller gave up, and the lease TTL reclaims that grant
	reply := make(chan []byte, 1)
	go func() {
		data, err := h(context.WithoutCancel(ctx), env)
		reply <- EncodeResponse(data, err)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	case b := <-reply:
		return DecodeResponse(b)
	}
}

func (t *MemoryTransport) SubscribeBucket(ctx context.Context, bucket uint32, h ServerHandlerFunc) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	s := &memSubscription{t: t, bucket: bucket, h: h}
	t.subs[bucket] = append(t.subs[bucket], s)
	t.log.Debug("subscribed", slog.Int("bucket", int(bucket)), slog.Int("subscribers", len(t.subs[bucket])))

	context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })
	return s, nil
}

// Close fails pending and future requests.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.subs = nil
	close(t.done)
	return nil
}

type memSubscription struct {
	t      *MemoryTransport
	bucket uint32
	h      ServerHandlerFunc
	once   sync.Once
}

func (s *memSubscription) Unsubscribe() error {
	s.once.Do(func() {
		t := s.t
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.subs[s.bucket]
		for i, other := range subs {
			if other == s {
				t.subs[s.bucket] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
