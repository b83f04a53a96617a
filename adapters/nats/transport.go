package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/clstr-dispatch/core/admission"
)

type TransportConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. Default: ConnectURL("").
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for bucket subjects, e.g. "dispatch" -> dispatch.bucket.<n>
}

// Transport carries admission requests over NATS core request/reply.
type Transport struct {
	nc      *natsgo.Conn
	release func()
	log     *slog.Logger
	prefix  string

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectURL("")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, release, err := connFn()
	if err != nil {
		return nil, err
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "dispatch"
	}

	return &Transport{
		nc:      nc,
		release: release,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  prefix,
		subs:    make(map[*natsgo.Subscription]struct{}),
	}, nil
}

// subjectBucket returns the subject used for a bucket.
func (t *Transport) subjectBucket(bucket uint32) string {
	return t.prefix + ".bucket." + strconv.FormatUint(uint64(bucket), 10)
}

func (t *Transport) Request(ctx context.Context, env admission.Envelope) ([]byte, error) {
	if t.closed.Load() {
		return nil, admission.ErrTransportClosed
	}

	inbox := natsgo.NewInbox()
	ch := make(chan *natsgo.Msg, 1)
	sub, err := t.nc.ChanSubscribe(inbox, ch)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe inbox: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	env.ReplyTo = inbox

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	// no responders is reported immediately by the server
	msg := natsgo.NewMsg(t.subjectBucket(env.Bucket))
	msg.Data = payload
	msg.Reply = inbox
	if err := t.nc.PublishMsg(msg); err != nil {
		return nil, fmt.Errorf("nats: publish: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-ch:
		if len(msg.Data) == 0 && msg.Header.Get("Status") == "503" {
			return nil, admission.ErrTransportNoBucketSubscriber
		}
		data, err := admission.DecodeResponse(msg.Data)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return admission.ErrTransportClosed
	}
	t.mu.Lock()
	for s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.subs = map[*natsgo.Subscription]struct{}{}
	t.mu.Unlock()
	if t.nc != nil {
		// the connection may be shared, so it is flushed rather than drained
		_ = t.nc.Flush()
		t.release()
	}
	return nil
}

// SubscribeBucket serves requests for bucket. Every message is handled on its
// own goroutine so that a queued acquire never delays a release.
func (t *Transport) SubscribeBucket(ctx context.Context, bucket uint32, h admission.ServerHandlerFunc) (admission.Subscription, error) {
	if t.closed.Load() {
		return nil, admission.ErrTransportClosed
	}
	subj := t.subjectBucket(bucket)

	sub, err := t.nc.Subscribe(subj, func(msg *natsgo.Msg) {
		go t.serve(ctx, h, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe bucket: %w", err)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	s := &subscription{sub: sub, t: t}
	context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })
	return s, nil
}

func (t *Transport) serve(ctx context.Context, h admission.ServerHandlerFunc, msg *natsgo.Msg) {
	var env admission.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.log.Warn("dropping undecodable admission request", slog.String("subject", msg.Subject), slog.Any("error", err))
		return
	}

	data, err := h(ctx, env)

	replyTo := env.ReplyTo
	if replyTo == "" {
		replyTo = msg.Reply
	}
	if replyTo == "" {
		return
	}
	if err := t.nc.Publish(replyTo, admission.EncodeResponse(data, err)); err != nil {
		t.log.Warn("admission reply not delivered", slog.String("reply", replyTo), slog.Any("error", err))
	}
}

type subscription struct {
	sub *natsgo.Subscription
	t   *Transport
}

func (s *subscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.t.mu.Lock()
	delete(s.t.subs, s.sub)
	s.t.mu.Unlock()
	return err
}

var _ admission.Transport = &Transport{}
