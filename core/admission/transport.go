package admission

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
)

type Subscription interface {
	Unsubscribe() error
}

type ServerHandlerFunc = func(ctx context.Context, env Envelope) ([]byte, error)

type ClientTransport interface {
	// Request sends a message and waits for a reply.
	Request(ctx context.Context, env Envelope) ([]byte, error)

	Close() error
}

type ServerTransport interface {
	// SubscribeBucket delivers envelopes for the bucket. Handlers may block;
	// transports invoke them concurrently.
	SubscribeBucket(ctx context.Context, bucket uint32, h ServerHandlerFunc) (Subscription, error)

	Close() error
}

// Transport carries admission requests between budget clients and the server.
type Transport interface {
	ClientTransport
	ServerTransport
}

// EncodeResponse builds the wire reply for a handler result.
func EncodeResponse(data []byte, err error) []byte {
	rf := responseFrame{Data: data}
	if err != nil {
		rf.Err = err.Error()
		rf.Data = nil
	}
	b, _ := json.Marshal(rf)
	return b
}

// DecodeResponse is the inverse of [EncodeResponse].
func DecodeResponse(b []byte) ([]byte, error) {
	var rf responseFrame
	if err := json.Unmarshal(b, &rf); err != nil {
		return nil, err
	}
	if rf.Err != "" {
		return nil, errors.New(rf.Err)
	}
	return rf.Data, nil
}
