package admission

import "errors"

var (
	// Transport errors
	ErrTransportClosed             = errors.New("transport closed")
	ErrTransportNoBucketSubscriber = errors.New("no subscriber for bucket")

	// Protocol errors
	ErrUnknownMessage = errors.New("unknown admission message")
	ErrUnknownBucket  = errors.New("unknown admission bucket")
)
