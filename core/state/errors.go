package state

import "errors"

var (
	ErrNoStore    = errors.New("state: store is required")
	ErrInvalidKey = errors.New("state: invalid cache key")
)
