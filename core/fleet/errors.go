package fleet

import "errors"

var (
	ErrInvalidRange    = errors.New("fleet: invalid shard range")
	ErrInvalidClusters = errors.New("fleet: invalid cluster count")
	ErrAlreadyStarted  = errors.New("fleet: cluster already started")
	ErrClusterDown     = errors.New("fleet: cluster is down")
)
