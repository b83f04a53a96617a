package app

import (
	"context"
	"fmt"
	"time"

	natsadapter "github.com/codewandler/clstr-dispatch/adapters/nats"
	redisadapter "github.com/codewandler/clstr-dispatch/adapters/redis"
	"github.com/codewandler/clstr-dispatch/core/fleet"
	"github.com/codewandler/clstr-dispatch/core/jobs"
	"github.com/codewandler/clstr-dispatch/internal/config"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

// Bookkeeping keys written next to the cached state.
const (
	KeyStarted   = "started"
	KeyShards    = "shards"
	KeyHeartbeat = "heartbeat"
	KeyStatus    = "status"
)

// StoreOpener returns the opener of the configured backend, namespaced under
// the store prefix. nc is used by the nats backend; nil dials NatsURL.
func StoreOpener(cfg config.StoreConfig, nc natsadapter.Connector) (kv.Opener, error) {
	var open kv.Opener
	switch cfg.Backend {
	case "redis":
		open = redisadapter.Opener(cfg.RedisURL)
	case "nats":
		if nc == nil {
			nc = natsadapter.ReuseConnection(natsadapter.ConnectURL(cfg.NatsURL))
		}
		open = natsadapter.Opener(nc, cfg.Bucket)
	case "memory":
		open = kv.Shared(kv.NewMemStore())
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", ErrConfig, cfg.Backend)
	}
	if cfg.Prefix != "" {
		open = kv.PrefixedOpener(open, cfg.Prefix)
	}
	return open, nil
}

// StatusRecord is the value of the status key.
type StatusRecord struct {
	Clusters        int    `json:"clusters"`
	ShardsTotal     int    `json:"shards_total"`
	ShardsConnected int    `json:"shards_connected"`
	UpdatedAt       string `json:"updated_at"`
}

func heartbeatJob(store kv.Store, now func() time.Time) jobs.Job {
	return jobs.Job{
		Name: "heartbeat",
		Run: func(ctx context.Context) error {
			return kv.Put(ctx, store, KeyHeartbeat, now().UTC().Format(time.RFC3339), kv.PutOptions{})
		},
	}
}

func statusJob(store kv.Store, f *fleet.Fleet, now func() time.Time) jobs.Job {
	return jobs.Job{
		Name: "status",
		Run: func(ctx context.Context) error {
			st := f.Status()
			return kv.Put(ctx, store, KeyStatus, StatusRecord{
				Clusters:        len(st.Clusters),
				ShardsTotal:     st.ShardsTotal,
				ShardsConnected: st.ShardsConnected,
				UpdatedAt:       now().UTC().Format(time.RFC3339),
			}, kv.PutOptions{})
		},
	}
}
