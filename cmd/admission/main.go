// Command admission runs the shared handshake queue. Dispatcher processes
// with DEFAULT_QUEUE=false draw their handshake slots from it over NATS, so
// one identify budget is enforced across every process of a bot.
//
// Environment:
//
//	NATS_URL            nats://host:4222 (required)
//	SHARDS_CONCURRENCY  slots per bucket (required)
//	QUEUE_BUCKETS       number of buckets served (default 1)
//	QUEUE_PREFIX        subject prefix (default "dispatch")
//	QUEUE_LEASE_TTL     ms after which an unreleased grant is reclaimed
//	METRICS_ADDR        optional address of the ops API
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-dispatch/adapters/api"
	"github.com/codewandler/clstr-dispatch/adapters/nats"
	promadapter "github.com/codewandler/clstr-dispatch/adapters/prometheus"
	"github.com/codewandler/clstr-dispatch/core/admission"
	"github.com/codewandler/clstr-dispatch/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadAdmission()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	if err := run(ctx, log, cfg); err != nil {
		log.Error("admission server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg *config.AdmissionConfig) error {
	tr, err := nats.NewTransport(nats.TransportConfig{
		Connect:       nats.ConnectURL(cfg.NatsURL),
		Log:           log,
		SubjectPrefix: cfg.Prefix,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	reg := prometheus.NewRegistry()
	srv, err := admission.NewServer(admission.ServerOptions{
		Log:         log,
		Transport:   tr,
		Buckets:     cfg.Buckets,
		Concurrency: cfg.Concurrency,
		LeaseTTL:    cfg.LeaseTTL(),
		Metrics:     promadapter.NewAdmissionMetrics(reg),
	})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}

	apiDone := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		go func() {
			apiDone <- api.NewServer(cfg.MetricsAddr, api.Options{Log: log, Gatherer: reg}).Serve(ctx)
		}()
	} else {
		close(apiDone)
	}

	<-ctx.Done()

	outstanding := 0
	for b := range cfg.Buckets {
		outstanding += srv.Outstanding(b)
	}
	if err := <-apiDone; err != nil {
		log.Warn("ops api stopped with error", slog.Any("error", err))
	}
	log.Info("admission server stopped",
		slog.Int("buckets", int(cfg.Buckets)),
		slog.Int("outstanding", outstanding),
	)
	return nil
}
