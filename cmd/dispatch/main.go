// Command dispatch runs the gateway fleet of one bot. It brings the configured
// shard range up, keeps the state cache current and saves resumable sessions
// when it receives SIGINT or SIGTERM. The aggregate result is printed once at
// exit; the exit status is 1 when startup or shutdown failed.
//
// Configuration is read from the environment, optionally layered over a YAML
// file named by CONFIG_PATH. See internal/config for the keys.
//
// The wire-level gateway client is supplied through newGateway. This build
// links the simulated gateway, which completes every handshake locally.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/codewandler/clstr-dispatch/core/app"
	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/core/gateway/gatewaytest"
	"github.com/codewandler/clstr-dispatch/internal/config"
)

var newGateway app.GatewayFactory = func(config.GatewayConfig) (gateway.Client, error) {
	return gatewaytest.NewClient(gatewaytest.Options{}), nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		printResult(os.Stdout, app.Result{}, err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	res, err := run(ctx, log, cfg, newGateway)
	printResult(os.Stdout, res, err)
	if err != nil {
		log.Error("dispatcher failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Config, gw app.GatewayFactory) (app.Result, error) {
	a, err := app.New(app.Options{Log: log, Config: cfg, Gateway: gw})
	if err != nil {
		return app.Result{}, err
	}
	return a.Run(ctx)
}

// printResult writes the single result line of the process.
func printResult(w io.Writer, res app.Result, err error) {
	if err != nil {
		_, _ = fmt.Fprintf(w, "result: error: %v\n", err)
		return
	}
	data, _ := json.Marshal(res)
	_, _ = fmt.Fprintf(w, "result: ok %s\n", data)
}
