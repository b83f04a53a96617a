// Package app wires a configured dispatcher process: durable store, session
// persistence, the shard fleet, one event pipeline per cluster, the periodic
// jobs and the ops API.
//
// # Basic Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	a, err := app.New(app.Options{
//	    Config: cfg,
//	    Gateway: func(gc config.GatewayConfig) (gateway.Client, error) {
//	        return mygateway.New(gc.Token, gc.Intents), nil
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Run returns after ctx is cancelled and the sessions were saved.
//	res, err := a.Run(ctx)
//
// # Shutdown
//
// Cancelling the context passed to [App.Run] tears the fleet down, saves the
// resumable sessions, lets every pipeline drain its closed stream and then
// stops the supervised jobs and the ops API.
package app
