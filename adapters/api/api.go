// Package api serves the operational HTTP surface: health, fleet status and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/codewandler/clstr-dispatch/ports/kv"
)

// StartedKey is written once at boot; health checks require it.
const StartedKey = "started"

type Options struct {
	Log *slog.Logger
	// Store is checked by /healthz.
	Store kv.Store
	// Status returns the JSON body of /status.
	Status func() any
	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type health struct {
	Status  string `json:"status"`
	Started string `json:"started,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewRouter builds the ops router.
func NewRouter(opts Options) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	var probes singleflight.Group
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if opts.Store == nil {
			writeJSON(w, http.StatusOK, health{Status: "ok"})
			return
		}
		// concurrent probes share one store round trip
		v, _, _ := probes.Do("healthz", func() (any, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), 2*time.Second)
			defer cancel()
			return checkHealth(ctx, opts.Store), nil
		})
		res := v.(healthResult)
		writeJSON(w, res.code, res.body)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if opts.Status == nil {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, http.StatusOK, opts.Status())
	})

	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	return r
}

type healthResult struct {
	code int
	body health
}

func checkHealth(ctx context.Context, store kv.Store) healthResult {
	if err := store.Ping(ctx); err != nil {
		return healthResult{http.StatusServiceUnavailable, health{Status: "unavailable", Error: err.Error()}}
	}
	started, err := kv.Get[string](ctx, store, StartedKey)
	if err != nil {
		return healthResult{http.StatusServiceUnavailable, health{Status: "starting", Error: err.Error()}}
	}
	return healthResult{http.StatusOK, health{Status: "ok", Started: started}}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the ops router as a supervised service.
type Server struct {
	log *slog.Logger
	srv *http.Server
}

func NewServer(addr string, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log.With(slog.String("component", "api")),
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(opts),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *Server) String() string { return "ops-api" }

// Serve listens until ctx is done and then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops api listening", slog.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
