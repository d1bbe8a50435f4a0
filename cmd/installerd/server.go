package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

const (
	checkWorker  = "worker"
	checkHost    = "host"
	checkCircuit = "host-circuit"
	checkPending = "pending-tasks"

	shutdownTimeout = 5 * time.Second
)

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, log logr.Logger, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *daemon) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	return mux
}

// probeHandler serves /healthz (worker liveness) and /readyz (host, circuit
// and backlog). A degraded check passes.
func (d *daemon) probeHandler() http.Handler {
	mux := http.NewServeMux()
	handle := func(path string, names ...string) {
		checks := make(map[string]healthz.Checker, len(names))
		for _, name := range names {
			checks[name] = d.checker(name)
		}
		h := &healthz.Handler{Checks: checks}
		mux.Handle(path, http.StripPrefix(path, h))
		mux.Handle(path+"/", http.StripPrefix(path, h))
	}
	handle("/healthz", checkWorker)
	handle("/readyz", checkHost, checkCircuit, checkPending)
	return mux
}

func (d *daemon) checker(name string) healthz.Checker {
	return func(req *http.Request) error {
		return d.health.Check(req.Context(), name).Err()
	}
}
