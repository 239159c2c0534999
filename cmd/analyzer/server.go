package main

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/inbox-intel/internal/pkg/httputil"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

const phaseFailed = "failed"

type health struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
}

// newRouter exposes liveness and the run's metrics. /healthz reports the
// run phase and turns 503 once the run has failed.
func newRouter(reg *prometheus.Registry, phase *atomic.Value) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(httputil.NotFound)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		p, _ := phase.Load().(string)
		if p == phaseFailed {
			httputil.JSON(w, http.StatusServiceUnavailable, health{Status: "error", Phase: p})
			return
		}
		httputil.OK(w, health{Status: "ok", Phase: p})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return r
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
