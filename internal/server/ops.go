package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveOps exposes the read-only operational surface: Prometheus metrics and
// a liveness probe. It runs on its own goroutine and touches no state table.
func (s *Server) serveOps(addr string) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	ops := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 500 * time.Millisecond,
	}
	s.note("ops listener on %s", addr)
	if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("ops listener failed", "err", err)
	}
}
