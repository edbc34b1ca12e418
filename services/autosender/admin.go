package autosender

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports engine state for the admin surface.
type StatusSource interface {
	Status() Status
}

// AdminServer exposes read-only HTTP endpoints for operators.
type AdminServer struct {
	source StatusSource
	router chi.Router
}

// NewAdminServer constructs a server reporting on source. A nil metrics
// handler serves the default Prometheus registry.
func NewAdminServer(source StatusSource, metrics http.Handler) *AdminServer {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r := chi.NewRouter()
	server := &AdminServer{source: source, router: r}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", server.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics)
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.source.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
