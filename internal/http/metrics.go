package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are registered by the binary; the router only exposes them.
func (s *Server) mountMetrics(r chi.Router) {
	r.Method("GET", "/metrics", promhttp.Handler())
}
