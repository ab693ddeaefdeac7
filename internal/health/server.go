// Package health exposes the relay's observable state over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/connectivity"
	"github.com/vietddude/relay/internal/outbox"
)

// Server provides HTTP endpoints for queue monitoring.
type Server struct {
	svc     *outbox.Service
	monitor connectivity.Monitor
	server  *http.Server
}

// NewServer creates a new health server.
func NewServer(svc *outbox.Service, monitor connectivity.Monitor, port int) *Server {
	s := &Server{
		svc:     svc,
		monitor: monitor,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/queue", s.handleQueue)
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Online  bool   `json:"online"`
	Pending int    `json:"pending"`
	Failed  int    `json:"failed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	online, err := s.monitor.Current(r.Context())
	if err != nil {
		online = false
	}

	resp := healthResponse{Status: "ok", Online: online}
	for _, it := range s.svc.Items() {
		switch it.Status {
		case domain.ItemStatusPending, domain.ItemStatusProcessing:
			resp.Pending++
		case domain.ItemStatusFailed:
			resp.Failed++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Failed > 0 {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items := s.svc.Items()
	if t := r.URL.Query().Get("type"); t != "" {
		items = s.svc.ItemsByType(domain.ItemType(t))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}
