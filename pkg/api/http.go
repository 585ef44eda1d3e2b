// Package api exposes the coordinator's observability surface over HTTP:
// health, Prometheus metrics, queue statistics and worker listings. It
// deliberately sits on net/http rather than a routing framework, the same
// choice the rest of the stack makes for single-purpose internal endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/warren/pkg/coordinator"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
)

// Server serves the coordinator's HTTP observability surface.
type Server struct {
	coord *coordinator.Coordinator
	mux   *http.ServeMux
}

// NewServer builds a Server wired to coord with every route registered.
func NewServer(coord *coordinator.Coordinator) *Server {
	s := &Server{
		coord: coord,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/queue/stats", s.handleQueueStats)
	s.mux.HandleFunc("/workers", s.handleWorkers)
	s.mux.HandleFunc("/progress", s.handleProgress)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health, err := s.coord.GetHealth()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Error("encode health response: " + err.Error())
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Queue.GetStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	includeOffline := r.URL.Query().Get("include_offline") == "true"
	workerList, err := s.coord.Workers.GetAll(includeOffline)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, workerList)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.coord.GetProgress()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, progress)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response: " + err.Error())
	}
}
