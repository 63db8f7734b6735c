// Package healthserver exposes the controller's /health, /ready and
// /metrics HTTP endpoints over one net/http.ServeMux. Readiness is
// driven by pluggable Checker callbacks (such as the storage check
// cmd/jobrunner supplies) passed in at construction.
package healthserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opensafely-core/job-runner/internal/metrics"
)

// Checker reports whether a named dependency is ready; returns "" when
// healthy or a short reason otherwise.
type Checker func() (name string, problem string)

// Server is the controller's health/metrics HTTP server.
type Server struct {
	mux      *http.ServeMux
	checkers []Checker
}

func New(checkers ...Checker) *Server {
	s := &Server{mux: http.NewServeMux(), checkers: checkers}
	s.mux.HandleFunc("/health", s.health)
	s.mux.HandleFunc("/ready", s.ready)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server at addr and blocks until the
// server errors. The http.Server is local to this call, so no caller
// can shut it down; it runs until the process exits.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Timestamp: time.Now()})
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true
	for _, c := range s.checkers {
		name, problem := c()
		if problem != "" {
			checks[name] = problem
			allOK = false
		} else {
			checks[name] = "ok"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !allOK {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(readyResponse{Status: status, Timestamp: time.Now(), Checks: checks})
}
