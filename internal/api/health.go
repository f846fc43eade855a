package api

import (
	"net/http"

	"github.com/seantiz/busytex/internal/runner"
)

type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine,omitempty"`
}

// handleHealthz reports that the process is serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz reports whether the engine is initialized. Compiles still
// initialize it lazily when it is not, but the first one pays for the init.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	if state != runner.StateReady {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Engine: state.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Engine: state.String()})
}
