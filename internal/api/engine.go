package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/transport"
)

// engineResponse is the JSON response for the /v1/engine endpoints.
type engineResponse struct {
	State    string            `json:"state"`
	Mode     transport.Mode    `json:"mode,omitempty"`
	Versions map[string]string `json:"versions,omitempty"`
}

// initEngineRequest is the JSON body for POST /v1/engine/init. An empty
// body initializes in worker mode.
type initEngineRequest struct {
	Mode transport.Mode `json:"mode"`
}

func (s *Server) engineStatus() engineResponse {
	return engineResponse{
		State:    s.engine.State().String(),
		Mode:     s.engine.Mode(),
		Versions: s.engine.EngineVersions(),
	}
}

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engineStatus())
}

func (s *Server) handleInitEngine(w http.ResponseWriter, r *http.Request) {
	var req initEngineRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Mode {
	case "":
		req.Mode = transport.ModeWorker
	case transport.ModeWorker, transport.ModeDirect:
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be worker or direct")
		return
	}

	if err := s.engine.Initialize(r.Context(), req.Mode); err != nil {
		var initErr *runner.InitializationError
		switch {
		case errors.Is(err, runner.ErrModeMismatch):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &initErr) && initErr.Timeout:
			s.writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			s.logger.Error("initialize engine", "mode", req.Mode, "error", err)
			s.writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, s.engineStatus())
}

func (s *Server) handleTerminateEngine(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Terminate(); err != nil {
		s.logger.Warn("terminate engine", "error", err)
	}
	s.writeJSON(w, http.StatusOK, s.engineStatus())
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.List()})
}
