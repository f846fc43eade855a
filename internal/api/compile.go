package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/busytex/internal/jobs"
	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/store"
	"github.com/seantiz/busytex/internal/tools"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 16 << 20 // 16 MB
)

// compileRequest is the JSON body for POST /v1/compile and /v1/compiles.
type compileRequest struct {
	Tool         string            `json:"tool"`
	Input        string            `json:"input"`
	Bibtex       *bool             `json:"bibtex"`
	Verbose      model.Verbosity   `json:"verbose"`
	DataPackages []string          `json:"data_packages"`
	Files        []model.FileInput `json:"files"`
}

// compileResponse is the JSON response for a synchronous compile.
type compileResponse struct {
	Compile *model.CompileJob    `json:"compile"`
	Result  *model.CompileResult `json:"result,omitempty"`
}

// listCompilesResponse wraps the paginated list response.
type listCompilesResponse struct {
	Compiles []*model.CompileJob `json:"compiles"`
	Total    int                 `json:"total"`
	Limit    int                 `json:"limit"`
	Offset   int                 `json:"offset"`
}

// passesResponse is the JSON response for GET /v1/compiles/{id}/passes.
type passesResponse struct {
	CompileID string           `json:"compile_id"`
	Passes    []model.LogEntry `json:"passes"`
}

// decodeSubmission reads and validates a compile request. It writes the
// error response itself and reports false on failure.
func (s *Server) decodeSubmission(w http.ResponseWriter, r *http.Request) (jobs.Submission, bool) {
	var req compileRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return jobs.Submission{}, false
	}

	if req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "tool is required")
		return jobs.Submission{}, false
	}
	if req.Input == "" {
		s.writeError(w, http.StatusBadRequest, "input is required")
		return jobs.Submission{}, false
	}
	if req.Verbose != "" && !req.Verbose.Valid() {
		s.writeError(w, http.StatusBadRequest, "verbose must be silent, info or debug")
		return jobs.Submission{}, false
	}

	return jobs.Submission{
		Tool: req.Tool,
		Options: tools.CompileOptions{
			Input:           req.Input,
			Bibtex:          req.Bibtex,
			Verbose:         req.Verbose,
			DataPackages:    req.DataPackages,
			AdditionalFiles: req.Files,
		},
	}, true
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}

	// A compile may outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("clear write deadline for compile", "error", err)
	}

	job, result, err := s.jobs.Run(r.Context(), sub)
	if errors.Is(err, tools.ErrUnknownTool) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("run compile", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run compile")
		return
	}

	s.writeJSON(w, http.StatusOK, compileResponse{Compile: job, Result: result})
}

func (s *Server) handleSubmitCompile(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}

	job, err := s.jobs.Submit(r.Context(), sub)
	if errors.Is(err, tools.ErrUnknownTool) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("submit compile", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit compile")
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

// lookupCompile fetches the compile named in the URL, writing 404 or 500 on
// failure.
func (s *Server) lookupCompile(w http.ResponseWriter, r *http.Request) (*model.CompileJob, bool) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetCompile(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "compile not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get compile", "compile_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get compile")
		return nil, false
	}
	return c, true
}

func (s *Server) handleGetCompile(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCompile(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetPDF(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCompile(w, r)
	if !ok {
		return
	}
	if len(c.PDF) == 0 {
		s.writeError(w, http.StatusNotFound, "compile has no pdf")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(c.PDF)))
	w.Header().Set("Content-Disposition", `inline; filename="`+c.ID+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(c.PDF); err != nil {
		s.logger.Error("write pdf", "compile_id", c.ID, "error", err)
	}
}

func (s *Server) handleGetPasses(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCompile(w, r)
	if !ok {
		return
	}

	passes, err := s.store.GetPassLogs(r.Context(), c.ID)
	if err != nil {
		s.logger.Error("get pass logs", "compile_id", c.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get pass logs")
		return
	}
	if passes == nil {
		passes = []model.LogEntry{}
	}

	s.writeJSON(w, http.StatusOK, passesResponse{CompileID: c.ID, Passes: passes})
}

func (s *Server) handleListCompiles(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	compiles, total, err := s.store.ListCompiles(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list compiles", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list compiles")
		return
	}

	if compiles == nil {
		compiles = []*model.CompileJob{}
	}

	s.writeJSON(w, http.StatusOK, listCompilesResponse{
		Compiles: compiles,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
