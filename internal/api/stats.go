package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats: compile history
// aggregates plus the live engine status.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByTool        map[string]int `json:"by_tool"`
	ByDriver      map[string]int `json:"by_driver"`
	LaTeXFailures int            `json:"latex_failures"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Engine        engineResponse `json:"engine"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	agg, err := s.store.GetCompileStats(r.Context())
	if err != nil {
		s.logger.Error("get compile stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:         agg.Total,
		ByStatus:      agg.CountByStatus,
		ByTool:        agg.CountByTool,
		ByDriver:      agg.CountByDriver,
		LaTeXFailures: agg.LaTeXFailures,
		AvgDurationMS: agg.AvgDurationMS,
		Engine:        s.engineStatus(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}
