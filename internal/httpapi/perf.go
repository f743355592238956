package httpapi

import "net/http"

// handlePerfLatency serves the rolling per-stage latency window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}
