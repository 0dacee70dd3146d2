package api

import (
	"net/http"
	"time"
)

// handleMetrics reports ingestion counters and server uptime.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}

	if s.pipeline != nil {
		stats := s.pipeline.Stats()
		body["attendance"] = map[string]any{
			"records_ingested": stats.RecordsIngested,
			"duplicates":       stats.Duplicates,
			"unknown_users":    stats.UnknownUsers,
			"poll_errors":      stats.PollErrors,
		}
	}

	writeJSON(w, http.StatusOK, body)
}
