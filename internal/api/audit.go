package api

import (
	"net/http"
	"strconv"

	"github.com/edutrack/biolink-core/internal/audit"
)

// recordAudit writes an operator action to the audit trail. Failures
// are logged but never fail the request that triggered them.
func (s *Server) recordAudit(r *http.Request, action, subjectType, subjectID string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(r.Context(), &audit.Entry{
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Detail:      detail,
	})
	if err != nil {
		s.logger.Warn("recording audit entry", "action", action, "error", err)
	}
}

// handleListAudit returns operator actions, newest first, with optional
// action / subject_type / subject_id filters.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotFound(w, "audit trail is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:      q.Get("action"),
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	page, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, page)
}
