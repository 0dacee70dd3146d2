package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edutrack/biolink-core/internal/attendance"
)

const (
	defaultAttendanceLimit = 50
	maxAttendanceLimit     = 500
)

// attendanceResponse is the wire representation of one punch record.
type attendanceResponse struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	StudentID  string    `json:"student_id,omitempty"`
	LocalUID   uint32    `json:"local_uid"`
	NativeSeq  uint32    `json:"native_seq"`
	Kind       string    `json:"kind"`
	DeviceTime time.Time `json:"device_time"`
	IngestedAt time.Time `json:"ingested_at"`
}

func toAttendanceResponses(records []attendance.Record) []attendanceResponse {
	responses := make([]attendanceResponse, 0, len(records))
	for _, rec := range records {
		responses = append(responses, attendanceResponse{
			ID:         rec.ID,
			DeviceID:   rec.DeviceID,
			StudentID:  rec.StudentID,
			LocalUID:   rec.LocalUID,
			NativeSeq:  rec.NativeSeq,
			Kind:       string(rec.Kind),
			DeviceTime: rec.DeviceTime,
			IngestedAt: rec.IngestedAt,
		})
	}
	return responses
}

// parseLimit reads the limit query parameter, clamped to a sane range.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultAttendanceLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, strconv.ErrSyntax
	}
	if limit > maxAttendanceLimit {
		limit = maxAttendanceLimit
	}
	return limit, nil
}

// handleRecentAttendance returns the most recent punches across all devices.
func (s *Server) handleRecentAttendance(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeBadRequest(w, "limit must be a positive integer")
		return
	}

	records, err := s.attendance.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing recent attendance", "error", err)
		writeInternalError(w, "failed to list attendance records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": toAttendanceResponses(records),
		"count":   len(records),
	})
}

// handleStudentAttendance returns a student's punch history, newest first.
func (s *Server) handleStudentAttendance(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	limit, err := parseLimit(r)
	if err != nil {
		writeBadRequest(w, "limit must be a positive integer")
		return
	}

	records, err := s.attendance.ListByStudent(r.Context(), studentID, limit)
	if err != nil {
		s.logger.Error("listing student attendance", "student_id", studentID, "error", err)
		writeInternalError(w, "failed to list attendance records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"student_id": studentID,
		"records":    toAttendanceResponses(records),
		"count":      len(records),
	})
}
