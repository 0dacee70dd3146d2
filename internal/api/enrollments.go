package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edutrack/biolink-core/internal/audit"
	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/enrollment"
	"github.com/edutrack/biolink-core/internal/registry"
)

// maxFingerIndex is the highest valid finger slot on the terminals.
const maxFingerIndex = 9

// sessionResponse is the wire representation of an enrolment session.
type sessionResponse struct {
	ID         string     `json:"id"`
	StudentID  string     `json:"student_id"`
	DeviceID   string     `json:"device_id"`
	Finger     uint8      `json:"finger"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	FailReason string     `json:"fail_reason,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toSessionResponse(s *enrollment.Session) sessionResponse {
	return sessionResponse{
		ID:         s.ID,
		StudentID:  s.StudentID,
		DeviceID:   s.DeviceID,
		Finger:     s.Finger,
		Status:     string(s.Status),
		Attempts:   s.Attempts,
		FailReason: s.FailReason,
		Deadline:   s.Deadline,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// startEnrollmentRequest is the payload for starting an enrolment session.
type startEnrollmentRequest struct {
	StudentID string `json:"student_id"`
	DeviceID  string `json:"device_id"`
	Finger    uint8  `json:"finger"`
}

// handleStartEnrollment opens an enrolment session and puts the terminal
// into capture mode.
func (s *Server) handleStartEnrollment(w http.ResponseWriter, r *http.Request) {
	var req startEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Finger > maxFingerIndex {
		writeBadRequest(w, "finger index must be 0-9")
		return
	}

	session, err := s.enrollment.Start(r.Context(), req.StudentID, req.DeviceID, req.Finger)
	if err != nil {
		switch {
		case errors.Is(err, enrollment.ErrInvalidSession):
			writeBadRequest(w, err.Error())
		case session != nil:
			// The session was created but the terminal could not be put
			// into capture mode. Return the failed session so the caller
			// can read the fail reason.
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":   ErrCodeUnreachable,
				"session": toSessionResponse(session),
			})
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, registry.ErrDeviceBusy):
			writeConflict(w, ErrCodeDeviceBusy, "device is busy with another operation")
		default:
			s.logger.Error("starting enrollment", "error", err)
			writeInternalError(w, "failed to start enrollment")
		}
		return
	}

	s.logger.Info("enrollment session started",
		"session_id", session.ID,
		"student_id", session.StudentID,
		"device_id", session.DeviceID,
	)
	s.recordAudit(r, audit.ActionEnrollStarted, audit.SubjectEnrollment, session.ID, map[string]any{
		"student_id": session.StudentID,
		"device_id":  session.DeviceID,
		"finger":     session.Finger,
	})
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// handleGetEnrollment returns the current state of an enrolment session.
func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := s.enrollment.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, enrollment.ErrSessionNotFound) {
			writeNotFound(w, "enrollment session not found")
			return
		}
		s.logger.Error("getting enrollment session", "session_id", id, "error", err)
		writeInternalError(w, "failed to get enrollment session")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// handleCancelEnrollment cancels an in-progress enrolment session.
func (s *Server) handleCancelEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.enrollment.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, enrollment.ErrSessionNotFound):
			writeNotFound(w, "enrollment session not found")
		case errors.Is(err, enrollment.ErrSessionFinished):
			writeConflict(w, ErrCodeConflict, "enrollment session already finished")
		default:
			s.logger.Error("cancelling enrollment", "session_id", id, "error", err)
			writeInternalError(w, "failed to cancel enrollment")
		}
		return
	}

	s.logger.Info("enrollment session cancelled", "session_id", id)
	s.recordAudit(r, audit.ActionEnrollCancelled, audit.SubjectEnrollment, id, nil)
	w.WriteHeader(http.StatusNoContent)
}
