package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/audit", s.handleListAudit)

		// Device endpoints
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Patch("/", s.handleUpdateDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Post("/test-connection", s.handleTestConnection)
				r.Put("/simulation", s.handleSetSimulation)
			})
		})

		// Enrolment session endpoints
		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", s.handleStartEnrollment)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetEnrollment)
				r.Delete("/", s.handleCancelEnrollment)
			})
		})

		// Attendance endpoints
		r.Route("/attendance", func(r chi.Router) {
			r.Get("/", s.handleRecentAttendance)
			r.Get("/students/{studentID}", s.handleStudentAttendance)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
