package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edutrack/biolink-core/internal/audit"
	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/registry"
)

// deviceResponse is the wire representation of a registered terminal.
type deviceResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Model        string     `json:"model,omitempty"`
	Status       string     `json:"status"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	PushMode     bool       `json:"push_mode"`
	Simulated    bool       `json:"simulated"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toDeviceResponse(d *device.Device) deviceResponse {
	return deviceResponse{
		ID:           d.ID,
		Name:         d.Name,
		Host:         d.Host,
		Port:         d.Port,
		SerialNumber: d.SerialNumber,
		Model:        d.Model,
		Status:       string(d.Status),
		LastSeen:     d.LastSeen,
		PushMode:     d.PushMode,
		Simulated:    d.Simulated,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// createDeviceRequest is the payload for registering a terminal.
type createDeviceRequest struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
	PushMode     bool   `json:"push_mode"`
	Simulated    bool   `json:"simulated"`
}

// updateDeviceRequest is the payload for a partial device update. Only
// fields present in the JSON body are applied.
type updateDeviceRequest struct {
	Name     *string `json:"name"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Model    *string `json:"model"`
	PushMode *bool   `json:"push_mode"`
}

// handleListDevices returns all registered devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	responses := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		responses = append(responses, toDeviceResponse(&devices[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": responses,
		"count":   len(responses),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("getting device", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

// handleCreateDevice registers a new terminal.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d := &device.Device{
		ID:           device.GenerateID(),
		Name:         req.Name,
		Host:         req.Host,
		Port:         req.Port,
		SerialNumber: req.SerialNumber,
		Model:        req.Model,
		Status:       device.StatusUnknown,
		PushMode:     req.PushMode,
		Simulated:    req.Simulated,
	}
	if err := device.Validate(d); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.devices.Create(r.Context(), d); err != nil {
		if errors.Is(err, device.ErrDeviceExists) {
			writeConflict(w, ErrCodeConflict, "device with this serial number already exists")
			return
		}
		s.logger.Error("creating device", "error", err)
		writeInternalError(w, "failed to create device")
		return
	}

	s.logger.Info("device registered", "device_id", d.ID, "name", d.Name)
	s.recordAudit(r, audit.ActionDeviceRegistered, audit.SubjectDevice, d.ID, map[string]any{
		"name": d.Name,
		"host": d.Host,
	})
	writeJSON(w, http.StatusCreated, toDeviceResponse(d))
}

// handleUpdateDevice applies a partial update to a device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("getting device", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	if req.Name != nil {
		d.Name = *req.Name
	}
	if req.Host != nil {
		d.Host = *req.Host
	}
	if req.Port != nil {
		d.Port = *req.Port
	}
	if req.Model != nil {
		d.Model = *req.Model
	}
	if req.PushMode != nil {
		d.PushMode = *req.PushMode
	}

	if err := device.Validate(d); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.devices.Update(r.Context(), d); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("updating device", "device_id", id, "error", err)
		writeInternalError(w, "failed to update device")
		return
	}

	s.recordAudit(r, audit.ActionDeviceUpdated, audit.SubjectDevice, id, nil)
	writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

// handleDeleteDevice deregisters a terminal. The row is retained so
// historical attendance keeps its device reference.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.devices.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("deleting device", "device_id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	s.logger.Info("device deregistered", "device_id", id)
	s.recordAudit(r, audit.ActionDeviceDeregistered, audit.SubjectDevice, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleTestConnection performs a round-trip check against the terminal
// and reports the observed latency.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	latency, err := s.registry.TestConnection(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, registry.ErrDeviceBusy):
			writeConflict(w, ErrCodeDeviceBusy, "device is busy with another operation")
		case errors.Is(err, registry.ErrConnectFailed):
			writeError(w, http.StatusBadGateway, ErrCodeUnreachable, "device is unreachable")
		default:
			s.logger.Error("testing connection", "device_id", id, "error", err)
			writeInternalError(w, "connection test failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  id,
		"reachable":  true,
		"latency_ms": latency.Milliseconds(),
	})
}

// setSimulationRequest toggles simulation mode for a device.
type setSimulationRequest struct {
	Enabled bool `json:"enabled"`
}

// handleSetSimulation enables or disables simulation for a device.
// An active real connection is torn down when simulation turns on.
func (s *Server) handleSetSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.registry.SetSimulation(r.Context(), id, req.Enabled); err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, registry.ErrDeviceBusy):
			writeConflict(w, ErrCodeDeviceBusy, "device is busy with another operation")
		default:
			s.logger.Error("setting simulation", "device_id", id, "error", err)
			writeInternalError(w, "failed to set simulation mode")
		}
		return
	}

	s.logger.Info("simulation mode changed", "device_id", id, "enabled", req.Enabled)
	s.recordAudit(r, audit.ActionSimulationSet, audit.SubjectDevice, id, map[string]any{
		"enabled": req.Enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"simulated": req.Enabled,
	})
}
