package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/infrastructure/config"
	"github.com/edutrack/biolink-core/internal/link"
	"github.com/edutrack/biolink-core/internal/protocol"
	"github.com/edutrack/biolink-core/internal/registry"
)

// Logger defines the logging interface used by the Coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// LinkProvider checks device links in and out. Implemented by the
// connection registry.
type LinkProvider interface {
	Acquire(ctx context.Context, deviceID string) (*registry.Handle, error)
	Release(h *registry.Handle)
}

// ReasonStorageError marks a session failed because the captured
// template could not be persisted.
const ReasonStorageError = "storage_error"

// Default timings when the configuration leaves them unset.
const (
	defaultCaptureTimeout = 2 * time.Minute
	defaultMaxAttempts    = 3
	defaultSweepInterval  = 10 * time.Second
)

// Coordinator drives enrolment sessions through their lifecycle:
// pending → capturing → {completed, failed, cancelled, expired}.
//
// The terminal does the actual capturing; the coordinator starts it,
// reacts to the enrolment events it pushes, and owns the deadline.
// All state changes go through the session repository's guarded
// transitions, so racing events, cancels and sweeps cannot corrupt a
// terminal state.
type Coordinator struct {
	sessions  SessionRepository
	templates TemplateRepository
	devices   device.Repository
	links     LinkProvider
	cfg       config.EnrollmentConfig
	logger    Logger
}

// NewCoordinator creates an enrolment coordinator.
func NewCoordinator(
	sessions SessionRepository,
	templates TemplateRepository,
	devices device.Repository,
	links LinkProvider,
	cfg config.EnrollmentConfig,
) *Coordinator {
	if cfg.CaptureTimeout == 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Coordinator{
		sessions:  sessions,
		templates: templates,
		devices:   devices,
		links:     links,
		cfg:       cfg,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.logger = logger
}

// Start creates a session and puts the terminal into capture mode.
//
// On success the returned session is capturing with a deadline. On
// failure the session (if one was created) is already marked failed
// and is returned alongside the error.
func (c *Coordinator) Start(ctx context.Context, studentID, deviceID string, finger uint8) (*Session, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: student id is required", ErrInvalidSession)
	}
	if finger > 9 {
		return nil, fmt.Errorf("%w: finger %d out of range", ErrInvalidSession, finger)
	}

	s := NewSession(studentID, deviceID, finger)
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, err
	}

	h, err := c.links.Acquire(ctx, deviceID)
	if err != nil {
		return c.failStart(ctx, s, ReasonConnectError, err)
	}
	defer c.links.Release(h)

	localUID, err := c.devices.EnsureLocalUID(ctx, deviceID, studentID)
	if err != nil {
		return c.failStart(ctx, s, ReasonConnectError, err)
	}

	// The terminal needs the user slot before it will capture for it.
	if _, err := h.Link.SendCommand(ctx, protocol.CmdUserWrite, protocol.EncodeUserWrite(localUID, studentID)); err != nil {
		return c.failStart(ctx, s, failureReason(err), err)
	}

	if _, err := h.Link.SendCommand(ctx, protocol.CmdStartEnroll, protocol.EncodeStartEnroll(localUID, finger)); err != nil {
		return c.failStart(ctx, s, failureReason(err), err)
	}

	deadline := time.Now().UTC().Add(c.cfg.CaptureTimeout)
	if err := c.sessions.MarkCapturing(ctx, s.ID, deadline); err != nil {
		return nil, err
	}
	s.Status = StatusCapturing
	s.Deadline = &deadline

	c.logger.Info("enrollment capture started",
		"session_id", s.ID, "student_id", studentID, "device_id", deviceID, "finger", finger)
	return s, nil
}

// failStart marks a freshly created session failed and returns it with
// the cause.
func (c *Coordinator) failStart(ctx context.Context, s *Session, reason string, cause error) (*Session, error) {
	if err := c.sessions.MarkFailed(ctx, s.ID, StatusPending, reason); err != nil {
		c.logger.Error("marking session failed", "session_id", s.ID, "error", err)
	}
	s.Status = StatusFailed
	s.FailReason = reason

	c.logger.Warn("enrollment start failed",
		"session_id", s.ID, "device_id", s.DeviceID, "reason", reason, "error", cause)
	return s, fmt.Errorf("enrollment: starting session %s: %w", s.ID, cause)
}

// failureReason classifies a link error for the session record.
func failureReason(err error) string {
	var cmdErr *link.CommandError
	if errors.As(err, &cmdErr) {
		return ReasonDeviceRejected
	}
	return ReasonConnectError
}

// HandleEvent advances the device's capturing session from an
// enrolment event. Wire it to the registry's event fan-out.
//
// Events for devices with no capturing session are dropped: terminals
// re-send enrolment results, and a session may have been cancelled or
// expired while the frame was in flight.
func (c *Coordinator) HandleEvent(ctx context.Context, deviceID string, ev protocol.Event) {
	if ev.Code != protocol.EventEnrollFinger {
		return
	}

	enroll, err := protocol.ParseEnrollEvent(ev.Payload)
	if err != nil {
		c.logger.Warn("bad enrollment event payload", "device_id", deviceID, "error", err)
		return
	}

	s, err := c.sessions.ActiveByDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.logger.Debug("enrollment event without capturing session", "device_id", deviceID)
		} else {
			c.logger.Error("looking up capturing session", "device_id", deviceID, "error", err)
		}
		return
	}

	if enroll.Status == protocol.EnrollSuccess {
		c.completeSession(ctx, s, enroll.Template)
		return
	}
	c.recordRejection(ctx, s, enroll.Status)
}

// completeSession finishes the session and persists the captured
// template in one transaction, so a session that loses the race to a
// cancel or the expiry sweep never replaces the student's active
// template.
func (c *Coordinator) completeSession(ctx context.Context, s *Session, templateData []byte) {
	tpl := &Template{
		ID:        uuid.New().String(),
		StudentID: s.StudentID,
		DeviceID:  s.DeviceID,
		Finger:    s.Finger,
		Data:      templateData,
	}
	if err := c.templates.SaveCompleting(ctx, tpl, s.ID); err != nil {
		if errors.Is(err, ErrStaleTransition) || errors.Is(err, ErrSessionNotFound) {
			c.logger.Warn("session finished elsewhere, capture discarded",
				"session_id", s.ID, "error", err)
			return
		}
		c.logger.Error("storing template", "session_id", s.ID, "error", err)
		if err := c.sessions.MarkFailed(ctx, s.ID, StatusCapturing, ReasonStorageError); err != nil {
			c.logger.Error("marking session failed", "session_id", s.ID, "error", err)
		}
		return
	}

	// Push the template back so the terminal's stored copy matches
	// what we persisted. Best effort: the capture itself succeeded.
	c.writeTemplate(ctx, s, templateData)

	c.logger.Info("enrollment completed",
		"session_id", s.ID, "student_id", s.StudentID, "finger", s.Finger,
		"template_bytes", len(templateData))
}

// writeTemplate distributes the persisted template to the terminal.
func (c *Coordinator) writeTemplate(ctx context.Context, s *Session, templateData []byte) {
	h, err := c.links.Acquire(ctx, s.DeviceID)
	if err != nil {
		c.logger.Warn("template write skipped", "session_id", s.ID, "error", err)
		return
	}
	defer c.links.Release(h)

	localUID, err := c.devices.EnsureLocalUID(ctx, s.DeviceID, s.StudentID)
	if err != nil {
		c.logger.Warn("template write skipped", "session_id", s.ID, "error", err)
		return
	}

	payload := protocol.EncodeTemplateWrite(localUID, s.Finger, templateData)
	if _, err := h.Link.SendCommand(ctx, protocol.CmdTemplateWrite, payload); err != nil {
		c.logger.Warn("template write failed", "session_id", s.ID, "error", err)
	}
}

// recordRejection counts a failed capture attempt and fails the
// session once the attempt budget is spent.
func (c *Coordinator) recordRejection(ctx context.Context, s *Session, status protocol.EnrollStatus) {
	attempts, err := c.sessions.IncrementAttempts(ctx, s.ID)
	if err != nil {
		c.logger.Warn("attempt count skipped", "session_id", s.ID, "error", err)
		return
	}

	if attempts >= c.cfg.MaxAttempts {
		if err := c.sessions.MarkFailed(ctx, s.ID, StatusCapturing, ReasonMaxAttempts); err != nil {
			c.logger.Warn("session finished elsewhere", "session_id", s.ID, "error", err)
			return
		}
		c.logger.Info("enrollment failed after max attempts",
			"session_id", s.ID, "attempts", attempts, "last_status", status.String())
		return
	}

	c.logger.Info("enrollment capture rejected",
		"session_id", s.ID, "attempt", attempts, "status", status.String())
}

// Cancel aborts a pending or capturing session.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	s, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionFinished, sessionID, s.Status)
	}

	if err := c.sessions.MarkCancelled(ctx, sessionID, s.Status); err != nil {
		return err
	}

	if s.Status == StatusCapturing {
		c.cancelCapture(ctx, s.DeviceID)
	}

	c.logger.Info("enrollment cancelled", "session_id", sessionID)
	return nil
}

// Status retrieves a session.
func (c *Coordinator) Status(ctx context.Context, sessionID string) (*Session, error) {
	return c.sessions.GetByID(ctx, sessionID)
}

// cancelCapture tells the terminal to stop capturing. Best effort: the
// deadline sweep covers a terminal that never hears the cancel.
func (c *Coordinator) cancelCapture(ctx context.Context, deviceID string) {
	h, err := c.links.Acquire(ctx, deviceID)
	if err != nil {
		c.logger.Debug("capture cancel skipped", "device_id", deviceID, "error", err)
		return
	}
	defer c.links.Release(h)

	if _, err := h.Link.SendCommand(ctx, protocol.CmdCancelCapture, nil); err != nil {
		c.logger.Debug("capture cancel failed", "device_id", deviceID, "error", err)
	}
}

// Run drives the expiry sweep until the context is cancelled. Call it
// in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.logger.Info("enrollment expiry sweep started",
		"interval", c.cfg.SweepInterval.String(),
		"capture_timeout", c.cfg.CaptureTimeout.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
		}
	}
}

// sweepExpired expires capturing sessions past their deadline.
func (c *Coordinator) sweepExpired(ctx context.Context) {
	expired, err := c.sessions.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		c.logger.Error("listing expired sessions", "error", err)
		return
	}

	for _, s := range expired {
		if err := c.sessions.MarkExpired(ctx, s.ID); err != nil {
			// Finished in the window between list and mark.
			c.logger.Debug("session expired elsewhere", "session_id", s.ID, "error", err)
			continue
		}
		c.cancelCapture(ctx, s.DeviceID)
		c.logger.Info("enrollment session expired",
			"session_id", s.ID, "student_id", s.StudentID, "device_id", s.DeviceID)
	}
}
