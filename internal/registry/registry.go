package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/infrastructure/config"
	"github.com/edutrack/biolink-core/internal/link"
	"github.com/edutrack/biolink-core/internal/protocol"
)

// Logger defines the logging interface used by the Registry.
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

// MetricsSink receives link statistics and device status transitions.
// Implementations must not block; the registry calls these from its
// sweep loop.
type MetricsSink interface {
	RecordLinkStats(deviceID string, stats link.Stats)
	RecordDeviceStatus(deviceID string, status device.Status)
}

// Default intervals when the configuration leaves them unset.
const (
	defaultAcquireWait    = 15 * time.Second
	defaultIdleDisconnect = 5 * time.Minute
	defaultHealthInterval = 30 * time.Second
	defaultCommandTimeout = 5 * time.Second
)

// entry is the per-device connection slot.
//
// The token channel (capacity 1) is the checkout: whoever holds the
// token owns the link. The mutex only guards field access, so sweeps
// can inspect lastUsed without checking the link out.
type entry struct {
	token chan struct{}

	mu       sync.Mutex
	link     link.Link
	lastUsed time.Time
}

func newEntry() *entry {
	e := &entry{token: make(chan struct{}, 1)}
	e.token <- struct{}{}
	return e
}

func (e *entry) getLink() link.Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

func (e *entry) setLink(l link.Link) {
	e.mu.Lock()
	e.link = l
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

func (e *entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// Handle is one checked-out link. The holder has exclusive use of the
// device until Release.
type Handle struct {
	// Link is the session to command the terminal over.
	Link link.Link

	deviceID string
	entry    *entry
	once     sync.Once
}

// DeviceID returns the device the handle belongs to.
func (h *Handle) DeviceID() string {
	return h.deviceID
}

// Registry owns every device link: it dials, caches, health-checks and
// evicts them, and guarantees at most one checked-out link per device.
//
// When a terminal cannot be dialled and simulation is enabled (globally
// or per device), the registry hands out a simulated link instead, so
// enrollment and attendance keep flowing on a bench without hardware.
//
// All methods are safe for concurrent use.
type Registry struct {
	cfg     config.DevicesConfig
	sim     config.SimulationConfig
	devices device.Repository

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	// onEvent receives every unsolicited frame from every live link.
	onEvent   func(deviceID string, ev protocol.Event)
	onEventMu sync.RWMutex

	metrics MetricsSink // optional
	logger  Logger
}

// New creates a connection registry.
func New(devices device.Repository, cfg config.DevicesConfig, sim config.SimulationConfig) *Registry {
	if cfg.AcquireWait == 0 {
		cfg.AcquireWait = defaultAcquireWait
	}
	if cfg.IdleDisconnect == 0 {
		cfg.IdleDisconnect = defaultIdleDisconnect
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &Registry{
		cfg:     cfg,
		sim:     sim,
		devices: devices,
		entries: make(map[string]*entry),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetricsSink sets the optional metrics destination.
func (r *Registry) SetMetricsSink(sink MetricsSink) {
	r.metrics = sink
}

// SetOnEvent sets the handler for unsolicited frames from any device.
// Must be called before links are acquired.
func (r *Registry) SetOnEvent(handler func(deviceID string, ev protocol.Event)) {
	r.onEventMu.Lock()
	r.onEvent = handler
	r.onEventMu.Unlock()
}

// Acquire checks out the device's link, dialling if necessary.
//
// At most one caller holds a device's link at a time; a second caller
// blocks up to the acquire wait, then gets ErrDeviceBusy. A healthy
// cached link is reused. On dial failure with simulation enabled the
// caller gets a simulated link; otherwise the device is marked offline
// and ErrConnectFailed is returned.
func (r *Registry) Acquire(ctx context.Context, deviceID string) (*Handle, error) {
	dev, err := r.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Deleted {
		return nil, device.ErrDeviceNotFound
	}

	e, err := r.entryFor(deviceID)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.cfg.AcquireWait)
	defer timer.Stop()
	select {
	case <-e.token:
	case <-ctx.Done():
		return nil, fmt.Errorf("registry: acquire %s: %w", deviceID, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, deviceID)
	}

	// Token held from here; every exit path below either hands it to
	// the Handle or puts it back.
	if l := e.getLink(); l != nil {
		if l.IsConnected() {
			e.touch()
			return &Handle{Link: l, deviceID: deviceID, entry: e}, nil
		}
		l.Close()
		e.setLink(nil)
	}

	l, err := r.connect(ctx, dev)
	if err != nil {
		e.token <- struct{}{}
		return nil, err
	}
	e.setLink(l)
	return &Handle{Link: l, deviceID: deviceID, entry: e}, nil
}

// Release returns a checked-out link. Safe to call multiple times.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.entry == nil {
			return
		}
		h.entry.touch()
		h.entry.token <- struct{}{}
	})
}

// connect establishes a link for a device: simulated when forced or as
// a fallback, real TCP otherwise.
func (r *Registry) connect(ctx context.Context, dev *device.Device) (link.Link, error) {
	if dev.Simulated {
		return r.simulatedLink(ctx, dev), nil
	}

	mask := protocol.EventMaskEnroll
	if dev.PushMode {
		mask |= protocol.EventMaskAttLog
	}

	l, err := link.Dial(ctx, link.Config{
		DeviceID:       dev.ID,
		Addr:           dev.Addr(),
		EventMask:      mask,
		ConnectTimeout: r.cfg.ConnectTimeout,
		CommandTimeout: r.cfg.CommandTimeout,
	})
	if err != nil {
		if r.sim.Enabled {
			r.logger.Warn("dial failed, falling back to simulation",
				"device_id", dev.ID, "addr", dev.Addr(), "error", err)
			return r.simulatedLink(ctx, dev), nil
		}
		r.logger.Error("dial failed", "device_id", dev.ID, "addr", dev.Addr(), "error", err)
		r.markStatus(ctx, dev.ID, device.StatusOffline)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, dev.ID, err)
	}

	l.SetLogger(r.logger)
	l.SetOnEvent(r.eventHandler(dev.ID))
	if err := l.RegisterEvents(ctx); err != nil {
		// The link still carries commands; only push delivery suffers.
		r.logger.Warn("event registration failed", "device_id", dev.ID, "error", err)
	}

	r.logger.Info("device connected", "device_id", dev.ID, "addr", dev.Addr())
	r.markStatus(ctx, dev.ID, device.StatusOnline)
	return l, nil
}

// simulatedLink hands out an in-memory terminal for the device.
func (r *Registry) simulatedLink(ctx context.Context, dev *device.Device) link.Link {
	s := link.NewSimulated(dev.ID, link.SimConfig{
		MinDelay: r.sim.MinDelay,
		MaxDelay: r.sim.MaxDelay,
	})
	s.SetOnEvent(r.eventHandler(dev.ID))

	r.logger.Info("device simulated", "device_id", dev.ID)
	r.markStatus(ctx, dev.ID, device.StatusOnline)
	return s
}

// eventHandler binds a device id to the registry-wide event handler.
func (r *Registry) eventHandler(deviceID string) func(protocol.Event) {
	return func(ev protocol.Event) {
		r.onEventMu.RLock()
		handler := r.onEvent
		r.onEventMu.RUnlock()

		if handler != nil {
			handler(deviceID, ev)
		}
	}
}

// markStatus persists a device status transition and feeds the metrics
// sink. Persistence failures are logged, never propagated: status is
// advisory.
func (r *Registry) markStatus(ctx context.Context, deviceID string, status device.Status) {
	if err := r.devices.UpdateStatus(ctx, deviceID, status, time.Now().UTC()); err != nil {
		r.logger.Error("status update failed", "device_id", deviceID, "status", status, "error", err)
	}
	if r.metrics != nil {
		r.metrics.RecordDeviceStatus(deviceID, status)
	}
}

// entryFor returns the device's connection slot, creating it on first
// use.
func (r *Registry) entryFor(deviceID string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.entries[deviceID]
	if !ok {
		e = newEntry()
		r.entries[deviceID] = e
	}
	return e, nil
}

// snapshotEntries copies the entry map for lock-free iteration.
func (r *Registry) snapshotEntries() map[string]*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

// Run drives the idle and health sweeps until the context is
// cancelled. Call it in its own goroutine.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	r.logger.Info("registry sweeps started",
		"health_interval", r.cfg.HealthInterval.String(),
		"idle_disconnect", r.cfg.IdleDisconnect.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep first gives every offline device a reconnect attempt, then
// visits every cached link that is not checked out: idle links past
// the threshold are closed, the rest get a GetTime probe. A probe
// failure evicts the link and marks the device offline.
func (r *Registry) sweep(ctx context.Context) {
	r.sweepOffline(ctx)

	for deviceID, e := range r.snapshotEntries() {
		select {
		case <-e.token:
		default:
			continue // Checked out; in active use means healthy enough.
		}

		r.sweepOne(ctx, deviceID, e)
		e.token <- struct{}{}
	}
}

// sweepOffline redials devices currently marked offline, so a terminal
// that recovers from a transient outage comes back on the next health
// interval instead of staying silenced. Redial failures leave the
// device offline for the next sweep to try again.
func (r *Registry) sweepOffline(ctx context.Context) {
	devices, err := r.devices.List(ctx)
	if err != nil {
		r.logger.Error("listing devices for offline sweep", "error", err)
		return
	}

	for i := range devices {
		dev := &devices[i]
		if dev.Deleted || dev.Status != device.StatusOffline {
			continue
		}
		r.redial(ctx, dev)
	}
}

// redial dials one offline device and caches the link on success.
// Caller does not hold the token; a checked-out device is skipped, its
// holder's outcome decides the status.
func (r *Registry) redial(ctx context.Context, dev *device.Device) {
	e, err := r.entryFor(dev.ID)
	if err != nil {
		return
	}

	select {
	case <-e.token:
	default:
		return
	}
	defer func() { e.token <- struct{}{} }()

	if l := e.getLink(); l != nil {
		if l.IsConnected() {
			// An Acquire beat the sweep to it; the probe pass handles it.
			return
		}
		l.Close()
		e.setLink(nil)
	}

	l, err := r.connect(ctx, dev)
	if err != nil {
		r.logger.Debug("offline redial failed", "device_id", dev.ID, "error", err)
		return
	}
	e.setLink(l)
}

// sweepOne handles one checked-out entry. Caller holds the token.
func (r *Registry) sweepOne(ctx context.Context, deviceID string, e *entry) {
	l := e.getLink()
	if l == nil {
		return
	}

	r.recordStats(deviceID, l)

	if time.Since(e.idleSince()) >= r.cfg.IdleDisconnect {
		r.logger.Debug("closing idle link", "device_id", deviceID)
		l.Close()
		e.setLink(nil)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	_, err := l.SendCommand(probeCtx, protocol.CmdGetTime, nil)
	cancel()

	if err != nil {
		r.logger.Warn("health probe failed, evicting link", "device_id", deviceID, "error", err)
		l.Close()
		e.setLink(nil)
		r.markStatus(ctx, deviceID, device.StatusOffline)
		return
	}
	r.markStatus(ctx, deviceID, device.StatusOnline)
}

// recordStats feeds link counters to the metrics sink.
func (r *Registry) recordStats(deviceID string, l link.Link) {
	if r.metrics != nil {
		r.metrics.RecordLinkStats(deviceID, l.Stats())
	}
}

// TestConnection checks a device out, round-trips a GetTime and
// reports the latency. Operators use it to verify cabling and config.
func (r *Registry) TestConnection(ctx context.Context, deviceID string) (time.Duration, error) {
	h, err := r.Acquire(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	defer r.Release(h)

	start := time.Now()
	if _, err := h.Link.SendCommand(ctx, protocol.CmdGetTime, nil); err != nil {
		return 0, fmt.Errorf("registry: test connection %s: %w", deviceID, err)
	}
	return time.Since(start), nil
}

// SetSimulation toggles per-device simulation and evicts any cached
// link so the next Acquire observes the new mode.
func (r *Registry) SetSimulation(ctx context.Context, deviceID string, enabled bool) error {
	if err := r.devices.SetSimulated(ctx, deviceID, enabled); err != nil {
		return err
	}

	e, err := r.entryFor(deviceID)
	if err != nil {
		return err
	}

	timer := time.NewTimer(r.cfg.AcquireWait)
	defer timer.Stop()
	select {
	case <-e.token:
	case <-ctx.Done():
		return fmt.Errorf("registry: set simulation %s: %w", deviceID, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrDeviceBusy, deviceID)
	}
	defer func() { e.token <- struct{}{} }()

	if l := e.getLink(); l != nil {
		l.Close()
		e.setLink(nil)
	}

	r.logger.Info("simulation mode changed", "device_id", deviceID, "enabled", enabled)
	return nil
}

// Close shuts every cached link down. Waits up to the acquire wait for
// checked-out links; links still held after that are closed underneath
// their holder, which is acceptable at shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.Unlock()

	for deviceID, e := range entries {
		timer := time.NewTimer(r.cfg.AcquireWait)
		select {
		case <-e.token:
		case <-timer.C:
			r.logger.Warn("closing link under its holder", "device_id", deviceID)
		}
		timer.Stop()

		if l := e.getLink(); l != nil {
			l.Close()
			e.setLink(nil)
		}
	}

	r.logger.Info("registry closed")
	return nil
}
