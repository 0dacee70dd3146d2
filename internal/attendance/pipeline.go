package attendance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/infrastructure/config"
	"github.com/edutrack/biolink-core/internal/protocol"
	"github.com/edutrack/biolink-core/internal/registry"
)

// Logger defines the logging interface used by the Pipeline.
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

// Notifier receives every newly stored attendance record. Duplicates
// never reach it, so downstream consumers see each punch once.
type Notifier interface {
	AttendanceRecorded(ctx context.Context, r Record)
}

// Stats holds pipeline counters.
type Stats struct {
	RecordsIngested uint64
	Duplicates      uint64
	UnknownUsers    uint64 // Punches from unmapped local user slots
	PollErrors      uint64
}

// Default pipeline settings when the configuration leaves them unset.
const (
	defaultPollInterval = time.Minute
	defaultPollWorkers  = 4
)

// Pipeline moves attendance punches from the terminals into storage.
//
// Poll-mode devices are read on a fixed cadence with a per-device
// cursor; push-mode devices deliver the same records as unsolicited
// events through HandleEvent. Both paths share one ingest routine, and
// the (device, native seq) idempotency key makes overlapping reads,
// retried frames and poll/push races collapse to a single stored row.
type Pipeline struct {
	records  Repository
	devices  device.Repository
	links    LinkProvider
	cfg      config.AttendanceConfig
	notifier Notifier
	logger   Logger

	recordsIngested atomic.Uint64
	duplicates      atomic.Uint64
	unknownUsers    atomic.Uint64
	pollErrors      atomic.Uint64
}

// NewPipeline creates an attendance capture pipeline.
func NewPipeline(
	records Repository,
	devices device.Repository,
	links LinkProvider,
	cfg config.AttendanceConfig,
) *Pipeline {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultPollWorkers
	}
	return &Pipeline{
		records: records,
		devices: devices,
		links:   links,
		cfg:     cfg,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the pipeline.
func (p *Pipeline) SetLogger(logger Logger) {
	p.logger = logger
}

// SetNotifier sets the post-ingest notification hook.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifier = n
}

// Stats returns current pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		RecordsIngested: p.recordsIngested.Load(),
		Duplicates:      p.duplicates.Load(),
		UnknownUsers:    p.unknownUsers.Load(),
		PollErrors:      p.pollErrors.Load(),
	}
}

// Run drives the poll cycle until the context is cancelled. Call it in
// its own goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("attendance pipeline started",
		"poll_interval", p.cfg.PollInterval.String(), "workers", p.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

// pollAll reads pending log records from every poll-mode device, at
// most cfg.Workers devices at a time. One device failing does not stop
// the rest of the cycle.
func (p *Pipeline) pollAll(ctx context.Context) {
	devices, err := p.devices.ListIngestable(ctx)
	if err != nil {
		p.pollErrors.Add(1)
		p.logger.Error("listing devices for poll", "error", err)
		return
	}

	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup

	for _, dev := range devices {
		if dev.PushMode {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(dev device.Device) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := p.pollDevice(ctx, dev.ID); err != nil {
				p.pollErrors.Add(1)
				p.logger.Warn("attendance poll failed", "device_id", dev.ID, "error", err)
			}
		}(dev)
	}
	wg.Wait()
}

// pollDevice drains one device's log from its cursor onward.
func (p *Pipeline) pollDevice(ctx context.Context, deviceID string) error {
	cursor, err := p.records.Cursor(ctx, deviceID)
	if err != nil {
		return err
	}

	h, err := p.links.Acquire(ctx, deviceID)
	if err != nil {
		return err
	}
	defer p.links.Release(h)

	reply, err := h.Link.SendCommand(ctx, protocol.CmdAttLogRead, protocol.EncodeAttLogRead(cursor))
	if err != nil {
		return err
	}

	records, err := protocol.ParseLogRecords(reply)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	advanceTo := p.ingest(ctx, deviceID, records)
	if advanceTo > cursor {
		if err := p.records.SetCursor(ctx, deviceID, advanceTo); err != nil {
			return err
		}
	}
	return nil
}

// HandleEvent ingests the records of a pushed attendance frame. Wire
// it to the registry's event fan-out.
func (p *Pipeline) HandleEvent(ctx context.Context, deviceID string, ev protocol.Event) {
	if ev.Code != protocol.EventAttLog {
		return
	}

	records, err := protocol.ParseLogRecords(ev.Payload)
	if err != nil {
		p.logger.Warn("bad attendance event payload", "device_id", deviceID, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	advanceTo := p.ingest(ctx, deviceID, records)
	if advanceTo == 0 {
		return
	}

	// Keeping the cursor current means a device later switched to
	// poll mode is not re-read from the beginning of its log.
	if err := p.records.SetCursor(ctx, deviceID, advanceTo); err != nil {
		p.logger.Warn("advancing cursor after push", "device_id", deviceID, "error", err)
	}
}

// ingest stores a batch of log records and returns the highest native
// sequence the cursor may advance to. Only records that were stored,
// or turned out to be duplicates, count; the first storage failure
// freezes advancement, so the failed record stays ahead of the cursor
// and is re-read on the next poll instead of being lost.
func (p *Pipeline) ingest(ctx context.Context, deviceID string, records []protocol.LogRecord) uint32 {
	var advanceTo uint32
	lost := false

	for _, lr := range records {
		rec := Record{
			DeviceID:   deviceID,
			LocalUID:   lr.LocalUID,
			NativeSeq:  lr.Seq,
			Kind:       kindFromPunch(lr.Kind),
			DeviceTime: lr.Time,
		}

		studentID, err := p.devices.StudentByLocalUID(ctx, deviceID, lr.LocalUID)
		switch {
		case err == nil:
			rec.StudentID = studentID
		case errors.Is(err, device.ErrMappingNotFound):
			p.unknownUsers.Add(1)
			p.logger.Warn("punch from unmapped user slot",
				"device_id", deviceID, "local_uid", lr.LocalUID, "native_seq", lr.Seq)
		default:
			p.logger.Error("resolving punch user", "device_id", deviceID, "error", err)
			lost = true
			continue
		}

		inserted, err := p.records.Insert(ctx, &rec)
		if err != nil {
			p.logger.Error("storing attendance record",
				"device_id", deviceID, "native_seq", lr.Seq, "error", err)
			lost = true
			continue
		}
		if !lost && lr.Seq > advanceTo {
			advanceTo = lr.Seq
		}
		if !inserted {
			p.duplicates.Add(1)
			continue
		}
		p.recordsIngested.Add(1)

		if p.notifier != nil {
			p.notifier.AttendanceRecorded(ctx, rec)
		}
	}
	return advanceTo
}
