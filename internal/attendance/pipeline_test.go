package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/infrastructure/config"
	"github.com/edutrack/biolink-core/internal/link"
	"github.com/edutrack/biolink-core/internal/protocol"
	"github.com/edutrack/biolink-core/internal/registry"
)

// fakeDevices implements device.Repository over fixed data. Only the
// methods the pipeline touches do real work.
type fakeDevices struct {
	devices  []device.Device
	mappings map[string]map[uint32]string // deviceID → localUID → studentID
	listErr  error
}

func (f *fakeDevices) ListIngestable(_ context.Context) ([]device.Device, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.devices, nil
}

func (f *fakeDevices) StudentByLocalUID(_ context.Context, deviceID string, localUID uint32) (string, error) {
	if studentID, ok := f.mappings[deviceID][localUID]; ok {
		return studentID, nil
	}
	return "", device.ErrMappingNotFound
}

func (f *fakeDevices) GetByID(context.Context, string) (*device.Device, error) {
	return nil, device.ErrDeviceNotFound
}
func (f *fakeDevices) List(context.Context) ([]device.Device, error)    { return nil, nil }
func (f *fakeDevices) Create(context.Context, *device.Device) error     { return nil }
func (f *fakeDevices) Update(context.Context, *device.Device) error     { return nil }
func (f *fakeDevices) SetSimulated(context.Context, string, bool) error { return nil }
func (f *fakeDevices) SoftDelete(context.Context, string) error         { return nil }
func (f *fakeDevices) UpdateStatus(context.Context, string, device.Status, time.Time) error {
	return nil
}
func (f *fakeDevices) EnsureLocalUID(context.Context, string, string) (uint32, error) {
	return 0, errors.New("not implemented")
}

// logLink implements link.Link, serving a fixed attendance log. It
// honours the cursor in the read payload the way a terminal does.
type logLink struct {
	mu      sync.Mutex
	records []protocol.LogRecord
	reads   int
}

func (l *logLink) SendCommand(_ context.Context, code protocol.Code, payload []byte) ([]byte, error) {
	if code != protocol.CmdAttLogRead {
		return nil, nil
	}
	since, err := protocol.ParseAttLogRead(payload)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++

	var pending []protocol.LogRecord
	for _, rec := range l.records {
		if rec.Seq > since {
			pending = append(pending, rec)
		}
	}
	return protocol.EncodeLogRecords(pending), nil
}

func (l *logLink) SetOnEvent(func(protocol.Event))      {}
func (l *logLink) RegisterEvents(context.Context) error { return nil }
func (l *logLink) IsConnected() bool                    { return true }
func (l *logLink) Stats() link.Stats                    { return link.Stats{Connected: true} }
func (l *logLink) DeviceID() string                     { return "" }
func (l *logLink) Close() error                         { return nil }

func (l *logLink) readCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// fakeLinkProvider hands out one logLink per device id.
type fakeLinkProvider struct {
	mu    sync.Mutex
	links map[string]*logLink
	fail  map[string]bool
}

func (f *fakeLinkProvider) Acquire(_ context.Context, deviceID string) (*registry.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[deviceID] {
		return nil, registry.ErrConnectFailed
	}
	l, ok := f.links[deviceID]
	if !ok {
		return nil, registry.ErrConnectFailed
	}
	return &registry.Handle{Link: l}, nil
}

func (f *fakeLinkProvider) Release(*registry.Handle) {}

// recordingNotifier collects notified records.
type recordingNotifier struct {
	mu      sync.Mutex
	records []Record
}

func (n *recordingNotifier) AttendanceRecorded(_ context.Context, r Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, r)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

func pollDevice(id string) device.Device {
	return device.Device{ID: id, Name: id, Host: "10.0.40.21", Port: 4370, Status: device.StatusOnline}
}

func logRecord(seq uint32, localUID uint32, kind protocol.EventKind) protocol.LogRecord {
	return protocol.LogRecord{
		Seq:      seq,
		LocalUID: localUID,
		Time:     time.Date(2026, 8, 25, 8, 30, 0, 0, time.UTC),
		Kind:     kind,
	}
}

func newTestPipeline(t *testing.T, devices *fakeDevices, links *fakeLinkProvider) (*Pipeline, Repository) {
	t.Helper()

	db := setupTestDB(t)
	records := NewSQLiteRepository(db)
	p := NewPipeline(records, devices, links, config.AttendanceConfig{
		PollInterval: time.Minute,
		Workers:      2,
	})
	return p, records
}

func TestPipeline_PollIngestsAndAdvancesCursor(t *testing.T) {
	terminal := &logLink{records: []protocol.LogRecord{
		logRecord(101, 7, protocol.PunchCheckIn),
		logRecord(102, 7, protocol.PunchCheckOut),
	}}
	devices := &fakeDevices{
		devices:  []device.Device{pollDevice("dev-1")},
		mappings: map[string]map[uint32]string{"dev-1": {7: "stu-100"}},
	}
	links := &fakeLinkProvider{links: map[string]*logLink{"dev-1": terminal}}

	p, records := newTestPipeline(t, devices, links)
	notifier := &recordingNotifier{}
	p.SetNotifier(notifier)
	ctx := context.Background()

	p.pollAll(ctx)

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("stored %d records, want 2", len(got))
	}
	if got[0].StudentID != "stu-100" {
		t.Errorf("StudentID = %q, want stu-100", got[0].StudentID)
	}

	cursor, err := records.Cursor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 102 {
		t.Errorf("cursor = %d, want 102", cursor)
	}
	if notifier.count() != 2 {
		t.Errorf("notified %d records, want 2", notifier.count())
	}
	if stats := p.Stats(); stats.RecordsIngested != 2 {
		t.Errorf("RecordsIngested = %d, want 2", stats.RecordsIngested)
	}
}

func TestPipeline_SecondPollReadsNothingNew(t *testing.T) {
	terminal := &logLink{records: []protocol.LogRecord{
		logRecord(101, 7, protocol.PunchCheckIn),
	}}
	devices := &fakeDevices{
		devices:  []device.Device{pollDevice("dev-1")},
		mappings: map[string]map[uint32]string{"dev-1": {7: "stu-100"}},
	}
	links := &fakeLinkProvider{links: map[string]*logLink{"dev-1": terminal}}

	p, records := newTestPipeline(t, devices, links)
	ctx := context.Background()

	p.pollAll(ctx)
	p.pollAll(ctx)

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("stored %d records, want 1 after repeated polls", len(got))
	}
	if terminal.readCount() != 2 {
		t.Errorf("terminal reads = %d, want 2", terminal.readCount())
	}
}

func TestPipeline_PollSkipsPushModeDevices(t *testing.T) {
	pushDev := pollDevice("dev-push")
	pushDev.PushMode = true
	terminal := &logLink{records: []protocol.LogRecord{logRecord(1, 7, protocol.PunchCheckIn)}}

	devices := &fakeDevices{devices: []device.Device{pushDev}}
	links := &fakeLinkProvider{links: map[string]*logLink{"dev-push": terminal}}

	p, _ := newTestPipeline(t, devices, links)
	p.pollAll(context.Background())

	if terminal.readCount() != 0 {
		t.Errorf("terminal reads = %d, want 0 for a push-mode device", terminal.readCount())
	}
}

func TestPipeline_PollIsolatesDeviceFailures(t *testing.T) {
	terminal := &logLink{records: []protocol.LogRecord{logRecord(1, 7, protocol.PunchCheckIn)}}
	devices := &fakeDevices{
		devices:  []device.Device{pollDevice("dev-down"), pollDevice("dev-1")},
		mappings: map[string]map[uint32]string{"dev-1": {7: "stu-100"}},
	}
	links := &fakeLinkProvider{
		links: map[string]*logLink{"dev-1": terminal},
		fail:  map[string]bool{"dev-down": true},
	}

	p, records := newTestPipeline(t, devices, links)
	ctx := context.Background()

	p.pollAll(ctx)

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("stored %d records, want 1 from the healthy device", len(got))
	}
	if stats := p.Stats(); stats.PollErrors != 1 {
		t.Errorf("PollErrors = %d, want 1", stats.PollErrors)
	}
}

func TestPipeline_HandleEvent(t *testing.T) {
	devices := &fakeDevices{
		mappings: map[string]map[uint32]string{"dev-1": {7: "stu-100"}},
	}
	links := &fakeLinkProvider{}

	p, records := newTestPipeline(t, devices, links)
	notifier := &recordingNotifier{}
	p.SetNotifier(notifier)
	ctx := context.Background()

	ev := protocol.Event{
		Code: protocol.EventAttLog,
		Payload: protocol.EncodeLogRecords([]protocol.LogRecord{
			logRecord(201, 7, protocol.PunchCheckIn),
		}),
		At: time.Now(),
	}
	p.HandleEvent(ctx, "dev-1", ev)

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored %d records, want 1", len(got))
	}
	if got[0].NativeSeq != 201 || got[0].Kind != KindCheckIn {
		t.Errorf("record = %+v, want seq 201 check_in", got[0])
	}

	cursor, err := records.Cursor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 201 {
		t.Errorf("cursor = %d, want 201 after push", cursor)
	}

	// A re-sent frame is deduplicated, not re-notified.
	p.HandleEvent(ctx, "dev-1", ev)
	if notifier.count() != 1 {
		t.Errorf("notified %d records, want 1", notifier.count())
	}
	if stats := p.Stats(); stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
}

func TestPipeline_HandleEventIgnoresOtherCodes(t *testing.T) {
	p, records := newTestPipeline(t, &fakeDevices{}, &fakeLinkProvider{})
	ctx := context.Background()

	p.HandleEvent(ctx, "dev-1", protocol.Event{Code: protocol.EventEnrollFinger, At: time.Now()})

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("stored %d records, want 0", len(got))
	}
}

// flakyRepository fails Insert once for selected native seqs.
type flakyRepository struct {
	Repository
	mu       sync.Mutex
	failSeqs map[uint32]bool
}

func (f *flakyRepository) Insert(ctx context.Context, r *Record) (bool, error) {
	f.mu.Lock()
	fail := f.failSeqs[r.NativeSeq]
	if fail {
		delete(f.failSeqs, r.NativeSeq)
	}
	f.mu.Unlock()

	if fail {
		return false, errors.New("disk I/O error")
	}
	return f.Repository.Insert(ctx, r)
}

func TestPipeline_CursorHoldsAtStorageFailure(t *testing.T) {
	terminal := &logLink{records: []protocol.LogRecord{
		logRecord(101, 7, protocol.PunchCheckIn),
		logRecord(102, 7, protocol.PunchCheckOut),
		logRecord(103, 7, protocol.PunchCheckIn),
	}}
	devices := &fakeDevices{
		devices:  []device.Device{pollDevice("dev-1")},
		mappings: map[string]map[uint32]string{"dev-1": {7: "stu-100"}},
	}
	links := &fakeLinkProvider{links: map[string]*logLink{"dev-1": terminal}}

	db := setupTestDB(t)
	records := &flakyRepository{
		Repository: NewSQLiteRepository(db),
		failSeqs:   map[uint32]bool{102: true},
	}
	p := NewPipeline(records, devices, links, config.AttendanceConfig{
		PollInterval: time.Minute,
		Workers:      2,
	})
	ctx := context.Background()

	p.pollAll(ctx)

	// 101 landed, 102 failed, 103 landed. The cursor must hold at 101
	// so the next read still covers the lost record.
	cursor, err := records.Cursor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 101 {
		t.Fatalf("cursor = %d, want 101 held at the failed record", cursor)
	}

	p.pollAll(ctx)

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("stored %d records after recovery poll, want 3", len(got))
	}
	cursor, err = records.Cursor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 103 {
		t.Errorf("cursor = %d, want 103 after recovery", cursor)
	}
	// The re-read offered 103 again; dedup absorbed it.
	if stats := p.Stats(); stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
}

func TestPipeline_PushCursorHoldsAtStorageFailure(t *testing.T) {
	devices := &fakeDevices{
		mappings: map[string]map[uint32]string{"dev-1": {7: "stu-100"}},
	}
	links := &fakeLinkProvider{}

	db := setupTestDB(t)
	records := &flakyRepository{
		Repository: NewSQLiteRepository(db),
		failSeqs:   map[uint32]bool{201: true},
	}
	p := NewPipeline(records, devices, links, config.AttendanceConfig{
		PollInterval: time.Minute,
		Workers:      2,
	})
	ctx := context.Background()

	ev := protocol.Event{
		Code: protocol.EventAttLog,
		Payload: protocol.EncodeLogRecords([]protocol.LogRecord{
			logRecord(201, 7, protocol.PunchCheckIn),
		}),
		At: time.Now(),
	}
	p.HandleEvent(ctx, "dev-1", ev)

	cursor, err := records.Cursor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 0 {
		t.Fatalf("cursor = %d, want 0 after failed store", cursor)
	}

	// The terminal re-sends the unacknowledged frame; this time the
	// insert lands and the cursor moves.
	p.HandleEvent(ctx, "dev-1", ev)

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored %d records, want 1", len(got))
	}
	cursor, err = records.Cursor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 201 {
		t.Errorf("cursor = %d, want 201", cursor)
	}
}

func TestPipeline_UnknownUserStoredWithoutStudent(t *testing.T) {
	terminal := &logLink{records: []protocol.LogRecord{logRecord(301, 99, protocol.PunchCheckIn)}}
	devices := &fakeDevices{
		devices:  []device.Device{pollDevice("dev-1")},
		mappings: map[string]map[uint32]string{},
	}
	links := &fakeLinkProvider{links: map[string]*logLink{"dev-1": terminal}}

	p, records := newTestPipeline(t, devices, links)
	ctx := context.Background()

	p.pollAll(ctx)

	got, err := records.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored %d records, want 1", len(got))
	}
	if got[0].StudentID != "" {
		t.Errorf("StudentID = %q, want empty for an unmapped slot", got[0].StudentID)
	}
	if stats := p.Stats(); stats.UnknownUsers != 1 {
		t.Errorf("UnknownUsers = %d, want 1", stats.UnknownUsers)
	}
}
