package link

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edutrack/biolink-core/internal/protocol"
)

// Ensure Simulated implements Link.
var _ Link = (*Simulated)(nil)

// Simulated link defaults.
const (
	// simTemplateSize is the size of a generated fingerprint template,
	// matching what the BK-500 terminals emit.
	simTemplateSize = 512

	// simMinDelay / simMaxDelay bound the synthetic reply latency when
	// the configuration leaves them unset.
	simMinDelay = 100 * time.Millisecond
	simMaxDelay = 800 * time.Millisecond
)

// SimConfig holds simulated link configuration.
type SimConfig struct {
	// MinDelay and MaxDelay bound the randomized reply latency.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// templateKey addresses one stored template on the simulated terminal.
type templateKey struct {
	localUID uint32
	finger   uint8
}

// Simulated is an in-memory terminal behind the Link interface.
//
// The registry hands one out when a real terminal cannot be dialled
// and simulation is enabled, so enrollment and attendance flows keep
// working during development and demos. Every reply is delayed by a
// randomized interval to keep timing behaviour honest.
type Simulated struct {
	deviceID string
	cfg      SimConfig

	// Terminal state
	mu           sync.Mutex
	users        map[uint32]string
	templates    map[templateKey][]byte
	enrollCancel chan struct{} // non-nil while a capture is pending
	clockOffset  time.Duration

	// Event handler callback
	onEvent    func(protocol.Event)
	callbackMu sync.RWMutex

	// Shutdown coordination
	done *closeOnce
	wg   sync.WaitGroup

	// Statistics
	framesTx atomic.Uint64
	framesRx atomic.Uint64
	eventsRx atomic.Uint64
}

// NewSimulated creates a simulated link for a device.
func NewSimulated(deviceID string, cfg SimConfig) *Simulated {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = simMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay + simMaxDelay
	}
	return &Simulated{
		deviceID:  deviceID,
		cfg:       cfg,
		users:     make(map[uint32]string),
		templates: make(map[templateKey][]byte),
		done:      newCloseOnce(),
	}
}

// SendCommand synthesizes a terminal reply after a randomized delay.
func (s *Simulated) SendCommand(ctx context.Context, code protocol.Code, payload []byte) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrLinkClosed
	}

	s.framesTx.Add(1)
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	s.framesRx.Add(1)

	switch code {
	case protocol.CmdConnect, protocol.CmdAuth, protocol.CmdRegisterEvent:
		return nil, nil

	case protocol.CmdGetTime:
		return protocol.EncodeTime(time.Now().Add(s.skew())), nil

	case protocol.CmdSetTime:
		t, err := protocol.ParseTime(payload)
		if err != nil {
			return nil, &CommandError{Code: code, Reject: protocol.RejectGeneric}
		}
		s.mu.Lock()
		s.clockOffset = time.Until(t)
		s.mu.Unlock()
		return nil, nil

	case protocol.CmdGetFreeStorage:
		// freeTemplates(4) + freeLogs(4)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], 3000)
		binary.BigEndian.PutUint32(buf[4:8], 100000)
		return buf, nil

	case protocol.CmdUserWrite:
		return s.userWrite(payload)

	case protocol.CmdDeleteUser:
		return s.deleteUser(payload)

	case protocol.CmdTemplateWrite:
		return s.templateWrite(payload)

	case protocol.CmdTemplateRead:
		return s.templateRead(payload)

	case protocol.CmdAttLogRead:
		// A simulated terminal has no foot traffic.
		return protocol.EncodeLogRecords(nil), nil

	case protocol.CmdStartEnroll:
		return s.startEnroll(payload)

	case protocol.CmdCancelCapture:
		s.cancelCapture()
		return nil, nil

	default:
		return nil, &CommandError{Code: code, Reject: protocol.RejectGeneric}
	}
}

// userWrite stores a user slot.
func (s *Simulated) userWrite(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, &CommandError{Code: protocol.CmdUserWrite, Reject: protocol.RejectGeneric}
	}
	uid := binary.BigEndian.Uint32(payload[0:4])

	s.mu.Lock()
	s.users[uid] = string(payload[4:])
	s.mu.Unlock()
	return nil, nil
}

// deleteUser removes a user slot and its templates.
func (s *Simulated) deleteUser(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, &CommandError{Code: protocol.CmdDeleteUser, Reject: protocol.RejectGeneric}
	}
	uid := binary.BigEndian.Uint32(payload[0:4])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[uid]; !ok {
		return nil, &CommandError{Code: protocol.CmdDeleteUser, Reject: protocol.RejectNoSuchUser}
	}
	delete(s.users, uid)
	for key := range s.templates {
		if key.localUID == uid {
			delete(s.templates, key)
		}
	}
	return nil, nil
}

// templateWrite stores a pushed template.
func (s *Simulated) templateWrite(payload []byte) ([]byte, error) {
	if len(payload) < 5 {
		return nil, &CommandError{Code: protocol.CmdTemplateWrite, Reject: protocol.RejectGeneric}
	}
	uid := binary.BigEndian.Uint32(payload[0:4])
	finger := payload[4]

	tpl := make([]byte, len(payload)-5)
	copy(tpl, payload[5:])

	s.mu.Lock()
	s.templates[templateKey{localUID: uid, finger: finger}] = tpl
	s.mu.Unlock()
	return nil, nil
}

// templateRead returns a stored template.
func (s *Simulated) templateRead(payload []byte) ([]byte, error) {
	uid, finger, err := protocol.ParseStartEnroll(payload) // same layout: localUID(4)+finger(1)
	if err != nil {
		return nil, &CommandError{Code: protocol.CmdTemplateRead, Reject: protocol.RejectGeneric}
	}

	s.mu.Lock()
	tpl, ok := s.templates[templateKey{localUID: uid, finger: finger}]
	s.mu.Unlock()

	if !ok {
		return nil, &CommandError{Code: protocol.CmdTemplateRead, Reject: protocol.RejectNoSuchUser}
	}
	out := make([]byte, len(tpl))
	copy(out, tpl)
	return out, nil
}

// startEnroll acknowledges the capture and schedules a synthetic
// successful enrolment event, as if a student pressed a finger on the
// scanner a moment later.
func (s *Simulated) startEnroll(payload []byte) ([]byte, error) {
	uid, finger, err := protocol.ParseStartEnroll(payload)
	if err != nil {
		return nil, &CommandError{Code: protocol.CmdStartEnroll, Reject: protocol.RejectGeneric}
	}

	s.mu.Lock()
	if _, ok := s.users[uid]; !ok {
		s.mu.Unlock()
		return nil, &CommandError{Code: protocol.CmdStartEnroll, Reject: protocol.RejectNoSuchUser}
	}
	if s.enrollCancel != nil {
		close(s.enrollCancel)
	}
	cancel := make(chan struct{})
	s.enrollCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(s.delay())
		defer timer.Stop()

		select {
		case <-cancel:
			return
		case <-s.done.Done():
			return
		case <-timer.C:
		}

		tpl := make([]byte, simTemplateSize)
		crand.Read(tpl) //nolint:errcheck // never fails

		s.mu.Lock()
		s.templates[templateKey{localUID: uid, finger: finger}] = tpl
		if s.enrollCancel == cancel {
			s.enrollCancel = nil
		}
		s.mu.Unlock()

		s.emit(protocol.Event{
			Code:    protocol.EventEnrollFinger,
			Payload: protocol.EncodeEnrollEvent(protocol.EnrollEvent{Status: protocol.EnrollSuccess, Template: tpl}),
			At:      time.Now().UTC(),
		})
	}()

	return nil, nil
}

// cancelCapture aborts a pending capture, if any.
func (s *Simulated) cancelCapture() {
	s.mu.Lock()
	if s.enrollCancel != nil {
		close(s.enrollCancel)
		s.enrollCancel = nil
	}
	s.mu.Unlock()
}

// emit delivers an event to the handler, if one is set.
func (s *Simulated) emit(ev protocol.Event) {
	s.callbackMu.RLock()
	handler := s.onEvent
	s.callbackMu.RUnlock()

	if handler == nil {
		return
	}
	s.eventsRx.Add(1)

	defer func() {
		if r := recover(); r != nil {
			_ = fmt.Sprintf("%v", r) // swallow handler panics like the real link
		}
	}()
	handler(ev)
}

// sleep waits the randomized reply latency.
func (s *Simulated) sleep(ctx context.Context) error {
	timer := time.NewTimer(s.delay())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("link: simulated: %w", ctx.Err())
	case <-s.done.Done():
		return ErrLinkClosed
	case <-timer.C:
		return nil
	}
}

// delay picks a random duration within the configured bounds.
func (s *Simulated) delay() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(rand.Int63n(int64(span)))
}

// skew returns the simulated clock offset.
func (s *Simulated) skew() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockOffset
}

// RegisterEvents is a no-op: the simulated terminal always pushes.
func (s *Simulated) RegisterEvents(ctx context.Context) error {
	if s.isClosed() {
		return ErrLinkClosed
	}
	return s.sleep(ctx)
}

// SetOnEvent sets the handler for synthetic events.
func (s *Simulated) SetOnEvent(handler func(protocol.Event)) {
	s.callbackMu.Lock()
	s.onEvent = handler
	s.callbackMu.Unlock()
}

// DeviceID returns the registry identifier of the terminal.
func (s *Simulated) DeviceID() string {
	return s.deviceID
}

// IsConnected reports whether the link is open.
func (s *Simulated) IsConnected() bool {
	return !s.isClosed()
}

// Stats returns current operational counters.
func (s *Simulated) Stats() Stats {
	return Stats{
		FramesTx:     s.framesTx.Load(),
		FramesRx:     s.framesRx.Load(),
		EventsRx:     s.eventsRx.Load(),
		LastActivity: time.Now(),
		Connected:    s.IsConnected(),
		Simulated:    true,
	}
}

// Close shuts the simulated link down. Safe to call multiple times.
func (s *Simulated) Close() error {
	s.done.Close()
	s.cancelCapture()
	s.wg.Wait()
	return nil
}

// isClosed returns true if the link has been closed.
func (s *Simulated) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}
