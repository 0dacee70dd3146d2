package link

import (
	"context"
	"sync"
	"time"

	"github.com/edutrack/biolink-core/internal/protocol"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for terminal communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the TCP
	// connection plus session handshake.
	defaultConnectTimeout = 10 * time.Second

	// defaultCommandTimeout is the reply deadline for one command
	// attempt. A timed-out command is retried once with the same
	// sequence number before giving up.
	defaultCommandTimeout = 5 * time.Second

	// defaultWriteTimeout bounds individual socket writes.
	defaultWriteTimeout = 5 * time.Second

	// readIdleTimeout is the per-read deadline in the receive loop.
	// A quiet terminal is normal; the deadline just keeps the loop
	// responsive to shutdown.
	readIdleTimeout = 30 * time.Second

	// frameReadTimeout bounds the remainder of a frame once its first
	// byte has arrived, so a frame starting late in the idle window
	// still gets a full read budget.
	frameReadTimeout = 10 * time.Second

	// eventQueueSize is the buffer size for the event callback queue.
	eventQueueSize = 100

	// eventWorkerCount is the number of concurrent event callback workers.
	eventWorkerCount = 2
)

// Config holds per-terminal link configuration.
type Config struct {
	// DeviceID is the registry identifier of the terminal.
	DeviceID string

	// Addr is the terminal's host:port dial address.
	Addr string

	// CommKey is the terminal's communication key. Zero skips the
	// auth exchange after the session handshake.
	CommKey uint32

	// EventMask selects which unsolicited events the terminal pushes.
	// Default: enrolment events only; the registry adds attendance
	// events for push-mode devices.
	EventMask uint32

	// ConnectTimeout bounds dial plus handshake. Default 10s.
	ConnectTimeout time.Duration

	// CommandTimeout is the per-attempt reply deadline. Default 5s.
	CommandTimeout time.Duration
}

// Stats holds operational counters for one link.
type Stats struct {
	FramesTx      uint64
	FramesRx      uint64
	EventsRx      uint64
	EventsDropped uint64 // Events dropped due to full callback queue
	Retries       uint64 // Command retries after a reply timeout
	ErrorsTotal   uint64
	LastActivity  time.Time
	Connected     bool
	Simulated     bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Link is one session with a fingerprint terminal, real or simulated.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Commands are serialised: one in-flight command per link.
//   - Event callbacks run on a bounded worker pool.
type Link interface {
	// SendCommand sends one command frame and waits for its reply.
	// Returns the AckOK payload; an AckError reply becomes a
	// *CommandError. A reply timeout is retried once with the same
	// sequence number.
	SendCommand(ctx context.Context, code protocol.Code, payload []byte) ([]byte, error)

	// SetOnEvent sets the handler for unsolicited event frames.
	SetOnEvent(handler func(protocol.Event))

	// RegisterEvents asks the terminal to push the events selected by
	// the configured event mask.
	RegisterEvents(ctx context.Context) error

	// IsConnected reports whether the session is usable.
	IsConnected() bool

	// Stats returns current operational counters.
	Stats() Stats

	// DeviceID returns the registry identifier of the terminal.
	DeviceID() string

	// Close shuts the link down. Safe to call multiple times.
	Close() error
}
