package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edutrack/biolink-core/internal/protocol"
)

// Ensure TCPLink implements Link.
var _ Link = (*TCPLink)(nil)

// pendingReply is a reply frame routed to the waiting command.
type pendingReply struct {
	code    protocol.Code
	payload []byte
}

// TCPLink is a session with a real terminal over its binary TCP
// protocol.
//
// A receive loop goroutine reads frames off the socket: reply frames
// are routed to the waiting command by sequence number, event frames
// go to a bounded callback queue drained by worker goroutines. There
// is no auto-reconnect; a failed link is evicted and redialled by the
// connection registry.
type TCPLink struct {
	cfg  Config
	conn net.Conn

	// Connection state
	connMu    sync.RWMutex
	connected bool
	failErr   error // first fatal error, nil until failure

	// Command serialisation. seq is guarded by cmdMu.
	cmdMu sync.Mutex
	seq   uint16

	// Pending reply routing
	pendingMu sync.Mutex
	pending   map[uint16]chan pendingReply

	// Event handler callback
	onEvent    func(protocol.Event)
	callbackMu sync.RWMutex

	// Event worker pool (bounded goroutine spawning)
	eventQueue chan protocol.Event

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	eventsRx      atomic.Uint64
	eventsDropped atomic.Uint64
	retries       atomic.Uint64
	errorsTotal   atomic.Uint64
	lastActivity  atomic.Int64 // Unix timestamp
}

// Dial connects to a terminal and performs the session handshake.
//
// The handshake sends a Connect frame and, when a comm key is
// configured, an Auth frame; both must be acknowledged before the
// receive loop starts. The returned link is ready for commands.
func Dial(ctx context.Context, cfg Config) (*TCPLink, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.EventMask == 0 {
		cfg.EventMask = protocol.EventMaskEnroll
	}

	connectCtx := ctx
	if connectCtx == nil {
		connectCtx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(connectCtx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectFailed, cfg.Addr, err)
	}

	l := &TCPLink{
		cfg:        cfg,
		conn:       conn,
		done:       newCloseOnce(),
		pending:    make(map[uint16]chan pendingReply),
		eventQueue: make(chan protocol.Event, eventQueueSize),
	}
	l.lastActivity.Store(time.Now().Unix())

	if err := l.handshake(connectCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake: %w", ErrConnectFailed, err)
	}

	l.connMu.Lock()
	l.connected = true
	l.connMu.Unlock()

	for i := 0; i < eventWorkerCount; i++ {
		l.wg.Add(1)
		go l.eventWorker()
	}

	l.wg.Add(1)
	go l.receiveLoop()

	return l, nil
}

// handshake performs the Connect (and optional Auth) exchange before
// the receive loop starts, reading replies synchronously off the
// socket under the connect deadline.
func (l *TCPLink) handshake(ctx context.Context) error {
	deadline := time.Now().Add(l.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer l.conn.SetDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	if err := l.exchange(protocol.CmdConnect, 1, nil); err != nil {
		return err
	}
	l.seq = 1

	if l.cfg.CommKey != 0 {
		if err := l.exchange(protocol.CmdAuth, 2, protocol.EncodeAuth(l.cfg.CommKey)); err != nil {
			return err
		}
		l.seq = 2
	}
	return nil
}

// exchange writes one frame and reads one reply synchronously.
// Only valid before the receive loop starts.
func (l *TCPLink) exchange(code protocol.Code, seq uint16, payload []byte) error {
	frame, err := protocol.Encode(code, seq, payload)
	if err != nil {
		return err
	}
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", code, err)
	}
	l.framesTx.Add(1)

	replyCode, replySeq, replyPayload, err := readFrame(l.conn)
	if err != nil {
		return fmt.Errorf("read %s reply: %w", code, err)
	}
	l.framesRx.Add(1)

	if replySeq != seq {
		return fmt.Errorf("%s reply sequence %d, want %d", code, replySeq, seq)
	}
	if replyCode == protocol.AckError {
		return &CommandError{Code: code, Reject: protocol.ParseReject(replyPayload)}
	}
	if replyCode != protocol.AckOK {
		return fmt.Errorf("unexpected %s reply code %s", code, replyCode)
	}
	return nil
}

// readFrame reads and decodes one complete frame from the connection.
func readFrame(conn net.Conn) (protocol.Code, uint16, []byte, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, 0, nil, err
	}

	n, err := protocol.PayloadLength(header)
	if err != nil {
		return 0, 0, nil, err
	}

	frame := header
	if n > 0 {
		frame = make([]byte, protocol.HeaderSize+n)
		copy(frame, header)
		if _, err := io.ReadFull(conn, frame[protocol.HeaderSize:]); err != nil {
			return 0, 0, nil, err
		}
	}

	return protocol.Decode(frame)
}

// receiveLoop continuously reads frames from the terminal and routes
// them: replies to the pending command, events to the callback queue.
func (l *TCPLink) receiveLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done.Done():
			return
		default:
		}

		conn := l.currentConn()
		if conn == nil {
			return
		}

		// The deadline keeps the loop responsive to shutdown; a
		// quiet terminal is normal.
		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			l.fail(fmt.Errorf("%w: set deadline: %w", ErrNotConnected, err))
			return
		}

		code, seq, payload, idle, err := readLoopFrame(conn)
		if err != nil {
			if l.isClosed() {
				return
			}
			if idle {
				continue
			}
			if l.handleReadError(err) {
				return
			}
			continue
		}

		l.framesRx.Add(1)
		l.lastActivity.Store(time.Now().Unix())

		switch {
		case code.IsEvent():
			l.handleEvent(code, payload)
		case code.IsReply():
			l.routeReply(seq, code, payload)
		default:
			l.logDebug("ignoring unexpected frame", "code", code.String())
		}
	}
}

// readLoopFrame reads one frame for the receive loop, distinguishing
// an idle deadline from a stream failure. Only a deadline that fires
// before any byte of a frame arrives is idle; once the first header
// byte is in, the remainder gets its own deadline, and failing to
// complete the frame loses the stream position, so it is reported as
// an error.
func readLoopFrame(conn net.Conn) (protocol.Code, uint16, []byte, bool, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header[:1]); err != nil {
		var netErr net.Error
		idle := errors.As(err, &netErr) && netErr.Timeout()
		return 0, 0, nil, idle, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(frameReadTimeout)); err != nil {
		return 0, 0, nil, false, fmt.Errorf("set frame deadline: %w", err)
	}
	if _, err := io.ReadFull(conn, header[1:]); err != nil {
		return 0, 0, nil, false, fmt.Errorf("frame header cut short: %w", err)
	}

	n, err := protocol.PayloadLength(header)
	if err != nil {
		return 0, 0, nil, false, err
	}

	frame := header
	if n > 0 {
		frame = make([]byte, protocol.HeaderSize+n)
		copy(frame, header)
		if _, err := io.ReadFull(conn, frame[protocol.HeaderSize:]); err != nil {
			return 0, 0, nil, false, fmt.Errorf("frame payload cut short: %w", err)
		}
	}

	code, seq, payload, err := protocol.Decode(frame)
	return code, seq, payload, false, err
}

// handleReadError classifies a read failure. Returns true if the loop
// must stop. Idle deadlines never reach here; a timeout at this point
// fired inside a frame.
func (l *TCPLink) handleReadError(err error) bool {
	// A frame that cannot be checksummed or framed means the stream
	// position is lost; the socket must go down so the registry can
	// redial cleanly.
	if errors.Is(err, protocol.ErrChecksumMismatch) || errors.Is(err, protocol.ErrMalformedFrame) {
		l.errorsTotal.Add(1)
		l.logError("stream failure, closing link", err)
		l.fail(fmt.Errorf("%w: %w", ErrLinkFailed, err))
		return true
	}

	// Well-framed but unrecognised code: the stream is still in sync.
	if errors.Is(err, protocol.ErrUnknownCommand) {
		l.errorsTotal.Add(1)
		l.logDebug("dropping unknown frame", "error", err.Error())
		return false
	}

	l.errorsTotal.Add(1)
	l.logError("read failed", err)
	l.fail(fmt.Errorf("%w: %w", ErrNotConnected, err))
	return true
}

// routeReply delivers a reply frame to the command waiting on its
// sequence number.
func (l *TCPLink) routeReply(seq uint16, code protocol.Code, payload []byte) {
	l.pendingMu.Lock()
	ch, ok := l.pending[seq]
	l.pendingMu.Unlock()

	if !ok {
		// Late reply after a retry already succeeded, or a stray.
		l.logDebug("dropping unmatched reply", "seq", seq, "code", code.String())
		return
	}

	select {
	case ch <- pendingReply{code: code, payload: payload}:
	default:
		// Duplicate reply for the same sequence; first one wins.
	}
}

// handleEvent queues an unsolicited event for the worker pool.
func (l *TCPLink) handleEvent(code protocol.Code, payload []byte) {
	l.eventsRx.Add(1)

	l.callbackMu.RLock()
	hasHandler := l.onEvent != nil
	l.callbackMu.RUnlock()

	if !hasHandler {
		return
	}

	ev := protocol.Event{Code: code, Payload: payload, At: time.Now().UTC()}
	select {
	case l.eventQueue <- ev:
	default:
		// Queue full, drop to protect the receive loop.
		l.eventsDropped.Add(1)
		l.errorsTotal.Add(1)
		l.logError("event queue full, dropping event", nil)
	}
}

// eventWorker drains the event queue and invokes the handler.
// Runs in a bounded pool to prevent goroutine explosion.
func (l *TCPLink) eventWorker() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done.Done():
			l.drainEventQueue()
			return
		case ev := <-l.eventQueue:
			l.callbackMu.RLock()
			handler := l.onEvent
			l.callbackMu.RUnlock()

			if handler != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							l.logError("event handler panic", fmt.Errorf("%v", r))
						}
					}()
					handler(ev)
				}()
			}
		}
	}
}

// drainEventQueue discards queued events during shutdown.
func (l *TCPLink) drainEventQueue() {
	for {
		select {
		case <-l.eventQueue:
		default:
			return
		}
	}
}

// SendCommand sends one command frame and waits for its reply.
//
// Commands are serialised: a second caller blocks until the first
// completes. A reply timeout triggers exactly one retransmission with
// the same sequence number, so a delayed first reply still matches.
func (l *TCPLink) SendCommand(ctx context.Context, code protocol.Code, payload []byte) ([]byte, error) {
	if !l.IsConnected() {
		return nil, ErrNotConnected
	}

	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	seq := l.nextSeq()
	frame, err := protocol.Encode(code, seq, payload)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan pendingReply, 1)
	l.pendingMu.Lock()
	l.pending[seq] = replyCh
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, seq)
		l.pendingMu.Unlock()
	}()

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			l.retries.Add(1)
			l.logDebug("retrying command", "code", code.String(), "seq", seq)
		}

		if err := l.writeFrame(ctx, frame); err != nil {
			return nil, err
		}

		timer := time.NewTimer(l.cfg.CommandTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("link: %s: %w", code, ctx.Err())

		case <-l.done.Done():
			timer.Stop()
			return nil, l.failure()

		case rep := <-replyCh:
			timer.Stop()
			l.lastActivity.Store(time.Now().Unix())
			if rep.code == protocol.AckError {
				return nil, &CommandError{Code: code, Reject: protocol.ParseReject(rep.payload)}
			}
			return rep.payload, nil

		case <-timer.C:
			// Retransmit once with the same sequence.
		}
	}

	l.errorsTotal.Add(1)
	return nil, fmt.Errorf("%w: %s seq %d", ErrCommandTimeout, code, seq)
}

// nextSeq advances the command sequence, skipping zero, which event
// frames use. Caller holds cmdMu.
func (l *TCPLink) nextSeq() uint16 {
	l.seq++
	if l.seq == 0 {
		l.seq = 1
	}
	return l.seq
}

// writeFrame writes one encoded frame under a write deadline.
func (l *TCPLink) writeFrame(ctx context.Context, frame []byte) error {
	conn := l.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("link: set write deadline: %w", err)
	}

	if _, err := conn.Write(frame); err != nil {
		l.errorsTotal.Add(1)
		return fmt.Errorf("link: write: %w", err)
	}

	l.framesTx.Add(1)
	l.lastActivity.Store(time.Now().Unix())
	return nil
}

// RegisterEvents asks the terminal to push the events selected by the
// configured event mask.
func (l *TCPLink) RegisterEvents(ctx context.Context) error {
	_, err := l.SendCommand(ctx, protocol.CmdRegisterEvent, protocol.EncodeRegisterEvent(l.cfg.EventMask))
	if err != nil {
		return fmt.Errorf("registering events: %w", err)
	}
	return nil
}

// SetOnEvent sets the handler for unsolicited event frames.
//
// The handler runs on a worker goroutine; panics are recovered and
// logged.
func (l *TCPLink) SetOnEvent(handler func(protocol.Event)) {
	l.callbackMu.Lock()
	l.onEvent = handler
	l.callbackMu.Unlock()
}

// SetLogger sets the logger for this link.
func (l *TCPLink) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// DeviceID returns the registry identifier of the terminal.
func (l *TCPLink) DeviceID() string {
	return l.cfg.DeviceID
}

// IsConnected reports whether the session is usable.
func (l *TCPLink) IsConnected() bool {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.connected
}

// Stats returns current operational counters.
func (l *TCPLink) Stats() Stats {
	return Stats{
		FramesTx:      l.framesTx.Load(),
		FramesRx:      l.framesRx.Load(),
		EventsRx:      l.eventsRx.Load(),
		EventsDropped: l.eventsDropped.Load(),
		Retries:       l.retries.Load(),
		ErrorsTotal:   l.errorsTotal.Load(),
		LastActivity:  time.Unix(l.lastActivity.Load(), 0),
		Connected:     l.IsConnected(),
	}
}

// Close shuts the link down: signals the goroutines, closes the
// socket, waits for everything to exit. Safe to call multiple times.
func (l *TCPLink) Close() error {
	l.fail(ErrLinkClosed)
	l.wg.Wait()
	l.logDebug("link closed", "device_id", l.cfg.DeviceID)
	return nil
}

// fail records the first fatal error, marks the link disconnected and
// tears the socket down. Pending commands observe the failure via the
// done channel.
func (l *TCPLink) fail(err error) {
	l.connMu.Lock()
	if l.failErr == nil {
		l.failErr = err
	}
	l.connected = false
	conn := l.conn
	l.connMu.Unlock()

	l.done.Close()
	if conn != nil {
		conn.Close()
	}
}

// failure returns the recorded fatal error.
func (l *TCPLink) failure() error {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	if l.failErr != nil {
		return l.failErr
	}
	return ErrLinkClosed
}

// currentConn returns the socket under the connection lock.
func (l *TCPLink) currentConn() net.Conn {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.conn
}

// isClosed returns true if the link has been shut down.
func (l *TCPLink) isClosed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

// logDebug logs a debug message if a logger is set.
func (l *TCPLink) logDebug(msg string, keysAndValues ...any) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is set.
func (l *TCPLink) logError(msg string, err error) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
