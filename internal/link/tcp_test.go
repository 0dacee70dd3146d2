package link

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edutrack/biolink-core/internal/protocol"
)

// terminalHandler decides the mock's reply to one command frame.
// Returning send=false swallows the command (no reply at all).
type terminalHandler func(code protocol.Code, payload []byte) (reply protocol.Code, replyPayload []byte, send bool)

// mockTerminal simulates a fingerprint terminal for testing.
type mockTerminal struct {
	listener net.Listener
	conn     net.Conn
	mu       sync.Mutex
	done     chan struct{}
	handler  terminalHandler
}

// defaultHandler acknowledges everything; GetTime returns a clock.
func defaultHandler(code protocol.Code, _ []byte) (protocol.Code, []byte, bool) {
	switch code {
	case protocol.CmdConnect:
		return protocol.AckOK, []byte{0x00, 0x2A}, true // session id
	case protocol.CmdGetTime:
		return protocol.AckOK, protocol.EncodeTime(time.Now()), true
	default:
		return protocol.AckOK, nil, true
	}
}

func newMockTerminal(t *testing.T, handler terminalHandler) *mockTerminal {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	if handler == nil {
		handler = defaultHandler
	}

	term := &mockTerminal{
		listener: listener,
		done:     make(chan struct{}),
		handler:  handler,
	}
	go term.serve(t)

	t.Cleanup(term.Close)
	return term
}

func (m *mockTerminal) serve(t *testing.T) {
	conn, err := m.listener.Accept()
	if err != nil {
		select {
		case <-m.done:
		default:
			t.Logf("Accept error: %v", err)
		}
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		header := make([]byte, protocol.HeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		n, err := protocol.PayloadLength(header)
		if err != nil {
			return
		}
		frame := header
		if n > 0 {
			frame = make([]byte, protocol.HeaderSize+n)
			copy(frame, header)
			if _, err := io.ReadFull(conn, frame[protocol.HeaderSize:]); err != nil {
				return
			}
		}

		code, seq, payload, err := protocol.Decode(frame)
		if err != nil {
			return
		}

		replyCode, replyPayload, send := m.handler(code, payload)
		if !send {
			continue
		}
		reply, err := protocol.Encode(replyCode, seq, replyPayload)
		if err != nil {
			return
		}
		conn.Write(reply)
	}
}

// Address returns the dial address of the mock.
func (m *mockTerminal) Address() string {
	return m.listener.Addr().String()
}

// PushEvent writes an unsolicited event frame (sequence zero).
func (m *mockTerminal) PushEvent(t *testing.T, code protocol.Code, payload []byte) {
	t.Helper()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		t.Fatal("No connection to push event on")
	}

	frame, err := protocol.Encode(code, 0, payload)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("push write error: %v", err)
	}
}

// PushRaw writes arbitrary bytes, for corrupting the stream.
func (m *mockTerminal) PushRaw(t *testing.T, raw []byte) {
	t.Helper()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		t.Fatal("No connection to push on")
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("push write error: %v", err)
	}
}

func (m *mockTerminal) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.done)
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
	m.listener.Close()
}

// dialMock connects a link to the mock with short test timeouts.
func dialMock(t *testing.T, term *mockTerminal, cfg Config) *TCPLink {
	t.Helper()

	cfg.Addr = term.Address()
	if cfg.DeviceID == "" {
		cfg.DeviceID = "dev-test"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = time.Second
	}

	l, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestDialAndSendCommand(t *testing.T) {
	term := newMockTerminal(t, nil)
	l := dialMock(t, term, Config{})

	if !l.IsConnected() {
		t.Error("IsConnected() = false after Dial")
	}
	if l.DeviceID() != "dev-test" {
		t.Errorf("DeviceID() = %q, want %q", l.DeviceID(), "dev-test")
	}

	payload, err := l.SendCommand(context.Background(), protocol.CmdGetTime, nil)
	if err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}
	got, err := protocol.ParseTime(payload)
	if err != nil {
		t.Fatalf("ParseTime() error: %v", err)
	}
	if d := time.Since(got); d < -time.Minute || d > time.Minute {
		t.Errorf("device time %v too far from now", got)
	}

	stats := l.Stats()
	if stats.FramesTx < 2 { // handshake + command
		t.Errorf("FramesTx = %d, want >= 2", stats.FramesTx)
	}
	if stats.FramesRx < 2 {
		t.Errorf("FramesRx = %d, want >= 2", stats.FramesRx)
	}
	if !stats.Connected {
		t.Error("Stats().Connected = false")
	}
}

func TestDialWithAuth(t *testing.T) {
	var gotKey uint32
	var mu sync.Mutex

	term := newMockTerminal(t, func(code protocol.Code, payload []byte) (protocol.Code, []byte, bool) {
		if code == protocol.CmdAuth {
			key, err := protocol.ParseAuth(payload)
			if err != nil {
				return protocol.AckError, protocol.EncodeReject(protocol.RejectGeneric), true
			}
			mu.Lock()
			gotKey = key
			mu.Unlock()
		}
		return defaultHandler(code, payload)
	})

	dialMock(t, term, Config{CommKey: 0xC0FFEE})

	mu.Lock()
	defer mu.Unlock()
	if gotKey != 0xC0FFEE {
		t.Errorf("auth key = 0x%X, want 0xC0FFEE", gotKey)
	}
}

func TestDialHandshakeRejected(t *testing.T) {
	term := newMockTerminal(t, func(code protocol.Code, payload []byte) (protocol.Code, []byte, bool) {
		if code == protocol.CmdConnect {
			return protocol.AckError, protocol.EncodeReject(protocol.RejectUnauthorized), true
		}
		return defaultHandler(code, payload)
	})

	_, err := Dial(context.Background(), Config{
		Addr:           term.Address(),
		ConnectTimeout: 2 * time.Second,
	})
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Dial() error = %v, want ErrConnectFailed", err)
	}
	cmdErr, ok := AsCommandError(err)
	if !ok {
		t.Fatalf("Dial() error = %v, want wrapped CommandError", err)
	}
	if cmdErr.Reject != protocol.RejectUnauthorized {
		t.Errorf("Reject = 0x%04X, want RejectUnauthorized", uint16(cmdErr.Reject))
	}
}

func TestDialConnectFailure(t *testing.T) {
	_, err := Dial(context.Background(), Config{
		Addr:           "127.0.0.1:1", // nothing listens here
		ConnectTimeout: 500 * time.Millisecond,
	})
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Dial() error = %v, want ErrConnectFailed", err)
	}
}

func TestSendCommandDeviceReject(t *testing.T) {
	term := newMockTerminal(t, func(code protocol.Code, payload []byte) (protocol.Code, []byte, bool) {
		if code == protocol.CmdStartEnroll {
			return protocol.AckError, protocol.EncodeReject(protocol.RejectBusy), true
		}
		return defaultHandler(code, payload)
	})
	l := dialMock(t, term, Config{})

	_, err := l.SendCommand(context.Background(), protocol.CmdStartEnroll, protocol.EncodeStartEnroll(7, 1))
	cmdErr, ok := AsCommandError(err)
	if !ok {
		t.Fatalf("SendCommand() error = %v, want CommandError", err)
	}
	if cmdErr.Code != protocol.CmdStartEnroll {
		t.Errorf("Code = %v, want CmdStartEnroll", cmdErr.Code)
	}
	if cmdErr.Reject != protocol.RejectBusy {
		t.Errorf("Reject = 0x%04X, want RejectBusy", uint16(cmdErr.Reject))
	}
}

func TestSendCommandRetriesOnceOnTimeout(t *testing.T) {
	var mu sync.Mutex
	attLogReads := 0

	term := newMockTerminal(t, func(code protocol.Code, payload []byte) (protocol.Code, []byte, bool) {
		if code == protocol.CmdAttLogRead {
			mu.Lock()
			attLogReads++
			first := attLogReads == 1
			mu.Unlock()
			if first {
				return 0, nil, false // swallow the first attempt
			}
			return protocol.AckOK, protocol.EncodeLogRecords(nil), true
		}
		return defaultHandler(code, payload)
	})
	l := dialMock(t, term, Config{CommandTimeout: 200 * time.Millisecond})

	payload, err := l.SendCommand(context.Background(), protocol.CmdAttLogRead, protocol.EncodeAttLogRead(0))
	if err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}
	records, err := protocol.ParseLogRecords(payload)
	if err != nil {
		t.Fatalf("ParseLogRecords() error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}

	if got := l.Stats().Retries; got != 1 {
		t.Errorf("Retries = %d, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if attLogReads != 2 {
		t.Errorf("terminal saw %d reads, want 2", attLogReads)
	}
}

func TestSendCommandTimeoutAfterRetry(t *testing.T) {
	term := newMockTerminal(t, func(code protocol.Code, payload []byte) (protocol.Code, []byte, bool) {
		if code == protocol.CmdAttLogRead {
			return 0, nil, false // never reply
		}
		return defaultHandler(code, payload)
	})
	l := dialMock(t, term, Config{CommandTimeout: 100 * time.Millisecond})

	_, err := l.SendCommand(context.Background(), protocol.CmdAttLogRead, protocol.EncodeAttLogRead(0))
	if !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("SendCommand() error = %v, want ErrCommandTimeout", err)
	}
}

func TestEventDelivery(t *testing.T) {
	term := newMockTerminal(t, nil)
	l := dialMock(t, term, Config{EventMask: protocol.EventMaskAttLog | protocol.EventMaskEnroll})

	received := make(chan protocol.Event, 1)
	l.SetOnEvent(func(ev protocol.Event) {
		received <- ev
	})

	if err := l.RegisterEvents(context.Background()); err != nil {
		t.Fatalf("RegisterEvents() error: %v", err)
	}

	punch := protocol.LogRecord{
		Seq:      42,
		LocalUID: 7,
		Time:     time.Now().Truncate(time.Second).UTC(),
		Kind:     protocol.PunchCheckIn,
	}
	term.PushEvent(t, protocol.EventAttLog, protocol.EncodeLogRecords([]protocol.LogRecord{punch}))

	select {
	case ev := <-received:
		if ev.Code != protocol.EventAttLog {
			t.Errorf("event code = %v, want EventAttLog", ev.Code)
		}
		records, err := protocol.ParseLogRecords(ev.Payload)
		if err != nil {
			t.Fatalf("ParseLogRecords() error: %v", err)
		}
		if len(records) != 1 || records[0].Seq != 42 || records[0].LocalUID != 7 {
			t.Errorf("records = %+v, want one record seq=42 uid=7", records)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for event callback")
	}

	if got := l.Stats().EventsRx; got != 1 {
		t.Errorf("EventsRx = %d, want 1", got)
	}
}

func TestStreamFailureClosesLink(t *testing.T) {
	term := newMockTerminal(t, nil)
	l := dialMock(t, term, Config{})

	// A frame with a broken checksum makes the stream position
	// unrecoverable; the link must shut itself down.
	frame, err := protocol.Encode(protocol.AckOK, 9, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	frame[len(frame)-1] ^= 0xFF
	term.PushRaw(t, frame)

	deadline := time.Now().Add(2 * time.Second)
	for l.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if l.IsConnected() {
		t.Fatal("link still connected after checksum failure")
	}

	_, err = l.SendCommand(context.Background(), protocol.CmdGetTime, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() error = %v, want ErrNotConnected", err)
	}
}

func TestReadLoopFrameIdleTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if err := client.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline() error: %v", err)
	}

	_, _, _, idle, err := readLoopFrame(client)
	if err == nil {
		t.Fatal("readLoopFrame() on a quiet stream succeeded, want timeout")
	}
	if !idle {
		t.Error("a deadline with no bytes consumed must report idle")
	}
}

func TestReadLoopFrameTruncatedFrame(t *testing.T) {
	t.Run("header cut short", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()

		go func() {
			server.Write([]byte{0x01, 0x02, 0x03})
			server.Close()
		}()

		client.SetReadDeadline(time.Now().Add(time.Second))
		_, _, _, idle, err := readLoopFrame(client)
		if err == nil {
			t.Fatal("readLoopFrame() on a truncated header succeeded, want error")
		}
		if idle {
			t.Error("a header cut short must not pass for an idle stream")
		}
	})

	t.Run("payload cut short", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()

		frame, err := protocol.Encode(protocol.AckOK, 5, []byte{0xAA, 0xBB, 0xCC})
		if err != nil {
			t.Fatalf("Encode() error: %v", err)
		}
		go func() {
			server.Write(frame[:len(frame)-1])
			server.Close()
		}()

		client.SetReadDeadline(time.Now().Add(time.Second))
		_, _, _, idle, err := readLoopFrame(client)
		if err == nil {
			t.Fatal("readLoopFrame() on a truncated payload succeeded, want error")
		}
		if idle {
			t.Error("a payload cut short must not pass for an idle stream")
		}
	})
}

func TestReadLoopFrameCompleteFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	frame, err := protocol.Encode(protocol.EventAttLog, 0, protocol.EncodeLogRecords(nil))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	go server.Write(frame)

	client.SetReadDeadline(time.Now().Add(time.Second))
	code, seq, _, idle, err := readLoopFrame(client)
	if err != nil {
		t.Fatalf("readLoopFrame() error: %v", err)
	}
	if idle {
		t.Error("a complete frame reported idle")
	}
	if code != protocol.EventAttLog || seq != 0 {
		t.Errorf("frame = (%v, %d), want (EventAttLog, 0)", code, seq)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	term := newMockTerminal(t, nil)
	l := dialMock(t, term, Config{})

	if err := l.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if l.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	_, err := l.SendCommand(context.Background(), protocol.CmdGetTime, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestSendCommandContextCancelled(t *testing.T) {
	term := newMockTerminal(t, func(code protocol.Code, payload []byte) (protocol.Code, []byte, bool) {
		if code == protocol.CmdGetTime {
			return 0, nil, false // hold the reply so the context wins
		}
		return defaultHandler(code, payload)
	})
	l := dialMock(t, term, Config{CommandTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := l.SendCommand(ctx, protocol.CmdGetTime, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SendCommand() error = %v, want context.DeadlineExceeded", err)
	}
}
