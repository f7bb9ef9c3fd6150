package hub

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/metrics"
	"github.com/Tyrowin/gohub/internal/protocol"
)

// Transport is the bidirectional message channel a session runs over. The
// hosting layer hands the hub an upgraded *websocket.Conn, which satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	NextWriter(messageType int) (io.WriteCloser, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// State is the liveness of a session.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session is the server side of one client connection: the transport, a
// bounded FIFO of encoded frames waiting to be written, and liveness state.
// Frames leave the queue in the order they were enqueued.
type Session struct {
	id        string
	transport Transport
	addr      string
	settings  Settings
	allowance *budget
	log       zerolog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	send   chan []byte
	closed bool

	state     atomic.Int32
	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(t Transport, addr string, settings Settings, log zerolog.Logger, m *metrics.Metrics) *Session {
	settings = settings.sanitize()
	if t != nil {
		t.SetReadLimit(settings.MaxMessageSize)
	}

	return &Session{
		transport: t,
		addr:      addr,
		settings:  settings,
		allowance: settings.RateLimit.budget(time.Now()),
		log:       log.With().Str("addr", addr).Logger(),
		metrics:   m,
		send:      make(chan []byte, settings.QueueSize),
	}
}

// admitInvocation charges one inbound invocation against the session's
// rate limit.
func (s *Session) admitInvocation() bool {
	return s.allowance.admit(time.Now())
}

// ID returns the identity assigned by the registry, or "" before the
// handshake completes.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address reported by the hosting layer.
func (s *Session) RemoteAddr() string {
	return s.addr
}

// State returns the current liveness state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Send enqueues one encoded frame without blocking. A full queue closes the
// session and returns a TransportError wrapping ErrQueueOverflow.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &TransportError{Op: "send", Err: ErrSessionClosed}
	}

	select {
	case s.send <- frame:
		s.mu.Unlock()
		return nil
	default:
	}
	s.mu.Unlock()

	s.log.Warn().Str("conn", s.id).Int("capacity", cap(s.send)).Msg("Outbound queue full, closing session")
	s.Close()
	return &TransportError{Op: "enqueue", Err: ErrQueueOverflow}
}

// SendFrame encodes f and enqueues it.
func (s *Session) SendFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Close stops the session: it leaves the registry first, then its queue is
// closed so the write pump flushes what is queued, says goodbye and closes
// the transport. Close is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.State() != StateClosed {
			s.setState(StateDisconnecting)
		}
		if s.onClose != nil {
			s.onClose(s)
		}

		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
	})
}

// CloseWithFrame enqueues a Close frame as the last frame and closes the
// session.
func (s *Session) CloseWithFrame(code protocol.ErrorCode, message string, allowReconnect bool) {
	if err := s.SendFrame(protocol.NewClose(code, message, allowReconnect)); err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Close frame not queued")
	}
	s.Close()
}

// writeDirect writes f straight to the transport. It is only used before the
// write pump starts.
func (s *Session) writeDirect(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := s.transport.SetWriteDeadline(time.Now().Add(s.settings.WriteWait)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := s.transport.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	s.metrics.FramesSent(1)
	return nil
}

// extendReadDeadline marks the peer as alive for another ClientTimeout.
func (s *Session) extendReadDeadline() {
	if err := s.transport.SetReadDeadline(time.Now().Add(s.settings.ClientTimeout)); err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error setting read deadline")
	}
}

// setupReadConnection configures the read deadline and pong handler.
func (s *Session) setupReadConnection() {
	s.extendReadDeadline()
	s.transport.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
}

// readPump reads transport messages until the peer goes away, the session
// goes stale or handle reports a fatal error. Each record is passed to handle
// in arrival order.
func (s *Session) readPump(handle func(*protocol.Frame) error) error {
	s.setupReadConnection()

	for {
		_, message, err := s.transport.ReadMessage()
		if err != nil {
			return s.readError(err)
		}
		s.extendReadDeadline()

		if err := s.handleRecords(protocol.Split(message), handle); err != nil {
			return err
		}
	}
}

// handleRecords decodes and hands over each record. A decode failure is a
// ProtocolError.
func (s *Session) handleRecords(records [][]byte, handle func(*protocol.Frame) error) error {
	for _, record := range records {
		frame, err := protocol.Decode(record)
		if err != nil {
			s.metrics.FrameReceived("malformed")
			return &ProtocolError{Reason: "malformed frame", Err: err}
		}
		s.metrics.FrameReceived(frame.Type.String())
		if err := handle(frame); err != nil {
			return err
		}
	}
	return nil
}

// readError classifies a read failure. Expected disconnects return nil.
func (s *Session) readError(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn().Str("conn", s.id).Int64("limit", s.settings.MaxMessageSize).Msg("Message exceeded maximum size")
		return &ProtocolError{Reason: "message too large", Err: err}
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug().Str("conn", s.id).Err(err).Msg("Client disconnected")
		return nil
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Debug().Str("conn", s.id).Err(err).Msg("Connection closed")
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.log.Info().Str("conn", s.id).Dur("timeout", s.settings.ClientTimeout).Msg("Session stale, closing")
		return &TransportError{Op: "read", Err: err}
	}

	s.log.Warn().Str("conn", s.id).Err(err).Msg("Read error")
	return &TransportError{Op: "read", Err: err}
}

// writePump drains the queue to the transport and sends keep-alives. It
// returns when the queue is closed or a write fails, closing the transport
// either way.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.settings.KeepAliveInterval)
	defer func() {
		ticker.Stop()
		s.closeTransport()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-s.send:
		if !ok {
			s.writeCloseMessage()
			return false
		}
		return s.writeFrames(frame)
	case <-ticker.C:
		return s.writePing()
	}
}

// writeFrames writes frame and every frame already queued behind it as one
// transport message. Records are self-delimiting, so they concatenate.
func (s *Session) writeFrames(first []byte) bool {
	if err := s.transport.SetWriteDeadline(time.Now().Add(s.settings.WriteWait)); err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error setting write deadline")
		return false
	}

	w, err := s.transport.NextWriter(websocket.TextMessage)
	if err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error creating writer")
		return false
	}

	written := 0
	if _, err := w.Write(first); err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error writing frame")
		return false
	}
	written++

	n := len(s.send)
	for i := 0; i < n; i++ {
		frame, ok := <-s.send
		if !ok {
			break
		}
		if _, err := w.Write(frame); err != nil {
			s.log.Debug().Err(err).Str("conn", s.id).Msg("Error writing queued frame")
			return false
		}
		written++
	}

	if err := w.Close(); err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error closing writer")
		return false
	}
	s.metrics.FramesSent(written)
	return true
}

// writePing sends a protocol Ping frame followed by a WebSocket ping.
func (s *Session) writePing() bool {
	ping, err := protocol.Encode(protocol.NewPing())
	if err != nil {
		return false
	}
	if err := s.transport.SetWriteDeadline(time.Now().Add(s.settings.WriteWait)); err != nil {
		return false
	}
	if err := s.transport.WriteMessage(websocket.TextMessage, ping); err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error writing ping frame")
		return false
	}
	if err := s.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error writing ping message")
		return false
	}
	return true
}

// writeCloseMessage sends a WebSocket close message to the peer.
func (s *Session) writeCloseMessage() {
	if err := s.transport.SetWriteDeadline(time.Now().Add(s.settings.WriteWait)); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.transport.WriteMessage(websocket.CloseMessage, msg); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Debug().Err(err).Str("conn", s.id).Msg("Error writing close message")
		}
	}
}

// closeTransport closes the underlying connection, ignoring the errors
// expected when the peer already went away.
func (s *Session) closeTransport() {
	if s.transport == nil {
		return
	}
	if err := s.transport.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Str("conn", s.id).Msg("Error closing transport")
	}
}

// isExpectedCloseError reports errors that are normal during connection
// teardown.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
