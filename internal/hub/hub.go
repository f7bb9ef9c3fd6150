// Package hub implements the real-time core: transport sessions, the
// connection registry, the invocation router and the broadcast dispatcher.
package hub

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/metrics"
	"github.com/Tyrowin/gohub/internal/protocol"
)

const gaugeRefreshInterval = 10 * time.Second

// unknownMethodLabel keeps the invocation metrics bounded when clients call
// names that are not registered.
const unknownMethodLabel = "_unknown"

// errPeerClosed ends the read pump when the client sends a Close frame.
var errPeerClosed = errors.New("hub: peer sent close")

// Hub owns the registry, the group table, the method router and the
// dispatcher, and runs one read pump and one write pump per session.
type Hub struct {
	settings   Settings
	registry   *Registry
	groups     *Groups
	router     *Router
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	done    chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithSettings sets the per-session settings.
func WithSettings(settings Settings) Option {
	return func(h *Hub) {
		h.settings = settings
	}
}

// WithLogger sets the hub logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

// WithMetrics sets the collectors the hub records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// New creates a hub serving the methods registered on router.
func New(router *Router, opts ...Option) *Hub {
	if router == nil {
		router = NewRouter()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		settings: DefaultSettings(),
		registry: NewRegistry(),
		groups:   NewGroups(),
		router:   router,
		log:      zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.settings = h.settings.sanitize()
	h.log = h.log.With().Str("component", "hub").Logger()
	h.dispatcher = NewDispatcher(h.registry, h.groups, h.log, h.metrics)
	return h
}

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Groups returns the group table.
func (h *Hub) Groups() *Groups {
	return h.groups
}

// Dispatcher returns the broadcast dispatcher, for server-initiated pushes.
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Router returns the method table.
func (h *Hub) Router() *Router {
	return h.router
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	return h.registry.Count()
}

// Accept takes ownership of an upgraded transport and serves it until it
// closes. It returns immediately; the handshake runs on its own goroutine.
func (h *Hub) Accept(t Transport, addr string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.wg.Add(1)
	h.mu.Unlock()

	h.router.Freeze()

	go func() {
		defer h.wg.Done()
		h.serve(t, addr)
	}()
	return nil
}

func (h *Hub) serve(t Transport, addr string) {
	s := newSession(t, addr, h.settings, h.log, h.metrics)

	pending, err := h.handshake(s)
	if err != nil {
		h.refuse(s, err)
		return
	}

	s.onClose = h.release
	id := h.registry.Register(s)
	h.metrics.SessionOpened()

	if h.ctx.Err() != nil {
		h.refuse(s, &HandshakeError{Code: protocol.CodeServerShutdown, Reason: "server shutting down"})
		s.Close()
		return
	}
	s.setState(StateConnected)
	if err := s.writeDirect(protocol.AcceptHandshake(id)); err != nil {
		s.log.Debug().Str("conn", s.ID()).Err(err).Msg("Handshake response not delivered")
		s.Close()
		s.closeTransport()
		s.setState(StateClosed)
		return
	}
	s.log.Info().Str("conn", s.ID()).Int("sessions", h.registry.Count()).Msg("Session connected")

	writerDone := make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(writerDone)
		s.writePump()
	}()

	handle := func(f *protocol.Frame) error {
		return h.handleFrame(s, f)
	}
	err = s.handleRecords(pending, handle)
	if err == nil {
		err = s.readPump(handle)
	}
	h.finish(s, err)

	<-writerDone
	s.setState(StateClosed)
	s.log.Debug().Str("conn", s.ID()).Msg("Session closed")
}

// handshake waits for the client's HandshakeRequest and validates it. It
// returns the records that arrived in the same message after the request.
func (h *Hub) handshake(s *Session) ([][]byte, error) {
	// Unblock the read if the hub shuts down mid-handshake.
	stop := context.AfterFunc(h.ctx, func() {
		_ = s.transport.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := s.transport.SetReadDeadline(time.Now().Add(s.settings.HandshakeTimeout)); err != nil {
		return nil, &TransportError{Op: "handshake", Err: err}
	}

	_, message, err := s.transport.ReadMessage()
	if err != nil {
		if h.ctx.Err() != nil {
			return nil, &HandshakeError{Code: protocol.CodeServerShutdown, Reason: "server shutting down"}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &HandshakeError{Code: protocol.CodeHandshakeTimeout, Reason: "no handshake received", Err: err}
		}
		return nil, &TransportError{Op: "handshake", Err: err}
	}

	records := protocol.Split(message)
	if len(records) == 0 {
		return nil, &HandshakeError{Code: protocol.CodeProtocolError, Reason: "empty handshake message"}
	}
	frame, err := protocol.Decode(records[0])
	if err != nil {
		return nil, &HandshakeError{Code: protocol.CodeProtocolError, Reason: "malformed handshake", Err: err}
	}
	h.metrics.FrameReceived(frame.Type.String())

	if code, reason := protocol.CheckHandshake(frame); code != "" {
		return nil, &HandshakeError{Code: code, Reason: reason}
	}
	return records[1:], nil
}

// refuse answers a failed handshake when the transport is still usable and
// closes it.
func (h *Hub) refuse(s *Session, err error) {
	defer func() {
		s.closeTransport()
		s.setState(StateClosed)
	}()

	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		h.metrics.HandshakeFailed("transport")
		s.log.Debug().Str("conn", s.ID()).Err(err).Msg("Connection lost during handshake")
		return
	}

	h.metrics.HandshakeFailed(string(hsErr.Code))
	s.log.Info().Str("conn", s.ID()).Str("code", string(hsErr.Code)).Str("reason", hsErr.Reason).Msg("Handshake rejected")
	if err := s.writeDirect(protocol.RejectHandshake(hsErr.Code, hsErr.Reason)); err != nil {
		s.log.Debug().Str("conn", s.ID()).Err(err).Msg("Handshake rejection not delivered")
	}
}

// release is the session close hook: the session leaves the registry and its
// groups before its queue closes.
func (h *Hub) release(s *Session) {
	if !h.registry.Unregister(s.ID()) {
		return
	}
	h.groups.RemoveSession(s.ID())
	h.metrics.SessionClosed()
	s.log.Info().Str("conn", s.ID()).Int("sessions", h.registry.Count()).Msg("Session unregistered")
}

// finish closes s according to why its read pump ended. Only fatal errors
// are reported to the peer.
func (h *Hub) finish(s *Session, err error) {
	if err == nil || !IsFatal(err) {
		s.Close()
		return
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		s.log.Warn().Str("conn", s.ID()).Err(err).Msg("Protocol violation, closing session")
		s.CloseWithFrame(protocol.CodeProtocolError, protoErr.Reason, false)
		return
	}
	s.log.Debug().Str("conn", s.ID()).Str("code", string(ErrorCode(err))).Err(err).Msg("Session transport failed")
	s.Close()
}

// handleFrame processes one inbound frame on the session's read goroutine.
// A returned error ends the session.
func (h *Hub) handleFrame(s *Session, f *protocol.Frame) error {
	switch f.Type {
	case protocol.FramePing:
		return nil
	case protocol.FrameClose:
		s.log.Debug().Str("conn", s.ID()).Str("code", string(f.Code)).Msg("Client sent close")
		return errPeerClosed
	case protocol.FrameInvocation:
		return h.handleInvocation(s, f)
	default:
		return &ProtocolError{Reason: "unexpected " + f.Type.String() + " frame"}
	}
}

func (h *Hub) handleInvocation(s *Session, f *protocol.Frame) error {
	if !s.admitInvocation() {
		s.log.Warn().Str("conn", s.ID()).Str("method", f.Target).Msg("Rate limit exceeded, rejecting invocation")
		h.metrics.InvocationObserved(h.methodLabel(f.Target), "rate_limited", 0)
		h.reply(s, protocol.NewError(f.InvocationID, protocol.CodeRateLimited, "rate limit exceeded"))
		return nil
	}

	inv, err := h.router.Bind(f, s.ID())
	if err != nil {
		h.metrics.InvocationObserved(h.methodLabel(f.Target), "protocol_error", 0)
		return err
	}

	call := &Call{
		Invocation:  inv,
		Context:     h.ctx,
		Clients:     h.dispatcher,
		Groups:      h.groups,
		Connections: h.registry.IDs(),
	}

	start := time.Now()
	result, err := h.router.Dispatch(call)
	elapsed := time.Since(start)

	if err != nil {
		h.metrics.InvocationObserved(h.methodLabel(inv.Method), string(ErrorCode(err)), elapsed)
		s.log.Debug().Str("conn", s.ID()).Err(err).Str("method", inv.Method).Msg("Invocation failed")
		h.reply(s, protocol.NewError(inv.ID, ErrorCode(err), err.Error()))
		return nil
	}
	h.metrics.InvocationObserved(inv.Method, "ok", elapsed)

	if inv.ID == "" {
		return nil
	}
	frame, err := protocol.NewResult(inv.ID, result)
	if err != nil {
		fault := &ApplicationFault{Method: inv.Method, Err: err}
		h.reply(s, protocol.NewError(inv.ID, protocol.CodeApplicationFault, fault.Error()))
		return nil
	}
	h.reply(s, frame)
	return nil
}

// reply enqueues a completion for the caller. A session that closed while
// the handler ran drops it.
func (h *Hub) reply(s *Session, f *protocol.Frame) {
	if err := s.SendFrame(f); err != nil {
		s.log.Debug().Str("conn", s.ID()).Err(err).Str("type", f.Type.String()).Msg("Reply dropped")
	}
}

func (h *Hub) methodLabel(name string) string {
	if h.router.Has(name) {
		return name
	}
	return unknownMethodLabel
}

// Run freezes the method table and keeps the active sessions gauge in step
// with the registry. It returns when ctx is cancelled or the hub shuts down;
// on return every session is closed with a ServerShutdown frame.
func (h *Hub) Run(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)

	h.router.Freeze()
	h.log.Info().Strs("methods", h.router.Methods()).Msg("Hub running")

	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdownSessions()
			return
		case <-h.ctx.Done():
			h.shutdownSessions()
			return
		case <-ticker.C:
			h.metrics.SetActiveSessions(h.registry.Count())
		}
	}
}

// shutdownSessions tells every registered session the server is going away
// and closes it.
func (h *Hub) shutdownSessions() {
	sessions := h.registry.All()
	for _, s := range sessions {
		s.CloseWithFrame(protocol.CodeServerShutdown, "server shutting down", true)
	}
	if len(sessions) > 0 {
		h.log.Info().Int("sessions", len(sessions)).Msg("Closed sessions for shutdown")
	}
}

// Shutdown stops accepting transports, closes every session and waits for
// their goroutines to finish. It returns context.DeadlineExceeded if they do
// not finish within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("Initiating hub shutdown...")

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.shutdownSessions()

	if h.running.Load() {
		<-h.done
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Dur("timeout", timeout).Msg("Hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
