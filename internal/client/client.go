// Package client is a Go client for the gohub wire protocol. It performs the
// handshake, correlates invocation results by id and dispatches server
// invocations to registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/protocol"
)

const writeWait = 10 * time.Second

// Handler receives the arguments of a server invocation. Handlers run on the
// read goroutine in arrival order and must not block on Invoke.
type Handler func(args []json.RawMessage)

type options struct {
	header            http.Header
	handshakeTimeout  time.Duration
	keepAliveInterval time.Duration
	handlers          map[string]Handler
	log               zerolog.Logger
}

// Option configures Dial.
type Option func(*options)

// WithHeader adds headers to the upgrade request.
func WithHeader(header http.Header) Option {
	return func(o *options) {
		for key, values := range header {
			for _, v := range values {
				o.header.Add(key, v)
			}
		}
	}
}

// WithOrigin sets the Origin header checked by the server.
func WithOrigin(origin string) Option {
	return func(o *options) {
		o.header.Set("Origin", origin)
	}
}

// WithHandshakeTimeout bounds the wait for the handshake response.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithKeepAliveInterval sets the period of client Ping frames. It must be
// shorter than the server's client timeout.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *options) {
		o.keepAliveInterval = d
	}
}

// WithHandler registers fn for method before the connection starts reading,
// so invocations sent right after the handshake are not missed.
func WithHandler(method string, fn Handler) Option {
	return func(o *options) {
		o.handlers[method] = fn
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Client is one hub connection.
type Client struct {
	conn *websocket.Conn
	id   string
	log  zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan *protocol.Frame
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub at url and completes the handshake.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		header:            http.Header{},
		handshakeTimeout:  15 * time.Second,
		keepAliveInterval: 15 * time.Second,
		handlers:          make(map[string]Handler),
		log:               zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, o.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		handlers: o.handlers,
		pending:  make(map[string]chan *protocol.Frame),
		done:     make(chan struct{}),
	}

	rest, err := c.handshake(ctx, o.handshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log = o.log.With().Str("component", "client").Str("conn", c.id).Logger()

	go c.readLoop(rest)
	go c.keepAlive(o.keepAliveInterval)
	return c, nil
}

// handshake sends the request and waits for the response. Records that
// arrived with the response are returned for the read loop.
func (c *Client) handshake(ctx context.Context, timeout time.Duration) ([][]byte, error) {
	if err := c.write(protocol.NewHandshakeRequest(protocol.TransportWebSockets)); err != nil {
		return nil, fmt.Errorf("client: send handshake: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("client: handshake: %w", err)
	}

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &HandshakeError{Code: protocol.CodeHandshakeTimeout, Message: "no handshake response"}
		}
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	if !stop() {
		return nil, ctx.Err()
	}

	records := protocol.Split(message)
	if len(records) == 0 {
		return nil, &HandshakeError{Code: protocol.CodeProtocolError, Message: "empty handshake response"}
	}
	f, err := protocol.Decode(records[0])
	if err != nil {
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	if f.Type != protocol.FrameHandshakeResponse {
		return nil, &HandshakeError{Code: protocol.CodeProtocolError, Message: fmt.Sprintf("expected %s, got %s", protocol.FrameHandshakeResponse, f.Type)}
	}
	if !f.Accepted() {
		return nil, &HandshakeError{Code: f.Code, Message: f.Error}
	}

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	c.id = f.ConnectionID
	return records[1:], nil
}

// ConnectionID returns the identity the server assigned in the handshake.
func (c *Client) ConnectionID() string {
	return c.id
}

// On registers fn for server invocations of method, replacing any previous
// handler.
func (c *Client) On(method string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = fn
}

// Invoke calls method on the server and waits for its outcome. A failure
// reported by the server is returned as *InvocationError.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	id := uuid.NewString()
	f, err := protocol.NewInvocation(id, method, args...)
	if err != nil {
		return nil, err
	}

	result := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	if c.err != nil || c.closed() {
		c.mu.Unlock()
		return nil, c.Err()
	}
	c.pending[id] = result
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return nil, err
	}

	select {
	case outcome := <-result:
		if outcome.Type == protocol.FrameInvocationError {
			return nil, &InvocationError{Code: outcome.Code, Message: outcome.Error}
		}
		return outcome.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

// Send invokes method without waiting. The server only answers a
// non-blocking invocation when it fails.
func (c *Client) Send(method string, args ...any) error {
	f, err := protocol.NewInvocation("", method, args...)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Close sends a Close frame and closes the connection.
func (c *Client) Close() error {
	if c.closed() {
		return nil
	}
	_ = c.write(protocol.NewClose("", "", false))

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	c.finish(nil)
	return nil
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended: a *CloseError when the server sent a
// Close frame, the transport error otherwise, ErrClosed after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.closed() {
		return ErrClosed
	}
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// finish ends the connection once, recording err as the reason.
func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) write(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed() {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop(rest [][]byte) {
	if err := c.handleRecords(rest); err != nil {
		c.finish(err)
		return
	}

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return
			}
			c.log.Debug().Err(err).Msg("Read failed")
			c.finish(fmt.Errorf("client: read: %w", err))
			return
		}
		if err := c.handleRecords(protocol.Split(message)); err != nil {
			c.finish(err)
			return
		}
	}
}

// handleRecords processes records in order. It returns a non-nil error when
// the connection must end.
func (c *Client) handleRecords(records [][]byte) error {
	for _, record := range records {
		f, err := protocol.Decode(record)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}

		switch f.Type {
		case protocol.FrameInvocation:
			c.invokeHandler(f)
		case protocol.FrameInvocationResult, protocol.FrameInvocationError:
			c.complete(f)
		case protocol.FramePing:
		case protocol.FrameClose:
			return &CloseError{Code: f.Code, Message: f.Error, AllowReconnect: f.AllowReconnect}
		default:
			c.log.Debug().Str("type", f.Type.String()).Msg("Ignoring unexpected frame")
		}
	}
	return nil
}

func (c *Client) invokeHandler(f *protocol.Frame) {
	c.mu.Lock()
	fn := c.handlers[f.Target]
	c.mu.Unlock()

	if fn == nil {
		c.log.Debug().Str("method", f.Target).Msg("No handler for server invocation")
		return
	}
	fn(f.Arguments)
}

func (c *Client) complete(f *protocol.Frame) {
	c.mu.Lock()
	result, ok := c.pending[f.InvocationID]
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Str("invocation", f.InvocationID).Msg("Outcome for unknown invocation")
		return
	}
	select {
	case result <- f:
	default:
	}
}

func (c *Client) keepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(protocol.NewPing()); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
