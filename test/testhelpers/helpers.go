// Package testhelpers provides common utilities and helper functions for testing the gohub server.
//
// It starts a complete server (chat methods, hub, HTTP routes) on an httptest listener and
// offers raw WebSocket and protocol helpers for tests that talk to it from the outside.
package testhelpers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/chat"
	"github.com/Tyrowin/gohub/internal/client"
	"github.com/Tyrowin/gohub/internal/config"
	"github.com/Tyrowin/gohub/internal/hub"
	"github.com/Tyrowin/gohub/internal/metrics"
	"github.com/Tyrowin/gohub/internal/protocol"
	"github.com/Tyrowin/gohub/internal/server"
)

// TestOrigin is the origin every helper sends and the default config allows.
const TestOrigin = "http://localhost:8080"

// TestServer is a running gohub server.
type TestServer struct {
	*httptest.Server

	Hub      *hub.Hub
	Room     *chat.Room
	Registry *prometheus.Registry
	Config   config.Config
	cancel   context.CancelFunc
}

// HubURL returns the WebSocket URL of the hub endpoint.
func (s *TestServer) HubURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/hub"
}

// Stop cancels the hub and closes the listener.
func (s *TestServer) Stop(t *testing.T) {
	t.Helper()
	s.cancel()
	if err := s.Hub.Shutdown(2 * time.Second); err != nil {
		t.Errorf("Hub shutdown failed: %v", err)
	}
	s.Close()
}

// StartServer runs a server built from cfg. customize may adjust the
// configuration before it is sanitized; it may be nil.
func StartServer(t *testing.T, customize func(cfg *config.Config)) *TestServer {
	t.Helper()

	cfg := config.Default()
	if customize != nil {
		customize(&cfg)
	}
	cfg = cfg.Sanitize()

	reg := prometheus.NewRegistry()
	room := chat.NewRoom(zerolog.Nop())
	router := hub.NewRouter()
	if err := chat.Register(router, room); err != nil {
		t.Fatalf("Failed to register chat methods: %v", err)
	}

	h := hub.New(router,
		hub.WithSettings(cfg.HubSettings()),
		hub.WithLogger(zerolog.Nop()),
		hub.WithMetrics(metrics.New(metrics.WithRegistry(reg))),
	)
	srv := server.New(h, cfg, server.WithGatherer(reg))

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	ts := &TestServer{
		Server:   httptest.NewServer(srv.Routes()),
		Hub:      h,
		Room:     room,
		Registry: reg,
		Config:   cfg,
		cancel:   cancel,
	}
	t.Cleanup(func() { ts.Stop(t) })
	return ts
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	httpClient := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket opens a raw WebSocket connection with the given origin.
// An empty origin sends no Origin header. The upgrade response is returned
// so callers can inspect a refusal.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Connect dials url with a protocol client, failing the test on error.
func Connect(t *testing.T, url string, opts ...client.Option) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts = append([]client.Option{client.WithOrigin(TestOrigin)}, opts...)
	c, err := client.Dial(ctx, url, opts...)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// WriteFrames encodes frames into one transport message and sends it.
func WriteFrames(conn *websocket.Conn, frames ...*protocol.Frame) error {
	var message []byte
	for _, f := range frames {
		data, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		message = append(message, data...)
	}
	return conn.WriteMessage(websocket.TextMessage, message)
}

// ReadFrames reads one transport message and decodes its records.
func ReadFrames(conn *websocket.Conn, timeout time.Duration) ([]*protocol.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frames []*protocol.Frame
	for _, record := range protocol.Split(message) {
		f, err := protocol.Decode(record)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Handshake sends the handshake request on a raw connection and returns the
// server's response frame.
func Handshake(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()

	if err := WriteFrames(conn, protocol.NewHandshakeRequest(protocol.TransportWebSockets)); err != nil {
		t.Fatalf("Failed to send handshake: %v", err)
	}
	frames, err := ReadFrames(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to read handshake response: %v", err)
	}
	return frames[0]
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out: %s", msg)
}
