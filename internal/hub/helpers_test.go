package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// startTestHub serves h over an httptest server and returns its ws:// URL.
func startTestHub(t *testing.T, h *Hub) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := h.Accept(conn, r.RemoteAddr); err != nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestHub(router *Router, settings Settings) *Hub {
	return New(router, WithSettings(settings), WithLogger(zerolog.Nop()))
}

// testPeer is a raw protocol client used to drive the hub from tests.
type testPeer struct {
	t       *testing.T
	conn    *websocket.Conn
	id      string
	pending [][]byte
}

func dialRaw(t *testing.T, url string) *testPeer {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to hub: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testPeer{t: t, conn: conn}
}

// connectPeer dials and completes the handshake.
func connectPeer(t *testing.T, url string) *testPeer {
	t.Helper()

	p := dialRaw(t, url)
	p.send(protocol.NewHandshakeRequest(protocol.TransportWebSockets))

	resp := p.next()
	if resp.Type != protocol.FrameHandshakeResponse || !resp.Accepted() {
		t.Fatalf("Expected accepted handshake, got %+v", resp)
	}
	if resp.ConnectionID == "" {
		t.Fatal("Expected connection id in handshake response")
	}
	p.id = resp.ConnectionID
	return p
}

func (p *testPeer) send(frames ...*protocol.Frame) {
	p.t.Helper()

	var message []byte
	for _, f := range frames {
		data, err := protocol.Encode(f)
		if err != nil {
			p.t.Fatalf("Failed to encode frame: %v", err)
		}
		message = append(message, data...)
	}
	p.sendRaw(message)
}

func (p *testPeer) sendRaw(message []byte) {
	p.t.Helper()

	if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		p.t.Fatalf("Failed to write message: %v", err)
	}
}

func (p *testPeer) invoke(id, target string, args ...any) {
	p.t.Helper()

	f, err := protocol.NewInvocation(id, target, args...)
	if err != nil {
		p.t.Fatalf("Failed to build invocation: %v", err)
	}
	p.send(f)
}

// read returns the next non-ping frame or an error once the deadline passes
// or the connection closes.
func (p *testPeer) read(timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		for len(p.pending) > 0 {
			record := p.pending[0]
			p.pending = p.pending[1:]

			f, err := protocol.Decode(record)
			if err != nil {
				return nil, err
			}
			if f.Type == protocol.FramePing {
				continue
			}
			return f, nil
		}

		_ = p.conn.SetReadDeadline(deadline)
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		p.pending = protocol.Split(message)
	}
}

func (p *testPeer) next() *protocol.Frame {
	p.t.Helper()

	f, err := p.read(2 * time.Second)
	if err != nil {
		p.t.Fatalf("Failed to read frame: %v", err)
	}
	return f
}

// expectSilence fails if a frame arrives within d.
func (p *testPeer) expectSilence(d time.Duration) {
	p.t.Helper()

	if f, err := p.read(d); err == nil {
		p.t.Errorf("Expected no frame, got %+v", f)
	}
}

// expectClosed reads until the connection ends.
func (p *testPeer) expectClosed() {
	p.t.Helper()

	for i := 0; i < 10; i++ {
		if _, err := p.read(2 * time.Second); err != nil {
			return
		}
	}
	p.t.Error("Expected connection to be closed")
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// detachedSession builds a session with no transport whose queue the test
// reads directly.
func detachedSession(reg *Registry, queueSize int) *Session {
	settings := DefaultSettings()
	settings.QueueSize = queueSize
	s := newSession(nil, "test", settings, zerolog.Nop(), nil)
	s.onClose = func(s *Session) { reg.Unregister(s.ID()) }
	reg.Register(s)
	return s
}

// drain returns every frame currently queued on s.
func drain(t *testing.T, s *Session) []*protocol.Frame {
	t.Helper()

	var frames []*protocol.Frame
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return frames
			}
			f, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("Queued frame does not decode: %v", err)
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// counterValue returns the value of the counter series name{label=value}.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
