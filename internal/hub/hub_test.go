package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gohub/internal/protocol"
)

// newChatRouter registers the methods the scenarios below rely on.
func newChatRouter(t *testing.T) *Router {
	t.Helper()

	r := NewRouter()
	r.MustRegister("SendMessage", func(call *Call) (any, error) {
		return nil, call.Clients.BroadcastAll("ReceiveMessage", call.StringArg(0), call.StringArg(1))
	}, String, String)
	r.MustRegister("Echo", func(call *Call) (any, error) {
		return call.StringArg(0), nil
	}, String)
	r.MustRegister("Fail", func(*Call) (any, error) {
		return nil, errors.New("boom")
	})
	r.MustRegister("Panic", func(*Call) (any, error) {
		panic("handler exploded")
	})
	r.MustRegister("Whoami", func(call *Call) (any, error) {
		return call.Caller, nil
	})
	return r
}

func assertReceiveMessage(t *testing.T, f *protocol.Frame, user, message string) {
	t.Helper()

	if f.Type != protocol.FrameInvocation || f.Target != "ReceiveMessage" {
		t.Fatalf("Expected ReceiveMessage invocation, got %+v", f)
	}
	if len(f.Arguments) != 2 {
		t.Fatalf("Expected 2 arguments, got %d", len(f.Arguments))
	}
	var gotUser, gotMessage string
	if err := json.Unmarshal(f.Arguments[0], &gotUser); err != nil {
		t.Fatalf("Failed to decode user: %v", err)
	}
	if err := json.Unmarshal(f.Arguments[1], &gotMessage); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	if gotUser != user || gotMessage != message {
		t.Errorf("Expected ReceiveMessage(%q, %q), got ReceiveMessage(%q, %q)", user, message, gotUser, gotMessage)
	}
}

func TestHandshakeAccepted(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	p := connectPeer(t, url)

	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 1 }, "Expected one registered session")
	s, err := h.Registry().Lookup(p.id)
	if err != nil {
		t.Fatalf("Expected session %s to be registered: %v", p.id, err)
	}
	if s.State() != StateConnected {
		t.Errorf("Expected state Connected, got %s", s.State())
	}

	p.invoke("1", "Whoami")
	resp := p.next()
	var id string
	if err := json.Unmarshal(resp.Result, &id); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if id != p.id {
		t.Errorf("Expected caller %q, got %q", p.id, id)
	}
}

func TestHandshakeRejected(t *testing.T) {
	tests := []struct {
		name     string
		message  []byte
		wantCode protocol.ErrorCode
	}{
		{
			name:     "newer protocol version",
			message:  []byte(`{"type":1,"protocol":"json","version":2}` + "\x1e"),
			wantCode: protocol.CodeVersionMismatch,
		},
		{
			name:     "unsupported encoding",
			message:  []byte(`{"type":1,"protocol":"msgpack","version":1}` + "\x1e"),
			wantCode: protocol.CodeUnsupportedProtocol,
		},
		{
			name:     "invocation before handshake",
			message:  []byte(`{"type":3,"target":"SendMessage","arguments":["a","b"]}` + "\x1e"),
			wantCode: protocol.CodeProtocolError,
		},
		{
			name:     "malformed json",
			message:  []byte("{not json\x1e"),
			wantCode: protocol.CodeProtocolError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(newChatRouter(t), DefaultSettings())
			url := startTestHub(t, h)

			p := dialRaw(t, url)
			p.sendRaw(tt.message)

			resp := p.next()
			if resp.Type != protocol.FrameHandshakeResponse {
				t.Fatalf("Expected handshake response, got %s", resp.Type)
			}
			if resp.Accepted() {
				t.Fatal("Expected handshake to be rejected")
			}
			if resp.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, resp.Code)
			}
			if resp.ConnectionID != "" {
				t.Errorf("Expected no connection id on rejection, got %q", resp.ConnectionID)
			}

			p.expectClosed()
			if h.SessionCount() != 0 {
				t.Errorf("Expected no registered sessions, got %d", h.SessionCount())
			}
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	settings := DefaultSettings()
	settings.HandshakeTimeout = 100 * time.Millisecond
	h := newTestHub(newChatRouter(t), settings)
	url := startTestHub(t, h)

	p := dialRaw(t, url)

	resp := p.next()
	if resp.Accepted() {
		t.Fatal("Expected handshake to fail")
	}
	if resp.Code != protocol.CodeHandshakeTimeout {
		t.Errorf("Expected code %s, got %s", protocol.CodeHandshakeTimeout, resp.Code)
	}
	p.expectClosed()
}

func TestHandshakeWithTrailingRecords(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	p := dialRaw(t, url)
	echo, err := protocol.NewInvocation("7", "Echo", "early")
	if err != nil {
		t.Fatal(err)
	}
	p.send(protocol.NewHandshakeRequest(protocol.TransportWebSockets), echo)

	if resp := p.next(); !resp.Accepted() {
		t.Fatalf("Expected accepted handshake first, got %+v", resp)
	}
	result := p.next()
	if result.Type != protocol.FrameInvocationResult || result.InvocationID != "7" {
		t.Fatalf("Expected result for invocation 7, got %+v", result)
	}
	if string(result.Result) != `"early"` {
		t.Errorf("Expected result %q, got %s", `"early"`, result.Result)
	}
}

func TestSendMessageReachesEverySession(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	alice := connectPeer(t, url)
	bob := connectPeer(t, url)
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 2 }, "Expected two registered sessions")

	alice.invoke("", "SendMessage", "alice", "hi")

	assertReceiveMessage(t, alice.next(), "alice", "hi")
	assertReceiveMessage(t, bob.next(), "alice", "hi")

	if err := alice.conn.Close(); err != nil {
		t.Fatalf("Failed to close alice: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 1 }, "Expected alice to be unregistered")

	bob.invoke("", "SendMessage", "bob", "still here")
	assertReceiveMessage(t, bob.next(), "bob", "still here")
}

func TestUnknownMethodReportsToCallerOnly(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	a := connectPeer(t, url)
	b := connectPeer(t, url)
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 2 }, "Expected two registered sessions")

	a.invoke("1", "Foo")

	resp := a.next()
	if resp.Type != protocol.FrameInvocationError {
		t.Fatalf("Expected invocation error, got %s", resp.Type)
	}
	if resp.Code != protocol.CodeMethodNotFound {
		t.Errorf("Expected code %s, got %s", protocol.CodeMethodNotFound, resp.Code)
	}
	if resp.InvocationID != "1" {
		t.Errorf("Expected invocation id 1, got %q", resp.InvocationID)
	}

	// The caller survives.
	a.invoke("2", "Echo", "ok")
	if resp := a.next(); resp.Type != protocol.FrameInvocationResult || resp.InvocationID != "2" {
		t.Errorf("Expected result for invocation 2, got %+v", resp)
	}

	b.expectSilence(200 * time.Millisecond)
}

func TestMalformedFrameClosesOnlyOriginator(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	bad := connectPeer(t, url)
	good := connectPeer(t, url)
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 2 }, "Expected two registered sessions")

	bad.sendRaw([]byte("{definitely not a frame\x1e"))

	closeFrame := bad.next()
	if closeFrame.Type != protocol.FrameClose {
		t.Fatalf("Expected close frame, got %s", closeFrame.Type)
	}
	if closeFrame.Code != protocol.CodeProtocolError {
		t.Errorf("Expected code %s, got %s", protocol.CodeProtocolError, closeFrame.Code)
	}
	if closeFrame.AllowReconnect {
		t.Error("Expected protocol errors to disallow reconnect")
	}
	bad.expectClosed()

	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 1 }, "Expected only the offending session to be removed")

	if err := h.Dispatcher().BroadcastAll("ReceiveMessage", "server", "after"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	assertReceiveMessage(t, good.next(), "server", "after")
}

func TestArgumentMismatchIsFatal(t *testing.T) {
	tests := []struct {
		name string
		args []any
	}{
		{name: "too few arguments", args: []any{"alice"}},
		{name: "too many arguments", args: []any{"alice", "hi", "extra"}},
		{name: "wrong kind", args: []any{"alice", 42}},
		{name: "null argument", args: []any{"alice", nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(newChatRouter(t), DefaultSettings())
			url := startTestHub(t, h)

			p := connectPeer(t, url)
			p.invoke("1", "SendMessage", tt.args...)

			resp := p.next()
			if resp.Type != protocol.FrameClose || resp.Code != protocol.CodeProtocolError {
				t.Fatalf("Expected ProtocolError close, got %+v", resp)
			}
			p.expectClosed()
			eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 0 }, "Expected session to be removed")
		})
	}
}

func TestNonBlockingInvocationHasNoReply(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	p := connectPeer(t, url)
	p.invoke("", "Echo", "ignored")
	p.invoke("2", "Echo", "answered")

	resp := p.next()
	if resp.Type != protocol.FrameInvocationResult || resp.InvocationID != "2" {
		t.Fatalf("Expected the blocking result first, got %+v", resp)
	}

	// A non-blocking failure is still reported.
	p.invoke("", "Fail")
	resp = p.next()
	if resp.Type != protocol.FrameInvocationError || resp.Code != protocol.CodeApplicationFault {
		t.Errorf("Expected ApplicationFault, got %+v", resp)
	}
	if resp.InvocationID != "" {
		t.Errorf("Expected no invocation id, got %q", resp.InvocationID)
	}
}

func TestHandlerFaultsKeepSession(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	p := connectPeer(t, url)

	for i, method := range []string{"Fail", "Panic"} {
		id := string(rune('a' + i))
		p.invoke(id, method)

		resp := p.next()
		if resp.Type != protocol.FrameInvocationError {
			t.Fatalf("%s: expected invocation error, got %s", method, resp.Type)
		}
		if resp.Code != protocol.CodeApplicationFault {
			t.Errorf("%s: expected code %s, got %s", method, protocol.CodeApplicationFault, resp.Code)
		}
		if resp.InvocationID != id {
			t.Errorf("%s: expected invocation id %q, got %q", method, id, resp.InvocationID)
		}
	}

	p.invoke("z", "Echo", "alive")
	if resp := p.next(); resp.Type != protocol.FrameInvocationResult {
		t.Errorf("Expected session to survive handler faults, got %+v", resp)
	}
	if h.SessionCount() != 1 {
		t.Errorf("Expected session to stay registered, got %d sessions", h.SessionCount())
	}
}

func TestRateLimitedInvocation(t *testing.T) {
	settings := DefaultSettings()
	settings.RateLimit = RateLimit{Burst: 1, RefillInterval: time.Hour}
	h := newTestHub(newChatRouter(t), settings)
	url := startTestHub(t, h)

	p := connectPeer(t, url)
	p.invoke("1", "Echo", "first")
	p.invoke("2", "Echo", "second")

	if resp := p.next(); resp.Type != protocol.FrameInvocationResult || resp.InvocationID != "1" {
		t.Fatalf("Expected result for the first invocation, got %+v", resp)
	}
	resp := p.next()
	if resp.Type != protocol.FrameInvocationError || resp.Code != protocol.CodeRateLimited {
		t.Fatalf("Expected RateLimited error, got %+v", resp)
	}
	if resp.InvocationID != "2" {
		t.Errorf("Expected invocation id 2, got %q", resp.InvocationID)
	}
	if h.SessionCount() != 1 {
		t.Errorf("Expected rate limited session to stay registered")
	}
}

func TestPingFramesKeepSessionAlive(t *testing.T) {
	settings := DefaultSettings()
	settings.ClientTimeout = 300 * time.Millisecond
	settings.KeepAliveInterval = time.Hour
	h := newTestHub(newChatRouter(t), settings)
	url := startTestHub(t, h)

	p := connectPeer(t, url)
	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		p.send(protocol.NewPing())
	}
	if h.SessionCount() != 1 {
		t.Fatalf("Expected pinging session to stay registered")
	}
}

func TestStaleSessionClosed(t *testing.T) {
	settings := DefaultSettings()
	settings.ClientTimeout = 150 * time.Millisecond
	settings.KeepAliveInterval = time.Hour
	h := newTestHub(newChatRouter(t), settings)
	url := startTestHub(t, h)

	connectPeer(t, url)
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 1 }, "Expected session to register")
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 0 }, "Expected silent session to be closed as stale")
}

func TestServerSendsKeepAlivePings(t *testing.T) {
	settings := DefaultSettings()
	settings.KeepAliveInterval = 50 * time.Millisecond
	h := newTestHub(newChatRouter(t), settings)
	url := startTestHub(t, h)

	p := connectPeer(t, url)
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := p.conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read keep-alive: %v", err)
	}
	f, err := protocol.Decode(message)
	if err != nil {
		t.Fatalf("Failed to decode keep-alive: %v", err)
	}
	if f.Type != protocol.FramePing {
		t.Errorf("Expected Ping frame, got %s", f.Type)
	}
}

func TestClientCloseFrameEndsSession(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	p := connectPeer(t, url)
	p.send(protocol.NewClose("", "", false))

	p.expectClosed()
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 0 }, "Expected session to be removed")
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newTestHub(newChatRouter(t), DefaultSettings())
	url := startTestHub(t, h)

	p := connectPeer(t, url)
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 1 }, "Expected session to register")

	if err := h.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	resp := p.next()
	if resp.Type != protocol.FrameClose || resp.Code != protocol.CodeServerShutdown {
		t.Fatalf("Expected ServerShutdown close, got %+v", resp)
	}
	if !resp.AllowReconnect {
		t.Error("Expected shutdown close to allow reconnect")
	}
	p.expectClosed()

	if err := h.Accept(nil, "late"); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Expected ErrHubClosed after shutdown, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newChatRouter(t)
	h := newTestHub(r, DefaultSettings())
	url := startTestHub(t, h)

	p := connectPeer(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	eventually(t, 2*time.Second, func() bool {
		return errors.Is(r.Register("Late", func(*Call) (any, error) { return nil, nil }), ErrRouterFrozen)
	}, "Expected router to be frozen once the hub runs")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if resp := p.next(); resp.Type != protocol.FrameClose {
		t.Errorf("Expected close frame after Run stopped, got %+v", resp)
	}
}

func TestOversizedMessageIsProtocolError(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxMessageSize = 512
	h := newTestHub(newChatRouter(t), settings)
	url := startTestHub(t, h)

	p := connectPeer(t, url)
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	p.invoke("1", "Echo", string(big))

	// The read limit tears the connection down; gorilla may or may not let
	// the close frame through first.
	for {
		f, err := p.read(2 * time.Second)
		if err != nil {
			break
		}
		if f.Type != protocol.FrameClose {
			t.Fatalf("Expected only a close frame, got %+v", f)
		}
	}
	eventually(t, 2*time.Second, func() bool { return h.SessionCount() == 0 }, "Expected oversized sender to be removed")
}

var _ Transport = (*websocket.Conn)(nil)
