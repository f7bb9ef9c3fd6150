package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gohub/internal/chat"
	"github.com/Tyrowin/gohub/internal/client"
	"github.com/Tyrowin/gohub/internal/protocol"
	"github.com/Tyrowin/gohub/test/testhelpers"
)

func verifyClientsDisconnected(t *testing.T, clients []*client.Client) {
	t.Helper()

	for i, c := range clients {
		select {
		case <-c.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("Client %d was not disconnected", i)
		}

		var closeErr *client.CloseError
		if !errors.As(c.Err(), &closeErr) {
			t.Errorf("Client %d: expected a Close frame, got %v", i, c.Err())
			continue
		}
		if closeErr.Code != protocol.CodeServerShutdown || !closeErr.AllowReconnect {
			t.Errorf("Client %d: unexpected close reason %+v", i, closeErr)
		}
	}
}

func TestGracefulShutdownWithClients(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	clients := make([]*client.Client, 5)
	for i := range clients {
		clients[i] = testhelpers.Connect(t, ts.HubURL())
	}
	testhelpers.WaitFor(t, 2*time.Second, func() bool { return ts.Hub.SessionCount() == len(clients) }, "clients registered")

	start := time.Now()
	if err := ts.Hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}

	verifyClientsDisconnected(t, clients)
	if n := ts.Hub.SessionCount(); n != 0 {
		t.Errorf("Expected an empty registry after shutdown, got %d", n)
	}
}

func TestShutdownWithActiveMessages(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	sender := testhelpers.Connect(t, ts.HubURL())
	receiver := testhelpers.Connect(t, ts.HubURL())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := sender.Send(chat.MethodSendMessage, "sender", "load"); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if err := ts.Hub.Shutdown(5 * time.Second); err != nil {
		t.Errorf("Shutdown under load failed: %v", err)
	}
	close(stop)
	wg.Wait()

	verifyClientsDisconnected(t, []*client.Client{receiver})
}

func TestConnectionsRefusedAfterShutdown(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	if err := ts.Hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Dial(ctx, ts.HubURL(), client.WithOrigin(testhelpers.TestOrigin)); err == nil {
		t.Fatal("Expected dial to fail after shutdown")
	}
}

func TestConcurrentShutdown(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	testhelpers.Connect(t, ts.HubURL())

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ts.Hub.Shutdown(3 * time.Second)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent shutdown failed: %v", err)
		}
	}
}

func TestNoClientsShutdown(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	start := time.Now()
	if err := ts.Hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Shutdown without clients took %v", elapsed)
	}
}
