package integration

import (
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/test/testhelpers"
)

func TestBrokerShutdownClosesClients(t *testing.T) {
	wsURL, _ := startTestServer(t, nil)

	alice := testhelpers.ConnectWebSocket(t, wsURL)
	defer alice.Close()
	testhelpers.SendJoin(t, alice, "alice")
	testhelpers.ExpectRoster(t, alice, "alice")

	bob := testhelpers.ConnectWebSocket(t, wsURL)
	defer bob.Close()
	testhelpers.SendJoin(t, bob, "bob")
	testhelpers.ExpectRoster(t, alice, "alice", "bob")
	testhelpers.ExpectRoster(t, bob, "alice", "bob")

	if err := server.ShutdownBroker(5 * time.Second); err != nil {
		t.Fatalf("broker shutdown failed: %v", err)
	}

	testhelpers.ExpectClosed(t, alice, 2*time.Second)
	testhelpers.ExpectClosed(t, bob, 2*time.Second)
}

func TestBrokerShutdownTwice(t *testing.T) {
	startTestServer(t, nil)

	if err := server.ShutdownBroker(time.Second); err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
	if err := server.ShutdownBroker(time.Second); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}
}

func TestHTTPServerGracefulShutdown(t *testing.T) {
	server.SetConfig(nil)
	t.Cleanup(func() { server.SetConfig(nil) })
	server.StartBroker()
	t.Cleanup(func() { _ = server.ShutdownBroker(2 * time.Second) })

	httpServer := server.CreateServer(":0", server.SetupRoutes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()
	time.Sleep(100 * time.Millisecond)

	if err := server.ShutdownServer(httpServer, 5*time.Second); err != nil {
		t.Fatalf("server shutdown failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected ErrServerClosed from StartServer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartServer did not return after shutdown")
	}
}
