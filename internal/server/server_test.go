package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAcceptLoopEnforcesMaxClients(t *testing.T) {
	srv, err := New(context.Background(), "127.0.0.1:0", 1, nopDispatcher{}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Shutdown()

	go srv.AcceptLoop()

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial first connection: %v", err)
	}
	defer first.Close()

	deadline := time.After(2 * time.Second)
	for srv.Registry.Count() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the first connection to register")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial second connection: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, readErr := second.Read(buf)
	if readErr != io.EOF {
		t.Fatalf("expected the over-limit connection to be closed (EOF), got %v", readErr)
	}

	if srv.Registry.Count() != 1 {
		t.Fatalf("expected exactly 1 registered client, got %d", srv.Registry.Count())
	}
}
