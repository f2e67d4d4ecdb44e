package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stratumhq/stratad/internal/protocol"
)

// In-memory net.Conn capturing everything a handler writes.
type recordConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *recordConn) Write(p []byte) (int, error) { return c.buf.Write(p) }

// Decodes the single response a handler wrote to the connection.
func decodeResponse[T any](t *testing.T, conn *recordConn) (protocol.Command, *T) {
	t.Helper()

	env, payload, err := protocol.Decode(conn.buf.Bytes())
	if err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	result, err := protocol.DecodePayload[T](payload)
	if err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	return env.Command, result
}

func testServer() *Server {
	return &Server{
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func TestStatusReportsSupervisedService(t *testing.T) {
	s := testServer()
	svc := &service{tag: "api:dev", done: make(chan struct{})}
	s.service = svc
	s.builds = 3

	s.setServiceEndpoint(svc, "stratad-svc-api-dev", 8000)

	conn := &recordConn{}
	s.handleStatus(conn)

	cmd, status := decodeResponse[protocol.StatusResult](t, conn)
	if cmd != protocol.CmdOK {
		t.Fatalf("command = %s, want %s", cmd, protocol.CmdOK)
	}
	if !status.Running {
		t.Error("Running = false, want true")
	}
	if status.Builds != 3 {
		t.Errorf("Builds = %d, want 3", status.Builds)
	}
	if status.Service != "stratad-svc-api-dev" {
		t.Errorf("Service = %q, want %q", status.Service, "stratad-svc-api-dev")
	}
}

func TestStatusConcurrentWithServiceStartup(t *testing.T) {
	s := testServer()
	svc := &service{
		tag:    "api:dev",
		cancel: func() {},
		done:   make(chan struct{}),
	}
	s.service = svc

	// A starting service publishes its endpoint from the supervising
	// goroutine while status requests read it from connection handlers.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.setServiceEndpoint(svc, fmt.Sprintf("stratad-svc-%d", i), 8000+i%10)
		}
	}()

	for i := 0; i < 100; i++ {
		conn := &recordConn{}
		s.handleStatus(conn)

		cmd, _ := decodeResponse[protocol.StatusResult](t, conn)
		if cmd != protocol.CmdOK {
			t.Fatalf("command = %s, want %s", cmd, protocol.CmdOK)
		}
	}

	close(stop)
	wg.Wait()
}

func TestStopServiceWaitsForDrain(t *testing.T) {
	s := testServer()

	ctx, cancel := context.WithCancel(context.Background())
	svc := &service{tag: "api:dev", cancel: cancel, done: make(chan struct{})}
	s.service = svc

	go func() {
		<-ctx.Done()
		svc.code = 7
		close(svc.done)
	}()

	code, ok := s.stopService()
	if !ok {
		t.Fatal("stopService reported no service")
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}

	if _, ok := s.stopService(); ok {
		t.Error("second stopService found a service")
	}
}
