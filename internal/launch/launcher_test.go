package launch

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestDeclaredPort(t *testing.T) {
	tests := []struct {
		name    string
		exposed map[string]struct{}
		want    int
	}{
		{
			name:    "tcp port",
			exposed: map[string]struct{}{"8000/tcp": {}},
			want:    8000,
		},
		{
			name:    "bare port",
			exposed: map[string]struct{}{"8000": {}},
			want:    8000,
		},
		{
			name:    "udp ignored",
			exposed: map[string]struct{}{"53/udp": {}},
			want:    0,
		},
		{
			name:    "none declared",
			exposed: nil,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := declaredPort(tt.exposed); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"0.0.0.0", 8000, "127.0.0.1:8000"},
		{"::", 8000, "127.0.0.1:8000"},
		{"", 8000, "127.0.0.1:8000"},
		{"10.0.0.5", 9000, "10.0.0.5:9000"},
	}

	for _, tt := range tests {
		if got := probeAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("probeAddr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestServiceID(t *testing.T) {
	tests := []struct {
		tag  string
		want string
	}{
		{"myapp:latest", "stratad-svc-myapp-latest"},
		{"registry.example.com/Team/App:v1.2", "stratad-svc-registry-example-com-team-app-v1-2"},
	}

	for _, tt := range tests {
		if got := serviceID(tt.tag); got != tt.want {
			t.Errorf("serviceID(%q) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

// A scripted task standing in for a containerd-backed one.
type fakeTask struct {
	done chan struct{}
	code int

	// Invoked on every Signal call, after recording it. May be nil.
	onSignal func(sig syscall.Signal)

	mu      sync.Mutex
	signals []syscall.Signal
}

func newFakeTask(code int) *fakeTask {
	return &fakeTask{done: make(chan struct{}), code: code}
}

func (t *fakeTask) Pid() uint32             { return 42 }
func (t *fakeTask) Exited() <-chan struct{} { return t.done }
func (t *fakeTask) exit()                   { close(t.done) }

func (t *fakeTask) Delete(context.Context) (int, error) { return t.code, nil }

func (t *fakeTask) Signal(_ context.Context, sig syscall.Signal) error {
	t.mu.Lock()
	t.signals = append(t.signals, sig)
	t.mu.Unlock()
	if t.onSignal != nil {
		t.onSignal(sig)
	}
	return nil
}

func (t *fakeTask) sent() []syscall.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]syscall.Signal(nil), t.signals...)
}

// Builds a launcher pointed at addr with tight probe and grace windows.
func testLauncher(t *testing.T, addr string, probe, grace time.Duration) *launcher {
	t.Helper()

	l, err := newLauncher(nil, Options{Tag: "myapp:latest", ProbeTimeout: probe, Grace: grace})
	if err != nil {
		t.Fatal(err)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	l.host = host
	l.port = port
	return l
}

func TestAwaitReadySucceedsAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	l := testLauncher(t, ln.Addr().String(), 5*time.Second, time.Second)
	if err := l.awaitReady(context.Background(), newFakeTask(0)); err != nil {
		t.Fatalf("awaitReady: %v", err)
	}
}

func TestAwaitReadyTimesOut(t *testing.T) {
	// Grab a port and close it so nothing ever accepts there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	l := testLauncher(t, addr, 50*time.Millisecond, time.Second)
	err = l.awaitReady(context.Background(), newFakeTask(0))
	if !errors.Is(err, ErrStartup) {
		t.Fatalf("error = %v, want ErrStartup", err)
	}
	if !strings.Contains(err.Error(), "not accepting connections") {
		t.Errorf("error %q does not mention the probe window", err)
	}
}

func TestAwaitReadyReportsEarlyExit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	task := newFakeTask(3)
	task.exit()

	l := testLauncher(t, addr, 5*time.Second, time.Second)
	err = l.awaitReady(context.Background(), task)
	if !errors.Is(err, ErrStartup) {
		t.Fatalf("error = %v, want ErrStartup", err)
	}
	if !strings.Contains(err.Error(), "exited with code 3") {
		t.Errorf("error %q does not carry the exit code", err)
	}
}

func TestStopTaskDrainsOnSigterm(t *testing.T) {
	task := newFakeTask(0)
	task.onSignal = func(sig syscall.Signal) {
		if sig == syscall.SIGTERM {
			task.exit()
		}
	}

	l := testLauncher(t, "127.0.0.1:8000", time.Second, 5*time.Second)
	if code := l.stopTask(context.Background(), task); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	if got := task.sent(); len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want [SIGTERM]", got)
	}
}

func TestStopTaskEscalatesToSigkill(t *testing.T) {
	// The task sits on SIGTERM and only dies when killed.
	task := newFakeTask(137)
	task.onSignal = func(sig syscall.Signal) {
		if sig == syscall.SIGKILL {
			task.exit()
		}
	}

	l := testLauncher(t, "127.0.0.1:8000", time.Second, 20*time.Millisecond)
	if code := l.stopTask(context.Background(), task); code != 137 {
		t.Errorf("exit code = %d, want 137", code)
	}

	want := []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}
	got := task.sent()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("signals = %v, want %v", got, want)
	}
}

func TestLauncherDefaults(t *testing.T) {
	l, err := newLauncher(nil, Options{Tag: "myapp:latest"})
	if err != nil {
		t.Fatal(err)
	}

	if l.host != defaultHost {
		t.Errorf("host = %q, want %q", l.host, defaultHost)
	}
	if l.grace != defaultGrace {
		t.Errorf("grace = %s, want %s", l.grace, defaultGrace)
	}
	if l.probe != defaultProbeTimeout {
		t.Errorf("probe = %s, want %s", l.probe, defaultProbeTimeout)
	}
}

func TestLauncherRequiresTag(t *testing.T) {
	if _, err := newLauncher(nil, Options{}); err == nil {
		t.Error("expected error for empty tag")
	}
}
