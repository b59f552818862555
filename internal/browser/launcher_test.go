package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/config"
)

func TestFromConfigUsesWindowGeometry(t *testing.T) {
	cfg := &config.Config{
		CDPAddress:   "127.0.0.1",
		CDPPort:      9333,
		WindowWidth:  1200,
		WindowHeight: 900,
		ProfileDir:   "/tmp/profile",
	}
	l := NewLauncher(FromConfig(cfg))
	args := l.args()

	for _, want := range []string{
		"--remote-debugging-port=9333",
		"--window-size=1200,900",
		"--user-data-dir=/tmp/profile",
		"--disable-background-timer-throttling",
		"--disable-crash-reporter",
	} {
		if !slices.Contains(args, want) {
			t.Fatalf("args() = %v; missing %q", args, want)
		}
	}
	if got := args[len(args)-1]; got != "about:blank" {
		t.Fatalf("start url = %q; want about:blank", got)
	}
}

func TestArgsWithCrashReporter(t *testing.T) {
	l := NewLauncher(Config{CDPPort: 9220, EnableCrashReporter: true, CrashDumpDir: "/tmp/crash"})
	args := l.args()
	if !slices.Contains(args, "--crash-dumps-dir=/tmp/crash") || slices.Contains(args, "--disable-crash-reporter") {
		t.Fatalf("args() = %v", args)
	}
}

func serverPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

func TestWaitForCDPRetriesUntilReady(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"webSocketDebuggerUrl":"ws://x"}`))
	}))
	defer srv.Close()

	host, port := serverPort(t, srv)
	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ReadyTimeout: 5 * time.Second})
	if err := l.waitForCDP(context.Background()); err != nil {
		t.Fatalf("waitForCDP() = %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d; want 3", hits.Load())
	}
}

func TestWaitForCDPGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := serverPort(t, srv)
	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ReadyTimeout: 600 * time.Millisecond})
	if err := l.waitForCDP(context.Background()); err == nil {
		t.Fatal("waitForCDP() = nil; want timeout error")
	}
}
