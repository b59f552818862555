package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
)

// FocusCycler activates the tabs of a visible window round-robin so that
// background tabs are not throttled. Failures are ignored.
type FocusCycler struct {
	browser browserapi.Browser

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	window browserapi.WindowID
}

func NewFocusCycler(b browserapi.Browser) *FocusCycler {
	return &FocusCycler{browser: b}
}

// Start cycles windowID every interval, replacing any running cycle.
func (f *FocusCycler) Start(windowID browserapi.WindowID, interval time.Duration) {
	if interval <= 0 {
		return
	}
	f.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.mu.Lock()
	f.cancel, f.done, f.window = cancel, done, windowID
	f.mu.Unlock()

	slog.Debug("scheduler focus cycler started", "window_id", windowID, "interval", interval)
	go f.loop(ctx, done, windowID, interval)
}

func (f *FocusCycler) loop(ctx context.Context, done chan struct{}, windowID browserapi.WindowID, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tabs := safeQueryTabs(ctx, f.browser, windowID)
		if len(tabs) == 0 {
			continue
		}
		next %= len(tabs)
		safeUpdateTab(ctx, f.browser, tabs[next].ID, browserapi.TabUpdate{Active: true})
		next++
	}
}

// Stop halts the cycle and waits for it to exit.
func (f *FocusCycler) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Debug("scheduler focus cycler stopped")
}

// Running reports whether a cycle is active.
func (f *FocusCycler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// Window returns the window being cycled, or 0.
func (f *FocusCycler) Window() browserapi.WindowID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel == nil {
		return 0
	}
	return f.window
}
