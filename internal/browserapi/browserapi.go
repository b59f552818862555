// Package browserapi describes the tab and window operations the scheduler
// needs from a live browser session.
package browserapi

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a tab or window no longer exists.
var ErrNotFound = errors.New("browserapi: not found")

// TabID identifies a browser tab (a CDP page target).
type TabID string

// WindowID identifies a browser window.
type WindowID int64

// WindowState mirrors the CDP window states the scheduler uses.
type WindowState string

const (
	WindowStateNormal    WindowState = "normal"
	WindowStateMinimized WindowState = "minimized"
)

// Tab is a snapshot of a tab in the live session.
type Tab struct {
	ID       TabID    `json:"id"`
	WindowID WindowID `json:"window_id"`
	URL      string   `json:"url,omitempty"`
	Active   bool     `json:"active,omitempty"`
}

// Window is a snapshot of a window and its tabs.
type Window struct {
	ID    WindowID    `json:"id"`
	State WindowState `json:"state,omitempty"`
	Tabs  []Tab       `json:"tabs,omitempty"`
}

// CreateWindowOptions configures a new window.
type CreateWindowOptions struct {
	URL       string
	Minimized bool
	Focused   bool
	Width     int
	Height    int
}

// TabUpdate changes a tab. Empty URL leaves the location untouched.
type TabUpdate struct {
	URL    string
	Active bool
}

// WindowUpdate changes a window. Empty State leaves it untouched.
type WindowUpdate struct {
	State   WindowState
	Focused bool
}

// Browser is the tab/window surface of a live browser. Every call may fail
// because the user or the browser closed something.
type Browser interface {
	GetTab(ctx context.Context, id TabID) (Tab, error)
	QueryTabs(ctx context.Context, windowID WindowID) ([]Tab, error)
	CreateTab(ctx context.Context, windowID WindowID, url string, active bool) (Tab, error)
	UpdateTab(ctx context.Context, id TabID, update TabUpdate) (Tab, error)
	RemoveTab(ctx context.Context, id TabID) error

	GetWindow(ctx context.Context, id WindowID) (Window, error)
	CreateWindow(ctx context.Context, opts CreateWindowOptions) (Window, error)
	UpdateWindow(ctx context.Context, id WindowID, update WindowUpdate) error
	RemoveWindow(ctx context.Context, id WindowID) error

	// SendMessage delivers a JSON-serialisable message to the page script
	// running in the tab. It fails while that script is not ready.
	SendMessage(ctx context.Context, id TabID, message any) error
}
