package browserapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Browser. It lets tests close tabs and windows behind
// the scheduler's back and inject failures into individual calls.
type Fake struct {
	mu         sync.Mutex
	nextTab    int
	nextWindow WindowID
	windows    map[WindowID]*fakeWindow
	tabs       map[TabID]*Tab
	focused    WindowID

	// Failure switches, keyed by method name (e.g. "RemoveTab").
	fail map[string]int

	// MessageFailures makes the first N SendMessage calls per tab fail.
	MessageFailures int
	msgAttempts     map[TabID]int

	Messages []SentMessage
	Calls    []string
}

type fakeWindow struct {
	state WindowState
	order []TabID
}

// SentMessage records a delivered message.
type SentMessage struct {
	TabID   TabID
	Message any
}

// NewFake returns an empty fake browser.
func NewFake() *Fake {
	return &Fake{
		nextWindow:  100,
		windows:     make(map[WindowID]*fakeWindow),
		tabs:        make(map[TabID]*Tab),
		fail:        make(map[string]int),
		msgAttempts: make(map[TabID]int),
	}
}

// FailNext makes the next n calls of method return an error.
func (f *Fake) FailNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = n
}

func (f *Fake) shouldFail(method string) bool {
	f.Calls = append(f.Calls, method)
	if f.fail[method] > 0 {
		f.fail[method]--
		return true
	}
	return false
}

func (f *Fake) newTabLocked(windowID WindowID, url string) Tab {
	f.nextTab++
	tab := &Tab{ID: TabID(fmt.Sprintf("tab-%d", f.nextTab)), WindowID: windowID, URL: url}
	f.tabs[tab.ID] = tab
	w := f.windows[windowID]
	w.order = append(w.order, tab.ID)
	return *tab
}

func (f *Fake) removeTabLocked(id TabID) {
	tab, ok := f.tabs[id]
	if !ok {
		return
	}
	delete(f.tabs, id)
	w := f.windows[tab.WindowID]
	if w == nil {
		return
	}
	for i, tid := range w.order {
		if tid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	if len(w.order) == 0 {
		delete(f.windows, tab.WindowID)
	}
}

func (f *Fake) GetTab(_ context.Context, id TabID) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("GetTab") {
		return Tab{}, errors.New("fake: get tab failed")
	}
	tab, ok := f.tabs[id]
	if !ok {
		return Tab{}, ErrNotFound
	}
	return *tab, nil
}

func (f *Fake) QueryTabs(_ context.Context, windowID WindowID) ([]Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("QueryTabs") {
		return nil, errors.New("fake: query tabs failed")
	}
	w, ok := f.windows[windowID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Tab, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *f.tabs[id])
	}
	return out, nil
}

func (f *Fake) CreateTab(_ context.Context, windowID WindowID, url string, active bool) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("CreateTab") {
		return Tab{}, errors.New("fake: create tab failed")
	}
	if _, ok := f.windows[windowID]; !ok {
		return Tab{}, ErrNotFound
	}
	tab := f.newTabLocked(windowID, url)
	if active {
		f.activateLocked(tab.ID)
		tab.Active = true
	}
	return tab, nil
}

func (f *Fake) activateLocked(id TabID) {
	tab := f.tabs[id]
	for _, other := range f.tabs {
		if other.WindowID == tab.WindowID {
			other.Active = other.ID == id
		}
	}
}

func (f *Fake) UpdateTab(_ context.Context, id TabID, update TabUpdate) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("UpdateTab") {
		return Tab{}, errors.New("fake: update tab failed")
	}
	tab, ok := f.tabs[id]
	if !ok {
		return Tab{}, ErrNotFound
	}
	if update.URL != "" {
		tab.URL = update.URL
	}
	if update.Active {
		f.activateLocked(id)
	}
	return *tab, nil
}

func (f *Fake) RemoveTab(_ context.Context, id TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("RemoveTab") {
		return errors.New("fake: remove tab failed")
	}
	if _, ok := f.tabs[id]; !ok {
		return ErrNotFound
	}
	f.removeTabLocked(id)
	return nil
}

func (f *Fake) GetWindow(_ context.Context, id WindowID) (Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("GetWindow") {
		return Window{}, errors.New("fake: get window failed")
	}
	w, ok := f.windows[id]
	if !ok {
		return Window{}, ErrNotFound
	}
	out := Window{ID: id, State: w.state}
	for _, tid := range w.order {
		out.Tabs = append(out.Tabs, *f.tabs[tid])
	}
	return out, nil
}

func (f *Fake) CreateWindow(_ context.Context, opts CreateWindowOptions) (Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("CreateWindow") {
		return Window{}, errors.New("fake: create window failed")
	}
	f.nextWindow++
	id := f.nextWindow
	state := WindowStateNormal
	if opts.Minimized {
		state = WindowStateMinimized
	}
	f.windows[id] = &fakeWindow{state: state}
	tab := f.newTabLocked(id, opts.URL)
	f.activateLocked(tab.ID)
	return Window{ID: id, State: state, Tabs: []Tab{*f.tabs[tab.ID]}}, nil
}

func (f *Fake) UpdateWindow(_ context.Context, id WindowID, update WindowUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("UpdateWindow") {
		return errors.New("fake: update window failed")
	}
	w, ok := f.windows[id]
	if !ok {
		return ErrNotFound
	}
	if update.State != "" {
		w.state = update.State
	}
	if update.Focused {
		f.focused = id
	}
	return nil
}

func (f *Fake) RemoveWindow(_ context.Context, id WindowID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("RemoveWindow") {
		return errors.New("fake: remove window failed")
	}
	w, ok := f.windows[id]
	if !ok {
		return ErrNotFound
	}
	for _, tid := range append([]TabID(nil), w.order...) {
		delete(f.tabs, tid)
	}
	delete(f.windows, id)
	return nil
}

func (f *Fake) SendMessage(_ context.Context, id TabID, message any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail("SendMessage") {
		return errors.New("fake: send message failed")
	}
	if _, ok := f.tabs[id]; !ok {
		return ErrNotFound
	}
	f.msgAttempts[id]++
	if f.msgAttempts[id] <= f.MessageFailures {
		return errors.New("fake: receiver not ready")
	}
	f.Messages = append(f.Messages, SentMessage{TabID: id, Message: message})
	return nil
}

// CloseTab removes a tab as if the user closed it.
func (f *Fake) CloseTab(id TabID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeTabLocked(id)
}

// CloseWindow removes a window and its tabs as if the user closed it.
func (f *Fake) CloseWindow(id WindowID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[id]; ok {
		for _, tid := range w.order {
			delete(f.tabs, tid)
		}
		delete(f.windows, id)
	}
}

// MoveTab reattaches a tab to another existing window.
func (f *Fake) MoveTab(id TabID, windowID WindowID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.tabs[id]
	if !ok {
		return
	}
	if _, ok := f.windows[windowID]; !ok {
		return
	}
	f.removeTabLocked(id)
	tab.WindowID = windowID
	f.tabs[id] = tab
	f.windows[windowID].order = append(f.windows[windowID].order, id)
}

// WindowIDs lists open windows in ascending order.
func (f *Fake) WindowIDs() []WindowID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]WindowID, 0, len(f.windows))
	for id := range f.windows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasTab reports whether the tab is still open.
func (f *Fake) HasTab(id TabID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tabs[id]
	return ok
}

// TabURL returns the tab's current location.
func (f *Fake) TabURL(id TabID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab, ok := f.tabs[id]; ok {
		return tab.URL
	}
	return ""
}

// MessageCount returns the number of delivered messages.
func (f *Fake) MessageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Messages)
}

// WindowState returns the state of an open window.
func (f *Fake) WindowState(id WindowID) WindowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[id]; ok {
		return w.state
	}
	return ""
}

// FocusedWindow returns the window most recently focused through UpdateWindow.
func (f *Fake) FocusedWindow() WindowID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}
