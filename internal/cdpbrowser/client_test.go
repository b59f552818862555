package cdpbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/lead_agent/internal/browserapi"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeTarget struct {
	id       string
	url      string
	windowID int64
}

// fakeDevTools answers the browser-level Target and Browser commands the
// client issues, over a real websocket.
type fakeDevTools struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	targets []fakeTarget
	states  map[int64]string
	methods []string
	nextID  int
}

func newFakeDevTools(t *testing.T) *fakeDevTools {
	t.Helper()
	f := &fakeDevTools{t: t, states: map[int64]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/browser/fake"
		json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDevTools) addTarget(id, url string, windowID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, fakeTarget{id: id, url: url, windowID: windowID})
	if _, ok := f.states[windowID]; !ok {
		f.states[windowID] = "normal"
	}
}

func (f *fakeDevTools) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeDevTools) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			f.t.Errorf("bad request: %v", err)
			return
		}
		result, perr := f.handle(req.Method, req.Params)
		resp := map[string]any{"id": req.ID}
		if perr != "" {
			resp["error"] = map[string]any{"code": -32000, "message": perr}
		} else {
			resp["result"] = result
		}
		out, _ := json.Marshal(resp)
		if err := wsutil.WriteServerText(conn, out); err != nil {
			return
		}
	}
}

func (f *fakeDevTools) find(id string) (int, bool) {
	for i, tgt := range f.targets {
		if tgt.id == id {
			return i, true
		}
	}
	return -1, false
}

func (f *fakeDevTools) handle(method string, raw json.RawMessage) (any, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)

	var p struct {
		TargetID  string `json:"targetId"`
		WindowID  int64  `json:"windowId"`
		URL       string `json:"url"`
		NewWindow bool   `json:"newWindow"`
		Bounds    struct {
			WindowState string `json:"windowState"`
		} `json:"bounds"`
	}
	if len(raw) > 0 {
		json.Unmarshal(raw, &p)
	}

	info := func(tgt fakeTarget) map[string]any {
		return map[string]any{"targetId": tgt.id, "type": "page", "title": "", "url": tgt.url, "attached": false, "canAccessOpener": false}
	}

	switch method {
	case "Target.getTargets":
		infos := []map[string]any{{"targetId": "sw-1", "type": "service_worker", "title": "", "url": "", "attached": false, "canAccessOpener": false}}
		for _, tgt := range f.targets {
			infos = append(infos, info(tgt))
		}
		return map[string]any{"targetInfos": infos}, ""
	case "Target.getTargetInfo":
		i, ok := f.find(p.TargetID)
		if !ok {
			return nil, "No target with given id found"
		}
		return map[string]any{"targetInfo": info(f.targets[i])}, ""
	case "Browser.getWindowForTarget":
		i, ok := f.find(p.TargetID)
		if !ok {
			return nil, "No target with given id found"
		}
		wid := f.targets[i].windowID
		return map[string]any{"windowId": wid, "bounds": map[string]any{"windowState": f.states[wid]}}, ""
	case "Browser.getWindowBounds":
		state, ok := f.states[p.WindowID]
		if !ok {
			return nil, "Browser window not found"
		}
		return map[string]any{"bounds": map[string]any{"windowState": state}}, ""
	case "Browser.setWindowBounds":
		if _, ok := f.states[p.WindowID]; !ok {
			return nil, "Browser window not found"
		}
		f.states[p.WindowID] = p.Bounds.WindowState
		return map[string]any{}, ""
	case "Target.createTarget":
		f.nextID++
		id := "new-" + string(rune('0'+f.nextID))
		wid := int64(1)
		if p.NewWindow {
			wid = int64(100 + f.nextID)
		}
		f.targets = append(f.targets, fakeTarget{id: id, url: p.URL, windowID: wid})
		if _, ok := f.states[wid]; !ok {
			f.states[wid] = "normal"
		}
		return map[string]any{"targetId": id}, ""
	case "Target.closeTarget":
		i, ok := f.find(p.TargetID)
		if !ok {
			return nil, "No target with given id found"
		}
		wid := f.targets[i].windowID
		f.targets = append(f.targets[:i], f.targets[i+1:]...)
		for _, tgt := range f.targets {
			if tgt.windowID == wid {
				return map[string]any{"success": true}, ""
			}
		}
		delete(f.states, wid)
		return map[string]any{"success": true}, ""
	case "Target.activateTarget":
		if _, ok := f.find(p.TargetID); !ok {
			return nil, "No target with given id found"
		}
		return map[string]any{}, ""
	}
	return nil, "'" + method + "' wasn't found"
}

func connectFake(t *testing.T, f *fakeDevTools) (*Client, context.Context) {
	t.Helper()
	c := NewClient(f.srv.URL, 2*time.Second)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, ctx
}

func TestQueryTabsFiltersByWindow(t *testing.T) {
	f := newFakeDevTools(t)
	f.addTarget("a", "https://quote.example.com/a", 1)
	f.addTarget("b", "https://quote.example.com/b", 2)
	f.addTarget("c", "https://quote.example.com/c", 1)
	c, ctx := connectFake(t, f)

	tabs, err := c.QueryTabs(ctx, 1)
	if err != nil {
		t.Fatalf("QueryTabs() = %v", err)
	}
	if len(tabs) != 2 || tabs[0].ID != "a" || tabs[1].ID != "c" {
		t.Fatalf("QueryTabs(1) = %+v; want tabs a and c", tabs)
	}

	all, err := c.QueryTabs(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("QueryTabs(0) = %d tabs, %v; want 3 pages", len(all), err)
	}
}

func TestGetTabMissingIsNotFound(t *testing.T) {
	f := newFakeDevTools(t)
	c, ctx := connectFake(t, f)

	_, err := c.GetTab(ctx, "gone")
	if !errors.Is(err, browserapi.ErrNotFound) {
		t.Fatalf("GetTab() = %v; want ErrNotFound", err)
	}
	if _, err := c.GetWindow(ctx, 42); !errors.Is(err, browserapi.ErrNotFound) {
		t.Fatalf("GetWindow() = %v; want ErrNotFound", err)
	}
}

func TestCreateWindowMinimized(t *testing.T) {
	f := newFakeDevTools(t)
	c, ctx := connectFake(t, f)

	w, err := c.CreateWindow(ctx, browserapi.CreateWindowOptions{URL: "https://quote.example.com/x", Minimized: true, Width: 1000, Height: 800})
	if err != nil {
		t.Fatalf("CreateWindow() = %v", err)
	}
	if w.State != browserapi.WindowStateMinimized || len(w.Tabs) != 1 {
		t.Fatalf("CreateWindow() = %+v; want one minimized tab", w)
	}

	got, err := c.GetWindow(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWindow() = %v", err)
	}
	if got.State != browserapi.WindowStateMinimized || len(got.Tabs) != 1 || got.Tabs[0].ID != w.Tabs[0].ID {
		t.Fatalf("GetWindow() = %+v", got)
	}
}

func TestRemoveWindowClosesEveryTab(t *testing.T) {
	f := newFakeDevTools(t)
	f.addTarget("a", "about:blank", 7)
	f.addTarget("b", "about:blank", 7)
	f.addTarget("keep", "about:blank", 8)
	c, ctx := connectFake(t, f)

	if err := c.RemoveWindow(ctx, 7); err != nil {
		t.Fatalf("RemoveWindow() = %v", err)
	}
	if _, err := c.GetWindow(ctx, 7); !errors.Is(err, browserapi.ErrNotFound) {
		t.Fatalf("GetWindow() after remove = %v; want ErrNotFound", err)
	}
	tabs, _ := c.QueryTabs(ctx, 0)
	if len(tabs) != 1 || tabs[0].ID != "keep" {
		t.Fatalf("remaining tabs = %+v", tabs)
	}
}

func TestUpdateWindowState(t *testing.T) {
	f := newFakeDevTools(t)
	f.addTarget("a", "about:blank", 3)
	c, ctx := connectFake(t, f)

	if err := c.UpdateWindow(ctx, 3, browserapi.WindowUpdate{State: browserapi.WindowStateMinimized}); err != nil {
		t.Fatalf("UpdateWindow() = %v", err)
	}
	if w, _ := c.GetWindow(ctx, 3); w.State != browserapi.WindowStateMinimized {
		t.Fatalf("state = %q; want minimized", w.State)
	}
	if err := c.UpdateWindow(ctx, 3, browserapi.WindowUpdate{State: browserapi.WindowStateNormal, Focused: true}); err != nil {
		t.Fatalf("UpdateWindow(normal) = %v", err)
	}
	calls := f.calls()
	if calls[len(calls)-1] != "Target.activateTarget" {
		t.Fatalf("last call = %q; want activateTarget", calls[len(calls)-1])
	}
}

func TestClassifyNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&protocolError{Method: "Target.closeTarget", Message: "No target with given id found"}, true},
		{&protocolError{Method: "Browser.getWindowBounds", Message: "Browser window not found"}, true},
		{&protocolError{Method: "Target.createTarget", Message: "Failed to open new tab"}, false},
		{errors.New("rawcdp: connection closed"), false},
	}
	for _, tt := range tests {
		if got := errors.Is(classify(tt.err), browserapi.ErrNotFound); got != tt.want {
			t.Fatalf("classify(%v) not found = %v; want %v", tt.err, got, tt.want)
		}
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) != nil")
	}
}

func TestDecodeResponse(t *testing.T) {
	var out struct {
		TargetID string `json:"targetId"`
	}
	if err := decodeResponse("Target.createTarget", json.RawMessage(`{"id":1,"result":{"targetId":"T1"}}`), &out); err != nil || out.TargetID != "T1" {
		t.Fatalf("decodeResponse() = %v, %+v", err, out)
	}

	err := decodeResponse("Target.closeTarget", json.RawMessage(`{"id":2,"error":{"code":-32000,"message":"No target with given id found"}}`), nil)
	var perr *protocolError
	if !errors.As(err, &perr) || perr.Code != -32000 {
		t.Fatalf("decodeResponse() = %v; want protocol error", err)
	}
}

func TestBuildReceiveScript(t *testing.T) {
	js, err := buildReceiveScript(map[string]any{"action": "LEADS_UPDATED", "data": map[string]any{"groupId": `g"1`}})
	if err != nil {
		t.Fatalf("buildReceiveScript() = %v", err)
	}
	if !strings.Contains(js, `r.receive({"action":"LEADS_UPDATED","data":{"groupId":"g\"1"}})`) {
		t.Fatalf("buildReceiveScript() = %s", js)
	}
	if _, err := buildReceiveScript(make(chan int)); err == nil {
		t.Fatalf("buildReceiveScript(chan) = nil error")
	}
}

// fakePage models one tab's document. A load takes loadDelay; the new
// document installs its receiver once loaded, and the old one keeps its
// receiver until then.
type fakePage struct {
	loadDelay time.Duration

	mu        sync.Mutex
	url       string
	receiver  bool
	delivered []string
	closed    bool
}

func (p *fakePage) load(url string) {
	time.Sleep(p.loadDelay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url, p.receiver = url, true
}

func (p *fakePage) navigate(ctx context.Context, url string) error {
	p.load(url)
	return nil
}

func (p *fakePage) evaluate(ctx context.Context, js string, out any) error {
	if i := strings.Index(js, "location.assign("); i >= 0 {
		var url string
		json.Unmarshal([]byte(strings.TrimSuffix(js[i+len("location.assign("):], ")")), &url)
		go p.load(url)
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := strings.Contains(js, "__leadAgent") && p.receiver
	if ok {
		p.delivered = append(p.delivered, p.url)
	}
	if b, isBool := out.(*bool); isBool {
		*b = ok
	}
	return nil
}

func (p *fakePage) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePage) deliveries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.delivered...)
}

func TestUpdateTabWaitsForLoadBeforeMessages(t *testing.T) {
	f := newFakeDevTools(t)
	f.addTarget("a", "https://quote.example.com/old", 1)
	c, ctx := connectFake(t, f)

	pg := &fakePage{loadDelay: 30 * time.Millisecond, url: "https://quote.example.com/old", receiver: true}
	attached := 0
	c.attach = func(id target.ID) (page, error) {
		attached++
		return pg, nil
	}

	next := "https://quote.example.com/swisslife?groupId=g1"
	tab, err := c.UpdateTab(ctx, "a", browserapi.TabUpdate{URL: next})
	if err != nil {
		t.Fatalf("UpdateTab() = %v", err)
	}
	if tab.URL != next {
		t.Fatalf("UpdateTab() URL = %q; want %q", tab.URL, next)
	}
	if err := c.SendMessage(ctx, "a", map[string]any{"action": "LEADS_UPDATED"}); err != nil {
		t.Fatalf("SendMessage() = %v", err)
	}
	if got := pg.deliveries(); len(got) != 1 || got[0] != next {
		t.Fatalf("deliveries = %v; want one to %s", got, next)
	}
	if attached != 1 {
		t.Fatalf("attached = %d; want the page reused", attached)
	}
}

func TestSendMessageReceiverNotReady(t *testing.T) {
	f := newFakeDevTools(t)
	f.addTarget("a", "about:blank", 1)
	c, ctx := connectFake(t, f)
	pg := &fakePage{url: "about:blank"}
	c.attach = func(id target.ID) (page, error) { return pg, nil }

	err := c.SendMessage(ctx, "a", map[string]any{"action": "LEADS_UPDATED"})
	if err == nil || !strings.Contains(err.Error(), "page receiver not ready") {
		t.Fatalf("SendMessage() = %v; want receiver not ready", err)
	}
	if err := c.SendMessage(ctx, "gone", nil); !errors.Is(err, browserapi.ErrNotFound) {
		t.Fatalf("SendMessage(gone) = %v; want ErrNotFound", err)
	}
}

func TestRemoveTabClosesPage(t *testing.T) {
	f := newFakeDevTools(t)
	f.addTarget("a", "about:blank", 1)
	f.addTarget("b", "about:blank", 1)
	c, ctx := connectFake(t, f)
	pg := &fakePage{receiver: true}
	c.attach = func(id target.ID) (page, error) { return pg, nil }

	if err := c.SendMessage(ctx, "a", "hi"); err != nil {
		t.Fatalf("SendMessage() = %v", err)
	}
	if err := c.RemoveTab(ctx, "a"); err != nil {
		t.Fatalf("RemoveTab() = %v", err)
	}
	pg.mu.Lock()
	closed := pg.closed
	pg.mu.Unlock()
	if !closed {
		t.Fatalf("page not closed after RemoveTab")
	}
}
