// Package cdpbrowser implements browserapi.Browser over the Chrome DevTools
// Protocol. Window and tab bookkeeping goes through a browser-level websocket
// (Target and Browser domains); page work such as navigation and message
// delivery runs in per-target chromedp contexts.
package cdpbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/lead_agent/internal/browserapi"
)

// notFoundHints are substrings of protocol errors the browser returns for
// targets or windows that no longer exist.
var notFoundHints = []string{
	"no target with given id",
	"no window with given id",
	"browser window not found",
	"target not found",
	"no such target",
}

// receiveScript hands a message to the page-side receiver. It evaluates to
// false while the receiver has not been installed yet.
const receiveScript = `(() => {
	const r = window.__leadAgent;
	if (!r || typeof r.receive !== "function") return false;
	r.receive(%s);
	return true;
})()`

// page runs work inside one tab's document.
type page interface {
	// navigate loads url and returns once the new document has loaded.
	navigate(ctx context.Context, url string) error
	evaluate(ctx context.Context, js string, out any) error
	close()
}

// chromedpPage is a page attached through its own chromedp context.
type chromedpPage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromedpPage) navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromedpPage) evaluate(ctx context.Context, js string, out any) error {
	return p.run(ctx, chromedp.Evaluate(js, out))
}

func (p *chromedpPage) close() {
	p.cancel()
}

// Client is a browserapi.Browser backed by a running Chromium.
type Client struct {
	cdpURL  string
	timeout time.Duration
	cdp     *rawCDP

	allocCtx    context.Context
	allocCancel context.CancelFunc

	attach func(id target.ID) (page, error)

	pagesMu sync.Mutex
	pages   map[target.ID]page
}

var _ browserapi.Browser = (*Client)(nil)

// NewClient returns a client for the CDP HTTP endpoint (e.g.
// http://127.0.0.1:9220). Connect must be called before use.
func NewClient(cdpURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		cdpURL:  cdpURL,
		timeout: timeout,
		cdp:     newRawCDP(cdpURL),
		pages:   make(map[target.ID]page),
	}
	c.attach = c.attachChromedp
	return c
}

// Connect opens the browser-level websocket and prepares the chromedp
// allocator used for page contexts.
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("connecting to chromium", "url", c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)

	infos, err := c.pageTargets(ctx)
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}
	slog.Info("connected to chromium", "pages", len(infos))
	return nil
}

// Close drops every page context and the browser connection. Tabs and
// windows stay open.
func (c *Client) Close() error {
	c.pagesMu.Lock()
	for id, pg := range c.pages {
		pg.close()
		delete(c.pages, id)
	}
	c.pagesMu.Unlock()

	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.cdp.close()
	slog.Info("cdp client closed")
	return nil
}

// ensureConnected redials the browser websocket after it dropped.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.cdp.connected() {
		return nil
	}
	return c.cdp.connect(ctx)
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	return classify(c.cdp.call(ctx, method, params, out))
}

// classify maps protocol errors for vanished targets and windows onto
// browserapi.ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perr *protocolError
	if errors.As(err, &perr) {
		msg := strings.ToLower(perr.Message)
		for _, hint := range notFoundHints {
			if strings.Contains(msg, hint) {
				return fmt.Errorf("%w: %v", browserapi.ErrNotFound, err)
			}
		}
	}
	return err
}

func (c *Client) pageTargets(ctx context.Context) ([]*target.Info, error) {
	var res target.GetTargetsReturns
	if err := c.call(ctx, target.CommandGetTargets, target.GetTargets(), &res); err != nil {
		return nil, err
	}
	pages := make([]*target.Info, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if info != nil && info.Type == "page" {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

func (c *Client) windowForTarget(ctx context.Context, id target.ID) (browser.WindowID, *browser.Bounds, error) {
	var res browser.GetWindowForTargetReturns
	if err := c.call(ctx, browser.CommandGetWindowForTarget, browser.GetWindowForTarget().WithTargetID(id), &res); err != nil {
		return 0, nil, err
	}
	return res.WindowID, res.Bounds, nil
}

func (c *Client) windowBounds(ctx context.Context, id browserapi.WindowID) (*browser.Bounds, error) {
	var res browser.GetWindowBoundsReturns
	if err := c.call(ctx, browser.CommandGetWindowBounds, browser.GetWindowBounds(browser.WindowID(id)), &res); err != nil {
		return nil, err
	}
	if res.Bounds == nil {
		return &browser.Bounds{}, nil
	}
	return res.Bounds, nil
}

func (c *Client) setWindowState(ctx context.Context, id browserapi.WindowID, state browser.WindowState) error {
	params := browser.SetWindowBounds(browser.WindowID(id), &browser.Bounds{WindowState: state})
	return c.call(ctx, browser.CommandSetWindowBounds, params, nil)
}

func (c *Client) activate(ctx context.Context, id target.ID) error {
	return c.call(ctx, target.CommandActivateTarget, target.ActivateTarget(id), nil)
}

func (c *Client) createTarget(ctx context.Context, params *target.CreateTargetParams) (target.ID, error) {
	var res target.CreateTargetReturns
	if err := c.call(ctx, target.CommandCreateTarget, params, &res); err != nil {
		return "", err
	}
	return res.TargetID, nil
}

func toTab(info *target.Info, windowID browser.WindowID) browserapi.Tab {
	return browserapi.Tab{
		ID:       browserapi.TabID(info.TargetID),
		WindowID: browserapi.WindowID(windowID),
		URL:      info.URL,
	}
}

func toState(bounds *browser.Bounds) browserapi.WindowState {
	if bounds != nil && bounds.WindowState == browser.WindowStateMinimized {
		return browserapi.WindowStateMinimized
	}
	return browserapi.WindowStateNormal
}

func (c *Client) GetTab(ctx context.Context, id browserapi.TabID) (browserapi.Tab, error) {
	var res target.GetTargetInfoReturns
	if err := c.call(ctx, target.CommandGetTargetInfo, target.GetTargetInfo().WithTargetID(target.ID(id)), &res); err != nil {
		return browserapi.Tab{}, err
	}
	if res.TargetInfo == nil || res.TargetInfo.Type != "page" {
		return browserapi.Tab{}, fmt.Errorf("%w: %s is not a page", browserapi.ErrNotFound, id)
	}
	windowID, _, err := c.windowForTarget(ctx, res.TargetInfo.TargetID)
	if err != nil {
		return browserapi.Tab{}, err
	}
	return toTab(res.TargetInfo, windowID), nil
}

// QueryTabs lists the page targets of a window in the browser's target
// order. A zero windowID lists every page.
func (c *Client) QueryTabs(ctx context.Context, windowID browserapi.WindowID) ([]browserapi.Tab, error) {
	infos, err := c.pageTargets(ctx)
	if err != nil {
		return nil, err
	}
	tabs := make([]browserapi.Tab, 0, len(infos))
	for _, info := range infos {
		wid, _, err := c.windowForTarget(ctx, info.TargetID)
		if errors.Is(err, browserapi.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if windowID != 0 && browserapi.WindowID(wid) != windowID {
			continue
		}
		tabs = append(tabs, toTab(info, wid))
	}
	return tabs, nil
}

// CreateTab opens a tab in the given window. CDP has no window parameter for
// new targets, so a tab of that window is activated first and the new target
// opens next to it. A minimized window is minimized again afterwards.
func (c *Client) CreateTab(ctx context.Context, windowID browserapi.WindowID, url string, active bool) (browserapi.Tab, error) {
	if url == "" {
		url = "about:blank"
	}
	var minimized bool
	if windowID != 0 {
		bounds, err := c.windowBounds(ctx, windowID)
		if err != nil {
			return browserapi.Tab{}, err
		}
		minimized = toState(bounds) == browserapi.WindowStateMinimized
		existing, err := c.QueryTabs(ctx, windowID)
		if err != nil {
			return browserapi.Tab{}, err
		}
		if len(existing) > 0 {
			if err := c.activate(ctx, target.ID(existing[len(existing)-1].ID)); err != nil {
				return browserapi.Tab{}, err
			}
		}
	}

	id, err := c.createTarget(ctx, target.CreateTarget(url).WithBackground(!active))
	if err != nil {
		return browserapi.Tab{}, err
	}
	wid, _, err := c.windowForTarget(ctx, id)
	if err != nil {
		return browserapi.Tab{}, err
	}
	if windowID != 0 && browserapi.WindowID(wid) != windowID {
		slog.Warn("new tab opened outside the requested window",
			"tab_id", id, "window_id", windowID, "actual_window_id", wid)
	}
	if minimized {
		if err := c.setWindowState(ctx, windowID, browser.WindowStateMinimized); err != nil {
			slog.Debug("re-minimize window failed", "window_id", windowID, "error", err)
		}
	}
	return browserapi.Tab{ID: browserapi.TabID(id), WindowID: browserapi.WindowID(wid), URL: url, Active: active}, nil
}

// UpdateTab navigates and/or activates a tab. Navigation returns after the
// new document has loaded, so a following SendMessage reaches it.
func (c *Client) UpdateTab(ctx context.Context, id browserapi.TabID, update browserapi.TabUpdate) (browserapi.Tab, error) {
	if update.URL != "" {
		err := c.runInTab(ctx, id, func(pg page) error {
			return pg.navigate(ctx, update.URL)
		})
		if err != nil {
			return browserapi.Tab{}, err
		}
	}
	if update.Active {
		if err := c.activate(ctx, target.ID(id)); err != nil {
			return browserapi.Tab{}, err
		}
	}
	tab, err := c.GetTab(ctx, id)
	if err != nil {
		return browserapi.Tab{}, err
	}
	if update.URL != "" {
		tab.URL = update.URL
	}
	tab.Active = update.Active
	return tab, nil
}

func (c *Client) RemoveTab(ctx context.Context, id browserapi.TabID) error {
	c.dropPage(target.ID(id))
	return c.call(ctx, target.CommandCloseTarget, target.CloseTarget(target.ID(id)), nil)
}

func (c *Client) GetWindow(ctx context.Context, id browserapi.WindowID) (browserapi.Window, error) {
	bounds, err := c.windowBounds(ctx, id)
	if err != nil {
		return browserapi.Window{}, err
	}
	tabs, err := c.QueryTabs(ctx, id)
	if err != nil {
		return browserapi.Window{}, err
	}
	return browserapi.Window{ID: id, State: toState(bounds), Tabs: tabs}, nil
}

// CreateWindow opens a new window holding a single tab.
func (c *Client) CreateWindow(ctx context.Context, opts browserapi.CreateWindowOptions) (browserapi.Window, error) {
	url := opts.URL
	if url == "" {
		url = "about:blank"
	}
	params := target.CreateTarget(url).WithNewWindow(true).WithBackground(!opts.Focused)
	if opts.Width > 0 && opts.Height > 0 {
		params = params.WithWidth(int64(opts.Width)).WithHeight(int64(opts.Height))
	}
	id, err := c.createTarget(ctx, params)
	if err != nil {
		return browserapi.Window{}, err
	}
	wid, _, err := c.windowForTarget(ctx, id)
	if err != nil {
		return browserapi.Window{}, err
	}
	windowID := browserapi.WindowID(wid)

	state := browserapi.WindowStateNormal
	if opts.Minimized {
		if err := c.setWindowState(ctx, windowID, browser.WindowStateMinimized); err != nil {
			slog.Warn("minimize new window failed", "window_id", windowID, "error", err)
		} else {
			state = browserapi.WindowStateMinimized
		}
	} else if opts.Focused {
		if err := c.activate(ctx, id); err != nil {
			slog.Debug("focus new window failed", "window_id", windowID, "error", err)
		}
	}

	tab := browserapi.Tab{ID: browserapi.TabID(id), WindowID: windowID, URL: url, Active: true}
	slog.Debug("window created", "window_id", windowID, "tab_id", id, "state", state)
	return browserapi.Window{ID: windowID, State: state, Tabs: []browserapi.Tab{tab}}, nil
}

func (c *Client) UpdateWindow(ctx context.Context, id browserapi.WindowID, update browserapi.WindowUpdate) error {
	if update.State != "" {
		state := browser.WindowStateNormal
		if update.State == browserapi.WindowStateMinimized {
			state = browser.WindowStateMinimized
		}
		if err := c.setWindowState(ctx, id, state); err != nil {
			return err
		}
	}
	if update.Focused {
		tabs, err := c.QueryTabs(ctx, id)
		if err != nil {
			return err
		}
		if len(tabs) == 0 {
			return fmt.Errorf("%w: window %d has no tabs", browserapi.ErrNotFound, id)
		}
		return c.activate(ctx, target.ID(tabs[0].ID))
	}
	return nil
}

// RemoveWindow closes every tab of the window, which closes the window.
func (c *Client) RemoveWindow(ctx context.Context, id browserapi.WindowID) error {
	if _, err := c.windowBounds(ctx, id); err != nil {
		return err
	}
	tabs, err := c.QueryTabs(ctx, id)
	if err != nil {
		return err
	}
	var firstErr error
	for _, tab := range tabs {
		if err := c.RemoveTab(ctx, tab.ID); err != nil && !errors.Is(err, browserapi.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendMessage hands the JSON encoding of message to the page receiver.
func (c *Client) SendMessage(ctx context.Context, id browserapi.TabID, message any) error {
	js, err := buildReceiveScript(message)
	if err != nil {
		return err
	}
	var delivered bool
	err = c.runInTab(ctx, id, func(pg page) error {
		return pg.evaluate(ctx, js, &delivered)
	})
	if err != nil {
		return err
	}
	if !delivered {
		return fmt.Errorf("tab %s: page receiver not ready", id)
	}
	return nil
}

func buildReceiveScript(message any) (string, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return fmt.Sprintf(receiveScript, payload), nil
}

func (c *Client) attachChromedp(id target.ID) (page, error) {
	if c.allocCtx == nil {
		return nil, fmt.Errorf("cdpbrowser: not connected")
	}
	ctx, cancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(id))
	// The first Run attaches to the target; it must not carry a deadline or
	// the attachment dies with it.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("attach to tab %s: %w", id, err)
	}
	return &chromedpPage{ctx: ctx, cancel: cancel, timeout: c.timeout}, nil
}

func (c *Client) pageFor(id target.ID) (page, error) {
	c.pagesMu.Lock()
	defer c.pagesMu.Unlock()
	if pg, ok := c.pages[id]; ok {
		return pg, nil
	}
	pg, err := c.attach(id)
	if err != nil {
		return nil, err
	}
	c.pages[id] = pg
	return pg, nil
}

func (c *Client) dropPage(id target.ID) {
	c.pagesMu.Lock()
	pg, ok := c.pages[id]
	delete(c.pages, id)
	c.pagesMu.Unlock()
	if ok {
		pg.close()
	}
}

// runInTab runs fn against an existing tab's page. A failure drops the
// cached page; a vanished tab is reported as ErrNotFound.
func (c *Client) runInTab(ctx context.Context, id browserapi.TabID, fn func(page) error) error {
	if _, err := c.GetTab(ctx, id); err != nil {
		return err
	}
	pg, err := c.pageFor(target.ID(id))
	if err != nil {
		return err
	}
	if err := fn(pg); err != nil {
		c.dropPage(target.ID(id))
		if _, gerr := c.GetTab(ctx, id); errors.Is(gerr, browserapi.ErrNotFound) {
			return gerr
		}
		return fmt.Errorf("tab %s: %w", id, err)
	}
	return nil
}
