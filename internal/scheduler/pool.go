package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
	"github.com/dgnsrekt/lead_agent/internal/kvstore"
)

// TabPool owns the automation window and its bounded set of tabs.
type TabPool struct {
	store    kvstore.Store
	browser  browserapi.Browser
	settings Settings
	now      func() time.Time
}

func NewTabPool(store kvstore.Store, b browserapi.Browser, s Settings) *TabPool {
	return &TabPool{store: store, browser: b, settings: s, now: time.Now}
}

// Get returns the stored pool, or nil when none exists.
func (p *TabPool) Get(ctx context.Context) (*Pool, error) {
	var pool Pool
	found, err := kvstore.GetJSON(ctx, p.store, KeyPoolState, &pool)
	if err != nil {
		return nil, storageError("read pool", err)
	}
	if !found {
		return nil, nil
	}
	return &pool, nil
}

func (p *TabPool) Set(ctx context.Context, pool *Pool) error {
	return storageError("write pool", kvstore.SetJSON(ctx, p.store, KeyPoolState, pool))
}

func (p *TabPool) clear(ctx context.Context) error {
	return storageError("remove pool", p.store.Remove(ctx, KeyPoolState))
}

// Validate checks pool against the live session. It returns nil and drops the
// stored pool when the window is gone. Tabs that vanished or moved to another
// window are pruned; the pool is written back only if something changed.
func (p *TabPool) Validate(ctx context.Context, pool *Pool) (*Pool, error) {
	if pool == nil {
		return nil, nil
	}
	if safeGetWindow(ctx, p.browser, pool.WindowID) == nil {
		slog.Info("scheduler pool window gone", "window_id", pool.WindowID)
		return nil, p.clear(ctx)
	}

	kept := make([]PoolTab, 0, len(pool.Tabs))
	for _, t := range pool.Tabs {
		live := safeGetTab(ctx, p.browser, t.TabID)
		if live == nil || live.WindowID != pool.WindowID {
			slog.Info("scheduler pruned pool tab", "tab_id", t.TabID, "window_id", pool.WindowID)
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == len(pool.Tabs) {
		return pool, nil
	}
	out := *pool
	out.Tabs = kept
	if err := p.Set(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Current returns the stored pool after validation.
func (p *TabPool) Current(ctx context.Context) (*Pool, error) {
	pool, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Validate(ctx, pool)
}

// EnsureWindow returns the valid pool or opens a new window seeded with its
// initial tab as the only slot. A reused window is brought to the state the
// run asks for: minimized, or restored and focused.
func (p *TabPool) EnsureWindow(ctx context.Context, initialURL string, opts RunOptions) (*Pool, error) {
	pool, err := p.Current(ctx)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		update := browserapi.WindowUpdate{State: browserapi.WindowStateMinimized}
		if !opts.MinimizeWindow {
			update = browserapi.WindowUpdate{State: browserapi.WindowStateNormal, Focused: true}
		}
		safeUpdateWindow(ctx, p.browser, pool.WindowID, update)
		return pool, nil
	}

	if initialURL == "" {
		initialURL = "about:blank"
	}
	w := safeCreateWindow(ctx, p.browser, browserapi.CreateWindowOptions{
		URL:       initialURL,
		Minimized: opts.MinimizeWindow,
		Focused:   !opts.MinimizeWindow,
		Width:     p.settings.WindowWidth,
		Height:    p.settings.WindowHeight,
	})
	if w == nil {
		return nil, newError(CodeBrowserUnavailable, "could not open automation window", nil)
	}

	tabs := w.Tabs
	if len(tabs) == 0 {
		tabs = safeQueryTabs(ctx, p.browser, w.ID)
	}
	pool = &Pool{WindowID: w.ID, Capacity: 1, Tabs: []PoolTab{}}
	if len(tabs) > 0 {
		pool.Tabs = append(pool.Tabs, PoolTab{TabID: tabs[0].ID, Status: TabIdle, CreatedAt: p.now()})
	}
	if err := p.Set(ctx, pool); err != nil {
		return nil, err
	}
	slog.Info("scheduler opened pool window", "window_id", w.ID, "minimized", opts.MinimizeWindow)
	return pool, nil
}

// EnsureCapacity clamps target into the configured bounds and trims excess
// tabs, idle ones first, never below one. Missing tabs are created on demand
// by the caller.
func (p *TabPool) EnsureCapacity(ctx context.Context, target int, opts RunOptions) (*Pool, error) {
	capacity := clamp(target, p.settings.MinParallelTabs, p.settings.MaxParallelTabs)
	if capacity < 1 {
		capacity = 1
	}
	pool, err := p.EnsureWindow(ctx, "", opts)
	if err != nil {
		return nil, err
	}

	excess := len(pool.Tabs) - capacity
	if excess > 0 {
		drop := make(map[int]bool, excess)
		for pass := 0; pass < 2 && len(drop) < excess; pass++ {
			for i := len(pool.Tabs) - 1; i >= 0 && len(drop) < excess; i-- {
				idle := pool.Tabs[i].Assigned == nil
				if drop[i] || (pass == 0 && !idle) {
					continue
				}
				drop[i] = true
			}
		}
		kept := make([]PoolTab, 0, capacity)
		for i, t := range pool.Tabs {
			if drop[i] {
				safeRemoveTab(ctx, p.browser, t.TabID)
				continue
			}
			kept = append(kept, t)
		}
		pool.Tabs = kept
	}

	pool.Capacity = capacity
	if err := p.Set(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// AssignTab marks a tab as holding a group, tracking it if it is new.
// It reports false when no pool exists.
func (p *TabPool) AssignTab(ctx context.Context, id browserapi.TabID, provider, groupID string) (bool, error) {
	pool, err := p.Get(ctx)
	if err != nil || pool == nil {
		return false, err
	}
	now := p.now()
	i := pool.find(id)
	if i < 0 {
		pool.Tabs = append(pool.Tabs, PoolTab{TabID: id, CreatedAt: now})
		i = len(pool.Tabs) - 1
	}
	pool.Tabs[i].Status = TabAssigned
	pool.Tabs[i].Assigned = &Assignment{Provider: provider, GroupID: groupID}
	pool.Tabs[i].AssignedAt = &now
	return true, p.Set(ctx, pool)
}

// ReleaseTab marks a tab idle. It reports false for unknown tabs.
func (p *TabPool) ReleaseTab(ctx context.Context, id browserapi.TabID) (bool, error) {
	pool, err := p.Get(ctx)
	if err != nil || pool == nil {
		return false, err
	}
	i := pool.find(id)
	if i < 0 {
		return false, nil
	}
	now := p.now()
	pool.Tabs[i].Status = TabIdle
	pool.Tabs[i].Assigned = nil
	pool.Tabs[i].ReleasedAt = &now
	return true, p.Set(ctx, pool)
}

// RemoveTab stops tracking a tab without touching the browser.
func (p *TabPool) RemoveTab(ctx context.Context, id browserapi.TabID) (bool, error) {
	pool, err := p.Get(ctx)
	if err != nil || pool == nil {
		return false, err
	}
	i := pool.find(id)
	if i < 0 {
		return false, nil
	}
	pool.Tabs = append(pool.Tabs[:i], pool.Tabs[i+1:]...)
	return true, p.Set(ctx, pool)
}

// Close closes the window if possible and always forgets the pool.
func (p *TabPool) Close(ctx context.Context) error {
	pool, err := p.Get(ctx)
	if err != nil {
		slog.Warn("scheduler read pool before close failed", "error", err)
	}
	if pool != nil {
		safeRemoveWindow(ctx, p.browser, pool.WindowID)
	}
	return p.clear(ctx)
}
