package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
	"github.com/dgnsrekt/lead_agent/internal/kvstore"
	"github.com/dgnsrekt/lead_agent/internal/providers"
)

// ProviderLookup resolves provider names.
type ProviderLookup interface {
	Get(name string) (providers.Provider, bool)
}

// IsolatedResult describes a freshly started isolated group.
type IsolatedResult struct {
	GroupID  string              `json:"groupId"`
	BatchID  string              `json:"batchId"`
	Provider string              `json:"provider"`
	TabID    browserapi.TabID    `json:"tabId"`
	WindowID browserapi.WindowID `json:"windowId"`
	Notified bool                `json:"notified"`
}

// IsolatedGroups runs single leads in dedicated tabs, outside any run.
type IsolatedGroups struct {
	store     kvstore.Store
	browser   browserapi.Browser
	pool      *TabPool
	providers ProviderLookup
	notifier  *notifier
	settings  Settings
	now       func() time.Time
	newID     func() string
}

func NewIsolatedGroups(store kvstore.Store, b browserapi.Browser, pool *TabPool, lookup ProviderLookup, s Settings) *IsolatedGroups {
	return &IsolatedGroups{
		store:     store,
		browser:   b,
		pool:      pool,
		providers: lookup,
		notifier:  newNotifier(b, s, time.Now),
		settings:  s,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (m *IsolatedGroups) registry(ctx context.Context) (map[string]IsolatedGroup, error) {
	reg := map[string]IsolatedGroup{}
	if _, err := kvstore.GetJSON(ctx, m.store, KeyIsolatedGroups, &reg); err != nil {
		return nil, storageError("read isolated registry", err)
	}
	return reg, nil
}

func (m *IsolatedGroups) saveRegistry(ctx context.Context, reg map[string]IsolatedGroup) error {
	return storageError("write isolated registry", kvstore.SetJSON(ctx, m.store, KeyIsolatedGroups, reg))
}

func (m *IsolatedGroups) deregister(ctx context.Context, groupID string) error {
	reg, err := m.registry(ctx)
	if err != nil {
		return err
	}
	if _, ok := reg[groupID]; !ok {
		return nil
	}
	delete(reg, groupID)
	return m.saveRegistry(ctx, reg)
}

// Get returns a registered group, or nil.
func (m *IsolatedGroups) Get(ctx context.Context, groupID string) (*IsolatedGroup, error) {
	reg, err := m.registry(ctx)
	if err != nil {
		return nil, err
	}
	g, ok := reg[groupID]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// List returns the registry.
func (m *IsolatedGroups) List(ctx context.Context) (map[string]IsolatedGroup, error) {
	return m.registry(ctx)
}

// CreateIsolatedRun writes a one-lead payload, opens a tab for it and
// notifies the page script.
func (m *IsolatedGroups) CreateIsolatedRun(ctx context.Context, provider string, lead Lead, opts RunOptions) (*IsolatedResult, error) {
	p, ok := m.providers.Get(provider)
	if !ok {
		return nil, newError(CodeValidation, "unknown provider "+provider, nil)
	}

	batchID := "isolated_" + m.newID()[:8]
	groupID := batchID + "-" + provider + "-0"
	group := Group{GroupID: groupID, Leads: []Lead{lead}, BatchID: batchID}
	if err := writeGroupPayload(ctx, m.store, provider, group, 0, 1, m.now()); err != nil {
		return nil, err
	}

	url := p.BuildURLWithGroupID(groupID)
	var tab *browserapi.Tab
	if opts.UseExistingWindow {
		pool, err := m.pool.Current(ctx)
		if err != nil {
			slog.Warn("scheduler isolated pool lookup failed", "error", err)
		}
		if pool != nil {
			tab = safeCreateTab(ctx, m.browser, pool.WindowID, url, false)
		}
	}
	if tab == nil {
		w := safeCreateWindow(ctx, m.browser, browserapi.CreateWindowOptions{
			URL:       url,
			Minimized: opts.MinimizeWindow,
			Focused:   !opts.MinimizeWindow,
			Width:     m.settings.WindowWidth,
			Height:    m.settings.WindowHeight,
		})
		if w != nil {
			tabs := w.Tabs
			if len(tabs) == 0 {
				tabs = safeQueryTabs(ctx, m.browser, w.ID)
			}
			if len(tabs) > 0 {
				tab = &tabs[0]
			}
		}
	}
	if tab == nil {
		if err := removeGroupPayload(ctx, m.store, provider, groupID); err != nil {
			slog.Warn("scheduler isolated payload cleanup failed", "group_id", groupID, "error", err)
		}
		return nil, newError(CodeBrowserUnavailable, "could not open isolated tab", nil)
	}

	reg, err := m.registry(ctx)
	if err != nil {
		return nil, err
	}
	reg[groupID] = IsolatedGroup{
		TabID:     tab.ID,
		WindowID:  tab.WindowID,
		Provider:  provider,
		LeadID:    lead.ID,
		LeadName:  lead.Name,
		CreatedAt: m.now(),
	}
	if err := m.saveRegistry(ctx, reg); err != nil {
		return nil, err
	}
	slog.Info("scheduler isolated group created", "group_id", groupID, "provider", provider, "tab_id", tab.ID, "window_id", tab.WindowID)

	notified := m.notifier.notify(ctx, tab.ID, provider, groupID, 1, 0, 1)
	return &IsolatedResult{
		GroupID:  groupID,
		BatchID:  batchID,
		Provider: provider,
		TabID:    tab.ID,
		WindowID: tab.WindowID,
		Notified: notified,
	}, nil
}

// CompleteIsolatedGroup tears down a group. Every step runs even if an
// earlier one failed; the registry entry goes last. It reports false when the
// group was not registered.
func (m *IsolatedGroups) CompleteIsolatedGroup(ctx context.Context, groupID string) (bool, error) {
	g, err := m.Get(ctx, groupID)
	if err != nil || g == nil {
		return false, err
	}

	safeRemoveTab(ctx, m.browser, g.TabID)

	if w := safeGetWindow(ctx, m.browser, g.WindowID); w != nil && len(w.Tabs) == 0 {
		safeRemoveWindow(ctx, m.browser, g.WindowID)
	}

	if err := removeGroupPayload(ctx, m.store, g.Provider, groupID); err != nil {
		slog.Warn("scheduler isolated payload cleanup failed", "group_id", groupID, "error", err)
	}

	if err := m.deregister(ctx, groupID); err != nil {
		return false, err
	}
	slog.Info("scheduler isolated group completed", "group_id", groupID, "provider", g.Provider)
	return true, nil
}

// CancelAll completes every registered group and clears the registry.
func (m *IsolatedGroups) CancelAll(ctx context.Context) (int, error) {
	reg, err := m.registry(ctx)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(reg))
	for id := range reg {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		ok, err := m.CompleteIsolatedGroup(ctx, id)
		if err != nil {
			slog.Warn("scheduler isolated cancel failed", "group_id", id, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	if err := m.store.Remove(ctx, KeyIsolatedGroups); err != nil {
		return n, storageError("clear isolated registry", err)
	}
	return n, nil
}

// Validate returns the group if its tab still exists. A group whose tab is
// gone is deregistered and nil is returned.
func (m *IsolatedGroups) Validate(ctx context.Context, groupID string) (*IsolatedGroup, error) {
	g, err := m.Get(ctx, groupID)
	if err != nil || g == nil {
		return nil, err
	}
	if safeGetTab(ctx, m.browser, g.TabID) != nil {
		return g, nil
	}
	slog.Info("scheduler isolated tab gone", "group_id", groupID, "tab_id", g.TabID)
	if err := removeGroupPayload(ctx, m.store, g.Provider, groupID); err != nil {
		slog.Warn("scheduler isolated payload cleanup failed", "group_id", groupID, "error", err)
	}
	return nil, m.deregister(ctx, groupID)
}

// ValidateAll validates every registered group and returns how many were
// dropped.
func (m *IsolatedGroups) ValidateAll(ctx context.Context) (int, error) {
	reg, err := m.registry(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for id := range reg {
		g, err := m.Validate(ctx, id)
		if err != nil {
			return dropped, err
		}
		if g == nil {
			dropped++
		}
	}
	return dropped, nil
}
