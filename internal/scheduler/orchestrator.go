package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
	"github.com/dgnsrekt/lead_agent/internal/events"
	"github.com/dgnsrekt/lead_agent/internal/kvstore"
)

// Event types published by the orchestrator.
const (
	EventRunStarted        = "run.started"
	EventGroupAssigned     = "group.assigned"
	EventGroupCompleted    = "group.completed"
	EventRunCompleted      = "run.completed"
	EventRunCancelled      = "run.cancelled"
	EventIsolatedCreated   = "isolated.created"
	EventIsolatedCompleted = "isolated.completed"
)

// EventPublisher receives scheduler events.
type EventPublisher interface {
	Publish(evt events.Event)
}

// CompletionHook is called after a run completes.
type CompletionHook func(ctx context.Context, summary RunSummary)

// StartRunRequest is the input of StartRun. ParallelTabs overrides
// Options.ParallelTabs when set.
type StartRunRequest struct {
	Providers    []string
	Leads        []Lead
	ParallelTabs int
	Options      RunOptions
}

// Dispatch records a group handed to a tab.
type Dispatch struct {
	Provider string           `json:"provider"`
	GroupID  string           `json:"groupId"`
	TabID    browserapi.TabID `json:"tabId"`
}

type StartRunResult struct {
	RunID      string          `json:"runId,omitempty"`
	Providers  []string        `json:"providers"`
	Capacity   int             `json:"capacity"`
	Dispatched []Dispatch      `json:"dispatched,omitempty"`
	Isolated   *IsolatedResult `json:"isolated,omitempty"`
}

// QueueDone is the completion signal sent by a tab.
type QueueDone struct {
	Provider string
	GroupID  string
	TabID    browserapi.TabID
}

type QueueDoneResult struct {
	OK         bool             `json:"ok"`
	Isolated   bool             `json:"isolated,omitempty"`
	Reassigned bool             `json:"reassigned,omitempty"`
	Provider   string           `json:"provider,omitempty"`
	GroupID    string           `json:"groupId,omitempty"`
	TabID      browserapi.TabID `json:"tabId,omitempty"`
	Completed  bool             `json:"completed,omitempty"`
}

type CancelResult struct {
	RunID             string `json:"runId,omitempty"`
	IsolatedCancelled int    `json:"isolatedCancelled"`
}

type ReconcileResult struct {
	PoolPresent     bool       `json:"poolPresent"`
	IsolatedDropped int        `json:"isolatedDropped"`
	Dispatched      []Dispatch `json:"dispatched,omitempty"`
	Completed       bool       `json:"completed,omitempty"`
}

// Orchestrator composes the pool, run state, isolated groups and focus
// cycler. State is re-read from the store at every step; concurrent calls
// interleave and rely on each step being idempotent.
type Orchestrator struct {
	store     kvstore.Store
	browser   browserapi.Browser
	providers ProviderLookup
	settings  Settings

	Pool     *TabPool
	Runs     *RunStates
	Isolated *IsolatedGroups
	Focus    *FocusCycler

	notifier   *notifier
	events     EventPublisher
	onComplete CompletionHook
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithEvents(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithCompletionHook(fn CompletionHook) Option {
	return func(o *Orchestrator) { o.onComplete = fn }
}

func NewOrchestrator(store kvstore.Store, b browserapi.Browser, lookup ProviderLookup, s Settings, opts ...Option) *Orchestrator {
	pool := NewTabPool(store, b, s)
	o := &Orchestrator{
		store:     store,
		browser:   b,
		providers: lookup,
		settings:  s,
		Pool:      pool,
		Runs:      NewRunStates(store, s),
		Isolated:  NewIsolatedGroups(store, b, pool, lookup, s),
		Focus:     NewFocusCycler(b),
		notifier:  newNotifier(b, s, time.Now),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) publish(typ string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.Event{Type: typ, Data: data, At: o.now()})
}

// StartRun validates the request, partitions the leads and dispatches the
// first wave of groups. A single lead with Options.Isolated set runs as an
// isolated group and ignores any run in progress.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResult, error) {
	isolated := req.Options.Isolated && len(req.Leads) == 1
	if !isolated {
		if err := o.guardRunInProgress(ctx); err != nil {
			return nil, err
		}
	}

	if len(req.Providers) == 0 {
		return nil, newError(CodeValidation, "providers are required", nil)
	}
	if len(req.Leads) == 0 {
		return nil, newError(CodeValidation, "leads are required", nil)
	}
	valid := o.knownProviders(req.Providers)
	if len(valid) == 0 {
		return nil, newError(CodeValidation, "no valid provider in "+strings.Join(req.Providers, ","), nil)
	}

	requested := req.ParallelTabs
	if requested == 0 {
		requested = req.Options.ParallelTabs
	}
	capacity := o.settings.ClampParallelTabs(requested)
	opts := req.Options
	opts.ParallelTabs = capacity

	if isolated {
		res, err := o.Isolated.CreateIsolatedRun(ctx, valid[0], req.Leads[0], opts)
		if err != nil {
			return nil, err
		}
		o.publish(EventIsolatedCreated, map[string]any{"group_id": res.GroupID, "provider": res.Provider, "tab_id": res.TabID})
		return &StartRunResult{Providers: valid[:1], Capacity: 1, Isolated: res}, nil
	}

	run, err := o.Runs.Create(ctx, valid, req.Leads, opts)
	if err != nil {
		return nil, err
	}

	totalNeeded := 0
	for _, p := range valid {
		totalNeeded += min(capacity, len(run.Groups[p]))
	}
	if o.settings.SingleTabMode || totalNeeded < 1 {
		totalNeeded = 1
	}
	pool, err := o.Pool.EnsureCapacity(ctx, totalNeeded, opts)
	if err != nil {
		if _, cerr := o.Runs.Cancel(ctx); cerr != nil {
			slog.Warn("scheduler cancel after pool failure", "run_id", run.ID, "error", cerr)
		}
		return nil, err
	}

	if run, err = o.Runs.Start(ctx); err != nil {
		return nil, err
	}
	slog.Info("scheduler run started", "run_id", run.ID, "providers", strings.Join(valid, ","), "capacity", capacity, "pool_capacity", pool.Capacity)
	o.publish(EventRunStarted, map[string]any{"run_id": run.ID, "providers": valid, "total_leads": run.TotalLeads})

	dispatched := o.fill(ctx, run)

	if !opts.MinimizeWindow {
		o.Focus.Start(pool.WindowID, o.settings.FocusCycleInterval)
	}
	return &StartRunResult{RunID: run.ID, Providers: valid, Capacity: capacity, Dispatched: dispatched}, nil
}

// guardRunInProgress rejects a new run while a live one exists. A run whose
// window is gone is stale and gets force-cancelled.
func (o *Orchestrator) guardRunInProgress(ctx context.Context) error {
	run, err := o.Runs.Get(ctx)
	if err != nil {
		return err
	}
	if run == nil || (run.Status != RunRunning && run.Status != RunPending) {
		return nil
	}
	pool, err := o.Pool.Current(ctx)
	if err != nil {
		return err
	}
	if pool != nil {
		return newError(CodeRunInProgress, "run already in progress", nil)
	}
	slog.Warn("scheduler cancelling stale run", "run_id", run.ID, "status", run.Status)
	o.Focus.Stop()
	_, err = o.Runs.Cancel(ctx)
	return err
}

func (o *Orchestrator) knownProviders(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := o.providers.Get(name); !ok {
			slog.Warn("scheduler unknown provider skipped", "provider", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

// nextCandidate picks the next group to hand out: the first provider in run
// order with backlog and fewer assigned tabs than its cap, and its first
// group not already held by a live tab.
func (o *Orchestrator) nextCandidate(ctx context.Context, run *RunState, pool *Pool) (string, *Group) {
	inFlight := pool.assignedGroups()

	if o.settings.SingleTabMode {
		if pool.hasAssignments() {
			return "", nil
		}
		provider, g, err := o.Runs.NextSequentialGroup(ctx)
		if err != nil {
			slog.Warn("scheduler next sequential group failed", "error", err)
			return "", nil
		}
		if g == nil {
			return "", nil
		}
		if _, busy := inFlight[g.GroupID]; busy {
			return "", nil
		}
		return provider, g
	}

	counts := pool.assignedCounts()
	for _, provider := range run.Providers {
		if counts[provider] >= run.Options.ParallelTabs {
			continue
		}
		for _, g := range pendingGroups(run, provider) {
			if _, busy := inFlight[g.GroupID]; busy {
				continue
			}
			return provider, &g
		}
	}
	return "", nil
}

// fill dispatches groups until nothing is eligible or the pool is full. It
// makes at most one pass per pool slot.
func (o *Orchestrator) fill(ctx context.Context, run *RunState) []Dispatch {
	var out []Dispatch
	for attempts := 0; ; attempts++ {
		pool, err := o.Pool.Current(ctx)
		if err != nil || pool == nil {
			if err != nil {
				slog.Warn("scheduler pool read failed", "error", err)
			}
			return out
		}
		if attempts >= pool.Capacity {
			return out
		}
		provider, g := o.nextCandidate(ctx, run, pool)
		if g == nil {
			return out
		}
		d, ok := o.dispatch(ctx, run, provider, *g, "")
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

// dispatch writes the group payload, points a tab at it and notifies the
// page script. It reports false when no tab is available.
func (o *Orchestrator) dispatch(ctx context.Context, run *RunState, provider string, g Group, prefer browserapi.TabID) (Dispatch, bool) {
	p, ok := o.providers.Get(provider)
	if !ok {
		slog.Warn("scheduler provider vanished", "provider", provider)
		return Dispatch{}, false
	}
	_, index, _ := run.group(provider, g.GroupID)
	total := len(run.Groups[provider])
	if err := writeGroupPayload(ctx, o.store, provider, g, index, total, o.now()); err != nil {
		slog.Warn("scheduler write payload failed", "group_id", g.GroupID, "error", err)
		return Dispatch{}, false
	}

	tab := o.tabForURL(ctx, p.BuildURLWithGroupID(g.GroupID), prefer)
	if tab == nil {
		slog.Debug("scheduler no tab available", "provider", provider, "group_id", g.GroupID)
		return Dispatch{}, false
	}
	if _, err := o.Pool.AssignTab(ctx, tab.ID, provider, g.GroupID); err != nil {
		slog.Warn("scheduler assign tab failed", "tab_id", tab.ID, "group_id", g.GroupID, "error", err)
		return Dispatch{}, false
	}
	o.notifier.notify(ctx, tab.ID, provider, g.GroupID, len(g.Leads), index, total)

	slog.Info("scheduler group assigned", "provider", provider, "group_id", g.GroupID, "tab_id", tab.ID)
	o.publish(EventGroupAssigned, map[string]any{"run_id": run.ID, "provider": provider, "group_id": g.GroupID, "tab_id": tab.ID})
	return Dispatch{Provider: provider, GroupID: g.GroupID, TabID: tab.ID}, true
}

// tabForURL reuses an idle pool tab, preferring prefer, or opens a new one
// while the pool is below capacity. nil means the pool is full.
func (o *Orchestrator) tabForURL(ctx context.Context, url string, prefer browserapi.TabID) *browserapi.Tab {
	pool, err := o.Pool.Current(ctx)
	if err != nil || pool == nil {
		return nil
	}

	idle := make([]browserapi.TabID, 0, len(pool.Tabs))
	if i := pool.find(prefer); prefer != "" && i >= 0 && pool.Tabs[i].Assigned == nil {
		idle = append(idle, prefer)
	}
	for _, t := range pool.Tabs {
		if t.Assigned == nil && t.TabID != prefer {
			idle = append(idle, t.TabID)
		}
	}
	for _, id := range idle {
		if tab := safeUpdateTab(ctx, o.browser, id, browserapi.TabUpdate{URL: url}); tab != nil && tab.WindowID == pool.WindowID {
			return tab
		}
	}

	if len(pool.Tabs) >= pool.Capacity {
		return nil
	}
	tab := safeCreateTab(ctx, o.browser, pool.WindowID, url, false)
	if tab != nil && tab.WindowID != pool.WindowID {
		slog.Warn("scheduler new tab opened outside pool window", "tab_id", tab.ID, "window_id", pool.WindowID, "actual_window_id", tab.WindowID)
		safeRemoveTab(ctx, o.browser, tab.ID)
		return nil
	}
	return tab
}

// OnQueueDone handles a tab reporting that it finished a group: complete it,
// free the tab, hand out the next group or finish the run.
func (o *Orchestrator) OnQueueDone(ctx context.Context, done QueueDone) (*QueueDoneResult, error) {
	if done.GroupID == "" {
		return nil, newError(CodeValidation, "group id is required", nil)
	}

	iso, err := o.Isolated.Get(ctx, done.GroupID)
	if err != nil {
		return nil, err
	}
	if iso != nil {
		if _, err := o.Isolated.CompleteIsolatedGroup(ctx, done.GroupID); err != nil {
			return nil, err
		}
		o.publish(EventIsolatedCompleted, map[string]any{"group_id": done.GroupID, "provider": iso.Provider})
		return &QueueDoneResult{OK: true, Isolated: true, GroupID: done.GroupID}, nil
	}

	run, changed, err := o.Runs.CompleteGroup(ctx, done.Provider, done.GroupID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.Status != RunRunning {
		return &QueueDoneResult{OK: true}, nil
	}
	if changed {
		o.publish(EventGroupCompleted, map[string]any{"run_id": run.ID, "provider": done.Provider, "group_id": done.GroupID, "processed": run.ProcessedLeads})
	}

	tabID := o.senderTab(ctx, done)
	freed := tabID
	if tabID != "" {
		if _, err := o.Pool.ReleaseTab(ctx, tabID); err != nil {
			return nil, err
		}
		if !run.Options.MinimizeWindow && o.closeFinishedTab(ctx, tabID) {
			freed = ""
		}
	}

	pool, err := o.Pool.Current(ctx)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		if provider, g := o.nextCandidate(ctx, run, pool); g != nil {
			if d, ok := o.dispatch(ctx, run, provider, *g, freed); ok {
				return &QueueDoneResult{OK: true, Reassigned: true, Provider: d.Provider, GroupID: d.GroupID, TabID: d.TabID}, nil
			}
		}
	}

	completed, err := o.finishIfDone(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueDoneResult{OK: true, Completed: completed}, nil
}

// senderTab returns the reporting tab if the pool tracks it and it is not
// already working on another group, else the tab holding the group.
func (o *Orchestrator) senderTab(ctx context.Context, done QueueDone) browserapi.TabID {
	pool, err := o.Pool.Get(ctx)
	if err != nil || pool == nil {
		return ""
	}
	if i := pool.find(done.TabID); done.TabID != "" && i >= 0 {
		a := pool.Tabs[i].Assigned
		if a == nil || a.GroupID == done.GroupID {
			return done.TabID
		}
	}
	return pool.assignedGroups()[done.GroupID]
}

// closeFinishedTab closes a finished tab of a visible run unless it is the
// last tab, whose closing would take the window with it.
func (o *Orchestrator) closeFinishedTab(ctx context.Context, tabID browserapi.TabID) bool {
	pool, err := o.Pool.Get(ctx)
	if err != nil || pool == nil {
		return false
	}
	if len(safeQueryTabs(ctx, o.browser, pool.WindowID)) <= 1 {
		return false
	}
	if _, err := o.Pool.RemoveTab(ctx, tabID); err != nil {
		slog.Warn("scheduler remove finished tab failed", "tab_id", tabID, "error", err)
		return false
	}
	safeRemoveTab(ctx, o.browser, tabID)
	return true
}

// finishIfDone completes the run when no backlog remains and no tab holds a
// group.
func (o *Orchestrator) finishIfDone(ctx context.Context) (bool, error) {
	run, err := o.Runs.Get(ctx)
	if err != nil || run == nil || run.Status != RunRunning {
		return false, err
	}
	if run.anyBacklog() {
		return false, nil
	}
	pool, err := o.Pool.Current(ctx)
	if err != nil {
		return false, err
	}
	if pool.hasAssignments() {
		return false, nil
	}
	return true, o.completeRun(ctx, run)
}

func (o *Orchestrator) completeRun(ctx context.Context, run *RunState) error {
	o.Focus.Stop()
	done, err := o.Runs.Complete(ctx)
	if err != nil {
		return err
	}
	if run.Options.CloseOnFinish {
		if err := o.Pool.Close(ctx); err != nil {
			slog.Warn("scheduler close pool on finish failed", "error", err)
		}
	}
	summary := summarize(done)
	slog.Info("scheduler run completed", "run_id", run.ID, "processed", summary.Progress.Processed, "total", summary.Progress.Total)
	o.publish(EventRunCompleted, map[string]any{"run_id": run.ID, "processed": summary.Progress.Processed, "total": summary.Progress.Total})
	if o.onComplete != nil {
		o.onComplete(ctx, summary)
	}
	return nil
}

// CancelRun stops everything: focus cycling, the pool window, the run and
// all isolated groups.
func (o *Orchestrator) CancelRun(ctx context.Context) (*CancelResult, error) {
	o.Focus.Stop()
	if err := o.Pool.Close(ctx); err != nil {
		slog.Warn("scheduler close pool on cancel failed", "error", err)
	}

	res := &CancelResult{}
	run, err := o.Runs.Cancel(ctx)
	switch {
	case HasCode(err, CodeNotFound):
	case err != nil:
		return nil, err
	default:
		res.RunID = run.ID
		for provider, groups := range run.Groups {
			for _, g := range groups {
				if err := removeGroupPayload(ctx, o.store, provider, g.GroupID); err != nil {
					slog.Warn("scheduler payload cleanup failed", "group_id", g.GroupID, "error", err)
				}
			}
		}
	}

	n, err := o.Isolated.CancelAll(ctx)
	if err != nil {
		return nil, err
	}
	res.IsolatedCancelled = n
	slog.Info("scheduler run cancelled", "run_id", res.RunID, "isolated", n)
	o.publish(EventRunCancelled, map[string]any{"run_id": res.RunID, "isolated_cancelled": n})
	return res, nil
}

// RunSummary reports run progress and the window being focus-cycled, if any.
func (o *Orchestrator) RunSummary(ctx context.Context) (RunSummary, error) {
	summary, err := o.Runs.Summary(ctx)
	if err != nil {
		return summary, err
	}
	summary.FocusWindowID = o.Focus.Window()
	return summary, nil
}

// Reconcile re-checks the live session: it drops isolated groups whose tab is
// gone, prunes the pool, hands idle capacity to unassigned backlog and
// completes the run if nothing is left.
func (o *Orchestrator) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	dropped, err := o.Isolated.ValidateAll(ctx)
	if err != nil {
		return nil, err
	}
	res.IsolatedDropped = dropped

	pool, err := o.Pool.Current(ctx)
	if err != nil {
		return nil, err
	}
	res.PoolPresent = pool != nil

	run, err := o.Runs.Get(ctx)
	if err != nil {
		return nil, err
	}
	if run == nil || run.Status != RunRunning {
		return res, nil
	}
	if pool == nil {
		slog.Warn("scheduler run stalled without window", "run_id", run.ID)
		return res, nil
	}

	res.Dispatched = o.fill(ctx, run)
	if res.Completed, err = o.finishIfDone(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// CancelIsolated tears down one isolated group.
func (o *Orchestrator) CancelIsolated(ctx context.Context, groupID string) error {
	g, err := o.Isolated.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return newError(CodeNotFound, "isolated group "+groupID, nil)
	}
	if _, err := o.Isolated.CompleteIsolatedGroup(ctx, groupID); err != nil {
		return err
	}
	o.publish(EventIsolatedCompleted, map[string]any{"group_id": groupID, "provider": g.Provider, "cancelled": true})
	return nil
}

func (o *Orchestrator) CancelAllIsolated(ctx context.Context) (int, error) {
	return o.Isolated.CancelAll(ctx)
}

func (o *Orchestrator) ListIsolated(ctx context.Context) (map[string]IsolatedGroup, error) {
	return o.Isolated.List(ctx)
}

// PoolState returns the validated pool, or nil when there is none.
func (o *Orchestrator) PoolState(ctx context.Context) (*Pool, error) {
	return o.Pool.Current(ctx)
}

// GroupPayload returns what the page script reads for a group.
func (o *Orchestrator) GroupPayload(ctx context.Context, provider, groupID string) (*GroupPayload, error) {
	out, found, err := readGroupPayload(ctx, o.store, provider, groupID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newError(CodeNotFound, "group "+provider+"/"+groupID, nil)
	}
	return &out, nil
}
