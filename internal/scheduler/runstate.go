package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/kvstore"
)

// RunStates owns the lifecycle of the single active run.
type RunStates struct {
	store    kvstore.Store
	settings Settings
	now      func() time.Time
}

func NewRunStates(store kvstore.Store, s Settings) *RunStates {
	return &RunStates{store: store, settings: s, now: time.Now}
}

// Get returns the stored run, or nil when none exists.
func (m *RunStates) Get(ctx context.Context) (*RunState, error) {
	var run RunState
	found, err := kvstore.GetJSON(ctx, m.store, KeyRunState, &run)
	if err != nil {
		return nil, storageError("read run state", err)
	}
	if !found {
		return nil, nil
	}
	return &run, nil
}

func (m *RunStates) save(ctx context.Context, run *RunState) error {
	return storageError("write run state", kvstore.SetJSON(ctx, m.store, KeyRunState, run))
}

// Remove deletes the stored run immediately.
func (m *RunStates) Remove(ctx context.Context) error {
	return storageError("remove run state", m.store.Remove(ctx, KeyRunState))
}

// splitIntoGroups cuts leads into at most numGroups contiguous chunks whose
// sizes differ by at most one, earlier chunks taking the remainder.
func splitIntoGroups(leads []Lead, numGroups int) [][]Lead {
	n := len(leads)
	if n == 0 {
		return nil
	}
	numGroups = clamp(numGroups, 1, n)
	size, rem := n/numGroups, n%numGroups

	out := make([][]Lead, 0, numGroups)
	start := 0
	for i := 0; i < numGroups; i++ {
		l := size
		if i < rem {
			l++
		}
		if l == 0 {
			continue
		}
		chunk := make([]Lead, l)
		copy(chunk, leads[start:start+l])
		out = append(out, chunk)
		start += l
	}
	return out
}

// Create partitions leads for every provider and stores a PENDING run.
// Each provider receives the full lead list.
func (m *RunStates) Create(ctx context.Context, providers []string, leads []Lead, opts RunOptions) (*RunState, error) {
	now := m.now()
	batchID := strconv.FormatInt(now.UnixMilli(), 10)

	capacity := opts.ParallelTabs
	if m.settings.SingleTabMode {
		capacity = 1
	}
	capacity = clamp(capacity, 1, max(len(leads), 1))

	run := &RunState{
		ID:        batchID,
		Status:    RunPending,
		Providers: append([]string(nil), providers...),
		Groups:    make(map[string][]Group, len(providers)),
		Backlog:   make(map[string][]string, len(providers)),
		Options:   opts,
		CreatedAt: now,
	}
	for _, provider := range providers {
		chunks := splitIntoGroups(leads, capacity)
		groups := make([]Group, 0, len(chunks))
		backlog := make([]string, 0, len(chunks))
		for i, chunk := range chunks {
			id := fmt.Sprintf("%s-%s-%d", batchID, provider, i)
			groups = append(groups, Group{GroupID: id, Leads: chunk, BatchID: batchID})
			backlog = append(backlog, id)
		}
		run.Groups[provider] = groups
		run.Backlog[provider] = backlog
		run.TotalLeads += len(leads)
	}

	if err := m.save(ctx, run); err != nil {
		return nil, err
	}
	slog.Info("scheduler run created", "run_id", run.ID, "providers", len(providers), "leads", len(leads), "groups_per_provider", capacity)
	return run, nil
}

func (m *RunStates) transition(ctx context.Context, to RunStatus, from ...RunStatus) (*RunState, error) {
	run, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, newError(CodeNotFound, "no run state", nil)
	}
	allowed := false
	for _, s := range from {
		if run.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return run, nil
	}

	now := m.now()
	run.Status = to
	switch to {
	case RunRunning:
		run.StartedAt = &now
	case RunCompleted, RunCancelled:
		run.FinishedAt = &now
	}
	if err := m.save(ctx, run); err != nil {
		return nil, err
	}
	slog.Info("scheduler run status", "run_id", run.ID, "status", to)

	switch to {
	case RunCompleted:
		m.expireAfter(run.ID, to, m.settings.CompletedGrace)
	case RunCancelled:
		m.expireAfter(run.ID, to, m.settings.CancelledGrace)
	}
	return run, nil
}

// expireAfter removes a terminal run once readers had time to observe it.
// A newer run stored in the meantime is left alone.
func (m *RunStates) expireAfter(id string, status RunStatus, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		run, err := m.Get(ctx)
		if err != nil || run == nil || run.ID != id || run.Status != status {
			return
		}
		if err := m.Remove(ctx); err != nil {
			slog.Warn("scheduler expire run failed", "run_id", id, "error", err)
		}
	})
}

// Start moves a PENDING run to RUNNING.
func (m *RunStates) Start(ctx context.Context) (*RunState, error) {
	return m.transition(ctx, RunRunning, RunPending)
}

// Complete marks the run COMPLETED.
func (m *RunStates) Complete(ctx context.Context) (*RunState, error) {
	return m.transition(ctx, RunCompleted, RunPending, RunRunning)
}

// Cancel marks the run CANCELLED.
func (m *RunStates) Cancel(ctx context.Context) (*RunState, error) {
	return m.transition(ctx, RunCancelled, RunPending, RunRunning)
}

// CompleteGroup drops a group from its provider's backlog and counts its
// leads as processed. Unknown or already completed groups are a no-op; the
// returned bool reports whether anything changed. A nil run means none exists.
func (m *RunStates) CompleteGroup(ctx context.Context, provider, groupID string) (*RunState, bool, error) {
	run, err := m.Get(ctx)
	if err != nil || run == nil {
		return nil, false, err
	}
	backlog := run.Backlog[provider]
	idx := -1
	for i, id := range backlog {
		if id == groupID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return run, false, nil
	}

	run.Backlog[provider] = append(backlog[:idx:idx], backlog[idx+1:]...)
	if g, _, ok := run.group(provider, groupID); ok {
		run.ProcessedLeads += len(g.Leads)
	}
	if err := m.save(ctx, run); err != nil {
		return nil, false, err
	}
	slog.Info("scheduler group completed", "run_id", run.ID, "provider", provider, "group_id", groupID, "backlog", len(run.Backlog[provider]))
	return run, true, nil
}

// SwitchToNextProvider moves the active cursor to the next provider with
// backlog, starting at the current one. With no backlog anywhere it completes
// the run and returns "".
func (m *RunStates) SwitchToNextProvider(ctx context.Context) (string, error) {
	run, err := m.Get(ctx)
	if err != nil || run == nil {
		return "", err
	}
	n := len(run.Providers)
	for step := 0; step < n; step++ {
		i := (run.ActiveProviderIndex + step) % n
		provider := run.Providers[i]
		if len(run.Backlog[provider]) == 0 {
			continue
		}
		if i != run.ActiveProviderIndex {
			run.ActiveProviderIndex = i
			if err := m.save(ctx, run); err != nil {
				return "", err
			}
		}
		return provider, nil
	}
	if _, err := m.Complete(ctx); err != nil {
		return "", err
	}
	return "", nil
}

// NextSequentialGroup returns the first pending group across providers in
// run order, moving the active cursor to its provider.
func (m *RunStates) NextSequentialGroup(ctx context.Context) (string, *Group, error) {
	run, err := m.Get(ctx)
	if err != nil || run == nil {
		return "", nil, err
	}
	for i, provider := range run.Providers {
		for _, id := range run.Backlog[provider] {
			g, _, ok := run.group(provider, id)
			if !ok {
				continue
			}
			if run.ActiveProviderIndex != i {
				run.ActiveProviderIndex = i
				if err := m.save(ctx, run); err != nil {
					return "", nil, err
				}
			}
			return provider, &g, nil
		}
	}
	return "", nil, nil
}

// PendingGroups resolves a provider's backlog into groups.
func (m *RunStates) PendingGroups(ctx context.Context, provider string) ([]Group, error) {
	run, err := m.Get(ctx)
	if err != nil || run == nil {
		return nil, err
	}
	return pendingGroups(run, provider), nil
}

func pendingGroups(run *RunState, provider string) []Group {
	var out []Group
	for _, id := range run.Backlog[provider] {
		if g, _, ok := run.group(provider, id); ok {
			out = append(out, g)
		}
	}
	return out
}

// Summary is a read-only progress view. Percentage is rounded and 0 when
// there is nothing to process.
func (m *RunStates) Summary(ctx context.Context) (RunSummary, error) {
	run, err := m.Get(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	return summarize(run), nil
}

func summarize(run *RunState) RunSummary {
	if run == nil {
		return RunSummary{}
	}
	out := RunSummary{
		Active:    run.Status == RunPending || run.Status == RunRunning,
		RunID:     run.ID,
		Status:    run.Status,
		Providers: make(map[string]ProviderProgress, len(run.Providers)),
		Progress:  Progress{Total: run.TotalLeads, Processed: run.ProcessedLeads},
	}
	for _, p := range run.Providers {
		out.Providers[p] = ProviderProgress{Groups: len(run.Groups[p]), Backlog: len(run.Backlog[p])}
	}
	if run.TotalLeads > 0 {
		out.Progress.Percentage = int(math.Round(float64(run.ProcessedLeads) / float64(run.TotalLeads) * 100))
	}
	return out
}
