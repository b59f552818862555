// Package scheduler runs batches of leads through a bounded pool of browser
// tabs. State lives in a kvstore.Store and is read, mutated and written back
// whole on every operation; callers must re-read instead of caching across
// calls because tabs and windows disappear outside this package's control.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
)

// Storage keys.
const (
	KeyPoolState      = "pool_state"
	KeyRunState       = "run_state"
	KeyIsolatedGroups = "isolated_groups"
)

// LeadsKey is the key holding a group's lead list.
func LeadsKey(provider, groupID string) string {
	return provider + "_leads__" + groupID
}

// QueueStateKey is the key holding a group's queue state.
func QueueStateKey(provider, groupID string) string {
	return provider + "_queue_state__" + groupID
}

// Lead is one prospect to quote. The scheduler only reads ID and Name.
type Lead struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

type TabStatus string

const (
	TabIdle       TabStatus = "IDLE"
	TabAssigned   TabStatus = "ASSIGNED"
	TabProcessing TabStatus = "PROCESSING"
)

// Assignment is the work a pool tab currently holds.
type Assignment struct {
	Provider string `json:"provider"`
	GroupID  string `json:"groupId"`
}

type PoolTab struct {
	TabID      browserapi.TabID `json:"tabId"`
	Status     TabStatus        `json:"status"`
	Assigned   *Assignment      `json:"assigned"`
	CreatedAt  time.Time        `json:"createdAt"`
	AssignedAt *time.Time       `json:"assignedAt,omitempty"`
	ReleasedAt *time.Time       `json:"releasedAt,omitempty"`
}

// Pool is the automation window and the tabs tracked inside it.
type Pool struct {
	WindowID browserapi.WindowID `json:"windowId"`
	Capacity int                 `json:"capacity"`
	Tabs     []PoolTab           `json:"tabs"`
}

func (p *Pool) find(id browserapi.TabID) int {
	for i := range p.Tabs {
		if p.Tabs[i].TabID == id {
			return i
		}
	}
	return -1
}

// assignedGroups maps group ids to the tab holding them.
func (p *Pool) assignedGroups() map[string]browserapi.TabID {
	out := make(map[string]browserapi.TabID)
	if p == nil {
		return out
	}
	for _, t := range p.Tabs {
		if t.Assigned != nil {
			out[t.Assigned.GroupID] = t.TabID
		}
	}
	return out
}

// assignedCounts counts assigned tabs per provider.
func (p *Pool) assignedCounts() map[string]int {
	out := make(map[string]int)
	if p == nil {
		return out
	}
	for _, t := range p.Tabs {
		if t.Assigned != nil {
			out[t.Assigned.Provider]++
		}
	}
	return out
}

func (p *Pool) hasAssignments() bool {
	if p == nil {
		return false
	}
	for _, t := range p.Tabs {
		if t.Assigned != nil {
			return true
		}
	}
	return false
}

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunCancelled RunStatus = "CANCELLED"
)

// RunOptions tune a run. Use DefaultRunOptions for the documented defaults.
type RunOptions struct {
	MinimizeWindow    bool `json:"minimizeWindow"`
	CloseOnFinish     bool `json:"closeOnFinish"`
	ParallelTabs      int  `json:"parallelTabs"`
	Isolated          bool `json:"isolated,omitempty"`
	UseExistingWindow bool `json:"useExistingWindow,omitempty"`
}

func DefaultRunOptions() RunOptions {
	return RunOptions{MinimizeWindow: true}
}

// Group is a contiguous chunk of a provider's leads. Immutable once created.
type Group struct {
	GroupID string `json:"groupId"`
	Leads   []Lead `json:"leads"`
	BatchID string `json:"batchId"`
}

type RunState struct {
	ID                  string              `json:"id"`
	Status              RunStatus           `json:"status"`
	Providers           []string            `json:"providers"`
	ActiveProviderIndex int                 `json:"activeProviderIndex"`
	Groups              map[string][]Group  `json:"groups"`
	Backlog             map[string][]string `json:"backlog"`
	TotalLeads          int                 `json:"totalLeads"`
	ProcessedLeads      int                 `json:"processedLeads"`
	Options             RunOptions          `json:"options"`
	CreatedAt           time.Time           `json:"createdAt"`
	StartedAt           *time.Time          `json:"startedAt,omitempty"`
	FinishedAt          *time.Time          `json:"finishedAt,omitempty"`
}

func (r *RunState) group(provider, groupID string) (Group, int, bool) {
	for i, g := range r.Groups[provider] {
		if g.GroupID == groupID {
			return g, i, true
		}
	}
	return Group{}, -1, false
}

func (r *RunState) anyBacklog() bool {
	for _, ids := range r.Backlog {
		if len(ids) > 0 {
			return true
		}
	}
	return false
}

// IsolatedGroup is a single-lead run owning its own tab.
type IsolatedGroup struct {
	TabID     browserapi.TabID    `json:"tabId"`
	WindowID  browserapi.WindowID `json:"windowId"`
	Provider  string              `json:"provider"`
	LeadID    string              `json:"leadId"`
	LeadName  string              `json:"leadName"`
	CreatedAt time.Time           `json:"createdAt"`
}

// QueueState is the per-group document the page script reads to learn what
// it has to process.
type QueueState struct {
	CurrentIndex   int               `json:"currentIndex"`
	TotalLeads     int               `json:"totalLeads"`
	ProcessedLeads []json.RawMessage `json:"processedLeads"`
	Status         string            `json:"status"`
	StartedAt      string            `json:"startedAt"`
	CompletedAt    *string           `json:"completedAt"`
	GroupID        string            `json:"groupId"`
	BatchID        string            `json:"batchId"`
	GroupIndex     int               `json:"groupIndex"`
	TotalGroups    int               `json:"totalGroups"`
	Provider       string            `json:"provider"`
}

// GroupPayload is a group's lead list together with its queue state.
type GroupPayload struct {
	Provider   string      `json:"provider"`
	GroupID    string      `json:"groupId"`
	Leads      []Lead      `json:"leads"`
	QueueState *QueueState `json:"queueState,omitempty"`
}

// ProviderProgress is the per-provider part of a RunSummary.
type ProviderProgress struct {
	Groups  int `json:"groups"`
	Backlog int `json:"backlog"`
}

type Progress struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Percentage int `json:"percentage"`
}

// RunSummary is a read-only progress view of the current run.
type RunSummary struct {
	Active    bool                        `json:"active"`
	RunID     string                      `json:"runId,omitempty"`
	Status    RunStatus                   `json:"status,omitempty"`
	Providers map[string]ProviderProgress `json:"providers,omitempty"`
	Progress  Progress                    `json:"progress"`

	FocusWindowID browserapi.WindowID `json:"focusWindowId,omitempty"`
}
