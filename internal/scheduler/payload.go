package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/kvstore"
)

const queueStatusPending = "pending"

// writeGroupPayload stores the lead list and a fresh queue state for a group.
func writeGroupPayload(ctx context.Context, store kvstore.Store, provider string, group Group, groupIndex, totalGroups int, now time.Time) error {
	qs := QueueState{
		CurrentIndex:   0,
		TotalLeads:     len(group.Leads),
		ProcessedLeads: []json.RawMessage{},
		Status:         queueStatusPending,
		StartedAt:      now.UTC().Format(time.RFC3339Nano),
		GroupID:        group.GroupID,
		BatchID:        group.BatchID,
		GroupIndex:     groupIndex,
		TotalGroups:    totalGroups,
		Provider:       provider,
	}
	leads := group.Leads
	if leads == nil {
		leads = []Lead{}
	}
	err := store.Set(ctx, map[string]any{
		LeadsKey(provider, group.GroupID):      leads,
		QueueStateKey(provider, group.GroupID): qs,
	})
	return storageError("write group payload", err)
}

// readGroupPayload loads what the page script sees for a group.
func readGroupPayload(ctx context.Context, store kvstore.Store, provider, groupID string) (GroupPayload, bool, error) {
	out := GroupPayload{Provider: provider, GroupID: groupID}
	found, err := kvstore.GetJSON(ctx, store, LeadsKey(provider, groupID), &out.Leads)
	if err != nil {
		return out, false, storageError("read group leads", err)
	}
	var qs QueueState
	hasQueue, err := kvstore.GetJSON(ctx, store, QueueStateKey(provider, groupID), &qs)
	if err != nil {
		return out, false, storageError("read queue state", err)
	}
	if hasQueue {
		out.QueueState = &qs
	}
	return out, found || hasQueue, nil
}

// removeGroupPayload deletes every {provider}_*__{groupId} key.
func removeGroupPayload(ctx context.Context, store kvstore.Store, provider, groupID string) error {
	keys, err := kvstore.KeysMatching(ctx, store, provider+"_", "__"+groupID)
	if err != nil {
		return storageError("list group keys", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return storageError("remove group payload", store.Remove(ctx, keys...))
}
