package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
)

const actionLeadsUpdated = "LEADS_UPDATED"

// LeadsUpdatedMessage tells the page script that a group is ready.
type LeadsUpdatedMessage struct {
	Action string           `json:"action"`
	Data   LeadsUpdatedData `json:"data"`
	Source string           `json:"source"`
}

type LeadsUpdatedData struct {
	Provider    string `json:"provider"`
	GroupID     string `json:"groupId"`
	Count       int    `json:"count"`
	GroupIndex  int    `json:"groupIndex"`
	TotalGroups int    `json:"totalGroups"`
	Timestamp   int64  `json:"timestamp"`
	AutoExecute bool   `json:"autoExecute"`
}

// notifier delivers LEADS_UPDATED messages with linear backoff.
type notifier struct {
	browser  browserapi.Browser
	attempts int
	delay    time.Duration
	now      func() time.Time
}

func newNotifier(b browserapi.Browser, s Settings, now func() time.Time) *notifier {
	attempts := s.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &notifier{browser: b, attempts: attempts, delay: s.RetryDelay, now: now}
}

// linearBackoff waits delay*n before the n-th retry and allows
// attempts-1 retries in total.
func linearBackoff(delay time.Duration, attempts int) retry.Backoff {
	var n int64
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * delay, false
	})
	return retry.WithMaxRetries(uint64(attempts-1), next)
}

// notify sends the message and reports whether the tab accepted it.
// Exhausted retries are logged and swallowed.
func (n *notifier) notify(ctx context.Context, tabID browserapi.TabID, provider, groupID string, count, groupIndex, totalGroups int) bool {
	msg := LeadsUpdatedMessage{
		Action: actionLeadsUpdated,
		Data: LeadsUpdatedData{
			Provider:    provider,
			GroupID:     groupID,
			Count:       count,
			GroupIndex:  groupIndex,
			TotalGroups: totalGroups,
			Timestamp:   n.now().UnixMilli(),
			AutoExecute: true,
		},
		Source: "background",
	}

	attempt := 0
	err := retry.Do(ctx, linearBackoff(n.delay, n.attempts), func(ctx context.Context) error {
		attempt++
		if err := n.browser.SendMessage(ctx, tabID, msg); err != nil {
			slog.Debug("scheduler notify attempt failed", "tab_id", tabID, "group_id", groupID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("scheduler notify gave up", "tab_id", tabID, "group_id", groupID, "attempts", attempt, "error", err)
		return false
	}
	return true
}
