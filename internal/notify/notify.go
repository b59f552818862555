package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/dgnsrekt/lead_agent/internal/scheduler"
)

// RunMessage renders a finished run as a one-line plain-text notification.
func RunMessage(s scheduler.RunSummary) string {
	names := make([]string, 0, len(s.Providers))
	for name := range s.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Lead run %s %s: %d/%d leads processed (%d%%)",
		s.RunID, strings.ToLower(string(s.Status)), s.Progress.Processed, s.Progress.Total, s.Progress.Percentage)
	if len(names) > 0 {
		fmt.Fprintf(&b, " across %s", strings.Join(names, ", "))
	}
	return b.String()
}

// CompletionHook posts RunMessage to endpoint whenever a run completes.
// Delivery failures are logged and never reach the scheduler.
func CompletionHook(client *http.Client, endpoint string) scheduler.CompletionHook {
	return func(ctx context.Context, s scheduler.RunSummary) {
		if err := Send(ctx, client, endpoint, RunMessage(s)); err != nil {
			slog.Warn("run completion notification failed", "run_id", s.RunID, "error", err)
			return
		}
		slog.Debug("run completion notification sent", "run_id", s.RunID)
	}
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return fmt.Errorf("ntfy notification failed: empty endpoint")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
