package scheduler

import (
	"context"
	"log/slog"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
)

// The safe* helpers absorb browser failures. A nil or false result means the
// resource is gone or the call failed; callers skip the slot and carry on.

func safeGetTab(ctx context.Context, b browserapi.Browser, id browserapi.TabID) *browserapi.Tab {
	tab, err := b.GetTab(ctx, id)
	if err != nil {
		slog.Debug("scheduler get tab failed", "tab_id", id, "error", err)
		return nil
	}
	return &tab
}

func safeQueryTabs(ctx context.Context, b browserapi.Browser, windowID browserapi.WindowID) []browserapi.Tab {
	tabs, err := b.QueryTabs(ctx, windowID)
	if err != nil {
		slog.Debug("scheduler query tabs failed", "window_id", windowID, "error", err)
		return nil
	}
	return tabs
}

func safeCreateTab(ctx context.Context, b browserapi.Browser, windowID browserapi.WindowID, url string, active bool) *browserapi.Tab {
	tab, err := b.CreateTab(ctx, windowID, url, active)
	if err != nil {
		slog.Warn("scheduler create tab failed", "window_id", windowID, "error", err)
		return nil
	}
	return &tab
}

func safeUpdateTab(ctx context.Context, b browserapi.Browser, id browserapi.TabID, update browserapi.TabUpdate) *browserapi.Tab {
	tab, err := b.UpdateTab(ctx, id, update)
	if err != nil {
		slog.Debug("scheduler update tab failed", "tab_id", id, "error", err)
		return nil
	}
	return &tab
}

func safeRemoveTab(ctx context.Context, b browserapi.Browser, id browserapi.TabID) bool {
	if err := b.RemoveTab(ctx, id); err != nil {
		slog.Debug("scheduler remove tab failed", "tab_id", id, "error", err)
		return false
	}
	return true
}

func safeGetWindow(ctx context.Context, b browserapi.Browser, id browserapi.WindowID) *browserapi.Window {
	w, err := b.GetWindow(ctx, id)
	if err != nil {
		slog.Debug("scheduler get window failed", "window_id", id, "error", err)
		return nil
	}
	return &w
}

func safeCreateWindow(ctx context.Context, b browserapi.Browser, opts browserapi.CreateWindowOptions) *browserapi.Window {
	w, err := b.CreateWindow(ctx, opts)
	if err != nil {
		slog.Warn("scheduler create window failed", "error", err)
		return nil
	}
	return &w
}

func safeUpdateWindow(ctx context.Context, b browserapi.Browser, id browserapi.WindowID, update browserapi.WindowUpdate) bool {
	if err := b.UpdateWindow(ctx, id, update); err != nil {
		slog.Debug("scheduler update window failed", "window_id", id, "error", err)
		return false
	}
	return true
}

func safeRemoveWindow(ctx context.Context, b browserapi.Browser, id browserapi.WindowID) bool {
	if err := b.RemoveWindow(ctx, id); err != nil {
		slog.Debug("scheduler remove window failed", "window_id", id, "error", err)
		return false
	}
	return true
}
