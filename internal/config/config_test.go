package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"MAX_PARALLEL_TABS", "MIN_PARALLEL_TABS", "DEFAULT_PARALLEL_TABS", "RETRY_ATTEMPTS", "RETRY_DELAY_MS", "WINDOW_WIDTH", "WINDOW_HEIGHT"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.MaxParallelTabs != 10 || cfg.MinParallelTabs != 1 || cfg.DefaultParallelTabs != 3 {
		t.Fatalf("parallel tabs = %d/%d/%d; want 10/1/3", cfg.MaxParallelTabs, cfg.MinParallelTabs, cfg.DefaultParallelTabs)
	}
	if cfg.RetryAttempts != 3 || cfg.RetryDelay != time.Second {
		t.Fatalf("retry = %d/%v; want 3/1s", cfg.RetryAttempts, cfg.RetryDelay)
	}
	if got := cfg.WindowSize(); got != "1000,800" {
		t.Fatalf("WindowSize() = %q; want %q", got, "1000,800")
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	t.Setenv("MAX_PARALLEL_TABS", "4")
	t.Setenv("RETRY_DELAY_MS", "250")
	t.Setenv("SINGLE_TAB_MODE", "true")
	t.Setenv("CHROMIUM_CDP_PORT", "9333")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.MaxParallelTabs != 4 || cfg.RetryDelay != 250*time.Millisecond || !cfg.SingleTabMode {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if got := cfg.GetCDPURL(); got != "http://127.0.0.1:9333" {
		t.Fatalf("GetCDPURL() = %q", got)
	}

	t.Setenv("MIN_PARALLEL_TABS", "5")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with MIN > MAX = nil; want error")
	}
}

func TestLoadProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	body := "providers:\n  - name: swisslife\n    url: https://example.com/quote\n    group_param: gid\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("os.WriteFile() = %v", err)
	}

	cfg, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("LoadProviders() = %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].GroupParam != "gid" {
		t.Fatalf("LoadProviders() = %+v", cfg)
	}

	if _, err := LoadProviders(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadProviders(missing) = %v; want ErrNotExist", err)
	}

	dup := "providers:\n  - name: a\n    url: https://a\n  - name: a\n    url: https://b\n"
	if err := os.WriteFile(path, []byte(dup), 0o644); err != nil {
		t.Fatalf("os.WriteFile() = %v", err)
	}
	if _, err := LoadProviders(path); err == nil {
		t.Fatalf("LoadProviders(duplicate) = nil; want error")
	}
}

func TestLoadPortCandidates(t *testing.T) {
	t.Setenv("SCHEDULER_PORT_CANDIDATES", " 127.0.0.1:9001, ,127.0.0.1:9002 ")
	t.Setenv("SCHEDULER_PORT_AUTO_FALLBACK", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(cfg.PortCandidates) != 2 || cfg.PortCandidates[0] != "127.0.0.1:9001" || cfg.PortCandidates[1] != "127.0.0.1:9002" {
		t.Fatalf("PortCandidates = %q", cfg.PortCandidates)
	}
	if cfg.PortAutoFallback {
		t.Fatalf("PortAutoFallback = true; want false")
	}
}
