package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/api"
	"github.com/dgnsrekt/lead_agent/internal/browser"
	"github.com/dgnsrekt/lead_agent/internal/cdpbrowser"
	"github.com/dgnsrekt/lead_agent/internal/config"
	"github.com/dgnsrekt/lead_agent/internal/events"
	"github.com/dgnsrekt/lead_agent/internal/kvstore"
	"github.com/dgnsrekt/lead_agent/internal/netutil"
	"github.com/dgnsrekt/lead_agent/internal/notify"
	"github.com/dgnsrekt/lead_agent/internal/providers"
	"github.com/dgnsrekt/lead_agent/internal/scheduler"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load scheduler config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("scheduler config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.GetCDPURL(),
		"parallel_tabs", fmt.Sprintf("%d..%d (default %d)", cfg.MinParallelTabs, cfg.MaxParallelTabs, cfg.DefaultParallelTabs),
		"single_tab_mode", cfg.SingleTabMode,
		"state_dir", cfg.StateDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.FromConfig(cfg))
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	cdpClient := cdpbrowser.NewClient(cfg.GetCDPURL(), cfg.CDPTimeout)
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.GetCDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() { _ = cdpClient.Close() }()

	store, err := kvstore.NewFileStore(cfg.StateDir)
	if err != nil {
		slog.Error("failed to open state store", "dir", cfg.StateDir, "error", err)
		os.Exit(1)
	}

	registry, err := loadRegistry(cfg.ProvidersConfig)
	if err != nil {
		slog.Error("failed to load providers", "path", cfg.ProvidersConfig, "error", err)
		os.Exit(1)
	}
	slog.Info("providers registered", "providers", registry.Names())

	broker := events.NewBroker()
	opts := []scheduler.Option{scheduler.WithEvents(broker)}
	if cfg.NotifyEndpoint != "" {
		opts = append(opts, scheduler.WithCompletionHook(
			notify.CompletionHook(&http.Client{Timeout: 10 * time.Second}, cfg.NotifyEndpoint)))
	}
	orch := scheduler.NewOrchestrator(store, cdpClient, registry, settingsFromConfig(cfg), opts...)

	// Pick up a run that survived a restart.
	if res, err := orch.Reconcile(context.Background()); err != nil {
		slog.Warn("startup reconcile failed", "error", err)
	} else {
		slog.Info("startup reconcile", "pool_present", res.PoolPresent, "dispatched", len(res.Dispatched), "isolated_dropped", res.IsolatedDropped)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.EventJournalDir != "" {
		journal := events.NewJournal(cfg.EventJournalDir, 25)
		defer func() { _ = journal.Close() }()
		go journal.Run(ctx, broker)
		slog.Info("event journal enabled", "dir", cfg.EventJournalDir)
	}
	if cfg.ReconcileInterval > 0 {
		go reconcileLoop(ctx, orch, cfg.ReconcileInterval)
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind scheduler api", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr := ln.Addr().String()

	srv := &http.Server{Handler: api.NewServer(orch, events.SSEHandler(broker))}
	go func() {
		slog.Info("scheduler listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("scheduler server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stop()
	orch.Focus.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("scheduler shutdown failed", "error", err)
	}
}

func reconcileLoop(ctx context.Context, orch *scheduler.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := orch.Reconcile(ctx)
			if err != nil {
				slog.Warn("reconcile failed", "error", err)
				continue
			}
			if len(res.Dispatched) > 0 || res.IsolatedDropped > 0 || res.Completed {
				slog.Info("reconcile",
					"dispatched", len(res.Dispatched),
					"isolated_dropped", res.IsolatedDropped,
					"completed", res.Completed,
				)
			}
		}
	}
}

func settingsFromConfig(cfg *config.Config) scheduler.Settings {
	return scheduler.Settings{
		MaxParallelTabs:     cfg.MaxParallelTabs,
		MinParallelTabs:     cfg.MinParallelTabs,
		DefaultParallelTabs: cfg.DefaultParallelTabs,
		SingleTabMode:       cfg.SingleTabMode,
		RetryAttempts:       cfg.RetryAttempts,
		RetryDelay:          cfg.RetryDelay,
		WindowWidth:         cfg.WindowWidth,
		WindowHeight:        cfg.WindowHeight,
		FocusCycleInterval:  cfg.FocusCycleInterval,
		CompletedGrace:      cfg.CompletedGrace,
		CancelledGrace:      cfg.CancelledGrace,
	}
}

// loadRegistry reads the provider file, falling back to the built-in
// provider list when it does not exist.
func loadRegistry(path string) (*providers.Registry, error) {
	pcfg, err := config.LoadProviders(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("providers config not found, using defaults", "path", path)
		pcfg = config.DefaultProviders()
	} else if err != nil {
		return nil, err
	}

	reg := providers.NewRegistry()
	for _, entry := range pcfg.Providers {
		p, err := providers.NewURLProvider(entry.Name, entry.URL, entry.GroupParam)
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}
	return reg, nil
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
