package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the scheduler binary.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int
	CDPTimeout time.Duration

	// Tab pool bounds
	MaxParallelTabs     int
	MinParallelTabs     int
	DefaultParallelTabs int
	SingleTabMode       bool

	// Tab notification retry (linear backoff: RetryDelay * attempt)
	RetryAttempts int
	RetryDelay    time.Duration

	// Automation window geometry
	WindowWidth  int
	WindowHeight int

	FocusCycleInterval time.Duration
	CompletedGrace     time.Duration
	CancelledGrace     time.Duration
	ReconcileInterval  time.Duration

	// HTTP control API and logs
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	LogLevel         string
	LogFile          string

	StateDir        string
	EventJournalDir string
	ProvidersConfig string
	NotifyEndpoint  string

	// Local browser launch
	LaunchBrowser       bool
	StartURL            string
	ProfileDir          string
	LogFileDir          string
	CrashDumpDir        string
	EnableCrashReporter bool
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:          getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:             getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		CDPTimeout:          getEnvMillisOrDefault("CDP_TIMEOUT_MS", 5000),
		MaxParallelTabs:     getEnvIntOrDefault("MAX_PARALLEL_TABS", 10),
		MinParallelTabs:     getEnvIntOrDefault("MIN_PARALLEL_TABS", 1),
		DefaultParallelTabs: getEnvIntOrDefault("DEFAULT_PARALLEL_TABS", 3),
		SingleTabMode:       getEnvBoolOrDefault("SINGLE_TAB_MODE", false),
		RetryAttempts:       getEnvIntOrDefault("RETRY_ATTEMPTS", 3),
		RetryDelay:          getEnvMillisOrDefault("RETRY_DELAY_MS", 1000),
		WindowWidth:         getEnvIntOrDefault("WINDOW_WIDTH", 1000),
		WindowHeight:        getEnvIntOrDefault("WINDOW_HEIGHT", 800),
		FocusCycleInterval:  getEnvMillisOrDefault("FOCUS_CYCLE_INTERVAL_MS", 2000),
		CompletedGrace:      getEnvMillisOrDefault("RUN_COMPLETED_GRACE_MS", 5000),
		CancelledGrace:      getEnvMillisOrDefault("RUN_CANCELLED_GRACE_MS", 1000),
		ReconcileInterval:   getEnvMillisOrDefault("RECONCILE_INTERVAL_MS", 15000),
		BindAddr:            getEnvOrDefault("SCHEDULER_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:      getEnvListOrDefault("SCHEDULER_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"}),
		PortAutoFallback:    getEnvBoolOrDefault("SCHEDULER_PORT_AUTO_FALLBACK", true),
		LogLevel:            strings.ToLower(getEnvOrDefault("SCHEDULER_LOG_LEVEL", "info")),
		LogFile:             getEnvOrDefault("SCHEDULER_LOG_FILE", "logs/scheduler.log"),
		StateDir:            getEnvOrDefault("SCHEDULER_STATE_DIR", "./state"),
		EventJournalDir:     os.Getenv("SCHEDULER_EVENT_JOURNAL_DIR"),
		ProvidersConfig:     getEnvOrDefault("SCHEDULER_PROVIDERS_CONFIG", "./config/providers.yaml"),
		NotifyEndpoint:      getEnvOrDefault("NOTIFY_ENDPOINT", ""),
		LaunchBrowser:       getEnvBoolOrDefault("LAUNCH_BROWSER", false),
		StartURL:            getEnvOrDefault("BROWSER_START_URL", "about:blank"),
		ProfileDir:          getEnvOrDefault("BROWSER_PROFILE_DIR", "./browser/profile"),
		LogFileDir:          getEnvOrDefault("BROWSER_LOG_DIR", "./browser/logs"),
		CrashDumpDir:        getEnvOrDefault("BROWSER_CRASH_DIR", "./browser/crash"),
		EnableCrashReporter: getEnvBoolOrDefault("BROWSER_ENABLE_CRASH_REPORTER", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MinParallelTabs < 1 {
		return fmt.Errorf("MIN_PARALLEL_TABS must be >= 1, got %d", c.MinParallelTabs)
	}
	if c.MaxParallelTabs < c.MinParallelTabs {
		return fmt.Errorf("MAX_PARALLEL_TABS (%d) must be >= MIN_PARALLEL_TABS (%d)", c.MaxParallelTabs, c.MinParallelTabs)
	}
	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	if c.CDPTimeout < time.Second {
		c.CDPTimeout = time.Second
	}
	return nil
}

// GetCDPURL returns the full CDP HTTP endpoint.
func (c *Config) GetCDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// WindowSize formats the window geometry for the browser command line.
func (c *Config) WindowSize() string {
	return fmt.Sprintf("%d,%d", c.WindowWidth, c.WindowHeight)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvMillisOrDefault(key string, defaultMS int) time.Duration {
	return time.Duration(getEnvIntOrDefault(key, defaultMS)) * time.Millisecond
}
