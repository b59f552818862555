package scheduler

import "time"

// Settings carries the tunables shared by the scheduler components.
type Settings struct {
	MaxParallelTabs     int
	MinParallelTabs     int
	DefaultParallelTabs int
	SingleTabMode       bool

	RetryAttempts int
	RetryDelay    time.Duration

	WindowWidth  int
	WindowHeight int

	FocusCycleInterval time.Duration
	CompletedGrace     time.Duration
	CancelledGrace     time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		MaxParallelTabs:     10,
		MinParallelTabs:     1,
		DefaultParallelTabs: 3,
		RetryAttempts:       3,
		RetryDelay:          time.Second,
		WindowWidth:         1000,
		WindowHeight:        800,
		FocusCycleInterval:  2 * time.Second,
		CompletedGrace:      5 * time.Second,
		CancelledGrace:      time.Second,
	}
}

// ClampParallelTabs bounds a requested tab count. An unset (zero) request
// falls back to the default before clamping.
func (s Settings) ClampParallelTabs(requested int) int {
	if requested == 0 {
		requested = s.DefaultParallelTabs
	}
	return clamp(requested, s.MinParallelTabs, s.MaxParallelTabs)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
