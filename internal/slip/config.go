package slip

import (
	"fmt"
	"time"
)

// Config holds the detection and gating tunables. A zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// LimitStd scales the std of the 4th difference into a peak height.
	LimitStd float64 `yaml:"limit_std"`
	// DiffTECMax floors the windowed increment std.
	DiffTECMax float64 `yaml:"diff_tec_max"`
	// DiffTECMaxFactor widens the deviation used before the window fills.
	DiffTECMaxFactor float64 `yaml:"diff_tec_max_factor"`
	// PMaxCycleSlip is the gate half-width in deviations.
	PMaxCycleSlip float64 `yaml:"p_max_cycle_slip"`
	// GapThreshold is the epoch spacing that resets the window.
	GapThreshold time.Duration `yaml:"gap_threshold"`
	// WindowSize is the number of trailing increments in the statistics.
	WindowSize int `yaml:"window_size"`
	// MinWindowSamples is the number of samples since the last reset
	// required before windowed statistics replace the defaults.
	MinWindowSamples int `yaml:"min_window_samples"`
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		LimitStd:         7.5,
		DiffTECMax:       0.05,
		DiffTECMaxFactor: 2,
		PMaxCycleSlip:    2.5,
		GapThreshold:     15 * time.Minute,
		WindowSize:       10,
		MinWindowSamples: 12,
	}
}

// Validate checks that the tunables are usable.
func (c Config) Validate() error {
	if c.LimitStd <= 0 {
		return fmt.Errorf("limit_std must be positive, got %v", c.LimitStd)
	}
	if c.DiffTECMax <= 0 {
		return fmt.Errorf("diff_tec_max must be positive, got %v", c.DiffTECMax)
	}
	if c.DiffTECMaxFactor <= 0 {
		return fmt.Errorf("diff_tec_max_factor must be positive, got %v", c.DiffTECMaxFactor)
	}
	if c.PMaxCycleSlip <= 0 {
		return fmt.Errorf("p_max_cycle_slip must be positive, got %v", c.PMaxCycleSlip)
	}
	if c.GapThreshold <= 0 {
		return fmt.Errorf("gap_threshold must be positive, got %v", c.GapThreshold)
	}
	if c.WindowSize < 2 {
		return fmt.Errorf("window_size must be at least 2, got %d", c.WindowSize)
	}
	// The window of increments must lie entirely after the last reset.
	if c.MinWindowSamples < c.WindowSize+2 {
		return fmt.Errorf("min_window_samples %d must be at least window_size+2 (%d)", c.MinWindowSamples, c.WindowSize+2)
	}
	return nil
}
