// Package schedule computes and tracks per-source collection cadence.
//
// Each tracked source is collected at an interval sized so that the expected
// number of items published between two cycles stays inside a fixed safety
// buffer: a source posting 750 items/day gets collected daily, one posting
// 15/day every 50 days. The interval is clamped so quiet sources are still
// visited occasionally and noisy ones do not get hammered.
package schedule

import (
	"fmt"
	"math"
	"time"
)

// CalculatorConfig holds the interval math knobs.
type CalculatorConfig struct {
	// SafetyBufferItems is the item budget the system is willing to risk
	// missing between two collection cycles. Default: 750.
	SafetyBufferItems float64

	// MinIntervalDays is the lower clamp on the computed interval. Default: 7.
	MinIntervalDays float64

	// MaxIntervalDays is the upper clamp on the computed interval. Default: 60.
	MaxIntervalDays float64

	// SmoothingAlpha is the weight given to a new rate observation when
	// blending it into the running average. Default: 0.3.
	SmoothingAlpha float64

	// DefaultItemsPerDay is substituted when a source has no usable rate
	// (non-finite or <= 0) and no per-source default. Default: 15.
	DefaultItemsPerDay float64
}

// DefaultCalculatorConfig returns the standard interval configuration.
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{
		SafetyBufferItems:  750,
		MinIntervalDays:    7,
		MaxIntervalDays:    60,
		SmoothingAlpha:     0.3,
		DefaultItemsPerDay: 15,
	}
}

func (c CalculatorConfig) withDefaults() CalculatorConfig {
	d := DefaultCalculatorConfig()
	if c.SafetyBufferItems <= 0 {
		c.SafetyBufferItems = d.SafetyBufferItems
	}
	if c.MinIntervalDays <= 0 {
		c.MinIntervalDays = d.MinIntervalDays
	}
	if c.MaxIntervalDays <= 0 {
		c.MaxIntervalDays = d.MaxIntervalDays
	}
	if c.MaxIntervalDays < c.MinIntervalDays {
		c.MaxIntervalDays = c.MinIntervalDays
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = d.SmoothingAlpha
	}
	if c.DefaultItemsPerDay <= 0 {
		c.DefaultItemsPerDay = d.DefaultItemsPerDay
	}
	return c
}

// Interval is the result of one interval computation.
type Interval struct {
	// RawDays is the unclamped buffer/rate quotient.
	RawDays float64
	// ConstrainedDays is RawDays clamped to [MinIntervalDays, MaxIntervalDays].
	ConstrainedDays float64
	// NextDueAt is now + ConstrainedDays.
	NextDueAt time.Time
	// Reasoning is a human-readable account of the computation, including
	// which bound (if any) was hit. Observability only.
	Reasoning string
}

// Duration returns the constrained interval as a time.Duration.
func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.ConstrainedDays * float64(24*time.Hour))
}

// ComputeInterval sizes the collection interval for a source posting
// avgItemsPerDay items. Non-finite or non-positive rates fall back to
// defaultRate (or the global default when defaultRate is itself unusable),
// so the result is always finite and inside the configured bounds.
func ComputeInterval(avgItemsPerDay, defaultRate float64, cfg CalculatorConfig, now time.Time) Interval {
	cfg = cfg.withDefaults()

	rate := avgItemsPerDay
	substituted := ""
	if !usableRate(rate) {
		rate = defaultRate
		if !usableRate(rate) {
			rate = cfg.DefaultItemsPerDay
		}
		substituted = fmt.Sprintf("rate %v unusable, substituted default %.2f/day; ", avgItemsPerDay, rate)
	}

	raw := cfg.SafetyBufferItems / rate
	constrained := raw
	bound := "within bounds"
	switch {
	case raw < cfg.MinIntervalDays:
		constrained = cfg.MinIntervalDays
		bound = fmt.Sprintf("clamped up to minimum %.1fd (source too active for raw interval)", cfg.MinIntervalDays)
	case raw > cfg.MaxIntervalDays:
		constrained = cfg.MaxIntervalDays
		bound = fmt.Sprintf("clamped down to maximum %.1fd (source too quiet for raw interval)", cfg.MaxIntervalDays)
	}

	reasoning := fmt.Sprintf("%sbuffer %.0f items / %.2f items/day = %.2fd; %s",
		substituted, cfg.SafetyBufferItems, rate, raw, bound)

	iv := Interval{
		RawDays:         raw,
		ConstrainedDays: constrained,
		Reasoning:       reasoning,
	}
	iv.NextDueAt = now.Add(iv.Duration())
	return iv
}

// BlendRate folds one observed posting rate into the running average using
// exponential smoothing: old*(1-alpha) + observed*alpha.
func BlendRate(oldRate, observedRate, alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultCalculatorConfig().SmoothingAlpha
	}
	if !usableRate(observedRate) {
		return oldRate
	}
	return oldRate*(1-alpha) + observedRate*alpha
}

func usableRate(r float64) bool {
	return !math.IsNaN(r) && !math.IsInf(r, 0) && r > 0
}
