package advisor

import (
	"context"
	"math"

	"github.com/stepflow-io/stepflow/pkg/logger"
)

// Sample is one observation of the shared resource pool.
type Sample struct {
	Size int32
	Busy int32
}

// Available returns the number of unclaimed resources in the sample.
func (s Sample) Available() int32 {
	if s.Busy >= s.Size {
		return 0
	}
	return s.Size - s.Busy
}

// Utilization returns busy/size, or 1 for a zero-size pool.
func (s Sample) Utilization() float64 {
	if s.Size <= 0 {
		return 1
	}
	return float64(s.Busy) / float64(s.Size)
}

// PoolProbe samples the shared resource pool. No technology is assumed; the
// postgres driver provides one over its connection pool.
type PoolProbe interface {
	Sample(ctx context.Context) (Sample, error)
}

// Pressure buckets derived from pool utilization.
type Pressure string

const (
	PressureLow      Pressure = "low"
	PressureModerate Pressure = "moderate"
	PressureHigh     Pressure = "high"
	PressureCritical Pressure = "critical"
)

// Config bounds and tunes the advisor. Zero values fall back to defaults.
type Config struct {
	MinConcurrentSteps      int     `koanf:"min_concurrent_steps"       validate:"omitempty,min=1"`
	MaxConcurrentStepsLimit int     `koanf:"max_concurrent_steps_limit" validate:"omitempty,min=1"`
	EmergencyFallback       int     `koanf:"emergency_fallback"         validate:"omitempty,min=1"`
	ModerateThreshold       float64 `koanf:"moderate_threshold"`
	HighThreshold           float64 `koanf:"high_threshold"`
	CriticalThreshold       float64 `koanf:"critical_threshold"`
	LowFactor               float64 `koanf:"low_factor"`
	ModerateFactor          float64 `koanf:"moderate_factor"`
	HighFactor              float64 `koanf:"high_factor"`
	CriticalFactor          float64 `koanf:"critical_factor"`
	// HardAvailabilityCap limits the recommendation to this share of the
	// available connections regardless of pressure bucket.
	HardAvailabilityCap float64 `koanf:"hard_availability_cap"`
}

// DefaultConfig returns the documented defaults: bounds [3,12], thresholds
// 0.5/0.7/0.85, factors 0.8/0.6/0.4/0.2, hard cap 60%, fallback 3.
func DefaultConfig() Config {
	return Config{
		MinConcurrentSteps:      3,
		MaxConcurrentStepsLimit: 12,
		EmergencyFallback:       3,
		ModerateThreshold:       0.5,
		HighThreshold:           0.7,
		CriticalThreshold:       0.85,
		LowFactor:               0.8,
		ModerateFactor:          0.6,
		HighFactor:              0.4,
		CriticalFactor:          0.2,
		HardAvailabilityCap:     0.6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinConcurrentSteps <= 0 {
		c.MinConcurrentSteps = d.MinConcurrentSteps
	}
	if c.MaxConcurrentStepsLimit <= 0 {
		c.MaxConcurrentStepsLimit = d.MaxConcurrentStepsLimit
	}
	if c.EmergencyFallback <= 0 {
		c.EmergencyFallback = d.EmergencyFallback
	}
	if c.ModerateThreshold <= 0 {
		c.ModerateThreshold = d.ModerateThreshold
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	if c.LowFactor <= 0 {
		c.LowFactor = d.LowFactor
	}
	if c.ModerateFactor <= 0 {
		c.ModerateFactor = d.ModerateFactor
	}
	if c.HighFactor <= 0 {
		c.HighFactor = d.HighFactor
	}
	if c.CriticalFactor <= 0 {
		c.CriticalFactor = d.CriticalFactor
	}
	if c.HardAvailabilityCap <= 0 {
		c.HardAvailabilityCap = d.HardAvailabilityCap
	}
	return c
}

// Advisor recommends a safe parallelism bound for the next execution batch
// from live pool pressure. It is the sole arbiter of dispatch concurrency and
// must be re-queried per batch.
type Advisor struct {
	probe PoolProbe
	cfg   Config
}

func New(probe PoolProbe, cfg Config) *Advisor {
	return &Advisor{probe: probe, cfg: cfg.withDefaults()}
}

// Bucket maps a utilization ratio to its pressure bucket.
func (a *Advisor) Bucket(utilization float64) Pressure {
	switch {
	case utilization >= a.cfg.CriticalThreshold:
		return PressureCritical
	case utilization >= a.cfg.HighThreshold:
		return PressureHigh
	case utilization >= a.cfg.ModerateThreshold:
		return PressureModerate
	default:
		return PressureLow
	}
}

func (a *Advisor) factor(p Pressure) float64 {
	switch p {
	case PressureCritical:
		return a.cfg.CriticalFactor
	case PressureHigh:
		return a.cfg.HighFactor
	case PressureModerate:
		return a.cfg.ModerateFactor
	default:
		return a.cfg.LowFactor
	}
}

// Recommended returns the parallelism bound for the next batch. A probe
// failure degrades to the emergency fallback with a warning; it never blocks
// execution and never returns zero or an unlimited value.
func (a *Advisor) Recommended(ctx context.Context) int {
	sample, err := a.probe.Sample(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("resource pool probe failed, using emergency fallback concurrency",
			"fallback", a.cfg.EmergencyFallback, "error", err)
		return a.cfg.EmergencyFallback
	}
	available := float64(sample.Available())
	bucket := a.Bucket(sample.Utilization())
	recommended := int(math.Floor(available * a.factor(bucket)))
	hardCap := int(math.Floor(available * a.cfg.HardAvailabilityCap))
	if recommended > hardCap {
		recommended = hardCap
	}
	return a.clamp(recommended)
}

func (a *Advisor) clamp(n int) int {
	if n < a.cfg.MinConcurrentSteps {
		return a.cfg.MinConcurrentSteps
	}
	if n > a.cfg.MaxConcurrentStepsLimit {
		return a.cfg.MaxConcurrentStepsLimit
	}
	return n
}
