package throttle

import (
	"context"
	"time"
)

// Level is the resolved resource-pressure band.
type Level int

const (
	LevelNone Level = iota
	LevelLight
	LevelModerate
	LevelHeavy
	LevelPause
)

var levelNames = [...]string{"none", "light", "moderate", "heavy", "pause"}

// String returns the lower-case level name.
func (l Level) String() string {
	if l < LevelNone || l > LevelPause {
		return "unknown"
	}
	return levelNames[l]
}

// Multiplier returns the factor applied to the base delay at this level.
func (l Level) Multiplier() float64 {
	switch l {
	case LevelLight:
		return 1.5
	case LevelModerate:
		return 2.5
	case LevelHeavy:
		return 5.0
	case LevelPause:
		return 15.0
	default:
		return 1.0
	}
}

// adjective describes a breached band in reason strings.
func (l Level) adjective() string {
	switch l {
	case LevelLight:
		return "moderate"
	case LevelModerate:
		return "elevated"
	case LevelHeavy:
		return "high"
	case LevelPause:
		return "critical"
	default:
		return "normal"
	}
}

// Thresholds are the ascending percent cutoffs for one resource dimension.
type Thresholds struct {
	Light    float64 `json:"light"`
	Moderate float64 `json:"moderate"`
	Heavy    float64 `json:"heavy"`
	Pause    float64 `json:"pause"`
}

// Default thresholds.
var (
	DefaultCPUThresholds    = Thresholds{Light: 60, Moderate: 75, Heavy: 85, Pause: 95}
	DefaultMemoryThresholds = Thresholds{Light: 60, Moderate: 75, Heavy: 85, Pause: 92}
)

// Level maps a usage percentage onto a band.
func (t Thresholds) Level(percent float64) Level {
	switch {
	case percent >= t.Pause:
		return LevelPause
	case percent >= t.Heavy:
		return LevelHeavy
	case percent >= t.Moderate:
		return LevelModerate
	case percent >= t.Light:
		return LevelLight
	default:
		return LevelNone
	}
}

// Valid reports whether the cutoffs are positive and strictly ascending.
func (t Thresholds) Valid() bool {
	return t.Light > 0 && t.Light < t.Moderate && t.Moderate < t.Heavy && t.Heavy < t.Pause && t.Pause <= 100
}

// Resources is one host usage sample.
type Resources struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Sampler reports current host resource usage. Implementations should be
// cheap; the Throttle caches samples itself.
type Sampler interface {
	Sample(ctx context.Context) (Resources, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Resources, error)

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx context.Context) (Resources, error) {
	return f(ctx)
}

// State is the per-worker throttle state.
type State struct {
	Level                Level         `json:"level"`
	BaseDelay            time.Duration `json:"base_delay"`
	CurrentDelay         time.Duration `json:"current_delay"`
	PauseUntil           time.Time     `json:"pause_until,omitzero"`
	ConsecutiveHighUsage int           `json:"consecutive_high_usage"`
	LastCheck            time.Time     `json:"last_check"`
	LastReason           string        `json:"last_reason"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Level          Level
	ShouldPause    bool
	PauseRemaining time.Duration
	Delay          time.Duration
	Reason         string
	Resources      Resources
}

// Wait returns how long the caller should suspend for this decision.
func (d Decision) Wait() time.Duration {
	if d.ShouldPause {
		return d.PauseRemaining
	}
	return d.Delay
}
