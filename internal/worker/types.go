package worker

import (
	"context"
	"time"

	"github.com/Iron-Ham/armada/internal/store"
)

// State is a worker lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateRunning        State = "running"
	StateExecuting      State = "executing"
	StateWaitingOnModel State = "waiting_on_model"
	StatePaused         State = "paused"
	StateCompleted      State = "completed"
	StateError          State = "error"
	StateStopped        State = "stopped"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Terminal reports whether the worker has exited its loop.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateStopped
}

// active states are the ones a pause overrides.
func (s State) active() bool {
	return s == StateRunning || s == StateExecuting || s == StateWaitingOnModel
}

// Status is a point-in-time copy of a worker's progress.
type Status struct {
	ID              string    `json:"id"`
	Target          string    `json:"target"`
	Model           string    `json:"model"`
	State           State     `json:"state"`
	Reason          string    `json:"reason"`
	LastCommand     string    `json:"last_command,omitempty"`
	Iteration       int       `json:"iteration"`
	Executed        int       `json:"executed"`
	Skipped         int       `json:"skipped"`
	Findings        int       `json:"findings"`
	Specializations []string  `json:"specializations"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Recorder durably logs mission history. *store.Store satisfies it.
// Failures are logged by the worker and never change its behavior.
type Recorder interface {
	RecordFinding(ctx context.Context, f store.Finding) (int64, error)
	RecordTurn(ctx context.Context, t store.Turn) error
	RecordExecution(ctx context.Context, e store.Execution) error
	RecordDiscovery(ctx context.Context, d store.Discovery) (bool, error)
}

var _ Recorder = (*store.Store)(nil)

// Defaults.
const (
	DefaultMaxIterations   = 50
	DefaultEstimatedTokens = 2000
	DefaultModelTimeout    = 120 * time.Second
	DefaultExecTimeout     = 15 * time.Minute
	DefaultIterationPause  = 2 * time.Second
	DefaultErrorPause      = 3 * time.Second
	DefaultHistorySize     = 4
)

// Config is the per-worker mission configuration.
type Config struct {
	// MissionID scopes recorded history.
	MissionID string

	Target   string
	Category string
	Model    string

	// Instruction is optional operator guidance appended to the system
	// prompt.
	Instruction string

	Stealth bool

	// Tools lists the tool names offered to the model. Empty means the
	// default allowlist.
	Tools []string

	MaxIterations   int
	EstimatedTokens int
	ModelTimeout    time.Duration
	ExecTimeout     time.Duration
	IterationPause  time.Duration
	ErrorPause      time.Duration

	// HistorySize caps the conversation turns sent with each model call.
	HistorySize int

	// MaxDuration ends the mission after this much wall-clock time. Zero
	// means no limit.
	MaxDuration time.Duration
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig() Config {
	return Config{
		Category:        "general",
		MaxIterations:   DefaultMaxIterations,
		EstimatedTokens: DefaultEstimatedTokens,
		ModelTimeout:    DefaultModelTimeout,
		ExecTimeout:     DefaultExecTimeout,
		IterationPause:  DefaultIterationPause,
		ErrorPause:      DefaultErrorPause,
		HistorySize:     DefaultHistorySize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Category == "" {
		c.Category = d.Category
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.EstimatedTokens <= 0 {
		c.EstimatedTokens = d.EstimatedTokens
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = d.ModelTimeout
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.IterationPause < 0 {
		c.IterationPause = 0
	}
	if c.ErrorPause < 0 {
		c.ErrorPause = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

var specializationsByCategory = map[string][]string{
	"domain": {"network_recon", "osint", "subdomain_enum"},
	"ip":     {"network_recon", "port_scanning", "service_enum"},
	"url":    {"web_scanning", "vuln_scanning", "directory_enum"},
	"file":   {"static_analysis", "code_review"},
}

// Specializations returns the capabilities a worker advertises for a
// target category.
func Specializations(category string) []string {
	if s, ok := specializationsByCategory[category]; ok {
		return append([]string(nil), s...)
	}
	return []string{"general"}
}
