package ratebudget

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/logging"
)

// Default bookkeeping values.
const (
	Window                 = time.Minute
	DefaultMaxModels       = 10
	DefaultStaleAfter      = 10 * time.Minute
	DefaultCleanupInterval = 60 * time.Second
	MaxCooldown            = 300 * time.Second

	warnRatio     = 0.9
	pressureGrow  = 1.5
	successDecay  = 0.9
	jitterMinimum = 100 * time.Millisecond
	jitterSpread  = 400 * time.Millisecond
)

// State is the budget bookkeeping for one model.
type State struct {
	RequestsThisWindow int           `json:"requests_this_window"`
	TokensThisWindow   int           `json:"tokens_this_window"`
	WindowStart        time.Time     `json:"window_start"`
	LastRequest        time.Time     `json:"last_request,omitzero"`
	ConsecutiveErrors  int           `json:"consecutive_errors"`
	CurrentDelay       time.Duration `json:"current_delay"`
	CooldownUntil      time.Time     `json:"cooldown_until,omitzero"`
}

// Status pairs a model's state with its resolved limits.
type Status struct {
	Model  string `json:"model"`
	State  State  `json:"state"`
	Limits Limits `json:"limits"`
}

// Decision is the outcome of Acquire.
type Decision struct {
	// Proceed is false only during a cooldown.
	Proceed bool
	// Wait is how long the caller should sleep before calling the model.
	Wait   time.Duration
	Reason string
}

type modelState struct {
	State
	limits Limits
	seen   time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaults replaces the fallback limits.
func WithDefaults(l Limits) Option {
	return func(m *Manager) { m.defaults = l.merge(DefaultLimits) }
}

// WithModelLimits adds or replaces per-model overrides.
func WithModelLimits(overrides map[string]Limits) Option {
	return func(m *Manager) {
		for k, v := range overrides {
			m.overrides[k] = v
		}
	}
}

// WithMaxModels caps the number of tracked models.
func WithMaxModels(n int) Option {
	return func(m *Manager) { m.maxModels = n }
}

// WithStaleAfter sets the idle window after which a model's state is dropped.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithBus publishes a RateCooldownEvent whenever a cooldown starts.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager tracks request and token budgets per model.
// It is safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	states      map[string]*modelState
	defaults    Limits
	overrides   map[string]Limits
	maxModels   int
	staleAfter  time.Duration
	lastCleanup time.Time

	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
	jitter func() time.Duration
}

// NewManager creates a Manager seeded with BuiltinModelLimits.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		states:     make(map[string]*modelState),
		defaults:   DefaultLimits,
		overrides:  make(map[string]Limits, len(BuiltinModelLimits)),
		maxModels:  DefaultMaxModels,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		jitter: func() time.Duration {
			return jitterMinimum + time.Duration(rand.Int64N(int64(jitterSpread)))
		},
	}
	for k, v := range BuiltinModelLimits {
		m.overrides[k] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).WithComponent("ratebudget")
	return m
}

// LimitsFor returns the limits that apply to model.
func (m *Manager) LimitsFor(model string) Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(model, m.defaults, m.overrides)
}

// Acquire asks for permission to send one request of roughly
// estimatedTokens to model. During a cooldown Proceed is false and Wait is
// the remaining cooldown. Otherwise Proceed is true and Wait is the pacing
// delay the caller should sleep first.
func (m *Manager) Acquire(model string, estimatedTokens int) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeCleanupLocked(now)
	st := m.stateLocked(model, now)

	if !st.CooldownUntil.IsZero() {
		if now.Before(st.CooldownUntil) {
			return Decision{
				Proceed: false,
				Wait:    st.CooldownUntil.Sub(now),
				Reason:  fmt.Sprintf("cooldown active (%d consecutive errors)", st.ConsecutiveErrors),
			}
		}
		st.CooldownUntil = time.Time{}
		st.ConsecutiveErrors = 0
	}

	elapsed := now.Sub(st.WindowStart)
	if elapsed >= Window {
		st.RequestsThisWindow = 0
		st.TokensThisWindow = 0
		st.WindowStart = now
		st.CurrentDelay = st.limits.MinDelay
		elapsed = 0
	}
	remaining := Window - elapsed

	if float64(st.RequestsThisWindow) >= warnRatio*float64(st.limits.RequestsPerMinute) {
		m.growLocked(st)
		return Decision{
			Proceed: true,
			Wait:    remaining,
			Reason: fmt.Sprintf("approaching request limit (%d/%d)",
				st.RequestsThisWindow, st.limits.RequestsPerMinute),
		}
	}

	if float64(st.TokensThisWindow+estimatedTokens) >= warnRatio*float64(st.limits.TokensPerMinute) {
		m.growLocked(st)
		return Decision{
			Proceed: true,
			Wait:    max(remaining, st.CurrentDelay),
			Reason: fmt.Sprintf("approaching token limit (%d/%d)",
				st.TokensThisWindow, st.limits.TokensPerMinute),
		}
	}

	wait := st.CurrentDelay
	if !st.LastRequest.IsZero() {
		wait -= now.Sub(st.LastRequest)
	}
	return Decision{
		Proceed: true,
		Wait:    max(0, wait) + m.jitter(),
		Reason:  "within budget",
	}
}

func (m *Manager) growLocked(st *modelState) {
	st.CurrentDelay = min(time.Duration(float64(st.CurrentDelay)*pressureGrow), st.limits.MaxDelay)
}

// RecordRequest records the outcome of one request. Success decays the
// pacing delay toward MinDelay; failure grows it by the backoff multiplier.
func (m *Manager) RecordRequest(model string, tokensUsed int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.stateLocked(model, now)
	st.RequestsThisWindow++
	st.TokensThisWindow += tokensUsed
	st.LastRequest = now

	if success {
		st.ConsecutiveErrors = 0
		st.CurrentDelay = max(time.Duration(float64(st.CurrentDelay)*successDecay), st.limits.MinDelay)
		return
	}
	st.ConsecutiveErrors++
	st.CurrentDelay = min(time.Duration(float64(st.CurrentDelay)*st.limits.BackoffMultiplier), st.limits.MaxDelay)
}

// HandleRateLimitError puts model into cooldown after the service signalled
// a rate limit. retryAfter is used when positive; otherwise the cooldown is
// MaxDelay doubled per consecutive error, capped at MaxCooldown. Returns
// the cooldown applied.
func (m *Manager) HandleRateLimitError(model string, retryAfter time.Duration) time.Duration {
	m.mu.Lock()
	now := m.now()
	st := m.stateLocked(model, now)

	cooldown := retryAfter
	if cooldown <= 0 {
		backoff := float64(st.limits.MaxDelay) * math.Pow(2, float64(st.ConsecutiveErrors))
		cooldown = time.Duration(math.Min(backoff, float64(MaxCooldown)))
	}
	st.ConsecutiveErrors++
	st.CooldownUntil = now.Add(cooldown)
	errs := st.ConsecutiveErrors
	m.mu.Unlock()

	m.logger.Warn("model rate limited, entering cooldown",
		"model", model, "cooldown", cooldown, "consecutive_errors", errs)
	m.bus.Publish(event.NewRateCooldownEvent(model, now.Add(cooldown)))
	return cooldown
}

// Status returns the bookkeeping for model, if tracked.
func (m *Manager) Status(model string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[model]
	if !ok {
		return Status{}, false
	}
	return Status{Model: model, State: st.State, Limits: st.limits}, true
}

// Statuses returns the bookkeeping for every tracked model, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.states))
	for name, st := range m.states {
		out = append(out, Status{Model: name, State: st.State, Limits: st.limits})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func (m *Manager) stateLocked(model string, now time.Time) *modelState {
	st, ok := m.states[model]
	if !ok {
		limits := lookup(model, m.defaults, m.overrides)
		st = &modelState{
			State: State{
				WindowStart:  now,
				CurrentDelay: limits.MinDelay,
			},
			limits: limits,
		}
		m.states[model] = st
		if over := len(m.states) - m.maxModels; over > 0 {
			m.evictOldestLocked(over, model)
		}
	}
	st.seen = now
	return st
}

func (m *Manager) maybeCleanupLocked(now time.Time) {
	if now.Sub(m.lastCleanup) < DefaultCleanupInterval {
		return
	}
	m.lastCleanup = now
	for name, st := range m.states {
		if now.Sub(st.seen) > m.staleAfter && now.After(st.CooldownUntil) {
			delete(m.states, name)
		}
	}
}

// evictOldestLocked drops the n least recently used models other than keep.
func (m *Manager) evictOldestLocked(n int, keep string) {
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		if name != keep {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return m.states[names[i]].seen.Before(m.states[names[j]].seen)
	})
	for i := 0; i < n && i < len(names); i++ {
		delete(m.states, names[i])
	}
}
