package throttle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/logging"
)

// Default policy values.
const (
	DefaultBaseDelay       = 1 * time.Second
	StealthBaseDelay       = 1500 * time.Millisecond
	DefaultCacheTTL        = 1 * time.Second
	DefaultStaleAfter      = 5 * time.Minute
	DefaultCleanupInterval = 30 * time.Second
	DefaultMaxWorkers      = 15
)

const (
	defaultPauseAfter   = 3
	defaultPauseStep    = 10 * time.Second
	defaultMaxPause     = 60 * time.Second
	defaultUnpausedWait = 10 * time.Second

	jitterMin = 0.8
	jitterMax = 1.2

	reasonNormal            = "Resources normal"
	reasonSampleUnavailable = "Resource sample unavailable"
)

// PauseHandler is called outside the throttle lock when a worker enters a
// timed pause.
type PauseHandler func(workerID string, d Decision)

// Option configures a Throttle.
type Option func(*Throttle)

// WithBaseDelay sets the delay applied at LevelNone.
func WithBaseDelay(d time.Duration) Option {
	return func(t *Throttle) { t.baseDelay = d }
}

// WithThresholds sets the CPU and memory cutoffs.
func WithThresholds(cpu, mem Thresholds) Option {
	return func(t *Throttle) {
		t.cpu = cpu
		t.mem = mem
	}
}

// WithCacheTTL sets how long a resource sample is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(t *Throttle) { t.cacheTTL = d }
}

// WithStaleAfter sets the inactivity window after which a worker's state
// is evicted.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Throttle) { t.staleAfter = d }
}

// WithCleanupInterval sets the minimum time between cleanup passes.
func WithCleanupInterval(d time.Duration) Option {
	return func(t *Throttle) { t.cleanupInterval = d }
}

// WithMaxWorkers caps the number of tracked worker states.
func WithMaxWorkers(n int) Option {
	return func(t *Throttle) { t.maxWorkers = n }
}

// WithPauseHandler registers a callback for pause onsets.
func WithPauseHandler(h PauseHandler) Option {
	return func(t *Throttle) { t.onPause = append(t.onPause, h) }
}

// WithBus publishes a ThrottlePausedEvent on pause onsets.
func WithBus(bus *event.Bus) Option {
	return func(t *Throttle) { t.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Throttle) { t.logger = l }
}

// Throttle computes per-worker admission delays from host resource
// pressure. It is safe for concurrent use.
type Throttle struct {
	mu          sync.Mutex
	sampler     Sampler
	states      map[string]*State
	cached      Resources
	cachedErr   bool
	cachedAt    time.Time
	lastCleanup time.Time

	cpu, mem        Thresholds
	baseDelay       time.Duration
	cacheTTL        time.Duration
	staleAfter      time.Duration
	cleanupInterval time.Duration
	maxWorkers      int

	onPause []PauseHandler
	bus     *event.Bus
	logger  *logging.Logger

	now    func() time.Time
	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Throttle that reads host usage from sampler.
func New(sampler Sampler, opts ...Option) *Throttle {
	t := &Throttle{
		sampler:         sampler,
		states:          make(map[string]*State),
		cpu:             DefaultCPUThresholds,
		mem:             DefaultMemoryThresholds,
		baseDelay:       DefaultBaseDelay,
		cacheTTL:        DefaultCacheTTL,
		staleAfter:      DefaultStaleAfter,
		cleanupInterval: DefaultCleanupInterval,
		maxWorkers:      DefaultMaxWorkers,
		now:             time.Now,
		jitter:          func() float64 { return jitterMin + rand.Float64()*(jitterMax-jitterMin) },
		sleep:           sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger).WithComponent("throttle")
	return t
}

// CheckAndThrottle samples resource usage and returns the admission
// decision for workerID, updating its state.
func (t *Throttle) CheckAndThrottle(ctx context.Context, workerID string) Decision {
	t.mu.Lock()
	now := t.now()
	t.maybeCleanupLocked(now)
	st := t.stateLocked(workerID, now)
	st.LastCheck = now

	if !st.PauseUntil.IsZero() && now.Before(st.PauseUntil) {
		remaining := st.PauseUntil.Sub(now)
		d := Decision{
			Level:          LevelPause,
			ShouldPause:    true,
			PauseRemaining: remaining,
			Delay:          remaining,
			Reason:         st.LastReason,
			Resources:      t.cached,
		}
		t.mu.Unlock()
		return d
	}
	t.mu.Unlock()

	res, ok := t.resources(ctx)

	t.mu.Lock()
	now = t.now()
	// The state may have been evicted while sampling.
	st = t.stateLocked(workerID, now)
	st.LastCheck = now

	level, reason := LevelNone, reasonNormal
	if ok {
		level, reason = t.assess(res)
	} else {
		reason = reasonSampleUnavailable
	}

	d := Decision{Level: level, Reason: reason, Resources: res}
	paused := false
	if level == LevelPause {
		st.ConsecutiveHighUsage++
		if st.ConsecutiveHighUsage >= defaultPauseAfter {
			pause := time.Duration(st.ConsecutiveHighUsage) * defaultPauseStep
			if pause > defaultMaxPause {
				pause = defaultMaxPause
			}
			st.PauseUntil = now.Add(pause)
			d.ShouldPause = true
			d.PauseRemaining = pause
			paused = true
		}
	} else {
		if st.ConsecutiveHighUsage > 0 {
			st.ConsecutiveHighUsage--
		}
		st.PauseUntil = time.Time{}
	}

	if d.ShouldPause {
		d.Delay = d.PauseRemaining
	} else {
		d.Delay = time.Duration(float64(st.BaseDelay) * level.Multiplier() * t.jitter())
	}
	st.Level = level
	st.CurrentDelay = d.Delay
	st.LastReason = reason
	handlers := t.onPause
	t.mu.Unlock()

	if paused {
		t.logger.Warn("worker paused for resource pressure",
			"worker_id", workerID, "pause", d.PauseRemaining, "reason", reason)
		t.bus.Publish(event.NewThrottlePausedEvent(workerID, now.Add(d.PauseRemaining), reason))
		for _, h := range handlers {
			h(workerID, d)
		}
	}
	return d
}

// WaitForResources checks admission for workerID and suspends the caller
// for the resulting delay or pause. It returns the decision it slept on,
// or ctx.Err() if the context ended first.
func (t *Throttle) WaitForResources(ctx context.Context, workerID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	d := t.CheckAndThrottle(ctx, workerID)
	wait := d.Wait()
	if d.ShouldPause && wait <= 0 {
		wait = defaultUnpausedWait
	}
	return d, t.sleep(ctx, wait)
}

// assess maps a sample onto the higher of the CPU and memory levels and
// builds a reason for every breached dimension.
func (t *Throttle) assess(r Resources) (Level, string) {
	cpuLevel := t.cpu.Level(r.CPUPercent)
	memLevel := t.mem.Level(r.MemoryPercent)

	var reasons []string
	if cpuLevel > LevelNone {
		reasons = append(reasons, fmt.Sprintf("CPU %s (%.1f%%)", cpuLevel.adjective(), r.CPUPercent))
	}
	if memLevel > LevelNone {
		reasons = append(reasons, fmt.Sprintf("Memory %s (%.1f%%)", memLevel.adjective(), r.MemoryPercent))
	}
	if len(reasons) == 0 {
		return LevelNone, reasonNormal
	}
	return max(cpuLevel, memLevel), strings.Join(reasons, "; ")
}

// resources returns a cached sample when fresh, otherwise samples without
// holding the lock.
func (t *Throttle) resources(ctx context.Context) (Resources, bool) {
	t.mu.Lock()
	if !t.cachedAt.IsZero() && t.now().Sub(t.cachedAt) < t.cacheTTL {
		r, ok := t.cached, !t.cachedErr
		t.mu.Unlock()
		return r, ok
	}
	t.mu.Unlock()

	r, err := t.sampler.Sample(ctx)
	if err != nil {
		t.logger.Warn("resource sample failed", "error", err)
		r = Resources{}
	}

	t.mu.Lock()
	t.cachedAt = t.now()
	t.cachedErr = err != nil
	t.cached = r
	t.mu.Unlock()
	return r, err == nil
}

func (t *Throttle) stateLocked(workerID string, now time.Time) *State {
	if st, ok := t.states[workerID]; ok {
		return st
	}
	st := &State{
		BaseDelay:    t.baseDelay,
		CurrentDelay: t.baseDelay,
		LastCheck:    now,
		LastReason:   reasonNormal,
	}
	t.states[workerID] = st
	if len(t.states) > t.maxWorkers {
		t.evictOldestLocked(len(t.states)-t.maxWorkers, workerID)
	}
	return st
}

func (t *Throttle) maybeCleanupLocked(now time.Time) {
	if now.Sub(t.lastCleanup) < t.cleanupInterval {
		return
	}
	t.lastCleanup = now

	for id, st := range t.states {
		if now.Sub(st.LastCheck) > t.staleAfter {
			delete(t.states, id)
		}
	}
	if over := len(t.states) - t.maxWorkers; over > 0 {
		t.evictOldestLocked(over, "")
	}
}

// evictOldestLocked removes the n least recently checked states, never
// touching keep.
func (t *Throttle) evictOldestLocked(n int, keep string) {
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		if id != keep {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return t.states[ids[i]].LastCheck.Before(t.states[ids[j]].LastCheck)
	})
	for i := 0; i < n && i < len(ids); i++ {
		delete(t.states, ids[i])
	}
}

// State returns a copy of the state tracked for workerID.
func (t *Throttle) State(workerID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[workerID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// States returns copies of every tracked worker state.
func (t *Throttle) States() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.states))
	for id, st := range t.states {
		out[id] = *st
	}
	return out
}

// Reset forgets the state of workerID, e.g. when the worker exits.
func (t *Throttle) Reset(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, workerID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
