package ratebudget

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/armada/internal/event"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(opts ...Option) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(opts...)
	m.now = clock.Now
	m.jitter = func() time.Duration { return 0 }
	return m, clock
}

func TestLimitsFor(t *testing.T) {
	m := NewManager(WithModelLimits(map[string]Limits{
		"my-local": {RequestsPerMinute: 5},
	}))

	tests := []struct {
		model    string
		wantRPM  int
		wantMinD time.Duration
	}{
		{"openai/gpt-4o-mini", 100, 600 * time.Millisecond},
		{"openai/gpt-4o", 60, time.Second},
		{"anthropic/Claude-3-Opus-20240229", 30, 2 * time.Second},
		{"anthropic/claude-3-5-sonnet", 50, 1200 * time.Millisecond},
		{"mistral/unknown-model", 60, time.Second},
		{"local/my-local-7b", 5, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := m.LimitsFor(tt.model)
			if got.RequestsPerMinute != tt.wantRPM {
				t.Errorf("RPM = %d, want %d", got.RequestsPerMinute, tt.wantRPM)
			}
			if got.MinDelay != tt.wantMinD {
				t.Errorf("MinDelay = %v, want %v", got.MinDelay, tt.wantMinD)
			}
			if got.TokensPerMinute != DefaultLimits.TokensPerMinute || got.MaxDelay != DefaultLimits.MaxDelay {
				t.Errorf("unset fields not inherited from defaults: %+v", got)
			}
		})
	}
}

func TestAcquireFreshModel(t *testing.T) {
	m, _ := newTestManager()
	d := m.Acquire("gpt-4o", 2000)
	if !d.Proceed {
		t.Fatal("fresh model should proceed")
	}
	if d.Wait != time.Second {
		t.Errorf("Wait = %v, want min delay 1s", d.Wait)
	}
}

func TestAcquireSubtractsElapsed(t *testing.T) {
	m, clock := newTestManager()
	m.Acquire("gpt-4o", 100)
	m.RecordRequest("gpt-4o", 100, true)

	clock.Advance(400 * time.Millisecond)
	d := m.Acquire("gpt-4o", 100)
	if d.Wait != 600*time.Millisecond {
		t.Errorf("Wait = %v, want 600ms", d.Wait)
	}

	clock.Advance(5 * time.Second)
	if d := m.Acquire("gpt-4o", 100); d.Wait != 0 {
		t.Errorf("Wait after a long gap = %v, want 0", d.Wait)
	}
}

func TestRequestBudgetHint(t *testing.T) {
	m, _ := newTestManager(WithModelLimits(map[string]Limits{
		"tiny": {RequestsPerMinute: 2},
	}))

	var last Decision
	for i := 0; i < 3; i++ {
		last = m.Acquire("tiny", 10)
		if !last.Proceed {
			t.Fatalf("cycle %d: Proceed = false", i+1)
		}
		m.RecordRequest("tiny", 10, true)
	}
	if last.Wait <= 0 {
		t.Errorf("third Wait = %v, want a non-zero hint", last.Wait)
	}
	if last.Wait != Window {
		t.Errorf("third Wait = %v, want remaining window %v", last.Wait, Window)
	}
	if !strings.Contains(last.Reason, "request limit") {
		t.Errorf("Reason = %q", last.Reason)
	}

	st, _ := m.Status("tiny")
	if st.State.CurrentDelay != 1500*time.Millisecond {
		t.Errorf("CurrentDelay = %v, want grown to 1.5s", st.State.CurrentDelay)
	}
}

func TestTokenBudgetHint(t *testing.T) {
	m, clock := newTestManager(WithModelLimits(map[string]Limits{
		"small": {TokensPerMinute: 10000},
	}))

	m.Acquire("small", 5000)
	m.RecordRequest("small", 5000, true)
	clock.Advance(20 * time.Second)

	d := m.Acquire("small", 5000)
	if !d.Proceed || d.Wait != 40*time.Second {
		t.Errorf("Decision = %+v, want proceed with 40s wait", d)
	}
	if !strings.Contains(d.Reason, "token limit") {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestWindowReset(t *testing.T) {
	m, clock := newTestManager(WithModelLimits(map[string]Limits{
		"tiny": {RequestsPerMinute: 2},
	}))
	for i := 0; i < 2; i++ {
		m.Acquire("tiny", 1)
		m.RecordRequest("tiny", 1, false)
	}

	clock.Advance(Window)
	d := m.Acquire("tiny", 1)
	if d.Reason != "within budget" {
		t.Errorf("after window reset Reason = %q, want within budget", d.Reason)
	}
	st, _ := m.Status("tiny")
	if st.State.RequestsThisWindow != 0 || st.State.CurrentDelay != time.Second {
		t.Errorf("window not reset: %+v", st.State)
	}
}

func TestRecordRequestBackoffAndDecay(t *testing.T) {
	m, _ := newTestManager()
	const model = "gpt-4o"

	m.RecordRequest(model, 10, false)
	m.RecordRequest(model, 10, false)
	st, _ := m.Status(model)
	if st.State.CurrentDelay != 4*time.Second || st.State.ConsecutiveErrors != 2 {
		t.Errorf("after two failures: %+v", st.State)
	}

	for i := 0; i < 10; i++ {
		m.RecordRequest(model, 10, false)
	}
	st, _ = m.Status(model)
	if st.State.CurrentDelay != 30*time.Second {
		t.Errorf("delay = %v, want capped at 30s", st.State.CurrentDelay)
	}

	m.RecordRequest(model, 10, true)
	st, _ = m.Status(model)
	if st.State.CurrentDelay != 27*time.Second || st.State.ConsecutiveErrors != 0 {
		t.Errorf("after success: %+v", st.State)
	}

	for i := 0; i < 100; i++ {
		m.RecordRequest(model, 10, true)
	}
	st, _ = m.Status(model)
	if st.State.CurrentDelay != time.Second {
		t.Errorf("delay = %v, want floor at min delay", st.State.CurrentDelay)
	}
	if st.State.TokensThisWindow != 1130 {
		t.Errorf("TokensThisWindow = %d, want 1130", st.State.TokensThisWindow)
	}
}

func TestCooldown(t *testing.T) {
	bus := event.NewBus()
	var cooldowns []string
	bus.Subscribe(event.TypeRateCooldown, func(e event.Event) {
		cooldowns = append(cooldowns, e.(event.RateCooldownEvent).Model)
	})
	m, clock := newTestManager(WithBus(bus))
	const model = "gpt-4o"

	got := m.HandleRateLimitError(model, 0)
	if got != 30*time.Second {
		t.Fatalf("cooldown = %v, want maxDelay 30s", got)
	}
	if len(cooldowns) != 1 || cooldowns[0] != model {
		t.Errorf("cooldown events = %v", cooldowns)
	}

	d := m.Acquire(model, 100)
	if d.Proceed || d.Wait != 30*time.Second {
		t.Errorf("during cooldown = %+v, want proceed=false wait=30s", d)
	}

	clock.Advance(29 * time.Second)
	if d := m.Acquire(model, 100); d.Proceed {
		t.Error("should still be cooling down")
	}

	clock.Advance(time.Second)
	if d := m.Acquire(model, 100); !d.Proceed {
		t.Errorf("after cooldown = %+v, want proceed", d)
	}
	st, _ := m.Status(model)
	if st.State.ConsecutiveErrors != 0 || !st.State.CooldownUntil.IsZero() {
		t.Errorf("cooldown not cleared: %+v", st.State)
	}
}

func TestCooldownExponentialAndRetryAfter(t *testing.T) {
	m, _ := newTestManager()
	const model = "gpt-4o"

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second, 300 * time.Second}
	for i, w := range want {
		if got := m.HandleRateLimitError(model, 0); got != w {
			t.Errorf("cooldown %d = %v, want %v", i, got, w)
		}
	}

	if got := m.HandleRateLimitError("claude-3-haiku", 7*time.Second); got != 7*time.Second {
		t.Errorf("retry-after cooldown = %v, want 7s", got)
	}
}

func TestModelEviction(t *testing.T) {
	m, clock := newTestManager(WithMaxModels(2))
	m.Acquire("a", 1)
	clock.Advance(time.Second)
	m.Acquire("b", 1)
	clock.Advance(time.Second)
	m.Acquire("c", 1)

	if _, ok := m.Status("a"); ok {
		t.Error("least recently used model should have been evicted")
	}
	if n := len(m.Statuses()); n != 2 {
		t.Errorf("tracked = %d, want 2", n)
	}

	clock.Advance(11 * time.Minute)
	m.Acquire("d", 1)
	statuses := m.Statuses()
	if len(statuses) != 1 || statuses[0].Model != "d" {
		t.Errorf("after stale cleanup: %+v", statuses)
	}
}

func TestConcurrentUse(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Acquire("gpt-4o", 10)
				m.RecordRequest("gpt-4o", 10, j%7 != 0)
			}
		}()
	}
	wg.Wait()

	st, _ := m.Status("gpt-4o")
	if st.State.RequestsThisWindow != 1000 {
		t.Errorf("RequestsThisWindow = %d, want 1000", st.State.RequestsThisWindow)
	}
}
