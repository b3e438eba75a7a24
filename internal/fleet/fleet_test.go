package fleet

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/armada/internal/errors"
	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/model"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/throttle"
	"github.com/Iron-Ham/armada/internal/worker"
)

const endResponse = `{"status": "END"}`

// gateExecutor holds every execution until want executions are in flight.
type gateExecutor struct {
	mu       sync.Mutex
	want     int
	inFlight int
	gate     chan struct{}
	commands []string
}

func newGateExecutor(want int) *gateExecutor {
	return &gateExecutor{want: want, gate: make(chan struct{})}
}

func (e *gateExecutor) Execute(ctx context.Context, cmd string) string {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.inFlight++
	if e.inFlight == e.want {
		close(e.gate)
	}
	e.mu.Unlock()

	select {
	case <-e.gate:
		return "ok"
	case <-ctx.Done():
		return "cancelled"
	case <-time.After(2 * time.Second):
		return "gate timeout"
	}
}

func (e *gateExecutor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

func idleSampler() throttle.Sampler {
	return throttle.SamplerFunc(func(context.Context) (throttle.Resources, error) {
		return throttle.Resources{CPUPercent: 5, MemoryPercent: 5}, nil
	})
}

// testConfig keeps every real-time delay in the worker loop short.
func testConfig(workers int, seed ...string) Config {
	return Config{
		MissionID: "mission-test",
		Workers:   workers,
		Worker: worker.Config{
			Target:        "10.0.0.1",
			Category:      "ip",
			Model:         "test/model",
			MaxIterations: 3,
		},
		Seed:            seed,
		ThrottleOptions: []throttle.Option{throttle.WithBaseDelay(time.Microsecond)},
		BudgetOptions: []ratebudget.Option{
			ratebudget.WithDefaults(ratebudget.Limits{MinDelay: time.Millisecond}),
		},
	}
}

func endModel() model.Client {
	return model.ClientFunc(func(context.Context, string, string, string, []model.Turn) (string, error) {
		return endResponse, nil
	})
}

func runFleet(t *testing.T, f *Fleet, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		f.Stop()
		t.Fatal("fleet did not finish")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	deps := Deps{Executor: newGateExecutor(1), Model: endModel(), Sampler: idleSampler()}

	tests := []struct {
		name string
		cfg  Config
		deps Deps
		want error
	}{
		{name: "no workers", cfg: Config{Worker: worker.Config{Target: "x"}}, deps: deps, want: ErrNoWorkers},
		{name: "no target", cfg: Config{Workers: 1}, deps: deps, want: ErrNoTarget},
		{name: "missing deps", cfg: Config{Workers: 1, Worker: worker.Config{Target: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			if err == nil {
				t.Fatal("New() error = nil")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNew_GeneratesMissionID(t *testing.T) {
	cfg := testConfig(1)
	cfg.MissionID = ""
	f, err := New(cfg, Deps{Executor: newGateExecutor(1), Model: endModel(), Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(f.MissionID()) != 36 {
		t.Errorf("MissionID = %q, want a UUID", f.MissionID())
	}
	for _, st := range f.Workers() {
		if st.ID == "" || st.Target != "10.0.0.1" {
			t.Errorf("worker status = %+v", st)
		}
	}
}

// Two seeded commands and three workers: each command runs exactly once,
// on two different workers, and the mission ends when the model says END.
func TestFleet_SharedQueueEndToEnd(t *testing.T) {
	exec := newGateExecutor(2)
	bus := event.NewBus()

	var (
		mu       sync.Mutex
		finished []event.MissionFinishedEvent
	)
	bus.Subscribe(event.TypeMissionFinished, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, e.(event.MissionFinishedEvent))
	})

	f, err := New(testConfig(3, "RUN nmap -sV 10.0.0.1", "RUN nikto -h 10.0.0.1"), Deps{
		Executor: exec,
		Model:    endModel(),
		Sampler:  idleSampler(),
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := runFleet(t, f, context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := exec.Commands(); len(got) != 2 {
		t.Fatalf("executed = %v, want 2 commands", got)
	}

	snap := f.Queue().Snapshot()
	if snap.TotalCompleted != 2 || len(snap.Pending) != 0 || len(snap.Executing) != 0 {
		t.Errorf("queue = %+v", snap)
	}
	claimers := make(map[string]bool)
	for _, it := range f.Queue().History() {
		claimers[it.ClaimedBy] = true
	}
	if len(claimers) != 2 {
		t.Errorf("claimed by %v, want 2 distinct workers", claimers)
	}

	for _, st := range f.Workers() {
		if st.State != worker.StateCompleted {
			t.Errorf("%s state = %s, want completed", st.ID, st.State)
		}
	}
	if !f.Done() {
		t.Error("Done() = false after Run returned")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 {
		t.Fatalf("mission finished events = %d, want 1", len(finished))
	}
	if got := finished[0]; got.MissionID != "mission-test" || got.Workers != 3 || got.Failed != 0 {
		t.Errorf("event = %+v", got)
	}
}

func TestFleet_FailedWorkerDoesNotStopSiblings(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	client := model.ClientFunc(func(context.Context, string, string, string, []model.Turn) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", errors.NewUpstreamError(errors.KindUnauthorized, "openrouter", "bad key", nil)
		}
		return endResponse, nil
	})

	f, err := New(testConfig(2), Deps{Executor: newGateExecutor(1), Model: client, Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = runFleet(t, f, context.Background())
	if !errors.IsFatal(err) {
		t.Fatalf("Run() error = %v, want fatal", err)
	}

	states := make(map[worker.State]int)
	for _, st := range f.Workers() {
		states[st.State]++
	}
	if states[worker.StateError] != 1 || states[worker.StateCompleted] != 1 {
		t.Errorf("states = %v, want one error and one completed", states)
	}
}

func TestFleet_Stop(t *testing.T) {
	blocked := make(chan struct{}, 4)
	client := model.ClientFunc(func(ctx context.Context, _, _, _ string, _ []model.Turn) (string, error) {
		blocked <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})

	f, err := New(testConfig(2), Deps{Executor: newGateExecutor(1), Model: client, Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	for range 2 {
		select {
		case <-blocked:
		case <-time.After(5 * time.Second):
			t.Fatal("workers never reached the model")
		}
	}
	f.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	for _, st := range f.Workers() {
		if st.State != worker.StateStopped {
			t.Errorf("%s state = %s, want stopped", st.ID, st.State)
		}
	}
}

func TestFleet_PauseResume(t *testing.T) {
	f, err := New(testConfig(2), Deps{Executor: newGateExecutor(1), Model: endModel(), Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if n := f.Pause(); n != 2 {
		t.Fatalf("Pause() = %d, want 2", n)
	}
	if n := f.Pause(); n != 0 {
		t.Errorf("second Pause() = %d, want 0", n)
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Run returned while every worker was paused")
	case <-time.After(50 * time.Millisecond):
	}

	if n := f.Resume(); n != 2 {
		t.Errorf("Resume() = %d, want 2", n)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		f.Stop()
		t.Fatal("Run did not finish after Resume")
	}
}

func TestFleet_RunTwice(t *testing.T) {
	f, err := New(testConfig(1), Deps{Executor: newGateExecutor(1), Model: endModel(), Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := runFleet(t, f, context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := f.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestFleet_StateDirRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig(1, "RUN whois example.com")
	cfg.StateDir = dir
	cfg.Worker.MaxIterations = 1
	blocked := make(chan struct{})
	client := model.ClientFunc(func(ctx context.Context, _, _, _ string, _ []model.Turn) (string, error) {
		close(blocked)
		<-ctx.Done()
		return "", ctx.Err()
	})
	exec := newGateExecutor(1)
	f, err := New(cfg, Deps{Executor: exec, Model: client, Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.Queue().AddMany([]string{"RUN dig example.com"})

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	<-blocked
	f.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	restored, err := New(testConfig(1), Deps{Executor: exec, Model: endModel(), Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := restored.Queue().Snapshot().TotalCompleted; got != 0 {
		t.Errorf("fresh fleet TotalCompleted = %d, want 0", got)
	}

	cfg2 := testConfig(1)
	cfg2.StateDir = dir
	reloaded, err := New(cfg2, Deps{Executor: exec, Model: endModel(), Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := reloaded.Queue().Snapshot().TotalCompleted; got != 2 {
		t.Errorf("reloaded TotalCompleted = %d, want 2", got)
	}
}

func TestSnapshot_Counts(t *testing.T) {
	f, err := New(testConfig(2, "RUN a", "RUN b", "RUN c"), Deps{
		Executor: newGateExecutor(1), Model: endModel(), Sampler: idleSampler(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	snap := f.Snapshot()
	if snap.MissionID != "mission-test" || snap.Done {
		t.Errorf("snapshot = %+v", snap)
	}
	c := snap.Counts()
	if c.Pending != 3 || c.Executing != 0 || c.Completed != 0 || c.Active != 2 {
		t.Errorf("Counts() = %+v", c)
	}
	if len(snap.Team.Agents) != 0 {
		t.Errorf("agents registered before Run: %d", len(snap.Team.Agents))
	}
}

func TestFleet_Enqueue(t *testing.T) {
	f, err := New(testConfig(1, "RUN a"), Deps{
		Executor: newGateExecutor(1), Model: endModel(), Sampler: idleSampler(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if n := f.Enqueue("whois example.com", "  ", "RUN dig example.com"); n != 2 {
		t.Errorf("Enqueue() = %d, want 2", n)
	}
	if n := f.Enqueue(); n != 0 {
		t.Errorf("Enqueue() with nothing = %d, want 0", n)
	}

	var got []string
	for _, it := range f.Queue().Items() {
		got = append(got, it.Command)
	}
	want := []string{"RUN a", "RUN whois example.com", "RUN dig example.com"}
	if !slices.Equal(got, want) {
		t.Errorf("queue = %q, want %q", got, want)
	}
}
