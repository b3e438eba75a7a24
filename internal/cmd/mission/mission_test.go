package mission

import (
	"bytes"
	"context"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/armada/internal/config"
	"github.com/Iron-Ham/armada/internal/model"
	"github.com/Iron-Ham/armada/internal/throttle"
)

const endResponse = `{"status": "END"}`

type recordingExecutor struct {
	mu       sync.Mutex
	commands []string
}

func (e *recordingExecutor) Execute(_ context.Context, cmd string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
	return "ok"
}

func (e *recordingExecutor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.commands...)
	slices.Sort(out)
	return out
}

func endModel() model.Client {
	return model.ClientFunc(func(context.Context, string, string, string, []model.Turn) (string, error) {
		return endResponse, nil
	})
}

func idleSampler() throttle.Sampler {
	return throttle.SamplerFunc(func(context.Context) (throttle.Resources, error) {
		return throttle.Resources{CPUPercent: 5, MemoryPercent: 5}, nil
	})
}

// testConfig returns a valid config with every real-time delay shortened.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Mission.Target = "10.0.0.1"
	cfg.Mission.Category = "ip"
	cfg.Mission.Workers = 2
	cfg.Worker.Model = "test/model"
	cfg.Worker.MaxIterations = 3
	cfg.Worker.IterationPause = 0
	cfg.Worker.ErrorPause = 0
	cfg.Throttle.BaseDelay = time.Microsecond
	cfg.RateBudget.Defaults.MinDelay = time.Millisecond
	cfg.Store.Path = filepath.Join(t.TempDir(), "armada.db")
	cfg.Observer.Interval = 10 * time.Millisecond
	return cfg
}

func TestFleetConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mission.Seed = []string{"nmap -sV 10.0.0.1", "  ", "RUN whois example.com"}
	cfg.Mission.MaxDuration = 10 * time.Minute
	cfg.Executor.Allow = []string{"nmap", "whois"}

	fc := FleetConfig(cfg)

	if fc.Workers != 2 {
		t.Errorf("Workers = %d, want 2", fc.Workers)
	}
	if fc.Worker.Target != "10.0.0.1" || fc.Worker.Category != "ip" || fc.Worker.Model != "test/model" {
		t.Errorf("Worker = %+v", fc.Worker)
	}
	if fc.Worker.MaxDuration != 10*time.Minute {
		t.Errorf("Worker.MaxDuration = %v, want 10m", fc.Worker.MaxDuration)
	}
	if !slices.Equal(fc.Worker.Tools, []string{"nmap", "whois"}) {
		t.Errorf("Worker.Tools = %v", fc.Worker.Tools)
	}
	want := []string{"RUN nmap -sV 10.0.0.1", "RUN whois example.com"}
	if !slices.Equal(fc.Seed, want) {
		t.Errorf("Seed = %q, want %q", fc.Seed, want)
	}
	if len(fc.QueueOptions) != 3 || len(fc.BudgetOptions) != 2 || len(fc.CollabOptions) != 3 {
		t.Errorf("options: queue %d, budget %d, collab %d", len(fc.QueueOptions), len(fc.BudgetOptions), len(fc.CollabOptions))
	}
}

func TestFleetConfig_StealthBaseDelay(t *testing.T) {
	tests := []struct {
		name      string
		stealth   bool
		baseDelay time.Duration
		wantOpts  int
	}{
		{name: "normal", baseDelay: throttle.DefaultBaseDelay, wantOpts: 3},
		{name: "stealth keeps its own delay", stealth: true, baseDelay: throttle.DefaultBaseDelay, wantOpts: 2},
		{name: "stealth with explicit delay", stealth: true, baseDelay: 3 * time.Second, wantOpts: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Mission.Stealth = tt.stealth
			cfg.Throttle.BaseDelay = tt.baseDelay
			if got := len(FleetConfig(cfg).ThrottleOptions); got != tt.wantOpts {
				t.Errorf("len(ThrottleOptions) = %d, want %d", got, tt.wantOpts)
			}
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		o      Overrides
	}{
		{
			name:   "no target",
			modify: func(c *config.Config) { c.Mission.Target = "" },
			o:      Overrides{Model: endModel(), Executor: &recordingExecutor{}, Sampler: idleSampler()},
		},
		{
			name:   "bad allowlist",
			modify: func(c *config.Config) { c.Executor.Allow = []string{"nmap["} },
			o:      Overrides{Model: endModel(), Sampler: idleSampler()},
		},
		{
			name:   "bad websocket address",
			modify: func(c *config.Config) { c.Observer.WebSocketAddr = "no-port" },
			o:      Overrides{Model: endModel(), Executor: &recordingExecutor{}, Sampler: idleSampler()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			if m, err := Build(cfg, nil, tt.o); err == nil {
				m.Close()
				t.Fatal("Build() error = nil")
			}
		})
	}
}

func TestBuild_RequiresAPIKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	cfg := testConfig(t)
	cfg.Store.Enabled = false

	_, err := Build(cfg, nil, Overrides{Executor: &recordingExecutor{}, Sampler: idleSampler()})
	if err == nil || !strings.Contains(err.Error(), "OPENROUTER_API_KEY") {
		t.Errorf("Build() error = %v, want missing key", err)
	}
}

func TestMission_Run(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mission.Seed = []string{"echo one", "echo two"}
	cfg.Observer.WebSocketAddr = "127.0.0.1:0"
	cfg.Inbox.Dir = filepath.Join(t.TempDir(), "inbox")

	exec := &recordingExecutor{}
	var console bytes.Buffer
	m, err := Build(cfg, nil, Overrides{
		Model:    endModel(),
		Executor: exec,
		Sampler:  idleSampler(),
		Console:  &console,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer m.Close()

	if m.SnapshotAddr() == "" {
		t.Error("SnapshotAddr() is empty with a websocket address configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got, want := exec.Commands(), []string{"echo one", "echo two"}; !slices.Equal(got, want) {
		t.Errorf("executed = %q, want %q", got, want)
	}
	if !m.Fleet().Done() {
		t.Error("fleet not done after Run")
	}
	if c := m.Fleet().Snapshot().Counts(); c.Completed != 2 || c.Pending != 0 {
		t.Errorf("counts = %+v", c)
	}

	sum, err := m.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Executions != 2 {
		t.Errorf("Summary().Executions = %d, want 2", sum.Executions)
	}

	if m.Observer().Stats().Pushed == 0 {
		t.Error("observer pushed no snapshots")
	}
	if !strings.Contains(console.String(), m.Fleet().MissionID()) {
		t.Errorf("console output does not mention the mission:\n%s", console.String())
	}
}

func TestBuild_Dashboard(t *testing.T) {
	tests := []struct {
		name    string
		tui     bool
		console bool
		want    bool
	}{
		{"enabled with a terminal", true, true, true},
		{"enabled without a terminal", true, false, false},
		{"disabled", false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Store.Enabled = false
			cfg.Observer.TUI = tt.tui

			o := Overrides{Model: endModel(), Executor: &recordingExecutor{}, Sampler: idleSampler()}
			if tt.console {
				o.Console = &bytes.Buffer{}
			}
			m, err := Build(cfg, nil, o)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			defer m.Close()

			if got := m.Dashboard() != nil; got != tt.want {
				t.Errorf("dashboard built = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMission_SummaryWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false

	m, err := Build(cfg, nil, Overrides{Model: endModel(), Executor: &recordingExecutor{}, Sampler: idleSampler()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer m.Close()

	if m.Store() != nil {
		t.Error("Store() should be nil when disabled")
	}
	if sum, err := m.Summary(context.Background()); err != nil || sum.Executions != 0 {
		t.Errorf("Summary() = %+v, %v", sum, err)
	}
}

func TestBindFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().IntP("workers", "w", 0, "")
	cmd.Flags().Bool("stealth", false, "")
	cmd.Flags().StringArray("seed", nil, "")

	v := viper.New()
	config.SetDefaultsOn(v)

	if err := cmd.Flags().Set("workers", "7"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("seed", "nmap x"); err != nil {
		t.Fatal(err)
	}
	if err := bindFlags(cmd, v); err != nil {
		t.Fatalf("bindFlags() error = %v", err)
	}

	cfg, err := config.LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Mission.Workers != 7 {
		t.Errorf("Mission.Workers = %d, want 7", cfg.Mission.Workers)
	}
	if len(cfg.Mission.Seed) != 1 || cfg.Mission.Seed[0] != "nmap x" {
		t.Errorf("Mission.Seed = %q", cfg.Mission.Seed)
	}
	if cfg.Mission.Stealth {
		t.Error("unset --stealth overrode the config")
	}
}
