package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/throttle"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.Mission.Workers != 3 {
		t.Errorf("Mission.Workers = %d, want 3", cfg.Mission.Workers)
	}
	if cfg.Mission.Category != "general" {
		t.Errorf("Mission.Category = %q, want %q", cfg.Mission.Category, "general")
	}

	if cfg.Queue.MaxPending != 50 {
		t.Errorf("Queue.MaxPending = %d, want 50", cfg.Queue.MaxPending)
	}
	if cfg.Queue.HistorySize != 25 {
		t.Errorf("Queue.HistorySize = %d, want 25", cfg.Queue.HistorySize)
	}
	if cfg.Queue.RecentSize != 8 {
		t.Errorf("Queue.RecentSize = %d, want 8", cfg.Queue.RecentSize)
	}

	if cfg.Throttle.BaseDelay != time.Second {
		t.Errorf("Throttle.BaseDelay = %v, want 1s", cfg.Throttle.BaseDelay)
	}
	if cfg.Throttle.CPU != throttle.DefaultCPUThresholds {
		t.Errorf("Throttle.CPU = %+v", cfg.Throttle.CPU)
	}

	if cfg.RateBudget.Defaults != ratebudget.DefaultLimits {
		t.Errorf("RateBudget.Defaults = %+v", cfg.RateBudget.Defaults)
	}

	if cfg.Worker.MaxIterations != 50 {
		t.Errorf("Worker.MaxIterations = %d, want 50", cfg.Worker.MaxIterations)
	}
	if cfg.Worker.ModelTimeout != 120*time.Second {
		t.Errorf("Worker.ModelTimeout = %v, want 2m0s", cfg.Worker.ModelTimeout)
	}
	if cfg.Worker.ExecTimeout != 15*time.Minute {
		t.Errorf("Worker.ExecTimeout = %v, want 15m0s", cfg.Worker.ExecTimeout)
	}
	if cfg.Worker.HistorySize != 4 {
		t.Errorf("Worker.HistorySize = %d, want 4", cfg.Worker.HistorySize)
	}

	if cfg.Observer.Interval != 2*time.Second {
		t.Errorf("Observer.Interval = %v, want 2s", cfg.Observer.Interval)
	}
	if len(cfg.Observer.Kafka.Brokers) != 0 {
		t.Errorf("Observer.Kafka.Brokers should be empty, got %v", cfg.Observer.Kafka.Brokers)
	}
	if cfg.Inbox.Dir != "" {
		t.Errorf("Inbox.Dir should be empty, got %q", cfg.Inbox.Dir)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaultsOn(v)
	if yaml != "" {
		v.SetConfigType("yaml")
		if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
			t.Fatalf("ReadConfig() error = %v", err)
		}
	}
	return v
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(newViper(t, ""))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	want := Default()
	if cfg.Worker != want.Worker {
		t.Errorf("Worker = %+v, want %+v", cfg.Worker, want.Worker)
	}
	if cfg.Throttle != want.Throttle {
		t.Errorf("Throttle = %+v, want %+v", cfg.Throttle, want.Throttle)
	}
}

func TestLoadFrom_File(t *testing.T) {
	v := newViper(t, `
mission:
  target: example.com
  category: domain
  workers: 5
  seed:
    - whois example.com
  max_duration: 30m
throttle:
  base_delay: 250ms
  cpu:
    light: 50
    moderate: 70
    heavy: 80
    pause: 90
rate_budget:
  models:
    my-local-model:
      requests_per_minute: 500
      min_delay: 100ms
observer:
  kafka:
    brokers: [kafka-1:9092, kafka-2:9092]
`)

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Mission.Target != "example.com" || cfg.Mission.Workers != 5 || cfg.Mission.Category != "domain" {
		t.Errorf("Mission = %+v", cfg.Mission)
	}
	if cfg.Mission.MaxDuration != 30*time.Minute {
		t.Errorf("Mission.MaxDuration = %v, want 30m", cfg.Mission.MaxDuration)
	}
	if len(cfg.Mission.Seed) != 1 || cfg.Mission.Seed[0] != "whois example.com" {
		t.Errorf("Mission.Seed = %v", cfg.Mission.Seed)
	}
	if cfg.Throttle.BaseDelay != 250*time.Millisecond {
		t.Errorf("Throttle.BaseDelay = %v, want 250ms", cfg.Throttle.BaseDelay)
	}
	if cfg.Throttle.CPU.Light != 50 || cfg.Throttle.CPU.Pause != 90 {
		t.Errorf("Throttle.CPU = %+v", cfg.Throttle.CPU)
	}
	if cfg.Throttle.Memory != throttle.DefaultMemoryThresholds {
		t.Errorf("Throttle.Memory = %+v, want defaults", cfg.Throttle.Memory)
	}

	m, ok := cfg.RateBudget.Models["my-local-model"]
	if !ok {
		t.Fatalf("RateBudget.Models = %v", cfg.RateBudget.Models)
	}
	if m.RequestsPerMinute != 500 || m.MinDelay != 100*time.Millisecond || m.TokensPerMinute != 0 {
		t.Errorf("model limits = %+v", m)
	}

	if got := cfg.Observer.Kafka.Brokers; len(got) != 2 || got[1] != "kafka-2:9092" {
		t.Errorf("Observer.Kafka.Brokers = %v", got)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("ARMADA_MISSION_WORKERS", "7")
	t.Setenv("ARMADA_WORKER_MODEL_TIMEOUT", "45s")
	t.Setenv("ARMADA_OBSERVER_KAFKA_BROKERS", "a:9092,b:9092")

	v := newViper(t, "")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Mission.Workers != 7 {
		t.Errorf("Mission.Workers = %d, want 7", cfg.Mission.Workers)
	}
	if cfg.Worker.ModelTimeout != 45*time.Second {
		t.Errorf("Worker.ModelTimeout = %v, want 45s", cfg.Worker.ModelTimeout)
	}
	if got := cfg.Observer.Kafka.Brokers; len(got) != 2 || got[0] != "a:9092" {
		t.Errorf("Observer.Kafka.Brokers = %v", got)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	_, err := LoadFrom(newViper(t, "mission:\n  workers: 0\nqueue:\n  max_pending: -1\n"))
	if err == nil {
		t.Fatal("LoadFrom() error = nil, want validation errors")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(verrs), verrs)
	}
}

func TestInit_ExplicitFile(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()

	path := filepath.Join(t.TempDir(), "armada.yaml")
	writeConfig(t, path, "mission:\n  target: 10.0.0.9\n")

	if err := Init(path); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mission.Target != "10.0.0.9" {
		t.Errorf("Mission.Target = %q", cfg.Mission.Target)
	}
	if cfg.Queue.MaxPending != 50 {
		t.Errorf("Queue.MaxPending = %d, want default 50", cfg.Queue.MaxPending)
	}
}

func TestInit_MissingExplicitFile(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()

	if err := Init(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Init() error = nil for a missing explicit file")
	}
}

func TestInit_NoConfigFileIsFine(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	if err := Init(""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if cfg := Get(); cfg.Mission.Workers != 3 {
		t.Errorf("Get().Mission.Workers = %d, want 3", cfg.Mission.Workers)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/armada" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/armada")
		}
		if got := ConfigFile(); got != "/custom/config/armada/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home := t.TempDir()
		t.Setenv("HOME", home)
		if got, want := ConfigDir(), filepath.Join(home, ".config", "armada"); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DataDir(); got != "/data/armada" {
		t.Errorf("DataDir() = %q, want /data/armada", got)
	}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
