package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/executor"
	"github.com/Iron-Ham/armada/internal/observer"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/throttle"
	"github.com/Iron-Ham/armada/internal/worker"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

// EnvPrefix is the prefix for environment overrides, e.g. ARMADA_MISSION_WORKERS.
const EnvPrefix = "ARMADA"

// Config represents the complete armada configuration
type Config struct {
	Mission    MissionConfig    `mapstructure:"mission"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	RateBudget RateBudgetConfig `mapstructure:"rate_budget"`
	Collab     CollabConfig     `mapstructure:"collab"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Model      ModelConfig      `mapstructure:"model"`
	Store      StoreConfig      `mapstructure:"store"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Inbox      InboxConfig      `mapstructure:"inbox"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// MissionConfig describes what to assess and with how many workers
type MissionConfig struct {
	// Target is the host, IP, URL or file under assessment
	Target string `mapstructure:"target"`
	// Category selects worker specializations: domain, ip, url, file
	Category string `mapstructure:"category"`
	// Workers is the number of concurrent workers (default: 3)
	Workers int `mapstructure:"workers"`
	// Instruction is free-form operator guidance added to the system prompt
	Instruction string `mapstructure:"instruction"`
	// Stealth slows admission and asks the model to avoid noisy tooling
	Stealth bool `mapstructure:"stealth"`
	// Seed commands are queued before the first model call
	Seed []string `mapstructure:"seed"`
	// MaxDuration stops every worker after this long (0 = unlimited)
	MaxDuration time.Duration `mapstructure:"max_duration"`
	// StateDir holds the saved queue so a mission can be resumed (empty = no persistence)
	StateDir string `mapstructure:"state_dir"`
}

// QueueConfig bounds the shared work queue
type QueueConfig struct {
	MaxPending  int `mapstructure:"max_pending"`
	HistorySize int `mapstructure:"history_size"`
	RecentSize  int `mapstructure:"recent_size"`
}

// ThrottleConfig controls host-resource admission
type ThrottleConfig struct {
	// BaseDelay is the per-admission delay at level none, scaled by pressure
	BaseDelay time.Duration       `mapstructure:"base_delay"`
	CacheTTL  time.Duration       `mapstructure:"cache_ttl"`
	CPU       throttle.Thresholds `mapstructure:"cpu"`
	Memory    throttle.Thresholds `mapstructure:"memory"`
}

// RateBudgetConfig controls per-model request pacing
type RateBudgetConfig struct {
	// Defaults apply to models without an entry in Models
	Defaults ratebudget.Limits `mapstructure:"defaults"`
	// Models overrides limits for model ids containing the key; unset fields inherit Defaults
	Models map[string]ratebudget.Limits `mapstructure:"models"`
}

// CollabConfig bounds the collaboration bus
type CollabConfig struct {
	MailboxSize    int `mapstructure:"mailbox_size"`
	MaxDiscoveries int `mapstructure:"max_discoveries"`
	MaxCompleted   int `mapstructure:"max_completed"`
}

// WorkerConfig controls the per-worker loop
type WorkerConfig struct {
	// Model is the model id sent to the completion endpoint
	Model           string        `mapstructure:"model"`
	MaxIterations   int           `mapstructure:"max_iterations"`
	EstimatedTokens int           `mapstructure:"estimated_tokens"`
	ModelTimeout    time.Duration `mapstructure:"model_timeout"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	IterationPause  time.Duration `mapstructure:"iteration_pause"`
	ErrorPause      time.Duration `mapstructure:"error_pause"`
	HistorySize     int           `mapstructure:"history_size"`
}

// ExecutorConfig controls how commands run
type ExecutorConfig struct {
	Shell   string        `mapstructure:"shell"`
	Timeout time.Duration `mapstructure:"timeout"`
	// PTY runs commands under a pseudo-terminal
	PTY bool `mapstructure:"pty"`
	// Allow lists tool glob patterns; empty means the built-in tool table
	Allow     []string `mapstructure:"allow"`
	MaxOutput int      `mapstructure:"max_output"`
	// LogDir receives a transcript per command (empty = no transcripts)
	LogDir string `mapstructure:"log_dir"`
}

// ModelConfig controls the completion client. Credentials come from
// OPENROUTER_API_KEY and OPENROUTER_BASE_URL.
type ModelConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

// StoreConfig controls the optional SQLite store
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ObserverConfig controls snapshot sinks
type ObserverConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BufferSize int           `mapstructure:"buffer_size"`
	// Console renders snapshots when stdout is a terminal
	Console bool `mapstructure:"console"`
	// TUI replaces the console with the interactive dashboard
	TUI bool `mapstructure:"tui"`
	// WebSocketAddr serves snapshots on ws://addr/ws (empty = disabled)
	WebSocketAddr string      `mapstructure:"websocket_addr"`
	Kafka         KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig publishes snapshots to a topic (empty brokers = disabled)
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// InboxConfig controls the operator inbox directory
type InboxConfig struct {
	// Dir is watched for *.txt and *.yaml command files (empty = disabled)
	Dir      string        `mapstructure:"dir"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// LoggingConfig controls debug logging
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `mapstructure:"level"`
	// Dir receives debug.log; empty logs to stderr
	Dir string `mapstructure:"dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	wd := worker.DefaultConfig()
	return &Config{
		Mission: MissionConfig{
			Category: wd.Category,
			Workers:  3,
		},
		Queue: QueueConfig{
			MaxPending:  workqueue.DefaultMaxPending,
			HistorySize: workqueue.DefaultHistorySize,
			RecentSize:  workqueue.DefaultRecentSize,
		},
		Throttle: ThrottleConfig{
			BaseDelay: throttle.DefaultBaseDelay,
			CacheTTL:  throttle.DefaultCacheTTL,
			CPU:       throttle.DefaultCPUThresholds,
			Memory:    throttle.DefaultMemoryThresholds,
		},
		RateBudget: RateBudgetConfig{
			Defaults: ratebudget.DefaultLimits,
			Models:   map[string]ratebudget.Limits{},
		},
		Collab: CollabConfig{
			MailboxSize:    collab.DefaultMailboxSize,
			MaxDiscoveries: collab.DefaultMaxDiscoveries,
			MaxCompleted:   collab.DefaultMaxCompleted,
		},
		Worker: WorkerConfig{
			Model:           "openai/gpt-4o-mini",
			MaxIterations:   wd.MaxIterations,
			EstimatedTokens: wd.EstimatedTokens,
			ModelTimeout:    wd.ModelTimeout,
			ExecTimeout:     wd.ExecTimeout,
			IterationPause:  wd.IterationPause,
			ErrorPause:      wd.ErrorPause,
			HistorySize:     wd.HistorySize,
		},
		Executor: ExecutorConfig{
			Shell:     executor.DefaultShell,
			Timeout:   executor.DefaultTimeout,
			MaxOutput: executor.DefaultMaxOutput,
		},
		Model: ModelConfig{
			Timeout:     2 * time.Minute,
			MaxTokens:   2048,
			Temperature: 0.7,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(DataDir(), "armada.db"),
		},
		Observer: ObserverConfig{
			Interval:   observer.DefaultInterval,
			BufferSize: observer.DefaultBufferSize,
			Console:    true,
			Kafka: KafkaConfig{
				Topic: "armada.snapshots",
			},
		},
		Inbox: InboxConfig{
			Debounce: 50 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Mission defaults
	v.SetDefault("mission.target", defaults.Mission.Target)
	v.SetDefault("mission.category", defaults.Mission.Category)
	v.SetDefault("mission.workers", defaults.Mission.Workers)
	v.SetDefault("mission.instruction", defaults.Mission.Instruction)
	v.SetDefault("mission.stealth", defaults.Mission.Stealth)
	v.SetDefault("mission.seed", defaults.Mission.Seed)
	v.SetDefault("mission.max_duration", defaults.Mission.MaxDuration)
	v.SetDefault("mission.state_dir", defaults.Mission.StateDir)

	// Queue defaults
	v.SetDefault("queue.max_pending", defaults.Queue.MaxPending)
	v.SetDefault("queue.history_size", defaults.Queue.HistorySize)
	v.SetDefault("queue.recent_size", defaults.Queue.RecentSize)

	// Throttle defaults
	v.SetDefault("throttle.base_delay", defaults.Throttle.BaseDelay)
	v.SetDefault("throttle.cache_ttl", defaults.Throttle.CacheTTL)
	setThresholdDefaults(v, "throttle.cpu", defaults.Throttle.CPU)
	setThresholdDefaults(v, "throttle.memory", defaults.Throttle.Memory)

	// Rate budget defaults
	v.SetDefault("rate_budget.defaults.requests_per_minute", defaults.RateBudget.Defaults.RequestsPerMinute)
	v.SetDefault("rate_budget.defaults.tokens_per_minute", defaults.RateBudget.Defaults.TokensPerMinute)
	v.SetDefault("rate_budget.defaults.min_delay", defaults.RateBudget.Defaults.MinDelay)
	v.SetDefault("rate_budget.defaults.max_delay", defaults.RateBudget.Defaults.MaxDelay)
	v.SetDefault("rate_budget.defaults.backoff_multiplier", defaults.RateBudget.Defaults.BackoffMultiplier)
	v.SetDefault("rate_budget.models", defaults.RateBudget.Models)

	// Collab defaults
	v.SetDefault("collab.mailbox_size", defaults.Collab.MailboxSize)
	v.SetDefault("collab.max_discoveries", defaults.Collab.MaxDiscoveries)
	v.SetDefault("collab.max_completed", defaults.Collab.MaxCompleted)

	// Worker defaults
	v.SetDefault("worker.model", defaults.Worker.Model)
	v.SetDefault("worker.max_iterations", defaults.Worker.MaxIterations)
	v.SetDefault("worker.estimated_tokens", defaults.Worker.EstimatedTokens)
	v.SetDefault("worker.model_timeout", defaults.Worker.ModelTimeout)
	v.SetDefault("worker.exec_timeout", defaults.Worker.ExecTimeout)
	v.SetDefault("worker.iteration_pause", defaults.Worker.IterationPause)
	v.SetDefault("worker.error_pause", defaults.Worker.ErrorPause)
	v.SetDefault("worker.history_size", defaults.Worker.HistorySize)

	// Executor defaults
	v.SetDefault("executor.shell", defaults.Executor.Shell)
	v.SetDefault("executor.timeout", defaults.Executor.Timeout)
	v.SetDefault("executor.pty", defaults.Executor.PTY)
	v.SetDefault("executor.allow", defaults.Executor.Allow)
	v.SetDefault("executor.max_output", defaults.Executor.MaxOutput)
	v.SetDefault("executor.log_dir", defaults.Executor.LogDir)

	// Model defaults
	v.SetDefault("model.timeout", defaults.Model.Timeout)
	v.SetDefault("model.max_tokens", defaults.Model.MaxTokens)
	v.SetDefault("model.temperature", defaults.Model.Temperature)

	// Store defaults
	v.SetDefault("store.enabled", defaults.Store.Enabled)
	v.SetDefault("store.path", defaults.Store.Path)

	// Observer defaults
	v.SetDefault("observer.interval", defaults.Observer.Interval)
	v.SetDefault("observer.buffer_size", defaults.Observer.BufferSize)
	v.SetDefault("observer.console", defaults.Observer.Console)
	v.SetDefault("observer.tui", defaults.Observer.TUI)
	v.SetDefault("observer.websocket_addr", defaults.Observer.WebSocketAddr)
	v.SetDefault("observer.kafka.brokers", defaults.Observer.Kafka.Brokers)
	v.SetDefault("observer.kafka.topic", defaults.Observer.Kafka.Topic)

	// Inbox defaults
	v.SetDefault("inbox.dir", defaults.Inbox.Dir)
	v.SetDefault("inbox.debounce", defaults.Inbox.Debounce)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
}

func setThresholdDefaults(v *viper.Viper, key string, t throttle.Thresholds) {
	v.SetDefault(key+".light", t.Light)
	v.SetDefault(key+".moderate", t.Moderate)
	v.SetDefault(key+".heavy", t.Heavy)
	v.SetDefault(key+".pause", t.Pause)
}

// Init wires viper to the config file search path and the environment.
// An explicit file overrides the search path.
func Init(file string) error {
	SetDefaults()
	if file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.AddConfigPath(ConfigDir())
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return err
		}
	}
	return nil
}

// DecodeHook converts config strings into durations and comma-separated
// lists, which is how environment overrides arrive.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the armada configuration directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "armada")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".armada"
	}
	return filepath.Join(home, ".config", "armada")
}

// ConfigFile returns the default config file path
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the directory for mission data such as the SQLite store
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "armada")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".armada"
	}
	return filepath.Join(home, ".local", "share", "armada")
}

// ValidCategories returns the mission categories workers specialize in
func ValidCategories() []string {
	return []string{"general", "domain", "ip", "url", "file"}
}
