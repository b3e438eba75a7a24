package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/armada/internal/executor"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/throttle"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "queue.max_pending")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Upper bounds for values that would otherwise exhaust the host.
const (
	maxWorkers    = 64
	maxPending    = 10000
	maxIterations = 1000
)

// Validate checks the Config for invalid values and returns all validation errors found.
// The mission target is not required here because it is usually given on the command line.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateMission()...)
	errors = append(errors, c.validateQueue()...)
	errors = append(errors, c.validateThrottle()...)
	errors = append(errors, c.validateRateBudget()...)
	errors = append(errors, c.validateCollab()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateExecutor()...)
	errors = append(errors, c.validateModel()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateObserver()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// RequireTarget reports an error when no mission target is set.
func (c *Config) RequireTarget() error {
	if strings.TrimSpace(c.Mission.Target) == "" {
		return ValidationError{Field: "mission.target", Value: c.Mission.Target, Message: "is required"}
	}
	return nil
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func nonNegativeDuration(field string, d time.Duration) []ValidationError {
	if d < 0 {
		return []ValidationError{{Field: field, Value: d, Message: "must be non-negative"}}
	}
	return nil
}

func positiveDuration(field string, d time.Duration) []ValidationError {
	if d <= 0 {
		return []ValidationError{{Field: field, Value: d, Message: "must be positive"}}
	}
	return nil
}

// validateMission validates the MissionConfig
func (c *Config) validateMission() []ValidationError {
	var errors []ValidationError

	if c.Mission.Workers <= 0 || c.Mission.Workers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "mission.workers",
			Value:   c.Mission.Workers,
			Message: fmt.Sprintf("must be between 1 and %d", maxWorkers),
		})
	}

	if c.Mission.Category != "" && !slices.Contains(ValidCategories(), c.Mission.Category) {
		errors = append(errors, ValidationError{
			Field:   "mission.category",
			Value:   c.Mission.Category,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCategories(), ", ")),
		})
	}

	errors = append(errors, nonNegativeDuration("mission.max_duration", c.Mission.MaxDuration)...)

	return errors
}

// validateQueue validates the QueueConfig
func (c *Config) validateQueue() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("queue.max_pending", c.Queue.MaxPending)...)
	if c.Queue.MaxPending > maxPending {
		errors = append(errors, ValidationError{
			Field:   "queue.max_pending",
			Value:   c.Queue.MaxPending,
			Message: fmt.Sprintf("exceeds maximum of %d", maxPending),
		})
	}
	errors = append(errors, positive("queue.history_size", c.Queue.HistorySize)...)
	errors = append(errors, positive("queue.recent_size", c.Queue.RecentSize)...)

	if c.Queue.RecentSize > c.Queue.HistorySize && c.Queue.HistorySize > 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.recent_size",
			Value:   c.Queue.RecentSize,
			Message: "must not exceed queue.history_size",
		})
	}

	return errors
}

// validateThrottle validates the ThrottleConfig
func (c *Config) validateThrottle() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegativeDuration("throttle.base_delay", c.Throttle.BaseDelay)...)
	errors = append(errors, nonNegativeDuration("throttle.cache_ttl", c.Throttle.CacheTTL)...)

	for field, t := range map[string]throttle.Thresholds{
		"throttle.cpu":    c.Throttle.CPU,
		"throttle.memory": c.Throttle.Memory,
	} {
		if !t.Valid() {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   t,
				Message: "thresholds must be ascending (light < moderate < heavy < pause) and at most 100",
			})
		}
	}

	// Map iteration order is random; keep output stable.
	slices.SortFunc(errors, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errors
}

// validateRateBudget validates the RateBudgetConfig
func (c *Config) validateRateBudget() []ValidationError {
	errors := validateLimits("rate_budget.defaults", c.RateBudget.Defaults, true)

	keys := make([]string, 0, len(c.RateBudget.Models))
	for k := range c.RateBudget.Models {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			errors = append(errors, ValidationError{
				Field:   "rate_budget.models",
				Value:   k,
				Message: "model key must not be empty",
			})
			continue
		}
		errors = append(errors, validateLimits("rate_budget.models."+k, c.RateBudget.Models[k], false)...)
	}
	return errors
}

// validateLimits checks one limit set. Override sets may leave fields at
// zero to inherit the defaults.
func validateLimits(prefix string, l ratebudget.Limits, required bool) []ValidationError {
	var errors []ValidationError

	if l.RequestsPerMinute < 0 || (required && l.RequestsPerMinute == 0) {
		errors = append(errors, ValidationError{Field: prefix + ".requests_per_minute", Value: l.RequestsPerMinute, Message: "must be positive"})
	}
	if l.TokensPerMinute < 0 || (required && l.TokensPerMinute == 0) {
		errors = append(errors, ValidationError{Field: prefix + ".tokens_per_minute", Value: l.TokensPerMinute, Message: "must be positive"})
	}
	errors = append(errors, nonNegativeDuration(prefix+".min_delay", l.MinDelay)...)
	errors = append(errors, nonNegativeDuration(prefix+".max_delay", l.MaxDelay)...)
	if l.MinDelay > 0 && l.MaxDelay > 0 && l.MinDelay > l.MaxDelay {
		errors = append(errors, ValidationError{Field: prefix + ".min_delay", Value: l.MinDelay, Message: "must not exceed max_delay"})
	}
	if l.BackoffMultiplier < 0 || (l.BackoffMultiplier > 0 && l.BackoffMultiplier < 1) || (required && l.BackoffMultiplier == 0) {
		errors = append(errors, ValidationError{Field: prefix + ".backoff_multiplier", Value: l.BackoffMultiplier, Message: "must be at least 1"})
	}
	return errors
}

// validateCollab validates the CollabConfig
func (c *Config) validateCollab() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("collab.mailbox_size", c.Collab.MailboxSize)...)
	errors = append(errors, positive("collab.max_discoveries", c.Collab.MaxDiscoveries)...)
	errors = append(errors, positive("collab.max_completed", c.Collab.MaxCompleted)...)
	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Worker.Model) == "" {
		errors = append(errors, ValidationError{Field: "worker.model", Value: c.Worker.Model, Message: "is required"})
	}
	errors = append(errors, positive("worker.max_iterations", c.Worker.MaxIterations)...)
	if c.Worker.MaxIterations > maxIterations {
		errors = append(errors, ValidationError{
			Field:   "worker.max_iterations",
			Value:   c.Worker.MaxIterations,
			Message: fmt.Sprintf("exceeds maximum of %d", maxIterations),
		})
	}
	errors = append(errors, positive("worker.estimated_tokens", c.Worker.EstimatedTokens)...)
	errors = append(errors, positiveDuration("worker.model_timeout", c.Worker.ModelTimeout)...)
	errors = append(errors, positiveDuration("worker.exec_timeout", c.Worker.ExecTimeout)...)
	errors = append(errors, nonNegativeDuration("worker.iteration_pause", c.Worker.IterationPause)...)
	errors = append(errors, nonNegativeDuration("worker.error_pause", c.Worker.ErrorPause)...)
	errors = append(errors, positive("worker.history_size", c.Worker.HistorySize)...)

	return errors
}

// validateExecutor validates the ExecutorConfig
func (c *Config) validateExecutor() []ValidationError {
	var errors []ValidationError

	if c.Executor.Shell == "" {
		errors = append(errors, ValidationError{Field: "executor.shell", Value: c.Executor.Shell, Message: "is required"})
	}
	errors = append(errors, positiveDuration("executor.timeout", c.Executor.Timeout)...)
	errors = append(errors, positive("executor.max_output", c.Executor.MaxOutput)...)

	if len(c.Executor.Allow) > 0 {
		if _, err := executor.NewAllowlist(c.Executor.Allow...); err != nil {
			errors = append(errors, ValidationError{Field: "executor.allow", Value: c.Executor.Allow, Message: err.Error()})
		}
	}

	return errors
}

// validateModel validates the ModelConfig
func (c *Config) validateModel() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positiveDuration("model.timeout", c.Model.Timeout)...)
	errors = append(errors, positive("model.max_tokens", c.Model.MaxTokens)...)
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errors = append(errors, ValidationError{Field: "model.temperature", Value: c.Model.Temperature, Message: "must be between 0 and 2"})
	}

	return errors
}

// validateStore validates the StoreConfig
func (c *Config) validateStore() []ValidationError {
	if c.Store.Enabled && strings.TrimSpace(c.Store.Path) == "" {
		return []ValidationError{{Field: "store.path", Value: c.Store.Path, Message: "is required when the store is enabled"}}
	}
	return nil
}

// validateObserver validates the ObserverConfig
func (c *Config) validateObserver() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positiveDuration("observer.interval", c.Observer.Interval)...)
	errors = append(errors, positive("observer.buffer_size", c.Observer.BufferSize)...)

	if len(c.Observer.Kafka.Brokers) > 0 && c.Observer.Kafka.Topic == "" {
		errors = append(errors, ValidationError{
			Field:   "observer.kafka.topic",
			Value:   c.Observer.Kafka.Topic,
			Message: "is required when brokers are set",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
