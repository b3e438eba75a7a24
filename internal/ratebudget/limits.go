// Package ratebudget tracks per-model request and token budgets against an
// external rate-limited service.
//
// Each model key gets a fixed one-minute window. The window resets from
// the moment it was opened rather than sliding, so bursts straddling a
// boundary can briefly exceed the nominal rate; the 90% early-warning
// margin and the server-driven cooldown absorb that.
package ratebudget

import (
	"strings"
	"time"
)

// Limits is the budget applied to one model.
type Limits struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int           `mapstructure:"tokens_per_minute" json:"tokens_per_minute"`
	MinDelay          time.Duration `mapstructure:"min_delay" json:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultLimits apply to models without a specific entry.
var DefaultLimits = Limits{
	RequestsPerMinute: 60,
	TokensPerMinute:   90000,
	MinDelay:          1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
}

// BuiltinModelLimits holds the known per-model overrides. Unset fields
// inherit from the defaults.
var BuiltinModelLimits = map[string]Limits{
	"claude-3-5-sonnet": {RequestsPerMinute: 50, MinDelay: 1200 * time.Millisecond},
	"gpt-4-turbo":       {RequestsPerMinute: 40, MinDelay: 1500 * time.Millisecond},
	"gpt-4o":            {RequestsPerMinute: 60, MinDelay: 1 * time.Second},
	"gpt-4o-mini":       {RequestsPerMinute: 100, MinDelay: 600 * time.Millisecond},
	"claude-3-opus":     {RequestsPerMinute: 30, MinDelay: 2 * time.Second},
	"claude-3-haiku":    {RequestsPerMinute: 100, MinDelay: 600 * time.Millisecond},
	"gemini-pro":        {RequestsPerMinute: 60, MinDelay: 1 * time.Second},
}

// merge fills zero fields of o from base.
func (o Limits) merge(base Limits) Limits {
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = base.RequestsPerMinute
	}
	if o.TokensPerMinute <= 0 {
		o.TokensPerMinute = base.TokensPerMinute
	}
	if o.MinDelay <= 0 {
		o.MinDelay = base.MinDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = base.MaxDelay
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = base.BackoffMultiplier
	}
	return o
}

// lookup resolves limits for model by substring match of the override keys
// against the lower-cased final path segment ("openai/gpt-4o-mini" matches
// "gpt-4o-mini"). The longest matching key wins.
func lookup(model string, defaults Limits, overrides map[string]Limits) Limits {
	name := strings.ToLower(model)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	best := ""
	for key := range overrides {
		k := strings.ToLower(key)
		if strings.Contains(name, k) && len(k) > len(best) {
			best = key
		}
	}
	if best == "" {
		return defaults
	}
	return overrides[best].merge(defaults)
}
