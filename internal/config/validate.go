package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // Config key, e.g. "retry.max_attempts"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidFailurePolicies returns the accepted failure policies.
func ValidFailurePolicies() []string {
	return []string{"skip", "block"}
}

// Validate checks c and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.MaxConcurrency <= 0 {
		add("max_concurrency", c.MaxConcurrency, "must be positive")
	}
	if c.PredictorTimeoutMs < 0 {
		add("predictor_timeout_ms", c.PredictorTimeoutMs, "must not be negative")
	}
	if c.AtRiskThreshold < 0 || c.AtRiskThreshold > 1 {
		add("at_risk_threshold", c.AtRiskThreshold, "must be between 0 and 1")
	}
	if !slices.Contains(ValidFailurePolicies(), c.FailurePolicy) {
		add("failure_policy", c.FailurePolicy, "must be one of "+strings.Join(ValidFailurePolicies(), ", "))
	}
	if c.CheckpointEvery < 0 {
		add("checkpoint_every", c.CheckpointEvery, "must not be negative")
	}
	if c.Retry.UnitMs <= 0 {
		add("retry.unit_ms", c.Retry.UnitMs, "must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts", c.Retry.MaxAttempts, "must be positive")
	}
	if c.Breaker.Enabled {
		if c.Breaker.ConsecutiveFailures <= 0 {
			add("breaker.consecutive_failures", c.Breaker.ConsecutiveFailures, "must be positive")
		}
		if c.Breaker.OpenTimeoutMs <= 0 {
			add("breaker.open_timeout_ms", c.Breaker.OpenTimeoutMs, "must be positive")
		}
	}
	if c.Stats.Window <= 0 {
		add("stats.window", c.Stats.Window, "must be positive")
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}

	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if c.Agents[name].Command == "" {
			add("agents."+name+".command", "", "must not be empty")
		}
	}
	return errs
}
