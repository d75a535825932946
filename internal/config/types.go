package config

import "time"

// RetryConfig controls the exponential backoff retry strategy.
type RetryConfig struct {
	UnitMs      int `json:"unit_ms" mapstructure:"unit_ms"`           // Base delay; attempt n waits unit * 2^(n-1)
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"` // Retries before giving up (default 5)
}

// BreakerConfig controls the per-agent circuit breakers.
type BreakerConfig struct {
	Enabled             bool `json:"enabled" mapstructure:"enabled"`
	ConsecutiveFailures int  `json:"consecutive_failures" mapstructure:"consecutive_failures"`
	OpenTimeoutMs       int  `json:"open_timeout_ms" mapstructure:"open_timeout_ms"`
}

// StatsConfig controls the rolling success-rate window.
type StatsConfig struct {
	Window int `json:"window" mapstructure:"window"` // Outcomes kept per agent ref
}

// StoreConfig controls persistence of checkpoints, stats and run history.
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"` // SQLite file; empty keeps everything in memory
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `json:"level" mapstructure:"level"` // "debug", "info", "warn", "error"
	Dir   string `json:"dir" mapstructure:"dir"`     // Log directory; empty logs to stderr
}

// AgentCommand maps an agent name to an external program.
type AgentCommand struct {
	Command        string   `json:"command" mapstructure:"command"`
	Args           []string `json:"args,omitempty" mapstructure:"args"`
	Dir            string   `json:"dir,omitempty" mapstructure:"dir"`
	Env            []string `json:"env,omitempty" mapstructure:"env"`
	Capabilities   []string `json:"capabilities,omitempty" mapstructure:"capabilities"`       // Extra agent refs this agent accepts
	FatalExitCodes []int    `json:"fatal_exit_codes,omitempty" mapstructure:"fatal_exit_codes"` // Exit codes that skip recovery
}

// Config is the top-level configuration.
type Config struct {
	MaxConcurrency     int     `json:"max_concurrency" mapstructure:"max_concurrency"`
	HaltOnFailure      bool    `json:"halt_on_failure" mapstructure:"halt_on_failure"`
	PredictorTimeoutMs int     `json:"predictor_timeout_ms" mapstructure:"predictor_timeout_ms"` // 0 derives the budget from the graph
	AtRiskThreshold    float64 `json:"at_risk_threshold" mapstructure:"at_risk_threshold"`
	FailurePolicy      string  `json:"failure_policy" mapstructure:"failure_policy"`     // "skip" or "block"
	CheckpointEvery    int     `json:"checkpoint_every" mapstructure:"checkpoint_every"` // Checkpoint after every N completions (0 = off)

	Retry   RetryConfig             `json:"retry" mapstructure:"retry"`
	Breaker BreakerConfig           `json:"breaker" mapstructure:"breaker"`
	Stats   StatsConfig             `json:"stats" mapstructure:"stats"`
	Store   StoreConfig             `json:"store" mapstructure:"store"`
	Log     LogConfig               `json:"log" mapstructure:"log"`
	Agents  map[string]AgentCommand `json:"agents" mapstructure:"agents"`
}

// PredictorTimeout returns the predictor budget as a duration.
func (c *Config) PredictorTimeout() time.Duration {
	return time.Duration(c.PredictorTimeoutMs) * time.Millisecond
}

// RetryUnit returns the backoff base delay as a duration.
func (c *RetryConfig) RetryUnit() time.Duration {
	return time.Duration(c.UnitMs) * time.Millisecond
}

// OpenTimeout returns how long an open breaker waits before probing.
func (c *BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMs) * time.Millisecond
}
