package config

import "github.com/spf13/viper"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency:     16,
		HaltOnFailure:      false,
		PredictorTimeoutMs: 0,
		AtRiskThreshold:    0.7,
		FailurePolicy:      "skip",
		CheckpointEvery:    0,
		Retry: RetryConfig{
			UnitMs:      1000,
			MaxAttempts: 5,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeoutMs:       30000,
		},
		Stats: StatsConfig{
			Window: 50,
		},
		Store: StoreConfig{
			Path: "",
		},
		Log: LogConfig{
			Level: "info",
		},
		Agents: map[string]AgentCommand{},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("max_concurrency", defaults.MaxConcurrency)
	v.SetDefault("halt_on_failure", defaults.HaltOnFailure)
	v.SetDefault("predictor_timeout_ms", defaults.PredictorTimeoutMs)
	v.SetDefault("at_risk_threshold", defaults.AtRiskThreshold)
	v.SetDefault("failure_policy", defaults.FailurePolicy)
	v.SetDefault("checkpoint_every", defaults.CheckpointEvery)

	v.SetDefault("retry.unit_ms", defaults.Retry.UnitMs)
	v.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)

	v.SetDefault("breaker.enabled", defaults.Breaker.Enabled)
	v.SetDefault("breaker.consecutive_failures", defaults.Breaker.ConsecutiveFailures)
	v.SetDefault("breaker.open_timeout_ms", defaults.Breaker.OpenTimeoutMs)

	v.SetDefault("stats.window", defaults.Stats.Window)
	v.SetDefault("store.path", defaults.Store.Path)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.dir", defaults.Log.Dir)
}
