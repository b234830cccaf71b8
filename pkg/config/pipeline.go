package config

import "time"

// PipelineConfig controls stage concurrency, retry budgets, and timeouts.
type PipelineConfig struct {
	// Per-stage in-flight ceilings across tickets of one batch.
	LLMConcurrency     int `yaml:"llm_concurrency" validate:"min=1"`
	GeocodeConcurrency int `yaml:"geocode_concurrency" validate:"min=1"`
	SpamLLMConcurrency int `yaml:"spam_llm_concurrency" validate:"min=1"`

	// RetryBudget is the number of retries after the first attempt.
	RetryBudget int `yaml:"retry_budget" validate:"min=0"`

	// Backoff between retry attempts: capped exponential with jitter.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`

	// Per-attempt timeouts.
	LLMTimeout     time.Duration `yaml:"llm_timeout"`
	GeocodeTimeout time.Duration `yaml:"geocode_timeout"`
	SpamLLMTimeout time.Duration `yaml:"spam_llm_timeout"`
	DBWriteTimeout time.Duration `yaml:"db_write_timeout"`

	// Per-stage wall clocks across all retries. Exceeding one escalates
	// to stage failure.
	LLMWallClock     time.Duration `yaml:"llm_wall_clock"`
	GeocodeWallClock time.Duration `yaml:"geocode_wall_clock"`
	SpamWallClock    time.Duration `yaml:"spam_wall_clock"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		LLMConcurrency:     5,
		GeocodeConcurrency: 10,
		SpamLLMConcurrency: 3,
		RetryBudget:        2,
		BackoffInitial:     250 * time.Millisecond,
		BackoffCeiling:     4 * time.Second,
		LLMTimeout:         20 * time.Second,
		GeocodeTimeout:     5 * time.Second,
		SpamLLMTimeout:     10 * time.Second,
		DBWriteTimeout:     2 * time.Second,
		LLMWallClock:       60 * time.Second,
		GeocodeWallClock:   15 * time.Second,
		SpamWallClock:      30 * time.Second,
	}
}
