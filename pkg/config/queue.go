package config

import "time"

// QueueConfig controls the background batch workers that pick up
// pending batches without an explicit process call.
type QueueConfig struct {
	// Enabled turns auto-processing on. When false, batches wait for
	// POST /batches/:id/process.
	Enabled bool `yaml:"enabled"`

	WorkerCount int `yaml:"worker_count" validate:"min=1"`

	// Poll cadence with jitter so replicas do not thundering-herd the
	// claim query.
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// BatchTimeout bounds one batch run end to end.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Enabled:                 false,
		WorkerCount:             1,
		PollInterval:            3 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		BatchTimeout:            15 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}
