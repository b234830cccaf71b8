package config

import "time"

// RetentionConfig controls how long encrypted PII originals are kept
// after a batch finishes.
type RetentionConfig struct {
	PIIRetention    time.Duration `yaml:"pii_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		PIIRetention:    30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}
