// Package config loads and validates the policy configuration: stage
// concurrency ceilings, retry budgets, scoring weights, relaxation rules,
// difficulty weights, and the expansion-country set. The resulting Config
// is immutable for the life of a batch.
package config

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application.
type Config struct {
	configDir string

	Pipeline  *PipelineConfig  `yaml:"pipeline"`
	Scoring   *ScoringConfig   `yaml:"scoring"`
	Routing   *RoutingConfig   `yaml:"routing"`
	Queue     *QueueConfig     `yaml:"queue"`
	Retention *RetentionConfig `yaml:"retention"`
	Secrets   *Secrets         `yaml:"-"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// DifficultyWeight returns the committed-load increment for a ticket
// type, falling back to the default weight for unknown types.
func (c *Config) DifficultyWeight(ticketType string) float64 {
	if w, ok := c.Routing.DifficultyWeights[ticketType]; ok {
		return w
	}
	return c.Routing.DefaultDifficulty
}

// IsExpansionCountry reports whether a country is in the configured
// expansion set (and is not the home country).
func (c *Config) IsExpansionCountry(country string) bool {
	if country == "" || country == c.Scoring.HomeCountry {
		return false
	}
	for _, ec := range c.Scoring.ExpansionCountries {
		if ec == country {
			return true
		}
	}
	return false
}
