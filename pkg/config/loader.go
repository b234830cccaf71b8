package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// fileConfig is the fire.yaml file structure. Every section is optional;
// omitted fields keep their built-in defaults.
type fileConfig struct {
	Pipeline  *PipelineConfig  `yaml:"pipeline"`
	Scoring   *ScoringConfig   `yaml:"scoring"`
	Routing   *RoutingConfig   `yaml:"routing"`
	Queue     *QueueConfig     `yaml:"queue"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, merges, and validates configuration.
//
// Steps:
//  1. Read fire.yaml from configDir (missing file → pure defaults)
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Load required secrets from the environment
//  5. Validate the merged result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := &Config{
		configDir: configDir,
		Pipeline:  DefaultPipelineConfig(),
		Scoring:   DefaultScoringConfig(),
		Routing:   DefaultRoutingConfig(),
		Queue:     DefaultQueueConfig(),
		Retention: DefaultRetentionConfig(),
	}

	path := filepath.Join(configDir, "fire.yaml")
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("No fire.yaml found, using built-in defaults")
	case err != nil:
		return nil, NewLoadError(path, err)
	default:
		var fc fileConfig
		if err := yaml.Unmarshal(ExpandEnv(data), &fc); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergeSections(cfg, &fc); err != nil {
			return nil, NewLoadError(path, err)
		}
		log.Info("Loaded configuration", "path", path)
	}

	secrets, err := LoadSecretsFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Secrets = secrets

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"llm_concurrency", cfg.Pipeline.LLMConcurrency,
		"geocode_concurrency", cfg.Pipeline.GeocodeConcurrency,
		"retry_budget", cfg.Pipeline.RetryBudget,
		"relaxation_order", cfg.Routing.RelaxationOrder)

	return cfg, nil
}

// mergeSections overlays file values onto the defaults. WithOverride
// makes user-specified values win; zero-valued (omitted) fields keep
// their defaults.
func mergeSections(cfg *Config, fc *fileConfig) error {
	if fc.Pipeline != nil {
		if err := mergo.Merge(cfg.Pipeline, fc.Pipeline, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging pipeline config: %w", err)
		}
	}
	if fc.Scoring != nil {
		if err := mergo.Merge(cfg.Scoring, fc.Scoring, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging scoring config: %w", err)
		}
	}
	if fc.Routing != nil {
		if err := mergo.Merge(cfg.Routing, fc.Routing, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging routing config: %w", err)
		}
	}
	if fc.Queue != nil {
		if err := mergo.Merge(cfg.Queue, fc.Queue, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging queue config: %w", err)
		}
	}
	if fc.Retention != nil {
		if err := mergo.Merge(cfg.Retention, fc.Retention, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging retention config: %w", err)
		}
	}
	return nil
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg.Pipeline); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := v.Struct(cfg.Scoring); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := v.Struct(cfg.Routing); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if err := v.Struct(cfg.Queue); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	for _, req := range cfg.Routing.RelaxationOrder {
		switch req {
		case "language", "position", "vip":
		default:
			return NewValidationError("routing", "relaxation_order", req, ErrInvalidValue)
		}
	}
	return nil
}
