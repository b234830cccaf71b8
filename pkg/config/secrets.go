package config

import (
	"fmt"
	"os"
)

// Secrets holds environment-provided credentials. They are read once at
// startup and never written to logs or events.
type Secrets struct {
	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string
	GeocoderKey   string
	DatabaseURL   string
	EncryptionKey string
}

// LoadSecretsFromEnv reads credentials from the environment. A missing
// required key is a hard start-up failure. The geocoder key is optional:
// without it the provider cascade starts at the keyless provider.
func LoadSecretsFromEnv() (*Secrets, error) {
	s := &Secrets{
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMBaseURL:    getEnvOrDefault("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMModel:      getEnvOrDefault("LLM_MODEL", "google/gemini-2.0-flash-001"),
		GeocoderKey:   os.Getenv("TWOGIS_API_KEY"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		EncryptionKey: os.Getenv("PII_ENCRYPTION_KEY"),
	}

	for _, req := range []struct{ key, val string }{
		{"LLM_API_KEY", s.LLMAPIKey},
		{"DATABASE_URL", s.DatabaseURL},
		{"PII_ENCRYPTION_KEY", s.EncryptionKey},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingSecret, req.key)
		}
	}
	return s, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
