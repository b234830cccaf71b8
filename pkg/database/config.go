package database

import (
	"os"
	"strconv"
	"time"
)

// LoadConfigFromEnv builds the connection config. DATABASE_URL carries
// the credentials (validated earlier by the secrets loader); the pool
// knobs are optional.
func LoadConfigFromEnv(databaseURL string) Config {
	return Config{
		URL:             databaseURL,
		MaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
