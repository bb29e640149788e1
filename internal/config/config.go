package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	AdminToken    string
	// Redis Configuration
	RedisURL string
	CacheTTL time.Duration
	// Bootstrap tenant - created at startup if it does not exist
	BootstrapTenant string
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8799"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("ARQIVO_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("ARQIVO_CORS_ORIGIN", "*"),
		AdminToken:    getenv("ARQIVO_ADMIN_TOKEN", ""),
		// Redis - cache disabled if not configured
		RedisURL:        getenv("REDIS_URL", ""),
		CacheTTL:        time.Duration(getenvInt("ARQIVO_CACHE_TTL_SECONDS", 30)) * time.Second,
		BootstrapTenant: getenv("ARQIVO_BOOTSTRAP_TENANT", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
