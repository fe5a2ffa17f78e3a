// Package config loads process-level configuration for the example server
// and migration tool from the environment.
package config

import (
	"fmt"
	"os"
)

// Config holds the settings a realm-hosting process needs to start up.
type Config struct {
	Env          string
	ListenAddr   string
	DatabaseURL  string
	RealmName    string
	TokenKeyID   string
	TokenKey     string
	TokenIssuer  string
	TokenAudience string
}

// Load reads configuration from environment variables, applying the same
// defaults a local dev run would want.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("APP_ENV", "development"),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RealmName:     getEnv("REALM_NAME", "default"),
		TokenKeyID:    getEnv("TOKEN_KEY_ID", "k1"),
		TokenKey:      os.Getenv("TOKEN_SIGNING_KEY"),
		TokenIssuer:   getEnv("TOKEN_ISSUER", "identity-core"),
		TokenAudience: getEnv("TOKEN_AUDIENCE", "identity-core"),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TokenKey == "" {
		return cfg, fmt.Errorf("TOKEN_SIGNING_KEY is required")
	}
	return cfg, nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}
