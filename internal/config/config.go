// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config carries everything the server binaries need at startup.
type Config struct {
	Env string

	HTTPAddr string
	GRPCAddr string

	DatabaseURL string
	RedisURL    string

	JWTSecret string
	JWTTTL    time.Duration

	APIKeyPrefix string

	SnapshotDir string
	EmbedDim    int
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Load reads configuration from the environment. DATABASE_URL and
// REDIS_URL are required; everything else has a development default.
func Load() (Config, error) {
	cfg := Config{
		Env:          env("ENV", "dev"),
		HTTPAddr:     env("HTTP_ADDR", ":8081"),
		GRPCAddr:     env("GRPC_ADDR", ":8082"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     env("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:    env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		JWTTTL:       time.Duration(envInt("JWT_TTL_MINUTES", 60)) * time.Minute,
		APIKeyPrefix: env("API_KEY_PREFIX", "rk_"),
		SnapshotDir:  env("SNAPSHOT_DIR", "./data/index"),
		EmbedDim:     envInt("EMBED_DIM", 384),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}
