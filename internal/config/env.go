package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file
const (
	EnvPort        = "COLLAB_PORT"
	EnvJWTSecret   = "COLLAB_JWT_SECRET"
	EnvRedisAddr   = "REDIS_ADDR"
	EnvDatabaseURL = "DATABASE_URL"
)

// applyEnv loads envFile into the environment, without replacing variables
// that are already set, then copies the known variables into config.
func applyEnv(config *Config, envFile string) error {
	if envFile != "" {
		err := godotenv.Load(envFile)
		switch {
		case err == nil:
			log.Printf("Loaded environment from %s", envFile)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("error loading %s: %w", envFile, err)
		}
	}

	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		config.Port = port
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		config.Storage.RedisAddr = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		config.Storage.PostgresURL = v
	}
	return nil
}
