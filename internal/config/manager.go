package config

import (
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a local .env file in development, the way the teacher's
// cmd/ binaries do before reading process config. A missing file is not an
// error — production deployments set environment variables directly.
func LoadDotEnv(log *slog.Logger) {
	if err := godotenv.Load(); err != nil {
		log.Debug("config: no .env file found, using process environment")
	}
}
