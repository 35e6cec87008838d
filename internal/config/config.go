package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

type Config struct {
	// DatabaseURL is the path of the SQLite file backing the local mirror.
	DatabaseURL string
	// RemoteURL is the Redis URL of the shared document store. Empty runs
	// an in-process store.
	RemoteURL        string
	HTTPPort         string
	LogLevel         string
	LogFile          string
	JWTSecret        string
	PresenceDebounce time.Duration
	CallRingTimeout  time.Duration
}

var AppConfig Config

// LoadConfig reads .env, if present, and the environment into AppConfig.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil {
		jww.INFO.Println("No .env file found, relying on environment variables")
	}

	cfg := Config{
		DatabaseURL: getEnv("DATABASE_URL", "chatsync_mirror.db"),
		RemoteURL:   getEnv("REMOTE_URL", ""),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		LogFile:     getEnv("LOG_FILE", "-"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
	}

	var err error
	if cfg.PresenceDebounce, err = getEnvAsDuration("PRESENCE_DEBOUNCE", 1500*time.Millisecond); err != nil {
		return err
	}
	if cfg.CallRingTimeout, err = getEnvAsDuration("CALL_RING_TIMEOUT", 30*time.Second); err != nil {
		return err
	}

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}

	AppConfig = cfg
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsDuration parses values such as "1500ms" or "30s".
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	if value <= 0 {
		return 0, errors.Errorf("%s must be positive, got %s", key, valueStr)
	}
	return value, nil
}
