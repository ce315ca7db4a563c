package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName              = "walletsync"
	defaultAppEnv               = "development"
	defaultPort                 = "8080"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultShutdownDelay        = 10 * time.Second
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultLedgerRPS            = 10.0
	defaultLedgerTimeout        = 15 * time.Second
	defaultEffectsLimit         = 50
	defaultPollInterval         = 30 * time.Second
	defaultAssetSwitchDebounce  = 500 * time.Millisecond
	defaultPINAttemptsPerMinute = 5
	defaultDevSourceAccount     = "GDEVSOURCE"
	defaultDevSeedBalance       = "10000"
	idemTTLSecondsEnvVar        = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar            = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar       = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar      = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	LedgerURL           string
	LedgerStreamURL     string
	LedgerToken         string
	SourceAccount       string
	LedgerRPS           float64
	LedgerTimeout       time.Duration
	EffectsLimit        int
	PollInterval        time.Duration
	AssetSwitchDebounce time.Duration
	PINAttemptsPerMin   int
	DevSeedBalance      string
}

// Load reads a .env file when present, then populates a Config from the environment.
// Variables already set in the environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          getEnv("APP_ENV", defaultAppEnv),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		LedgerURL:       os.Getenv("LEDGER_URL"),
		LedgerStreamURL: os.Getenv("LEDGER_STREAM_URL"),
		LedgerToken:     os.Getenv("LEDGER_TOKEN"),
		SourceAccount:   os.Getenv("LEDGER_SOURCE_ACCOUNT"),
		DevSeedBalance:  getEnv("DEV_SEED_BALANCE", defaultDevSeedBalance),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LedgerTimeout, err = durationFromEnv("", "LEDGER_TIMEOUT", defaultLedgerTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = durationFromEnv("", "POLL_INTERVAL", defaultPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.AssetSwitchDebounce, err = durationFromEnv("", "ASSET_SWITCH_DEBOUNCE", defaultAssetSwitchDebounce); err != nil {
		return Config{}, err
	}

	cfg.LedgerRPS = defaultLedgerRPS
	if v := os.Getenv("LEDGER_RPS"); v != "" {
		if cfg.LedgerRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, fmt.Errorf("invalid LEDGER_RPS: %w", err)
		}
	}
	if cfg.EffectsLimit, err = intFromEnv("EFFECTS_LIMIT", defaultEffectsLimit); err != nil {
		return Config{}, err
	}
	if cfg.PINAttemptsPerMin, err = intFromEnv("PIN_ATTEMPTS_PER_MINUTE", defaultPINAttemptsPerMinute); err != nil {
		return Config{}, err
	}

	if cfg.IsDev() {
		if cfg.SourceAccount == "" {
			cfg.SourceAccount = defaultDevSourceAccount
		}
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.LedgerURL == "" {
		return Config{}, fmt.Errorf("LEDGER_URL must be set")
	}
	if cfg.SourceAccount == "" {
		return Config{}, fmt.Errorf("LEDGER_SOURCE_ACCOUNT must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the service runs in a development environment, where Postgres, Redis
// and a remote ledger are optional.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// durationFromEnv reads whole seconds from secondsKey, or a Go duration (or bare seconds)
// from durationKey.
func durationFromEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	v := os.Getenv(durationKey)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
