// Package config loads StateFlow settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/StateFlow/internal/scheduler"
	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultAgentFile          = "agent.yaml"
	DefaultBufferDelay        = 3000 * time.Millisecond
	DefaultMaxSkipDepth       = 5
	DefaultRetryCeiling       = 3
	DefaultMaxRepeats         = 2
	DefaultHistoryWindow      = 10
	DefaultApprovalConfidence = 0.9
	DefaultTimezone           = "America/Sao_Paulo"
	DefaultOpenAIModel        = "gpt-4o-mini"
	DefaultMetricsAddr        = ":9090"
	DefaultPurgeSchedule      = scheduler.DefaultPurgeSpec
	DefaultBufferRetention    = 7 * 24 * time.Hour
)

// Config holds every runtime setting of the service.
type Config struct {
	AgentFile          string
	BufferEnabled      bool
	BufferDelay        time.Duration
	MaxSkipDepth       int
	RetryCeiling       int
	MaxRepeats         int
	HistoryWindow      int
	ApprovalConfidence float64
	Timezone           string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	OpenAIKey          string
	OpenAIModel        string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	MetricsAddr        string
	PurgeSchedule      string
	BufferRetention    time.Duration
	LogLevel           string
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment alone.
func FromEnv() (Config, error) {
	cfg := Config{
		AgentFile:          stringEnv("STATEFLOW_AGENT_FILE", DefaultAgentFile),
		BufferEnabled:      ParseBoolEnv("STATEFLOW_BUFFER_ENABLED", true),
		BufferDelay:        time.Duration(ParseIntEnv("STATEFLOW_BUFFER_DELAY_MS", int(DefaultBufferDelay/time.Millisecond))) * time.Millisecond,
		MaxSkipDepth:       ParseIntEnv("STATEFLOW_MAX_SKIP_DEPTH", DefaultMaxSkipDepth),
		RetryCeiling:       ParseIntEnv("STATEFLOW_RETRY_CEILING", DefaultRetryCeiling),
		MaxRepeats:         ParseIntEnv("STATEFLOW_MAX_REPEATS", DefaultMaxRepeats),
		HistoryWindow:      ParseIntEnv("STATEFLOW_HISTORY_WINDOW", DefaultHistoryWindow),
		ApprovalConfidence: ParseFloatEnv("STATEFLOW_APPROVAL_CONFIDENCE", DefaultApprovalConfidence),
		Timezone:           stringEnv("STATEFLOW_TIMEZONE", DefaultTimezone),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        stringEnv("OPENAI_MODEL", DefaultOpenAIModel),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		MetricsAddr:        stringEnv("STATEFLOW_METRICS_ADDR", DefaultMetricsAddr),
		PurgeSchedule:      stringEnv("STATEFLOW_PURGE_SCHEDULE", DefaultPurgeSchedule),
		BufferRetention:    parseDurationEnv("STATEFLOW_BUFFER_RETENTION", DefaultBufferRetention),
		LogLevel:           stringEnv("STATEFLOW_LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	slog.Debug("environment variables loaded",
		"STATEFLOW_AGENT_FILE", cfg.AgentFile,
		"STATEFLOW_BUFFER_ENABLED", cfg.BufferEnabled,
		"STATEFLOW_BUFFER_DELAY", cfg.BufferDelay,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"REDIS_ADDR", cfg.RedisAddr,
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"TWILIO_SET", cfg.TwilioEnabled(),
		"STATEFLOW_METRICS_ADDR", cfg.MetricsAddr)
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.BufferDelay < 0:
		return fmt.Errorf("STATEFLOW_BUFFER_DELAY_MS must be >= 0, got %s", c.BufferDelay)
	case c.MaxSkipDepth < 1:
		return fmt.Errorf("STATEFLOW_MAX_SKIP_DEPTH must be >= 1, got %d", c.MaxSkipDepth)
	case c.RetryCeiling < 1:
		return fmt.Errorf("STATEFLOW_RETRY_CEILING must be >= 1, got %d", c.RetryCeiling)
	case c.MaxRepeats < 0:
		return fmt.Errorf("STATEFLOW_MAX_REPEATS must be >= 0, got %d", c.MaxRepeats)
	case c.HistoryWindow < 1:
		return fmt.Errorf("STATEFLOW_HISTORY_WINDOW must be >= 1, got %d", c.HistoryWindow)
	case c.HistoryWindow <= c.MaxRepeats:
		return fmt.Errorf("STATEFLOW_HISTORY_WINDOW (%d) must exceed STATEFLOW_MAX_REPEATS (%d)", c.HistoryWindow, c.MaxRepeats)
	case c.ApprovalConfidence < 0 || c.ApprovalConfidence > 1:
		return fmt.Errorf("STATEFLOW_APPROVAL_CONFIDENCE must be within [0,1], got %v", c.ApprovalConfidence)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid STATEFLOW_TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured time zone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TwilioEnabled reports whether all Twilio credentials are present.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// SlogLevel maps LogLevel to a slog level. Unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stringEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseIntEnv parses an integer environment variable. Invalid values return default.
func ParseIntEnv(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("ParseIntEnv: invalid integer value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}

// ParseFloatEnv parses a float environment variable. Invalid values return default.
func ParseFloatEnv(key string, defaultValue float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		slog.Warn("ParseFloatEnv: invalid float value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return f
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("parseDurationEnv: invalid duration, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return d
}
