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

// Config contains all runtime settings for the turn session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel    string
	LogEncoding string
	LogOutput   string

	// BackendMode is "remote" (external generation service) or "local".
	BackendMode      string
	RemoteBackendURL string
	RemoteToken      string

	DatabaseURL string

	LLMAdapterMode    string
	LLMHTTPURL        string
	LLMHTTPToken      string
	LLMHTTPTimeout    time.Duration
	LLMStreamStrict   bool
	LLMFallbackToMock bool
	LLMMockDelay      time.Duration

	ChunkMinChars int
	HistoryTurns  int
}

// LoadDotEnv reads an optional .env file into the process environment.
// Variables already set win over the file.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "taleweave"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogEncoding:      envOrDefault("LOG_ENCODING", "json"),
		LogOutput:        stringsTrimSpace("LOG_OUTPUT_PATH"),
		BackendMode:      strings.ToLower(envOrDefault("TALEWEAVE_BACKEND", "local")),
		RemoteBackendURL: stringsTrimSpace("TALEWEAVE_REMOTE_URL"),
		RemoteToken:      stringsTrimSpace("TALEWEAVE_REMOTE_TOKEN"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		LLMAdapterMode:   envOrDefault("LLM_ADAPTER_MODE", "auto"),
		LLMHTTPURL:       stringsTrimSpace("LLM_HTTP_URL"),
		LLMHTTPToken:     stringsTrimSpace("LLM_HTTP_TOKEN"),
		LLMHTTPTimeout:   2 * time.Minute,
		LLMMockDelay:     25 * time.Millisecond,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		JanitorInterval:          30 * time.Second,
		ChunkMinChars:            24,
		HistoryTurns:             40,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMHTTPTimeout, err = durationFromEnv("LLM_HTTP_TIMEOUT", cfg.LLMHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMStreamStrict, err = boolFromEnv("LLM_STREAM_STRICT", cfg.LLMStreamStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMFallbackToMock, err = boolFromEnv("LLM_FALLBACK_TO_MOCK", cfg.LLMFallbackToMock)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMockDelay, err = durationFromEnv("LLM_MOCK_DELAY", cfg.LLMMockDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkMinChars, err = intFromEnv("STREAM_CHUNK_MIN_CHARS", cfg.ChunkMinChars)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryTurns, err = intFromEnv("PROMPT_HISTORY_TURNS", cfg.HistoryTurns)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch cfg.BackendMode {
	case "local":
	case "remote":
		if cfg.RemoteBackendURL == "" {
			return Config{}, fmt.Errorf("TALEWEAVE_REMOTE_URL is required when TALEWEAVE_BACKEND=remote")
		}
	default:
		return Config{}, fmt.Errorf("TALEWEAVE_BACKEND must be local or remote, got %q", cfg.BackendMode)
	}
	if cfg.ChunkMinChars < 0 {
		return Config{}, fmt.Errorf("STREAM_CHUNK_MIN_CHARS must be >= 0")
	}
	if cfg.HistoryTurns <= 0 {
		return Config{}, fmt.Errorf("PROMPT_HISTORY_TURNS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
