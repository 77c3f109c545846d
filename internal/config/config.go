package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey     string
	JWTSecret        string
	DatabaseURL      string
	StoreDriver      string
	HTTPPort         string
	LogLevel         string
	InferenceBackend string

	GlobalSettingsFile string
	SettingsCacheTTL   time.Duration
	SettingsFallback   string

	SummarizationThreshold int64
	ContextLookback        int
	PageSize               int
	SummaryTimeout         time.Duration
	AutoTitle              bool
	TokenTTL               time.Duration
}

var AppConfig Config

const (
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
	StoreMemory = "memory"

	BackendGenAI        = "genai"
	BackendGenerativeAI = "generative-ai"
)

// LoadConfig reads .env, if present, and then the environment into AppConfig.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load builds a Config from the environment alone.
func Load() (Config, error) {
	cfg := Config{
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		DatabaseURL:      getEnv("DATABASE_URL", "ishtar.db"),
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		LogLevel:         strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		InferenceBackend: strings.ToLower(getEnv("INFERENCE_BACKEND", BackendGenAI)),

		GlobalSettingsFile: getEnv("GLOBAL_SETTINGS_FILE", ""),
		SettingsCacheTTL:   getEnvAsDuration("SETTINGS_CACHE_TTL", 5*time.Minute),
		SettingsFallback:   strings.ToLower(getEnv("SETTINGS_FALLBACK", "error")),

		SummarizationThreshold: int64(getEnvAsInt("SUMMARIZATION_THRESHOLD", 75000)),
		ContextLookback:        getEnvAsInt("CONTEXT_LOOKBACK", 10),
		PageSize:               getEnvAsInt("PAGE_SIZE", 10),
		SummaryTimeout:         getEnvAsDuration("SUMMARY_TIMEOUT", 2*time.Minute),
		AutoTitle:              getEnvAsBool("AUTO_TITLE", true),
		TokenTTL:               getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
	}

	var errs []error
	if cfg.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY environment variable is required"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is required"))
	}
	switch cfg.StoreDriver {
	case StoreSQLite, StoreBolt, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver))
	}
	switch cfg.InferenceBackend {
	case BackendGenAI, BackendGenerativeAI:
	default:
		errs = append(errs, fmt.Errorf("unknown INFERENCE_BACKEND %q", cfg.InferenceBackend))
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
