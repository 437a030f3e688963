package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// History backends.
const (
	HistoryNone   = "none"
	HistorySQLite = "sqlite"
	HistoryJSON   = "json"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	TmpDir   string `env:"TMP_DIR" envDefault:"tmp"`

	ClassifierModelPath string `env:"CLASSIFIER_MODEL_PATH" envDefault:"classifier_xgb.model"`

	EmbeddingServiceURL string        `env:"EMBEDDING_SERVICE_URL" envDefault:"http://localhost:8501"`
	EmbeddingModelName  string        `env:"EMBEDDING_MODEL_NAME" envDefault:"yamnet"`
	EmbeddingOutputKey  string        `env:"EMBEDDING_OUTPUT_KEY" envDefault:"embeddings"`
	EmbeddingTimeout    time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"30s"`

	// APIKey is the Gemini key. API_KEY is the name the original deployment used.
	APIKey      string        `env:"API_KEY"`
	GeminiKey   string        `env:"GEMINI_API_KEY"`
	GeminiModel string        `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash-lite"`
	LLMTimeout  time.Duration `env:"LLM_TIMEOUT" envDefault:"10s"`

	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`

	HistoryBackend  string `env:"HISTORY_BACKEND" envDefault:"none"`
	HistoryDBPath   string `env:"HISTORY_DB_PATH" envDefault:"data/history.db"`
	HistoryJSONPath string `env:"HISTORY_JSON_PATH" envDefault:"data/history.json"`

	// TLS material for the https protocol.
	CertFile string `env:"CERT_FILE"`
	CertKey  string `env:"CERT_KEY"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile string
	Port    string
}

// Load reads configuration from an optional .env file, environment variables
// and CLI overrides. Priority: CLI flags > environment > .env > defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if overrides.Port != "" {
		cfg.Port = overrides.Port
	}

	cfg.HistoryBackend = strings.ToLower(strings.TrimSpace(cfg.HistoryBackend))
	if cfg.HistoryBackend == "" {
		cfg.HistoryBackend = HistoryNone
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot express.
func (c *Config) Validate() error {
	switch c.HistoryBackend {
	case HistoryNone, HistorySQLite, HistoryJSON:
	default:
		return fmt.Errorf("HISTORY_BACKEND must be one of none, sqlite, json; got %q", c.HistoryBackend)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.ClassifierModelPath == "" {
		return fmt.Errorf("CLASSIFIER_MODEL_PATH cannot be empty")
	}
	if c.EmbeddingServiceURL == "" {
		return fmt.Errorf("EMBEDDING_SERVICE_URL cannot be empty")
	}
	return nil
}

// ValidateTLS checks that both halves of the key pair are configured.
func (c *Config) ValidateTLS() error {
	if c.CertFile == "" || c.CertKey == "" {
		return fmt.Errorf("https requires CERT_FILE and CERT_KEY")
	}
	return nil
}

// GeminiAPIKey returns the configured key, preferring API_KEY.
func (c *Config) GeminiAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return c.GeminiKey
}
