// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Data    DataConfig    `yaml:"data"`
	Model   ModelConfig   `yaml:"model"`
	Server  ServerConfig  `yaml:"server"`
	NATS    NATSConfig    `yaml:"nats"`
	Logging LoggingConfig `yaml:"logging"`
}

// DataConfig locates the dataset and its camera frames.
type DataConfig struct {
	Path         string `yaml:"path"`
	ImageRoot    string `yaml:"image_root"`
	ImagePrefix  string `yaml:"image_prefix"`
	MaxImageEdge int    `yaml:"max_image_edge"`
	// HistoryWindow is how many recent vehicle states a prompt carries.
	HistoryWindow int `yaml:"history_window"`
}

// ModelConfig configures the language model and the guards around it.
type ModelConfig struct {
	APIKey            string        `yaml:"api_key"`
	Name              string        `yaml:"name"`
	ContextWindow     int           `yaml:"context_window"`
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	Temperature       float64       `yaml:"temperature"`
	Timeout           time.Duration `yaml:"timeout"`
	SystemInstruction string        `yaml:"system_instruction"`
	// RateLimit is model calls per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// BreakerThreshold consecutive retryable failures open the breaker for BreakerTimeout.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	// RetryAttempts bounds attempts per request; 1 disables retries.
	RetryAttempts int `yaml:"retry_attempts"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// NATSConfig configures the batch worker.
type NATSConfig struct {
	URL           string `yaml:"url"`
	AskSubject    string `yaml:"ask_subject"`
	AnswerSubject string `yaml:"answer_subject"`
	Queue         string `yaml:"queue"`
	Workers       int    `yaml:"workers"`
}

// LoggingConfig selects the log level (debug|info|warn|error).
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Data: DataConfig{
			Path:          "data/processed/concatenated_data.json",
			ImageRoot:     "data/v1.0-mini",
			ImagePrefix:   "../nuscenes/",
			MaxImageEdge:  1024,
			HistoryWindow: 6,
		},
		Model: ModelConfig{
			Name:             "gemini-1.5-flash",
			ContextWindow:    1_048_576,
			MaxOutputTokens:  4096,
			Temperature:      0.1,
			Timeout:          60 * time.Second,
			RateLimit:        0,
			RateBurst:        1,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
			RetryAttempts:    1,
		},
		Server: ServerConfig{Port: "8080", CORSOrigin: "*"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			AskSubject:    "driveqa.ask",
			AnswerSubject: "driveqa.answers",
			Queue:         "driveqa-workers",
			Workers:       4,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty), and the environment, then validates it.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("DRIVEQA_DATA_PATH", &c.Data.Path)
	str("DRIVEQA_IMAGE_ROOT", &c.Data.ImageRoot)
	num("DRIVEQA_HISTORY_WINDOW", &c.Data.HistoryWindow)
	str("GEMINI_API_KEY", &c.Model.APIKey)
	str("DRIVEQA_MODEL", &c.Model.Name)
	num("DRIVEQA_CONTEXT_WINDOW", &c.Model.ContextWindow)
	num("DRIVEQA_MAX_TOKENS", &c.Model.MaxOutputTokens)
	float("DRIVEQA_TEMPERATURE", &c.Model.Temperature)
	duration("DRIVEQA_MODEL_TIMEOUT", &c.Model.Timeout)
	float("DRIVEQA_RATE_LIMIT", &c.Model.RateLimit)
	num("DRIVEQA_RETRY_ATTEMPTS", &c.Model.RetryAttempts)
	str("PORT", &c.Server.Port)
	str("CORS_ORIGIN", &c.Server.CORSOrigin)
	str("NATS_URL", &c.NATS.URL)
	num("DRIVEQA_WORKERS", &c.NATS.Workers)
	str("LOG_LEVEL", &c.Logging.Level)
	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Data.Path) == "" {
		errs = append(errs, errors.New("data.path is required"))
	}
	if c.Data.HistoryWindow <= 0 {
		errs = append(errs, fmt.Errorf("data.history_window must be positive, got %d", c.Data.HistoryWindow))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.ContextWindow <= 0 {
		errs = append(errs, fmt.Errorf("model.context_window must be positive, got %d", c.Model.ContextWindow))
	}
	if c.Model.MaxOutputTokens <= 0 {
		errs = append(errs, fmt.Errorf("model.max_output_tokens must be positive, got %d", c.Model.MaxOutputTokens))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature must be within [0, 2], got %g", c.Model.Temperature))
	}
	if c.Model.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("model.timeout must be positive, got %s", c.Model.Timeout))
	}
	if c.Model.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("model.rate_limit must not be negative, got %g", c.Model.RateLimit))
	}
	if c.Model.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("model.retry_attempts must be at least 1, got %d", c.Model.RetryAttempts))
	}
	if c.NATS.Workers <= 0 {
		errs = append(errs, fmt.Errorf("nats.workers must be positive, got %d", c.NATS.Workers))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds a JSON or text logger at the configured level.
func (c Config) NewLogger(w io.Writer, json bool) *slog.Logger {
	level, err := ParseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
