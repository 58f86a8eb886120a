// Package config loads medgraph's configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
	Store     StoreConfig     `yaml:"store"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Predictor PredictorConfig `yaml:"predictor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gte=0"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" validate:"gt=0"`
}

// LLMConfig selects and tunes the chat model.
type LLMConfig struct {
	Provider    string        `yaml:"provider" validate:"oneof=google anthropic openai mock"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gt=0"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`

	// RequestsPerSecond limits model calls across all sessions. Zero
	// disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// DiagnosisConfig tunes the diagnostic workflow and the session executor.
type DiagnosisConfig struct {
	MaxQuestions              int           `yaml:"max_questions" validate:"gte=0"`
	RoundCap                  int           `yaml:"round_cap" validate:"gte=1"`
	HighConfidenceThreshold   float64       `yaml:"high_confidence_threshold" validate:"gt=0,lte=1"`
	MediumConfidenceThreshold float64       `yaml:"medium_confidence_threshold" validate:"gt=0,lte=1"`
	NodeTimeout               time.Duration `yaml:"node_timeout" validate:"gt=0"`
	MaxAttempts               int           `yaml:"max_attempts" validate:"gte=1"`
	SessionTimeout            time.Duration `yaml:"session_timeout" validate:"gt=0"`
	MaxConcurrentSessions     int64         `yaml:"max_concurrent_sessions" validate:"gte=1"`
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite mysql postgres badger"`

	// DSN is the connection string for mysql and postgres.
	DSN string `yaml:"dsn"`

	// Path is the database file (sqlite) or directory (badger).
	Path string `yaml:"path"`
}

// RetrievalConfig selects where medical context comes from.
type RetrievalConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory weaviate http none"`

	// DataDir holds the symptom CSV datasets. It also backs the built-in
	// predictor when no predictor URL is set.
	DataDir string `yaml:"data_dir"`
	URL     string `yaml:"url"`
	Class   string `yaml:"class"`
	APIKey  string `yaml:"api_key"`
}

// PredictorConfig points at the ML model servers. An empty URL selects the
// built-in knowledge-based predictor.
type PredictorConfig struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	ImageURL string `yaml:"image_url" validate:"omitempty,url"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TracingConfig enables OpenTelemetry spans for workflow events.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Minute,
			AllowedOrigins: []string{"*"},
			MaxUploadBytes: 10 << 20,
		},
		LLM: LLMConfig{
			Provider:    "google",
			Model:       "gemini-2.0-flash",
			Temperature: 0.1,
			MaxTokens:   2048,
			CallTimeout: 45 * time.Second,
		},
		Diagnosis: DiagnosisConfig{
			MaxQuestions:              5,
			RoundCap:                  3,
			HighConfidenceThreshold:   0.8,
			MediumConfidenceThreshold: 0.5,
			NodeTimeout:               60 * time.Second,
			MaxAttempts:               3,
			SessionTimeout:            5 * time.Minute,
			MaxConcurrentSessions:     16,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "diagnostic_checkpoints.db",
		},
		Retrieval: RetrievalConfig{
			Backend: "memory",
			DataDir: "data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "medgraph",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. The unprefixed names are the
// ones deployments of the diagnostic service already set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	num := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	float := func(dst *float64) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.Atoi(v); return }
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) (err error) { *dst, err = time.ParseDuration(v); return }
	}

	str(&c.Server.Addr, "MEDGRAPH_ADDR")
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	if v, ok := lookup("MEDGRAPH_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	str(&c.LLM.Provider, "MEDGRAPH_LLM_PROVIDER")
	str(&c.LLM.Model, "MEDGRAPH_LLM_MODEL", "GEMINI_MODEL")
	str(&c.LLM.APIKey, "MEDGRAPH_LLM_API_KEY")
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "google":
			str(&c.LLM.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
		case "anthropic":
			str(&c.LLM.APIKey, "ANTHROPIC_API_KEY")
		case "openai":
			str(&c.LLM.APIKey, "OPENAI_API_KEY")
		}
	}
	num("AGENT_TEMPERATURE", float(&c.LLM.Temperature))
	num("MAX_TOKENS", integer(&c.LLM.MaxTokens))
	num("MEDGRAPH_LLM_CALL_TIMEOUT", duration(&c.LLM.CallTimeout))
	num("MEDGRAPH_LLM_RPS", float(&c.LLM.RequestsPerSecond))

	num("MEDGRAPH_MAX_QUESTIONS", integer(&c.Diagnosis.MaxQuestions))
	num("HIGH_CONFIDENCE_THRESHOLD", float(&c.Diagnosis.HighConfidenceThreshold))
	num("MEDIUM_CONFIDENCE_THRESHOLD", float(&c.Diagnosis.MediumConfidenceThreshold))
	num("MEDGRAPH_SESSION_TIMEOUT", duration(&c.Diagnosis.SessionTimeout))

	str(&c.Store.Driver, "MEDGRAPH_STORE_DRIVER")
	str(&c.Store.Path, "MEDGRAPH_STORE_PATH", "CHECKPOINT_DB_PATH")
	if dsn, ok := lookup("DATABASE_URL"); ok && dsn != "" {
		c.Store.DSN = dsn
		if _, set := lookup("MEDGRAPH_STORE_DRIVER"); !set && strings.HasPrefix(dsn, "postgres") {
			c.Store.Driver = "postgres"
		}
	}

	str(&c.Retrieval.Backend, "MEDGRAPH_RETRIEVAL_BACKEND")
	str(&c.Retrieval.DataDir, "MEDGRAPH_DATA_DIR")
	str(&c.Retrieval.URL, "MEDGRAPH_RETRIEVAL_URL", "WEAVIATE_URL")
	str(&c.Retrieval.APIKey, "WEAVIATE_API_KEY")

	str(&c.Predictor.URL, "MEDGRAPH_PREDICTOR_URL")
	str(&c.Predictor.ImageURL, "MEDGRAPH_IMAGE_CLASSIFIER_URL")

	str(&c.Logging.Level, "MEDGRAPH_LOG_LEVEL")
	str(&c.Logging.Format, "MEDGRAPH_LOG_FORMAT")
	if v, ok := lookup("MEDGRAPH_TRACING"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MEDGRAPH_TRACING: %w", err))
		}
		c.Tracing.Enabled = enabled
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New()

// Validate reports every configuration problem found. An empty result
// means the configuration is usable.
func (c Config) Validate() []string {
	var issues []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	if c.LLM.Provider != "mock" && c.LLM.APIKey == "" {
		issues = append(issues, fmt.Sprintf("no API key configured for LLM provider %q", c.LLM.Provider))
	}
	if c.Diagnosis.MediumConfidenceThreshold >= c.Diagnosis.HighConfidenceThreshold {
		issues = append(issues, "medium confidence threshold must be below the high threshold")
	}

	switch c.Store.Driver {
	case "mysql", "postgres":
		if c.Store.DSN == "" {
			issues = append(issues, fmt.Sprintf("store driver %s requires a DSN", c.Store.Driver))
		}
	case "sqlite", "badger":
		if c.Store.Path == "" {
			issues = append(issues, fmt.Sprintf("store driver %s requires a path", c.Store.Driver))
		} else if dir := filepath.Dir(c.Store.Path); c.Store.Driver == "sqlite" && !dirExists(dir) {
			issues = append(issues, "checkpoint directory does not exist: "+dir)
		}
	}

	switch c.Retrieval.Backend {
	case "weaviate", "http":
		if c.Retrieval.URL == "" {
			issues = append(issues, fmt.Sprintf("retrieval backend %s requires a URL", c.Retrieval.Backend))
		}
	case "memory":
		if !dirExists(c.Retrieval.DataDir) {
			issues = append(issues, "retrieval data directory does not exist: "+c.Retrieval.DataDir)
		}
	}
	if c.Predictor.URL == "" && !dirExists(c.Retrieval.DataDir) {
		issues = append(issues, "built-in predictor needs the symptom datasets in "+c.Retrieval.DataDir)
	}

	return issues
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// NewLogger builds the slog logger described by l.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
