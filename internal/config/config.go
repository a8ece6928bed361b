package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/italolelis/model_downloader/internal/transfer"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ModelsDir    string `envconfig:"MODELS_DIR" required:"true"`
	ManifestPath string `envconfig:"MANIFEST_PATH" default:"models.ini"`

	HFToken         string `envconfig:"HF_TOKEN"`
	CivitAIAPIKey   string `envconfig:"CIVITAI_API_KEY"`
	HFEndpoint      string `envconfig:"HF_ENDPOINT" default:"https://huggingface.co"`
	CivitAIEndpoint string `envconfig:"CIVITAI_ENDPOINT" default:"https://civitai.com"`

	MaxRetries            int           `envconfig:"MAX_RETRIES" default:"3"`
	AttemptTimeout        time.Duration `envconfig:"ATTEMPT_TIMEOUT" default:"6h"`
	BackoffInitial        time.Duration `envconfig:"BACKOFF_INITIAL" default:"500ms"`
	BackoffMax            time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	ResponseHeaderTimeout time.Duration `envconfig:"RESPONSE_HEADER_TIMEOUT" default:"30s"`
	MaxParallel           int           `envconfig:"MAX_PARALLEL" default:"4"`
	DefaultSubdir         string        `envconfig:"DEFAULT_SUBDIR" default:"checkpoints"`
	StalePartAge          time.Duration `envconfig:"STALE_PART_AGE" default:"24h"`
	CleanupInterval       time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"downloads.db"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"false"`
		ServiceName    string        `split_words:"true" default:"model_downloader"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"true"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if strings.TrimSpace(cfg.ModelsDir) == "" {
		return nil, errors.New("error processing env: MODELS_DIR must not be blank")
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Credential returns the configured API key of a provider. Providers without
// a key get an empty credential and are accessed anonymously.
func (c *Config) Credential(_ context.Context, p transfer.Provider) (string, error) {
	switch p {
	case transfer.ProviderHuggingFace:
		return strings.TrimSpace(c.HFToken), nil
	case transfer.ProviderCivitAI:
		return strings.TrimSpace(c.CivitAIAPIKey), nil
	default:
		return "", fmt.Errorf("no credential source for provider %q", p)
	}
}
