package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables. Empty DownloadDir, MaxConcurrent, Theme,
// Referer and UserAgent mean "not set": the persisted state or the defaults apply.
type Config struct {
	DownloadDir   string `envconfig:"DOWNLOAD_DIR"`
	MaxConcurrent int    `envconfig:"MAX_CONCURRENT"`
	Theme         string `envconfig:"THEME"`
	Referer       string `envconfig:"REFERER"`
	UserAgent     string `envconfig:"USER_AGENT"`

	Segments         int           `envconfig:"SEGMENTS" default:"10"`
	Retries          int           `envconfig:"RETRIES" default:"3"`
	ResumeRetries    int           `envconfig:"RESUME_RETRIES" default:"5"`
	StopTimeout      time.Duration `envconfig:"STOP_TIMEOUT" default:"10s"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"500ms"`
	SummaryInterval  time.Duration `envconfig:"SUMMARY_INTERVAL" default:"30s"`
	KeepFinishedFor  time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"1h"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"downloads.db"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"batch_downloader"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval   time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}

	Web struct {
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
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

	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT must be positive, got %d", cfg.MaxConcurrent)
	}

	return &cfg, nil
}

// Headers returns the default request headers set through the environment.
func (c *Config) Headers() map[string]string {
	headers := make(map[string]string)

	if c.Referer != "" {
		headers["referer"] = c.Referer
	}

	if c.UserAgent != "" {
		headers["user-agent"] = c.UserAgent
	}

	return headers
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
