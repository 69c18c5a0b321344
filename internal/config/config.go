package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@welcomesend.io"`

	// ----------------------------
	// Dispatch worker
	// ----------------------------
	// DispatchDelay is the grace period a job must age before the worker
	// picks it up, leaving room for any synchronous send path upstream.
	DispatchDelay     time.Duration `envconfig:"DISPATCH_DELAY" default:"45m"`
	DispatchBatchSize int           `envconfig:"DISPATCH_BATCH_SIZE" default:"25"`
	// DispatchInterval enables the in-process ticker. Zero means cycles
	// are only triggered externally via the cron endpoint.
	DispatchInterval time.Duration `envconfig:"DISPATCH_INTERVAL" default:"0"`
	RateLimit        int           `envconfig:"RATE_LIMIT" default:"10"`

	// CronSecret authenticates calls to the cron dispatch endpoint.
	CronSecret string `envconfig:"CRON_SECRET" required:"true"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
