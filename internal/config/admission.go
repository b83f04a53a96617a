package config

import (
	"fmt"
	"log/slog"
	"time"
)

// AdmissionConfig configures the shared admission queue server.
type AdmissionConfig struct {
	NatsURL string `koanf:"nats_url" validate:"required"`
	Prefix  string `koanf:"prefix"`
	// Buckets are numbered 0..Buckets-1; dispatchers select one with
	// QUEUE_BUCKET.
	Buckets     uint32 `koanf:"buckets" validate:"gte=1"`
	Concurrency int    `koanf:"concurrency" validate:"gte=1"`
	LeaseTTLMs  int64  `koanf:"lease_ttl" validate:"gt=0"`
	MetricsAddr string `koanf:"metrics_addr"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`
}

var admissionEnvKeys = map[string]string{
	"NATS_URL":           "nats_url",
	"QUEUE_PREFIX":       "prefix",
	"QUEUE_BUCKETS":      "buckets",
	"SHARDS_CONCURRENCY": "concurrency",
	"QUEUE_LEASE_TTL":    "lease_ttl",
	"METRICS_ADDR":       "metrics_addr",
	"LOG_LEVEL":          "log_level",
}

var admissionRequired = []string{"nats_url", "concurrency"}

func defaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		Prefix:     "dispatch",
		Buckets:    1,
		LeaseTTLMs: 30_000,
		LogLevel:   "info",
	}
}

// LoadAdmission reads the queue server configuration the same way as [Load].
func LoadAdmission() (*AdmissionConfig, error) {
	cfg := &AdmissionConfig{}
	if err := load(defaultAdmissionConfig(), admissionEnvKeys, admissionRequired, cfg); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

func (c *AdmissionConfig) LeaseTTL() time.Duration { return ms(c.LeaseTTLMs) }

func (c *AdmissionConfig) SlogLevel() slog.Level { return parseLevel(c.LogLevel) }
