// Package config loads the process configuration once at startup. The
// resulting value is passed explicitly to every component that needs it.
package config

import (
	"log/slog"
	"time"
)

type (
	ShardsConfig struct {
		Start       uint32 `koanf:"start"`
		End         uint32 `koanf:"end" validate:"gtfield=Start,ltefield=Total"`
		Total       uint32 `koanf:"total" validate:"gte=1"`
		Concurrency int    `koanf:"concurrency" validate:"gte=1"`
		// WaitMs separates successive handshake batches.
		WaitMs int64 `koanf:"wait" validate:"gte=0"`
	}

	StateConfig struct {
		Enabled     bool  `koanf:"enabled"`
		Member      bool  `koanf:"member"`
		MemberTTL   int64 `koanf:"member_ttl" validate:"gte=0"`
		Message     bool  `koanf:"message"`
		MessageTTL  int64 `koanf:"message_ttl" validate:"gte=0"`
		Presence    bool  `koanf:"presence"`
		PresenceTTL int64 `koanf:"presence_ttl" validate:"gte=0"`
		// CaptureOld makes cache writes return the replaced value.
		CaptureOld bool `koanf:"old"`
	}

	StoreConfig struct {
		Backend  string `koanf:"backend" validate:"oneof=redis nats memory"`
		Prefix   string `koanf:"prefix"`
		RedisURL string `koanf:"redis_url" validate:"required_if=Backend redis"`
		NatsURL  string `koanf:"nats_url"`
		// Bucket is the JetStream KV bucket of the nats backend.
		Bucket string `koanf:"bucket"`
	}

	QueueConfig struct {
		Prefix    string `koanf:"prefix"`
		Bucket    uint32 `koanf:"bucket"`
		TimeoutMs int64  `koanf:"timeout" validate:"gte=0"`
	}

	JobsConfig struct {
		IntervalMs        int64 `koanf:"interval" validate:"gt=0"`
		CleanupIntervalMs int64 `koanf:"cleanup_interval" validate:"gt=0"`
	}

	WebhookConfig struct {
		URL      string `koanf:"url" validate:"omitempty,url"`
		GuildURL string `koanf:"guild_url" validate:"omitempty,url"`
	}

	// GatewayConfig is handed to the gateway client factory unchanged.
	GatewayConfig struct {
		Token          string `koanf:"token"`
		Intents        uint64 `koanf:"intents"`
		LargeThreshold int    `koanf:"large_threshold"`
		Status         string `koanf:"status"`
		ActivityType   int    `koanf:"activity_type"`
		ActivityName   string `koanf:"activity_name"`
	}

	Config struct {
		Shards   ShardsConfig `koanf:"shards"`
		Clusters int          `koanf:"clusters" validate:"gte=1"`
		Resume   bool         `koanf:"resume"`
		// DefaultQueue selects the in-process admission budget; otherwise the
		// shared queue server is used.
		DefaultQueue bool          `koanf:"default_queue"`
		State        StateConfig   `koanf:"state"`
		Store        StoreConfig   `koanf:"store"`
		Queue        QueueConfig   `koanf:"queue"`
		Jobs         JobsConfig    `koanf:"jobs"`
		Webhook      WebhookConfig `koanf:"webhook"`
		Gateway      GatewayConfig `koanf:"gateway"`
		MetricsAddr  string        `koanf:"metrics_addr"`
		LogLevel     string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	}
)

func defaultConfig() Config {
	return Config{
		State: StateConfig{CaptureOld: true},
		Store: StoreConfig{
			Backend: "redis",
			Prefix:  "dispatch",
			Bucket:  "dispatch",
		},
		Queue: QueueConfig{
			Prefix:    "dispatch",
			TimeoutMs: 60_000,
		},
		Jobs: JobsConfig{
			IntervalMs:        60_000,
			CleanupIntervalMs: 600_000,
		},
		LogLevel: "info",
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (c ShardsConfig) Wait() time.Duration { return ms(c.WaitMs) }

func (c ShardsConfig) Count() int { return int(c.End - c.Start) }

// Owns reports whether shard id is in the local range.
func (c ShardsConfig) Owns(id uint32) bool { return id >= c.Start && id < c.End }

func (c StateConfig) MemberTTLDuration() time.Duration   { return ms(c.MemberTTL) }
func (c StateConfig) MessageTTLDuration() time.Duration  { return ms(c.MessageTTL) }
func (c StateConfig) PresenceTTLDuration() time.Duration { return ms(c.PresenceTTL) }

func (c QueueConfig) Timeout() time.Duration { return ms(c.TimeoutMs) }

func (c JobsConfig) Interval() time.Duration        { return ms(c.IntervalMs) }
func (c JobsConfig) CleanupInterval() time.Duration { return ms(c.CleanupIntervalMs) }

func (c *Config) SlogLevel() slog.Level { return parseLevel(c.LogLevel) }

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
