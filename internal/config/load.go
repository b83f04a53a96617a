package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar names an optional YAML file loaded below the environment.
const PathEnvVar = "CONFIG_PATH"

var (
	ErrMissing = errors.New("config: missing required keys")
	ErrInvalid = errors.New("config: invalid configuration")
)

// envKeys maps environment variables to config paths. Variables not listed
// are ignored.
var envKeys = map[string]string{
	"SHARDS_START":       "shards.start",
	"SHARDS_END":         "shards.end",
	"SHARDS_TOTAL":       "shards.total",
	"SHARDS_CONCURRENCY": "shards.concurrency",
	"SHARDS_WAIT":        "shards.wait",
	"CLUSTERS":           "clusters",
	"RESUME":             "resume",
	"DEFAULT_QUEUE":      "default_queue",

	"STATE_ENABLED":      "state.enabled",
	"STATE_MEMBER":       "state.member",
	"STATE_MEMBER_TTL":   "state.member_ttl",
	"STATE_MESSAGE":      "state.message",
	"STATE_MESSAGE_TTL":  "state.message_ttl",
	"STATE_PRESENCE":     "state.presence",
	"STATE_PRESENCE_TTL": "state.presence_ttl",
	"STATE_OLD":          "state.old",

	"STORE_BACKEND": "store.backend",
	"STORE_PREFIX":  "store.prefix",
	"STORE_BUCKET":  "store.bucket",
	"REDIS_URL":     "store.redis_url",
	"NATS_URL":      "store.nats_url",

	"QUEUE_PREFIX":  "queue.prefix",
	"QUEUE_BUCKET":  "queue.bucket",
	"QUEUE_TIMEOUT": "queue.timeout",

	"JOBS_INTERVAL":    "jobs.interval",
	"CLEANUP_INTERVAL": "jobs.cleanup_interval",

	"WEBHOOK_URL":       "webhook.url",
	"WEBHOOK_GUILD_URL": "webhook.guild_url",

	"BOT_TOKEN":       "gateway.token",
	"INTENTS":         "gateway.intents",
	"LARGE_THRESHOLD": "gateway.large_threshold",
	"STATUS":          "gateway.status",
	"ACTIVITY_TYPE":   "gateway.activity_type",
	"ACTIVITY_NAME":   "gateway.activity_name",

	"METRICS_ADDR": "metrics_addr",
	"LOG_LEVEL":    "log_level",
}

// required lists the keys that have no default and must be set by the file
// or the environment.
var required = []string{
	"shards.start",
	"shards.end",
	"shards.total",
	"shards.concurrency",
	"shards.wait",
	"clusters",
	"resume",
	"default_queue",
	"state.enabled",
}

// Load reads the dispatcher configuration with the precedence environment >
// file > defaults. Missing required keys and invalid values are errors.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := load(defaultConfig(), envKeys, required, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(defaults any, keys map[string]string, required []string, out any) error {
	user := koanf.New(".")

	if path := os.Getenv(PathEnvVar); path != "" {
		if err := user.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	transform := func(key string) string { return keys[key] }
	if err := user.Load(env.Provider("", ".", transform), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	var missing []string
	for _, p := range required {
		if !user.Exists(p) {
			missing = append(missing, envName(keys, p))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Merge(user); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}
	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func envName(keys map[string]string, path string) string {
	for k, v := range keys {
		if v == path {
			return k
		}
	}
	return path
}

var validate = validator.New()

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Clusters > c.Shards.Count() {
		return fmt.Errorf("%w: %d clusters for %d local shards", ErrInvalid, c.Clusters, c.Shards.Count())
	}
	if c.Store.Backend == "nats" && c.Store.NatsURL == "" {
		return fmt.Errorf("%w: NATS_URL is required for the nats store backend", ErrInvalid)
	}
	if !c.DefaultQueue && c.Store.NatsURL == "" {
		return fmt.Errorf("%w: NATS_URL is required for the shared admission queue", ErrInvalid)
	}
	return nil
}
