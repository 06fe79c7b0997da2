package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models queueline.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"tenant" json:"tenant"`
	Queue struct {
		DefaultEstimatedTime int `yaml:"default_estimated_time" json:"default_estimated_time"`
	} `yaml:"queue" json:"queue"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn,omitempty"`
}

type NotifyConfig struct {
	Log       bool        `yaml:"log" json:"log"`
	Websocket bool        `yaml:"websocket" json:"websocket"`
	Redis     RedisConfig `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url,omitempty"`
	Stream        string `yaml:"stream" json:"stream"`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix"`
	MaxLen        int64  `yaml:"max_len" json:"max_len"`
}

type ReconcileConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Schedule string `yaml:"schedule" json:"schedule"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// DefaultEstimatedTime is substituted for tickets without an estimated_time.
const DefaultEstimatedTime = 300

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ql config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tenant.ID) == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Queue.DefaultEstimatedTime < 0 {
		return fmt.Errorf("config.queue.default_estimated_time must not be negative")
	}
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.database.driver %q is not supported", c.Database.Driver)
	}
	if c.Notify.Redis.Enabled {
		if c.Notify.Redis.URL == "" {
			return fmt.Errorf("config.notify.redis.url is required when redis is enabled")
		}
		if c.Notify.Redis.MaxLen < 0 {
			return fmt.Errorf("config.notify.redis.max_len must not be negative")
		}
	}
	if c.Reconcile.Enabled {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Reconcile.Schedule); err != nil {
			return fmt.Errorf("config.reconcile.schedule invalid: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s has negative timeout", hook.URL)
		}
	}
	return nil
}

// EstimatedTimeFallback returns the per-ticket service time used when a ticket has none.
func (c *Config) EstimatedTimeFallback() int {
	if c == nil || c.Queue.DefaultEstimatedTime <= 0 {
		return DefaultEstimatedTime
	}
	return c.Queue.DefaultEstimatedTime
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "queueline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s
  name: %s

queue:
  # seconds assumed for tickets without an estimated_time
  default_estimated_time: 300

database:
  driver: sqlite
  dsn: ""

notify:
  log: true
  websocket: true
  redis:
    enabled: false
    url: redis://localhost:6379/0
    stream: queue.stream
    channel_prefix: queueline
    max_len: 10000

reconcile:
  enabled: true
  schedule: "0 */5 * * * *"

webhooks: []
`
