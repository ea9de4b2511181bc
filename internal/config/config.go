package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tracker.yml.
type Config struct {
	Timers struct {
		MaxDuration int `yaml:"max_duration"`
		WarningAt   int `yaml:"warning_at"`
		CriticalAt  int `yaml:"critical_at"`
	} `yaml:"timers"`
	Summary struct {
		CacheTTLSeconds          int `yaml:"cache_ttl_seconds"`
		EscalationDebounceMillis int `yaml:"escalation_debounce_millis"`
	} `yaml:"summary"`
	Shares struct {
		ExpiringSoonLeadHours int `yaml:"expiring_soon_lead_hours"`
		CatchUpPrompts        int `yaml:"catch_up_prompts"`
		TokenBytes            int `yaml:"token_bytes"`
	} `yaml:"shares"`
	Maintenance struct {
		QuietAccessWindowHours int     `yaml:"quiet_access_window_hours"`
		QuietAccessThreshold   float64 `yaml:"quiet_access_threshold"`
	} `yaml:"maintenance"`
	Exports struct {
		Dir                   string `yaml:"dir"`
		WebhookTimeoutSeconds int    `yaml:"webhook_timeout_seconds"`
		MaxFailureReasonBytes int    `yaml:"max_failure_reason_bytes"`
	} `yaml:"exports"`
	Cache struct {
		Backend   string `yaml:"backend"`
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"cache"`
	Schedule struct {
		Refresh     string `yaml:"refresh"`
		Maintenance string `yaml:"maintenance"`
	} `yaml:"schedule"`
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Summary.CacheTTLSeconds) * time.Second
}

func (c *Config) EscalationDebounce() time.Duration {
	return time.Duration(c.Summary.EscalationDebounceMillis) * time.Millisecond
}

func (c *Config) ExpiringSoonLead() time.Duration {
	return time.Duration(c.Shares.ExpiringSoonLeadHours) * time.Hour
}

func (c *Config) QuietAccessWindow() time.Duration {
	return time.Duration(c.Maintenance.QuietAccessWindowHours) * time.Hour
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Exports.WebhookTimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timers.MaxDuration < 1 {
		return fmt.Errorf("config.timers.max_duration must be >= 1")
	}
	if c.Timers.CriticalAt < 1 {
		return fmt.Errorf("config.timers.critical_at must be >= 1")
	}
	if c.Timers.WarningAt < c.Timers.CriticalAt {
		return fmt.Errorf("config.timers.warning_at must be >= critical_at")
	}
	if c.Timers.WarningAt > c.Timers.MaxDuration {
		return fmt.Errorf("config.timers.warning_at must be <= max_duration")
	}
	if c.Shares.TokenBytes < 32 {
		return fmt.Errorf("config.shares.token_bytes must be >= 32")
	}
	if c.Shares.CatchUpPrompts < 0 {
		return fmt.Errorf("config.shares.catch_up_prompts must be >= 0")
	}
	if c.Maintenance.QuietAccessThreshold <= 0 || c.Maintenance.QuietAccessThreshold > 1 {
		return fmt.Errorf("config.maintenance.quiet_access_threshold must be in (0,1]")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config.cache.backend must be memory or redis")
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("config.cache.redis_addr is required for the redis backend")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tracker.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Absent keys keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `timers:
  max_duration: 30
  warning_at: 4
  critical_at: 2

summary:
  cache_ttl_seconds: 30
  escalation_debounce_millis: 5000

shares:
  expiring_soon_lead_hours: 6
  catch_up_prompts: 3
  token_bytes: 48

maintenance:
  quiet_access_window_hours: 168
  quiet_access_threshold: 0.5

exports:
  dir: exports
  webhook_timeout_seconds: 5
  max_failure_reason_bytes: 500

cache:
  backend: memory
  redis_addr: ""

schedule:
  refresh: "@every 30s"
  maintenance: "@every 10m"
`
