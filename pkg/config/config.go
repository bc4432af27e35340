package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fleetd coordinator configuration. All durations are
// expressed in seconds (days for the billing grace period) so the YAML
// stays plain integers.
type Config struct {
	DataDir    string `yaml:"dataDir"`
	ListenAddr string `yaml:"listenAddr"`

	LogLevel   string `yaml:"logLevel"`
	LogJSON    bool   `yaml:"logJson"`
	WebhookURL string `yaml:"webhookUrl"`

	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Bus       BusConfig       `yaml:"bus"`
	Drain     DrainConfig     `yaml:"drain"`
	Inference InferenceConfig `yaml:"inference"`
	Billing   BillingConfig   `yaml:"billing"`
	Provider  ProviderConfig  `yaml:"provider"`
}

// ProviderConfig authenticates out-of-band node reboots. An empty token
// disables reboot escalation.
type ProviderConfig struct {
	APIBase  string `yaml:"apiBase"`
	APIToken string `yaml:"apiToken"`
}

type WatchdogConfig struct {
	IntervalSeconds      int `yaml:"intervalSeconds"`
	DeadThresholdSeconds int `yaml:"deadThresholdSeconds"`
}

type BusConfig struct {
	CommandTimeoutSeconds int `yaml:"commandTimeoutSeconds"`
}

type DrainConfig struct {
	MaxConcurrentMigrations int `yaml:"maxConcurrentMigrations"`
}

type InferenceConfig struct {
	PollIntervalSeconds  int `yaml:"pollIntervalSeconds"`
	RebootThreshold      int `yaml:"rebootThreshold"`
	FailedTimeoutSeconds int `yaml:"failedTimeoutSeconds"`
}

type BillingConfig struct {
	GracePeriodDays    int   `yaml:"gracePeriodDays"`
	RuntimeCentsPerDay int64 `yaml:"runtimeCentsPerDay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/fleetd",
		ListenAddr: ":8420",
		LogLevel:   "info",
		LogJSON:    true,
		Watchdog: WatchdogConfig{
			IntervalSeconds:      30,
			DeadThresholdSeconds: 90,
		},
		Bus: BusConfig{
			CommandTimeoutSeconds: 30,
		},
		Drain: DrainConfig{
			MaxConcurrentMigrations: 1,
		},
		Inference: InferenceConfig{
			PollIntervalSeconds:  60,
			RebootThreshold:      2,
			FailedTimeoutSeconds: 600,
		},
		Billing: BillingConfig{
			GracePeriodDays:    30,
			RuntimeCentsPerDay: 100,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not
// an error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.Watchdog.DeadThresholdSeconds <= c.Watchdog.IntervalSeconds {
		return fmt.Errorf("watchdog deadThresholdSeconds (%d) must exceed intervalSeconds (%d)",
			c.Watchdog.DeadThresholdSeconds, c.Watchdog.IntervalSeconds)
	}
	if c.Drain.MaxConcurrentMigrations < 1 {
		return fmt.Errorf("drain maxConcurrentMigrations must be at least 1")
	}
	if c.Inference.RebootThreshold < 1 {
		return fmt.Errorf("inference rebootThreshold must be at least 1")
	}
	if c.Billing.GracePeriodDays < 1 {
		return fmt.Errorf("billing gracePeriodDays must be at least 1")
	}
	return nil
}

func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalSeconds) * time.Second
}

func (c *Config) DeadThreshold() time.Duration {
	return time.Duration(c.Watchdog.DeadThresholdSeconds) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Bus.CommandTimeoutSeconds) * time.Second
}

func (c *Config) InferencePollInterval() time.Duration {
	return time.Duration(c.Inference.PollIntervalSeconds) * time.Second
}

func (c *Config) InferenceFailedTimeout() time.Duration {
	return time.Duration(c.Inference.FailedTimeoutSeconds) * time.Second
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Billing.GracePeriodDays) * 24 * time.Hour
}
