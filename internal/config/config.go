package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Broker   BrokerConfig   `yaml:"broker"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Polling  PollingConfig  `yaml:"polling"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Log      LogConfig      `yaml:"log"`

	// SigningKey is the decoded Auth.SigningKey.
	SigningKey []byte `yaml:"-"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	SigningKey string `yaml:"signing_key"`
}

type BrokerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Channel      string        `yaml:"channel"`
	MinReconnect time.Duration `yaml:"min_reconnect"`
	MaxReconnect time.Duration `yaml:"max_reconnect"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type DeliveryConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HealthWindow         time.Duration `yaml:"health_window"`
	ReconnectWindow      time.Duration `yaml:"reconnect_window"`
	MaxMessagesPerMinute int           `yaml:"max_messages_per_minute"`
	ViolationThreshold   int           `yaml:"violation_threshold"`
	QueueMaxSize         int           `yaml:"queue_max_size"`
	QueueRetention       time.Duration `yaml:"queue_retention"`
	MirrorRole           string        `yaml:"mirror_role"`
	TokenCost            int           `yaml:"token_cost"`
	DispatchBuffer       int           `yaml:"dispatch_buffer"`
}

type PollingConfig struct {
	Intervals     map[string]time.Duration `yaml:"intervals"`
	MaxAge        time.Duration            `yaml:"max_age"`
	BatchSize     int                      `yaml:"batch_size"`
	WatermarkPath string                   `yaml:"watermark_path"`
	WatermarkTTL  time.Duration            `yaml:"watermark_ttl"`
}

type JanitorConfig struct {
	QueueSweep     string `yaml:"queue_sweep"`
	SessionSweep   string `yaml:"session_sweep"`
	WatermarkPrune string `yaml:"watermark_prune"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config with every tunable set. Load decodes on top of it,
// so values absent from a file keep their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "localhost:8000",
		},
		Broker: BrokerConfig{
			Enabled:      true,
			Channel:      "events",
			MinReconnect: 10 * time.Second,
			MaxReconnect: time.Minute,
			PingInterval: 90 * time.Second,
		},
		Delivery: DeliveryConfig{
			HeartbeatInterval:    30 * time.Second,
			HealthWindow:         60 * time.Second,
			ReconnectWindow:      24 * time.Hour,
			MaxMessagesPerMinute: 120,
			ViolationThreshold:   3,
			QueueMaxSize:         100,
			QueueRetention:       24 * time.Hour,
			MirrorRole:           "recruiter",
			TokenCost:            10,
			DispatchBuffer:       1024,
		},
		Polling: PollingConfig{
			Intervals: map[string]time.Duration{
				"interview":   5 * time.Second,
				"application": 30 * time.Second,
				"job":         60 * time.Second,
				"system":      300 * time.Second,
			},
			MaxAge:        24 * time.Hour,
			BatchSize:     100,
			WatermarkPath: "watermarks.db",
			WatermarkTTL:  24 * time.Hour,
		},
		Janitor: JanitorConfig{
			QueueSweep:     "@every 5m",
			SessionSweep:   "@every 10m",
			WatermarkPrune: "@every 1h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, expanding ${VAR} references from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewConfig builds a config from command line values on top of the defaults.
func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	cfg := Default()
	cfg.Server.Addr = serverAddr
	cfg.Server.AllowedOrigins = allowedOrigins
	cfg.Database.DSN = databaseDSN
	cfg.Auth.SigningKey = base64Secret

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required values and decodes the signing key.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.Auth.SigningKey)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if c.Broker.Enabled && c.Broker.Channel == "" {
		return fmt.Errorf("broker channel cannot be empty")
	}
	if c.Delivery.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Delivery.MaxMessagesPerMinute <= 0 {
		return fmt.Errorf("max messages per minute must be positive")
	}
	if c.Delivery.QueueMaxSize <= 0 {
		return fmt.Errorf("queue max size must be positive")
	}
	if c.Polling.BatchSize <= 0 {
		return fmt.Errorf("polling batch size must be positive")
	}
	if _, err := c.PollIntervals(); err != nil {
		return err
	}

	return nil
}

// PollIntervals returns the polling cadence per category.
func (c *Config) PollIntervals() (map[events.Category]time.Duration, error) {
	out := make(map[events.Category]time.Duration, len(c.Polling.Intervals))
	for kind, interval := range c.Polling.Intervals {
		category, err := events.ParseCategory(kind)
		if err != nil || category == events.CategoryConnection {
			return nil, fmt.Errorf("cannot poll for %q updates", kind)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("polling interval for %q must be positive", kind)
		}
		out[category] = interval
	}

	return out, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}

	return key, nil
}
