package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML file passed with -config. Flags set on the
// command line win over the file.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Order  OrderConfig  `yaml:"order"`
	// Timeout bounds the wait for the order workflow.
	Timeout time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	// Path to the engine's SQLite database, empty keeps history in memory.
	Path            string        `yaml:"path,omitempty"`
	Codec           string        `yaml:"codec,omitempty"`
	ActivityWorkers int           `yaml:"activity_workers,omitempty"`
	PollInterval    time.Duration `yaml:"poll_interval,omitempty"`
	LeaseTimeout    time.Duration `yaml:"lease_timeout,omitempty"`
}

type StoreConfig struct {
	// Kind is memory, sqlite or redis.
	Kind      string `yaml:"kind"`
	Path      string `yaml:"path,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type OrderConfig struct {
	Item              string  `yaml:"item"`
	Quantity          int     `yaml:"quantity"`
	ApprovalThreshold float64 `yaml:"approval_threshold,omitempty"`
	RefundOnFailure   bool    `yaml:"refund_on_failure,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Engine: EngineConfig{Codec: "json"},
		Store: StoreConfig{
			Kind:      "memory",
			Path:      "inventory.db",
			RedisAddr: "localhost:6379",
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Order:   OrderConfig{Item: "cars", Quantity: 11},
		Timeout: 60 * time.Second,
	}
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Kind {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	switch c.Engine.Codec {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("unknown codec %q", c.Engine.Codec)
	}
	if c.Order.Quantity <= 0 {
		return fmt.Errorf("order quantity must be positive, got %d", c.Order.Quantity)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}
