package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the device simulator
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Server  ServerConfig  `yaml:"server"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig describes the simulated device and its signal
type DeviceConfig struct {
	ID           string        `yaml:"id"`
	Location     string        `yaml:"location"`
	SensorType   string        `yaml:"sensor_type"`
	ReadInterval time.Duration `yaml:"read_interval"`
	Baseline     float64       `yaml:"baseline"`
	Jitter       float64       `yaml:"jitter"`
	BatteryDrain float64       `yaml:"battery_drain"`
}

// ServerConfig contains connection settings for the receiver
type ServerConfig struct {
	URL                  string        `yaml:"url"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	BatchSize            int           `yaml:"batch_size"`
}

// BufferConfig contains settings for the reading buffer
type BufferConfig struct {
	Size       int  `yaml:"size"`
	DropOldest bool `yaml:"drop_oldest"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Device.SensorType == "" {
		c.Device.SensorType = "temperature"
	}
	if c.Device.ReadInterval == 0 {
		c.Device.ReadInterval = 30 * time.Second
	}
	if c.Device.Jitter == 0 {
		c.Device.Jitter = 0.5
	}
	if c.Device.BatteryDrain == 0 {
		c.Device.BatteryDrain = 0.001
	}
	if c.Server.ConnectTimeout == 0 {
		c.Server.ConnectTimeout = 10 * time.Second
	}
	if c.Server.ReconnectInterval == 0 {
		c.Server.ReconnectInterval = 1 * time.Second
	}
	if c.Server.MaxReconnectInterval == 0 {
		c.Server.MaxReconnectInterval = 5 * time.Minute
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 30 * time.Second
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = 90 * time.Second
	}
	if c.Server.FlushInterval == 0 {
		c.Server.FlushInterval = 5 * time.Second
	}
	if c.Server.BatchSize == 0 {
		c.Server.BatchSize = 50
	}
	if c.Buffer.Size == 0 {
		c.Buffer.Size = 1000
		c.Buffer.DropOldest = true
	}
	c.Logging.applyDefaults()
}

// OverrideFromEnv overrides config values from environment variables
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("DEVICE_LOCATION"); v != "" {
		c.Device.Location = v
	}
	if v := os.Getenv("SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device ID is required")
	}
	if c.Device.SensorType == "" {
		return fmt.Errorf("sensor type is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server URL must start with ws:// or wss://")
	}
	if c.Device.ReadInterval < 100*time.Millisecond {
		return fmt.Errorf("read interval must be at least 100ms")
	}
	if c.Buffer.Size < 10 || c.Buffer.Size > 100000 {
		return fmt.Errorf("buffer size must be between 10 and 100000")
	}
	if c.Server.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	return c.Logging.Validate()
}

// String returns a printable representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Device: %+v, Server: [URL=%s], Buffer: %+v, Logging: %+v}",
		c.Device,
		c.Server.URL,
		c.Buffer,
		c.Logging,
	)
}
