package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/afroash/telemetry-receiver/internal/mqttclient"
)

// AppConfig holds configuration for the receiver server
type AppConfig struct {
	Server  ServerSettings  `yaml:"server"`
	Archive ArchiveSettings `yaml:"archive"`
	MQTT    MQTTSettings    `yaml:"mqtt"`
	Logging LoggingConfig   `yaml:"logging"`
}

// ServerSettings contains HTTP server configuration
type ServerSettings struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// ArchiveSettings controls the write-only SQLite copy of accepted records.
// The archive is never loaded back into memory.
type ArchiveSettings struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushPeriod   time.Duration `yaml:"flush_period"`
	ChannelSize   int           `yaml:"channel_size"`
	RetentionDays int           `yaml:"retention_days"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// MQTTSettings controls the optional broker subscription
type MQTTSettings struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Topic     string `yaml:"topic"`
	QoS       byte   `yaml:"qos"`
}

// LoadAppConfig loads server configuration from a YAML file.
// An empty path skips the file and uses defaults plus environment.
func LoadAppConfig(path string) (*AppConfig, error) {
	var config AppConfig

	if path != "" {
		yamlData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(yamlData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.ApplyDefaults()
	if err := config.OverrideFromEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for server config
func (ac *AppConfig) ApplyDefaults() {
	if ac.Server.Port == 0 {
		ac.Server.Port = 8000
	}
	if ac.Server.Host == "" {
		ac.Server.Host = "0.0.0.0"
	}
	if ac.Server.ReadTimeout == 0 {
		ac.Server.ReadTimeout = 60 * time.Second
	}
	if ac.Server.WriteTimeout == 0 {
		ac.Server.WriteTimeout = 10 * time.Second
	}
	if ac.Server.ShutdownTimeout == 0 {
		ac.Server.ShutdownTimeout = 10 * time.Second
	}
	if ac.Archive.Path == "" {
		ac.Archive.Path = "./data/telemetry-archive.db"
	}
	if ac.Archive.BatchSize == 0 {
		ac.Archive.BatchSize = 100
	}
	if ac.Archive.FlushPeriod == 0 {
		ac.Archive.FlushPeriod = 5 * time.Second
	}
	if ac.Archive.ChannelSize == 0 {
		ac.Archive.ChannelSize = 1000
	}
	if ac.Archive.RetentionDays == 0 {
		ac.Archive.RetentionDays = 30
	}
	if ac.Archive.CleanupPeriod == 0 {
		ac.Archive.CleanupPeriod = time.Hour
	}
	if ac.MQTT.Topic == "" {
		ac.MQTT.Topic = "sensors/+/readings"
	}
	if ac.MQTT.ClientID == "" {
		ac.MQTT.ClientID = "telemetry-receiver"
	}
	ac.Logging.applyDefaults()
}

// OverrideFromEnv overrides config from environment variables
func (ac *AppConfig) OverrideFromEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		ac.Server.Port = port
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		ac.Server.Host = v
	}
	if v := os.Getenv("ARCHIVE_PATH"); v != "" {
		ac.Archive.Path = v
		ac.Archive.Enabled = true
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		ac.MQTT.BrokerURL = v
		ac.MQTT.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		ac.Logging.Level = v
	}
	return nil
}

// Validate checks if server configuration is valid
func (ac *AppConfig) Validate() error {
	if ac.Server.Port < 1 || ac.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if ac.Archive.Enabled {
		if ac.Archive.BatchSize < 1 {
			return fmt.Errorf("archive batch size must be at least 1")
		}
		if ac.Archive.ChannelSize < ac.Archive.BatchSize {
			return fmt.Errorf("archive channel size must be at least the batch size")
		}
		if ac.Archive.RetentionDays < 1 {
			return fmt.Errorf("archive retention days must be positive")
		}
	}
	if ac.MQTT.Enabled {
		if ac.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt broker url is required when mqtt is enabled")
		}
		if ac.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}
	return ac.Logging.Validate()
}

// String returns a printable representation of the config
func (ac *AppConfig) String() string {
	return fmt.Sprintf("AppConfig{Server: %+v, Archive: %+v, MQTT: [Enabled=%t, Broker=%s, Topic=%s], Logging: %+v}",
		ac.Server,
		ac.Archive,
		ac.MQTT.Enabled,
		mqttclient.RedactURL(ac.MQTT.BrokerURL),
		ac.MQTT.Topic,
		ac.Logging,
	)
}

