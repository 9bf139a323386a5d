package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device hub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Hub       HubConfig       `yaml:"hub"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// MQTT carries device presence notifications to dashboards.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains device WebSocket transport settings.
type WebSocketConfig struct {
	Path         string `yaml:"path"`
	PingInterval int    `yaml:"ping_interval"`
	PongTimeout  int    `yaml:"pong_timeout"`
}

// HubConfig contains the device hub's operational limits and timeouts.
// None of these values are part of the wire protocol; they are tuning knobs.
type HubConfig struct {
	// MaxFrameBytes is the largest inbound frame accepted from a device.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// AuthTimeout bounds the time between connect and a completed handshake.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// PreAuthQueueSize caps frames buffered while the handshake is in flight.
	// Must be at least 1; the frame past the cap closes the connection.
	PreAuthQueueSize int `yaml:"pre_auth_queue_size"`

	// SendBufferSize is the per-connection outbound frame buffer.
	SendBufferSize int `yaml:"send_buffer_size"`

	// AckTimeoutDefault applies when a caller does not request a timeout.
	AckTimeoutDefault time.Duration `yaml:"ack_timeout_default"`

	// AckTimeoutMin is a floor enforced on every await-ack command.
	AckTimeoutMin time.Duration `yaml:"ack_timeout_min"`

	RateLimit HubRateLimitConfig `yaml:"rate_limit"`
}

// HubRateLimitConfig caps authenticated messages per device.
// Messages <= 0 disables the limiter.
type HubRateLimitConfig struct {
	Messages int           `yaml:"messages"`
	Window   time.Duration `yaml:"window"`
}

// BroadcastConfig contains group broadcast settings.
type BroadcastConfig struct {
	PerDeviceTimeout time.Duration `yaml:"per_device_timeout"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains operator bearer token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVICEHUB_SECTION_KEY
// For example: DEVICEHUB_DATABASE_PATH, DEVICEHUB_JWT_SECRET
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Device Hub",
		},
		Database: DatabaseConfig{
			Path:        "./data/devicehub.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devicehub",
			},
			QoS:         1,
			TopicPrefix: "devicehub",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:         "/ws/device",
			PingInterval: 30,
			PongTimeout:  10,
		},
		Hub: HubConfig{
			MaxFrameBytes:     64 * 1024,
			AuthTimeout:       10 * time.Second,
			PreAuthQueueSize:  10,
			SendBufferSize:    256,
			AckTimeoutDefault: 10 * time.Second,
			AckTimeoutMin:     time.Second,
			RateLimit: HubRateLimitConfig{
				Messages: 60,
				Window:   10 * time.Second,
			},
		},
		Broadcast: BroadcastConfig{
			PerDeviceTimeout: 5 * time.Second,
			MaxConcurrency:   32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVICEHUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DEVICEHUB_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVICEHUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVICEHUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("DEVICEHUB_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("DEVICEHUB_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("DEVICEHUB_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("DEVICEHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Hub.MaxFrameBytes <= 0 {
		errs = append(errs, "hub.max_frame_bytes must be positive")
	}
	if c.Hub.AuthTimeout <= 0 {
		errs = append(errs, "hub.auth_timeout must be positive")
	}
	if c.Hub.PreAuthQueueSize < 1 {
		errs = append(errs, "hub.pre_auth_queue_size must be at least 1")
	}
	if c.Hub.AckTimeoutMin <= 0 {
		errs = append(errs, "hub.ack_timeout_min must be positive")
	}
	if c.Hub.AckTimeoutDefault < c.Hub.AckTimeoutMin {
		errs = append(errs, "hub.ack_timeout_default must be at least hub.ack_timeout_min")
	}
	if c.Hub.RateLimit.Messages > 0 && c.Hub.RateLimit.Window <= 0 {
		errs = append(errs, "hub.rate_limit.window must be positive when messages is set")
	}

	if c.Broadcast.PerDeviceTimeout <= 0 {
		errs = append(errs, "broadcast.per_device_timeout must be positive")
	}

	// Operator endpoints push commands to physical screens; an empty or short
	// secret would let anyone mint a token.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set DEVICEHUB_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
