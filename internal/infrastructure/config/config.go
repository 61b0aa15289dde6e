package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider types.
const (
	// ProviderTypeMQTT connects to a plain MQTT or MQTT-over-WebSocket broker.
	ProviderTypeMQTT = "mqtt"

	// ProviderTypeIoT connects through a signed WebSocket URL.
	ProviderTypeIoT = "iot"
)

// Config is the root configuration structure for the pub/sub daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig       `yaml:"site"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Providers []ProviderConfig `yaml:"providers"`
	Signing   SigningConfig    `yaml:"signing"`
	Database  DatabaseConfig   `yaml:"database"`
	InfluxDB  InfluxDBConfig   `yaml:"influxdb"`
	API       APIConfig        `yaml:"api"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains settings shared by every MQTT connection.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Codec     string              `yaml:"codec"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Will      MQTTWillConfig      `yaml:"will"`
	TLS       MQTTTLSConfig       `yaml:"tls"`
	Managed   ManagedBrokerConfig `yaml:"managed"`
}

// MQTTBrokerConfig contains the default broker endpoint and session settings.
type MQTTBrokerConfig struct {
	// URL is the broker address, e.g. "tcp://localhost:1883" or
	// "wss://broker.example.com:8884/mqtt".
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains the reconnect backoff schedule.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// MQTTWillConfig controls the Last Will and Testament status message.
type MQTTWillConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
}

// MQTTTLSConfig contains TLS settings for ssl:// and wss:// brokers.
type MQTTTLSConfig struct {
	Enabled            bool `yaml:"enabled"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ManagedBrokerConfig runs a local broker (mosquitto) as a child process so
// the site keeps working without an external broker.
type ManagedBrokerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Binary  string `yaml:"binary"`

	// ConfigFile is passed with -c. When empty the broker listens on
	// Listen with its built-in defaults.
	ConfigFile string `yaml:"config_file"`

	// Listen is the host:port the broker accepts connections on. It is
	// dialled for readiness and health.
	Listen string `yaml:"listen"`

	StartTimeout        time.Duration `yaml:"start_timeout"`
	GracefulTimeout     time.Duration `yaml:"graceful_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// ProviderConfig declares one named provider.
type ProviderConfig struct {
	Name      string          `yaml:"name"`
	Type      string          `yaml:"type"`
	Endpoint  string          `yaml:"endpoint"`
	ClientID  string          `yaml:"client_id"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig enables mDNS discovery of the broker for a provider.
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Scheme  string        `yaml:"scheme"`
	Timeout time.Duration `yaml:"timeout"`
}

// SigningConfig contains the credentials used to sign IoT connection URLs
// and to verify API bearer tokens.
type SigningConfig struct {
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	TTL             time.Duration `yaml:"ttl"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how long connection state history is kept.
	// Zero disables pruning.
	HistoryRetention time.Duration `yaml:"history_retention"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// AuthRequired rejects requests without a valid bearer token.
	AuthRequired bool `yaml:"auth_required"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
// An empty AllowedOrigins list allows every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_PUBSUB_SECTION_KEY
// For example: GRAYLOGIC_PUBSUB_MQTT_URL, GRAYLOGIC_PUBSUB_API_PORT
//
// When no providers are declared, a single "mqtt" provider pointing at
// mqtt.broker.url is added.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes using the same steps as Load.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				URL:            "tcp://localhost:1883",
				KeepAlive:      60 * time.Second,
				ConnectTimeout: 10 * time.Second,
			},
			QoS:   1,
			Codec: "json",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 5 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2,
				Jitter:       0.25,
			},
			Will: MQTTWillConfig{
				Enabled: true,
				Topic:   "graylogic/pubsub/status",
			},
			Managed: ManagedBrokerConfig{
				Binary:              "/usr/sbin/mosquitto",
				Listen:              "127.0.0.1:1883",
				StartTimeout:        10 * time.Second,
				GracefulTimeout:     10 * time.Second,
				HealthCheckInterval: 30 * time.Second,
				MaxRestartAttempts:  10,
			},
		},
		Signing: SigningConfig{
			TTL: 15 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:             "./data/pubsub.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_PUBSUB_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("GRAYLOGIC_PUBSUB_MQTT_URL"); v != "" {
		cfg.MQTT.Broker.URL = v
	}
	if v := os.Getenv("GRAYLOGIC_PUBSUB_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("GRAYLOGIC_PUBSUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_PUBSUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Signing credentials (always prefer the environment for secrets)
	if v := os.Getenv("GRAYLOGIC_PUBSUB_SIGNING_ACCESS_KEY_ID"); v != "" {
		cfg.Signing.AccessKeyID = v
	}
	if v := os.Getenv("GRAYLOGIC_PUBSUB_SIGNING_SECRET_ACCESS_KEY"); v != "" {
		cfg.Signing.SecretAccessKey = v
	}
	if v := os.Getenv("GRAYLOGIC_PUBSUB_SIGNING_SESSION_TOKEN"); v != "" {
		cfg.Signing.SessionToken = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_PUBSUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_PUBSUB_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_PUBSUB_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_PUBSUB_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_PUBSUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// applyProviderDefaults adds the implicit provider and fills provider fields
// that inherit from the mqtt section.
func (c *Config) applyProviderDefaults() {
	if len(c.Providers) == 0 {
		c.Providers = []ProviderConfig{{
			Name: ProviderTypeMQTT,
			Type: ProviderTypeMQTT,
		}}
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type == "" {
			p.Type = ProviderTypeMQTT
		}
		if p.Endpoint == "" && !p.Discovery.Enabled {
			p.Endpoint = c.MQTT.Broker.URL
		}
		if p.ClientID == "" {
			p.ClientID = c.MQTT.Broker.ClientID
		}
	}
}

// Validate checks the configuration for errors.
// All problems are collected and reported together.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	switch c.MQTT.Codec {
	case "", "json", "cbor":
	default:
		errs = append(errs, fmt.Sprintf("mqtt.codec %q must be json or cbor", c.MQTT.Codec))
	}
	if c.MQTT.Reconnect.Jitter < 0 || c.MQTT.Reconnect.Jitter > 1 {
		errs = append(errs, "mqtt.reconnect.jitter must be between 0 and 1")
	}
	if c.MQTT.Reconnect.MaxDelay > 0 && c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be less than initial_delay")
	}
	if c.MQTT.Will.Enabled && c.MQTT.Will.Topic == "" {
		errs = append(errs, "mqtt.will.topic is required when the will is enabled")
	}

	if c.MQTT.Managed.Enabled {
		if c.MQTT.Managed.Binary == "" {
			errs = append(errs, "mqtt.managed.binary is required when the managed broker is enabled")
		}
		if _, _, err := net.SplitHostPort(c.MQTT.Managed.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("mqtt.managed.listen %q must be host:port", c.MQTT.Managed.Listen))
		}
		if c.MQTT.Managed.MaxRestartAttempts < 0 {
			errs = append(errs, "mqtt.managed.max_restart_attempts must not be negative")
		}
	}

	// Provider validation
	needsSigning := false
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, field+".name is required")
		} else if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", field, p.Name))
		}
		seen[p.Name] = true

		switch p.Type {
		case ProviderTypeMQTT:
			if p.Endpoint == "" && !p.Discovery.Enabled {
				errs = append(errs, field+".endpoint is required unless discovery is enabled")
			}
		case ProviderTypeIoT:
			needsSigning = true
			if p.Endpoint == "" {
				errs = append(errs, field+".endpoint is required for iot providers")
			}
			if p.Discovery.Enabled {
				errs = append(errs, field+".discovery is not supported for iot providers")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.type %q must be mqtt or iot", field, p.Type))
		}
	}

	// Signing validation. The secret doubles as the HMAC key for API tokens,
	// so it carries the same minimum length.
	const minSecretLength = 32
	if needsSigning || c.API.AuthRequired {
		if c.Signing.SecretAccessKey == "" {
			errs = append(errs, "signing.secret_access_key is required (set GRAYLOGIC_PUBSUB_SIGNING_SECRET_ACCESS_KEY)")
		} else if len(c.Signing.SecretAccessKey) < minSecretLength {
			errs = append(errs, "signing.secret_access_key must be at least 32 characters")
		}
	}
	if needsSigning && c.Signing.AccessKeyID == "" {
		errs = append(errs, "signing.access_key_id is required for iot providers")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when enabled")
		}
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
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
