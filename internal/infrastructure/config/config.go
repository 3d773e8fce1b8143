package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the agent's configuration: identity, stores,
// uplink, collection behaviour, the device inventory, and the optional
// sidebands.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Uplink     UplinkConfig     `yaml:"uplink"`
	Collection CollectionConfig `yaml:"collection"`
	BACnet     BACnetConfig     `yaml:"bacnet"`
	Devices    []DeviceConfig   `yaml:"devices"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	// ID uniquely identifies this agent. Used in MQTT client IDs,
	// status payloads and upload logging.
	ID string `yaml:"id"`

	// SiteID is the facility this agent collects for.
	SiteID string `yaml:"site_id"`

	// Timezone for operator-facing timestamps. Storage is always UTC.
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings for the local reading queue.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// QueueConfig selects the backing store for the pending-reading queue.
type QueueConfig struct {
	// Driver is "sqlite" (default, uses database.path) or "postgres".
	Driver string `yaml:"driver"`

	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains settings for the Postgres queue backend.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// UplinkConfig contains settings for uploading readings to the client system.
type UplinkConfig struct {
	// URL is the base URL of the client system API.
	// The agent posts batches to <url>/readings and probes <url>/health.
	URL string `yaml:"url"`

	// Token is the bearer token presented on every request.
	Token string `yaml:"token"`

	UploadIntervalSeconds   int `yaml:"upload_interval_seconds"`
	UploadBatchSize         int `yaml:"upload_batch_size"`
	RequestTimeoutSeconds   int `yaml:"request_timeout_seconds"`
	RetryBaseSeconds        int `yaml:"retry_base_seconds"`
	RetryCeilingSeconds     int `yaml:"retry_ceiling_seconds"`
	ConnectivityPollSeconds int `yaml:"connectivity_poll_seconds"`
}

// CollectionConfig contains settings for the meter-reading collection cycle.
type CollectionConfig struct {
	// Schedule is a cron expression (robfig/cron v3 syntax, @every accepted).
	Schedule string `yaml:"schedule"`

	// DeviceConcurrency bounds how many devices are collected in parallel.
	DeviceConcurrency int `yaml:"device_concurrency"`

	BatchReadTimeoutMs         int  `yaml:"batch_read_timeout_ms"`
	SequentialReadTimeoutMs    int  `yaml:"sequential_read_timeout_ms"`
	ConnectivityCheckTimeoutMs int  `yaml:"connectivity_check_timeout_ms"`
	EnableConnectivityCheck    bool `yaml:"enable_connectivity_check"`
	EnableSequentialFallback   bool `yaml:"enable_sequential_fallback"`
	AdaptiveBatchSizing        bool `yaml:"adaptive_batch_sizing"`

	// MinBatchSize is the floor for adaptive shrinking. 1 means reads
	// degrade all the way to one register per request.
	MinBatchSize int `yaml:"min_batch_size"`

	// BatchGrowthThreshold is how many consecutive successful batch reads
	// a device needs before its batch size is doubled back up.
	BatchGrowthThreshold int `yaml:"batch_growth_threshold"`
}

// BACnetConfig contains settings for the BACnet gateway connection.
type BACnetConfig struct {
	// Driver is "gateway" (default) or "simulator" for development.
	Driver string `yaml:"driver"`

	// GatewayAddress is the host:port of the site BACnet gateway daemon.
	GatewayAddress string `yaml:"gateway_address"`
}

// DeviceConfig defines a metered device and its readable registers.
type DeviceConfig struct {
	// ID is the device identifier used in readings and uploads.
	ID string `yaml:"id"`

	// Name is a human-readable label for status surfaces.
	Name string `yaml:"name"`

	// Address is the device's BACnet address as understood by the gateway
	// (e.g. "192.168.10.41" or "941:3").
	Address string `yaml:"address"`

	Registers []RegisterConfig `yaml:"registers"`
}

// RegisterConfig defines a single readable data point on a device.
type RegisterConfig struct {
	// DataPoint names the measurement (e.g. "energy_kwh", "flow_rate").
	DataPoint string `yaml:"data_point"`

	// Object is the BACnet object reference passed to the gateway
	// (e.g. "analog-input:1").
	Object string `yaml:"object"`

	// Unit is attached to uploaded readings (optional).
	Unit string `yaml:"unit"`
}

// MQTTConfig contains MQTT broker connection settings for status reporting.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig locates the broker.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig carries broker credentials. Prefer the environment
// for the password.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig shapes the client's retry backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains settings for the optional local readings mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig configures the local HTTP surface.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig holds the HTTP server timeouts, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig selects log level, format (json or text) and sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load builds the effective configuration for one agent: defaults,
// overwritten by the YAML file at path, overwritten in turn by any
// METERSYNC_SECTION_KEY environment variables (METERSYNC_UPLINK_TOKEN,
// METERSYNC_DATABASE_PATH, ...). The result is validated before it is
// returned, so a *Config in hand is always usable.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig is the baseline a YAML file amends. Defaults favour a
// standard site deployment: sqlite queue next to the binary, 15 minute
// collections, five minute uploads.
func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:       "metersync-01",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/metersync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Queue: QueueConfig{
			Driver: "sqlite",
			Postgres: PostgresConfig{
				MaxOpenConns: 4,
			},
		},
		Uplink: UplinkConfig{
			UploadIntervalSeconds:   300,
			UploadBatchSize:         1000,
			RequestTimeoutSeconds:   30,
			RetryBaseSeconds:        120,
			RetryCeilingSeconds:     28800,
			ConnectivityPollSeconds: 60,
		},
		Collection: CollectionConfig{
			Schedule:                   "@every 15m",
			DeviceConcurrency:          4,
			BatchReadTimeoutMs:         5000,
			SequentialReadTimeoutMs:    3000,
			ConnectivityCheckTimeoutMs: 2000,
			EnableConnectivityCheck:    true,
			EnableSequentialFallback:   true,
			AdaptiveBatchSizing:        true,
			MinBatchSize:               1,
			BatchGrowthThreshold:       3,
		},
		BACnet: BACnetConfig{
			Driver:         "gateway",
			GatewayAddress: "127.0.0.1:47810",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "metersync-agent",
			},
			QoS:         1,
			TopicPrefix: "metersync",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Devices: []DeviceConfig{},
	}
}

// applyEnvOverrides lays METERSYNC_* environment variables over cfg.
// The set is deliberately short: identity, endpoints and secrets, the
// values that differ between a fleet image and one site.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"METERSYNC_AGENT_ID", &cfg.Agent.ID},
		{"METERSYNC_DATABASE_PATH", &cfg.Database.Path},
		{"METERSYNC_QUEUE_POSTGRES_DSN", &cfg.Queue.Postgres.DSN},
		{"METERSYNC_UPLINK_URL", &cfg.Uplink.URL},
		{"METERSYNC_UPLINK_TOKEN", &cfg.Uplink.Token},
		{"METERSYNC_MQTT_HOST", &cfg.MQTT.Broker.Host},
		{"METERSYNC_MQTT_USERNAME", &cfg.MQTT.Auth.Username},
		{"METERSYNC_MQTT_PASSWORD", &cfg.MQTT.Auth.Password},
		{"METERSYNC_INFLUXDB_TOKEN", &cfg.InfluxDB.Token},
		{"METERSYNC_API_HOST", &cfg.API.Host},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// Validate collects every problem with the configuration into one
// error, so an operator fixes the file in one pass rather than one
// restart per mistake.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.ID == "" {
		errs = append(errs, "agent.id is required")
	}

	switch c.Queue.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite queue driver")
		}
	case "postgres":
		if c.Queue.Postgres.DSN == "" {
			errs = append(errs, "queue.postgres.dsn is required for the postgres queue driver (set METERSYNC_QUEUE_POSTGRES_DSN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.driver must be \"sqlite\" or \"postgres\", got %q", c.Queue.Driver))
	}

	if c.Uplink.URL == "" {
		errs = append(errs, "uplink.url is required")
	}
	if c.Uplink.UploadBatchSize < 1 {
		errs = append(errs, "uplink.upload_batch_size must be at least 1")
	}
	if c.Uplink.UploadIntervalSeconds < 1 {
		errs = append(errs, "uplink.upload_interval_seconds must be at least 1")
	}
	if c.Uplink.RetryBaseSeconds < 1 {
		errs = append(errs, "uplink.retry_base_seconds must be at least 1")
	}
	if c.Uplink.RetryCeilingSeconds < c.Uplink.RetryBaseSeconds {
		errs = append(errs, "uplink.retry_ceiling_seconds must not be below uplink.retry_base_seconds")
	}
	if c.Uplink.ConnectivityPollSeconds < 1 {
		errs = append(errs, "uplink.connectivity_poll_seconds must be at least 1")
	}

	if c.Collection.BatchReadTimeoutMs < 1 {
		errs = append(errs, "collection.batch_read_timeout_ms must be at least 1")
	}
	if c.Collection.SequentialReadTimeoutMs < 1 {
		errs = append(errs, "collection.sequential_read_timeout_ms must be at least 1")
	}
	if c.Collection.ConnectivityCheckTimeoutMs < 1 {
		errs = append(errs, "collection.connectivity_check_timeout_ms must be at least 1")
	}
	if c.Collection.MinBatchSize < 1 {
		errs = append(errs, "collection.min_batch_size must be at least 1")
	}
	if c.Collection.BatchGrowthThreshold < 1 {
		errs = append(errs, "collection.batch_growth_threshold must be at least 1")
	}
	if c.Collection.DeviceConcurrency < 1 {
		errs = append(errs, "collection.device_concurrency must be at least 1")
	}

	switch c.BACnet.Driver {
	case "gateway":
		if c.BACnet.GatewayAddress == "" {
			errs = append(errs, "bacnet.gateway_address is required for the gateway driver")
		}
	case "simulator":
		// No address needed.
	default:
		errs = append(errs, fmt.Sprintf("bacnet.driver must be \"gateway\" or \"simulator\", got %q", c.BACnet.Driver))
	}

	errs = append(errs, c.validateDevices()...)

	// Sidebands are only checked when switched on; a disabled block
	// may be half-filled or empty.
	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
	}
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be a valid TCP port")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateDevices checks the device inventory for errors.
func (c *Config) validateDevices() []string {
	var errs []string

	seen := make(map[string]bool, len(c.Devices))
	for i, dev := range c.Devices {
		if dev.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if seen[dev.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, dev.ID))
		}
		seen[dev.ID] = true

		if dev.Address == "" {
			errs = append(errs, fmt.Sprintf("device %q: address is required", dev.ID))
		}
		if len(dev.Registers) == 0 {
			errs = append(errs, fmt.Sprintf("device %q: at least one register is required", dev.ID))
		}
		for j, reg := range dev.Registers {
			if reg.DataPoint == "" {
				errs = append(errs, fmt.Sprintf("device %q: registers[%d].data_point is required", dev.ID, j))
			}
			if reg.Object == "" {
				errs = append(errs, fmt.Sprintf("device %q: registers[%d].object is required", dev.ID, j))
			}
		}
	}

	return errs
}

// GetBatchReadTimeout returns the batched-read timeout as a Duration.
func (c *Config) GetBatchReadTimeout() time.Duration {
	return time.Duration(c.Collection.BatchReadTimeoutMs) * time.Millisecond
}

// GetSequentialReadTimeout returns the per-register fallback read timeout as a Duration.
func (c *Config) GetSequentialReadTimeout() time.Duration {
	return time.Duration(c.Collection.SequentialReadTimeoutMs) * time.Millisecond
}

// GetConnectivityCheckTimeout returns the device probe timeout as a Duration.
func (c *Config) GetConnectivityCheckTimeout() time.Duration {
	return time.Duration(c.Collection.ConnectivityCheckTimeoutMs) * time.Millisecond
}

// GetUploadInterval returns the scheduled upload interval as a Duration.
func (c *Config) GetUploadInterval() time.Duration {
	return time.Duration(c.Uplink.UploadIntervalSeconds) * time.Second
}

// GetRequestTimeout returns the uplink HTTP request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Uplink.RequestTimeoutSeconds) * time.Second
}

// GetRetryBase returns the base upload retry delay as a Duration.
func (c *Config) GetRetryBase() time.Duration {
	return time.Duration(c.Uplink.RetryBaseSeconds) * time.Second
}

// GetRetryCeiling returns the maximum upload retry delay as a Duration.
func (c *Config) GetRetryCeiling() time.Duration {
	return time.Duration(c.Uplink.RetryCeilingSeconds) * time.Second
}

// GetConnectivityPoll returns the uplink connectivity probe interval as a Duration.
func (c *Config) GetConnectivityPoll() time.Duration {
	return time.Duration(c.Uplink.ConnectivityPollSeconds) * time.Second
}

