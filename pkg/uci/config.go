package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultConfigPath is the UCI config file of the daemon
const DefaultConfigPath = "/etc/config/routetrack"

// Config represents the routetrack configuration
type Config struct {
	// Main configuration
	LogLevel string `json:"log_level"`
	PIDFile  string `json:"pid_file"`
	DeviceID string `json:"device_id"`

	// Local queue
	QueueBackend    string `json:"queue_backend"`
	QueuePath       string `json:"queue_path"`
	QueueCleanupS   int    `json:"queue_cleanup_s"`
	QueueKeepSynced bool   `json:"queue_keep_synced"`

	// Remote synchronization
	SyncURL         string `json:"sync_url"`
	SyncToken       string `json:"sync_token"`
	SyncIntervalS   int    `json:"sync_interval_s"`
	SyncMaxBackoffS int    `json:"sync_max_backoff_s"`
	SyncBatchSize   int    `json:"sync_batch_size"`
	SyncTimeoutS    int    `json:"sync_timeout_s"`
	ProbeURL        string `json:"probe_url"`
	ProbeIntervalS  int    `json:"probe_interval_s"`

	// Position source
	GPSAccuracyFloorM  float64 `json:"gps_accuracy_floor_m"`
	GPSStaleAfterS     int     `json:"gps_stale_after_s"`
	GPSFallbackRetryS  int     `json:"gps_fallback_retry_s"`
	GPSReadTimeoutS    int     `json:"gps_read_timeout_s"`
	GPSInitialInterval int     `json:"gps_initial_interval_s"`
	GeofenceRadiusM    float64 `json:"geofence_radius_m"`
	GoogleAPIKey       string  `json:"google_api_key"`
	PermissionDevice   string  `json:"permission_device"`

	// Battery telemetry
	BatterySysfsPath string `json:"battery_sysfs_path"`
	BatteryPollS     int    `json:"battery_poll_s"`

	// Local API
	APIEnabled bool   `json:"api_enabled"`
	APIListen  string `json:"api_listen"`
	APIKey     string `json:"api_key"`

	MQTT MQTTConfig `json:"mqtt"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// Default values
const (
	DefaultSyncIntervalS   = 30
	DefaultSyncMaxBackoffS = 600
	DefaultSyncBatchSize   = 50
	DefaultSyncTimeoutS    = 30
	DefaultProbeIntervalS  = 15
	DefaultQueueCleanupS   = 3600
	DefaultBatteryPollS    = 60
)

// NewDefaultConfig returns a configuration with all defaults applied
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// LoadConfig loads and validates the configuration from a UCI file. A
// missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := NewDefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read UCI config: %w", err)
	}
	cfg.parseUCI(string(data))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.LogLevel = "info"
	c.PIDFile = "/var/run/routetrackd.pid"

	c.QueueBackend = "bolt"
	c.QueuePath = "/etc/routetrack/queue.db"
	c.QueueCleanupS = DefaultQueueCleanupS

	c.SyncIntervalS = DefaultSyncIntervalS
	c.SyncMaxBackoffS = DefaultSyncMaxBackoffS
	c.SyncBatchSize = DefaultSyncBatchSize
	c.SyncTimeoutS = DefaultSyncTimeoutS
	c.ProbeIntervalS = DefaultProbeIntervalS

	c.GPSAccuracyFloorM = 50
	c.GPSStaleAfterS = 300
	c.GPSFallbackRetryS = 30
	c.GPSReadTimeoutS = 10
	c.GPSInitialInterval = 30
	c.GeofenceRadiusM = 100

	c.BatterySysfsPath = "/sys/class/power_supply"
	c.BatteryPollS = DefaultBatteryPollS

	c.APIEnabled = true
	c.APIListen = "127.0.0.1:8089"

	c.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "routetrackd",
		TopicPrefix: "routetrack",
		QoS:         1,
	}
}

// parseUCI parses `config <type> '<name>'` / `option <key> '<value>'` text
func (c *Config) parseUCI(data string) {
	var sectionType string

	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "config "):
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				sectionType = strings.Trim(parts[1], "'\"")
			}
		case strings.HasPrefix(line, "option "):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) == 3 {
				name := strings.TrimSpace(parts[1])
				value := strings.Trim(strings.TrimSpace(parts[2]), "'\"")
				c.parseOption(sectionType, name, value)
			}
		}
	}
}

// parseOption routes options to the parser of their section type
func (c *Config) parseOption(sectionType, option, value string) {
	switch sectionType {
	case "routetrack", "main", "":
		c.parseMainOption(option, value)
	case "queue":
		c.parseQueueOption(option, value)
	case "sync":
		c.parseSyncOption(option, value)
	case "gps":
		c.parseGPSOption(option, value)
	case "battery":
		c.parseBatteryOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "api":
		c.parseAPIOption(option, value)
	}
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "log_level":
		c.LogLevel = value
	case "pid_file":
		c.PIDFile = value
	case "device_id":
		c.DeviceID = value
	}
}

func (c *Config) parseQueueOption(option, value string) {
	switch option {
	case "backend":
		c.QueueBackend = value
	case "path":
		c.QueuePath = value
	case "cleanup_s":
		setInt(&c.QueueCleanupS, value)
	case "keep_synced":
		c.QueueKeepSynced = value == "1"
	}
}

func (c *Config) parseSyncOption(option, value string) {
	switch option {
	case "url":
		c.SyncURL = value
	case "token":
		c.SyncToken = value
	case "interval_s":
		setInt(&c.SyncIntervalS, value)
	case "max_backoff_s":
		setInt(&c.SyncMaxBackoffS, value)
	case "batch_size":
		setInt(&c.SyncBatchSize, value)
	case "timeout_s":
		setInt(&c.SyncTimeoutS, value)
	case "probe_url":
		c.ProbeURL = value
	case "probe_interval_s":
		setInt(&c.ProbeIntervalS, value)
	}
}

func (c *Config) parseGPSOption(option, value string) {
	switch option {
	case "accuracy_floor_m":
		setFloat(&c.GPSAccuracyFloorM, value)
	case "stale_after_s":
		setInt(&c.GPSStaleAfterS, value)
	case "fallback_retry_s":
		setInt(&c.GPSFallbackRetryS, value)
	case "read_timeout_s":
		setInt(&c.GPSReadTimeoutS, value)
	case "initial_interval_s":
		setInt(&c.GPSInitialInterval, value)
	case "geofence_radius_m":
		setFloat(&c.GeofenceRadiusM, value)
	case "google_api_key":
		c.GoogleAPIKey = value
	case "permission_device":
		c.PermissionDevice = value
	}
}

func (c *Config) parseBatteryOption(option, value string) {
	switch option {
	case "sysfs_path":
		c.BatterySysfsPath = value
	case "poll_s":
		setInt(&c.BatteryPollS, value)
	}
}

func (c *Config) parseMQTTOption(option, value string) {
	switch option {
	case "enabled":
		c.MQTT.Enabled = value == "1"
	case "broker":
		c.MQTT.Broker = value
	case "port":
		setInt(&c.MQTT.Port, value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		setInt(&c.MQTT.QoS, value)
	case "retain":
		c.MQTT.Retain = value == "1"
	}
}

func (c *Config) parseAPIOption(option, value string) {
	switch option {
	case "enabled":
		c.APIEnabled = value == "1"
	case "listen":
		c.APIListen = value
	case "api_key":
		c.APIKey = value
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error")
	}

	if c.QueueBackend != "bolt" && c.QueueBackend != "sqlite" {
		return fmt.Errorf("queue backend must be bolt or sqlite")
	}
	if c.QueuePath == "" {
		return fmt.Errorf("queue path is required")
	}

	if c.SyncIntervalS < 5 || c.SyncIntervalS > 3600 {
		return fmt.Errorf("sync interval_s must be between 5 and 3600")
	}
	if c.SyncMaxBackoffS < c.SyncIntervalS {
		return fmt.Errorf("sync max_backoff_s must not be below interval_s")
	}
	if c.SyncBatchSize < 1 || c.SyncBatchSize > 1000 {
		return fmt.Errorf("sync batch_size must be between 1 and 1000")
	}
	if c.SyncTimeoutS < 1 || c.SyncTimeoutS > 300 {
		return fmt.Errorf("sync timeout_s must be between 1 and 300")
	}

	if c.GPSAccuracyFloorM <= 0 {
		return fmt.Errorf("gps accuracy_floor_m must be positive")
	}
	if c.GPSReadTimeoutS < 1 || c.GPSReadTimeoutS > 120 {
		return fmt.Errorf("gps read_timeout_s must be between 1 and 120")
	}
	if c.GeofenceRadiusM <= 0 {
		return fmt.Errorf("gps geofence_radius_m must be positive")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	return nil
}

// SyncInterval returns the base sync interval
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalS) * time.Second
}

// SyncMaxBackoff returns the sync backoff cap
func (c *Config) SyncMaxBackoff() time.Duration {
	return time.Duration(c.SyncMaxBackoffS) * time.Second
}

// SyncTimeout returns the per-request timeout
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutS) * time.Second
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}

func setInt(dst *int, value string) {
	if v, err := strconv.Atoi(value); err == nil && v >= 0 {
		*dst = v
	}
}

func setFloat(dst *float64, value string) {
	if v, err := strconv.ParseFloat(value, 64); err == nil && v >= 0 {
		*dst = v
	}
}
