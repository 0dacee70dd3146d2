package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for biolink core.
// All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
	Devices    DevicesConfig    `yaml:"devices"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// SiteConfig identifies the school site this core instance serves.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the
// attendance notification publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// InfluxDBConfig contains settings for the link metrics sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the operator control surface HTTP settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DevicesConfig contains terminal connection management settings.
type DevicesConfig struct {
	// ConnectTimeout bounds the TCP dial plus session handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CommandTimeout bounds one command/reply exchange on a link.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// AcquireWait is how long a caller blocks waiting for a busy
	// device's link before the registry reports the device busy.
	AcquireWait time.Duration `yaml:"acquire_wait"`

	// IdleDisconnect is how long an unused link is kept open before
	// the registry proactively closes it.
	IdleDisconnect time.Duration `yaml:"idle_disconnect"`

	// HealthInterval is how often the registry probes idle links.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// EnrollmentConfig contains enrolment session settings.
type EnrollmentConfig struct {
	// CaptureTimeout is the longest a session may stay in capturing.
	CaptureTimeout time.Duration `yaml:"capture_timeout"`

	// MaxAttempts is the number of rejected scans before a session fails.
	MaxAttempts int `yaml:"max_attempts"`

	// SweepInterval is how often expired sessions are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AttendanceConfig contains capture pipeline settings.
type AttendanceConfig struct {
	// PollInterval is the cadence of poll-mode log retrieval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Workers bounds how many devices are polled concurrently.
	Workers int `yaml:"workers"`
}

// SimulationConfig controls the hardware-free fallback mode.
type SimulationConfig struct {
	// Enabled turns simulation on globally; individual devices can
	// also be flagged in the device record.
	Enabled bool `yaml:"enabled"`

	// MinDelay and MaxDelay bound the synthetic reply latency.
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern BIOLINK_SECTION_KEY, for
// example BIOLINK_DATABASE_PATH or BIOLINK_API_PORT.
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "biolink",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/biolink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     1883,
			ClientID: "biolink-core",
			QoS:      1,
		},
		InfluxDB: InfluxDBConfig{
			Enabled:       false,
			BatchSize:     100,
			FlushInterval: 10,
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Devices: DevicesConfig{
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 5 * time.Second,
			AcquireWait:    15 * time.Second,
			IdleDisconnect: 5 * time.Minute,
			HealthInterval: 30 * time.Second,
		},
		Enrollment: EnrollmentConfig{
			CaptureTimeout: 2 * time.Minute,
			MaxAttempts:    3,
			SweepInterval:  10 * time.Second,
		},
		Attendance: AttendanceConfig{
			PollInterval: time.Minute,
			Workers:      4,
		},
		Simulation: SimulationConfig{
			Enabled:  false,
			MinDelay: 100 * time.Millisecond,
			MaxDelay: 800 * time.Millisecond,
		},
	}
}

// applyEnvOverrides overrides config values from BIOLINK_* environment
// variables. Only operationally relevant keys are overridable.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BIOLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BIOLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("BIOLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BIOLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BIOLINK_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("BIOLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("BIOLINK_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("BIOLINK_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BIOLINK_SIMULATION_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Simulation.Enabled = enabled
		}
	}
}

// Validate checks the configuration for values that would prevent the
// service from operating correctly.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return fmt.Errorf("mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS)
		}
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb.url is required when influxdb is enabled")
	}
	if c.Devices.ConnectTimeout <= 0 {
		return fmt.Errorf("devices.connect_timeout must be positive")
	}
	if c.Devices.CommandTimeout <= 0 {
		return fmt.Errorf("devices.command_timeout must be positive")
	}
	if c.Devices.AcquireWait <= 0 {
		return fmt.Errorf("devices.acquire_wait must be positive")
	}
	if c.Enrollment.CaptureTimeout <= 0 {
		return fmt.Errorf("enrollment.capture_timeout must be positive")
	}
	if c.Enrollment.MaxAttempts < 1 {
		return fmt.Errorf("enrollment.max_attempts must be at least 1")
	}
	if c.Attendance.PollInterval <= 0 {
		return fmt.Errorf("attendance.poll_interval must be positive")
	}
	if c.Attendance.Workers < 1 {
		return fmt.Errorf("attendance.workers must be at least 1")
	}
	if c.Simulation.MinDelay < 0 || c.Simulation.MaxDelay < c.Simulation.MinDelay {
		return fmt.Errorf("simulation delay bounds invalid: min %v, max %v",
			c.Simulation.MinDelay, c.Simulation.MaxDelay)
	}
	return nil
}
