package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes YAML content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "site:\n  id: test-site\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want test-site", cfg.Site.ID)
	}
	if cfg.Database.Path == "" {
		t.Error("Database.Path default not applied")
	}
	if !cfg.Database.WALMode {
		t.Error("Database.WALMode default not applied")
	}
	if cfg.Devices.CommandTimeout != 5*time.Second {
		t.Errorf("Devices.CommandTimeout = %v, want 5s", cfg.Devices.CommandTimeout)
	}
	if cfg.Enrollment.MaxAttempts != 3 {
		t.Errorf("Enrollment.MaxAttempts = %d, want 3", cfg.Enrollment.MaxAttempts)
	}
	if cfg.Simulation.Enabled {
		t.Error("Simulation.Enabled should default to false")
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/biolink-test.db
  wal_mode: false
devices:
  connect_timeout: 3s
  command_timeout: 2s
enrollment:
  capture_timeout: 45s
  max_attempts: 5
attendance:
  poll_interval: 30s
  workers: 8
simulation:
  enabled: true
  min_delay: 50ms
  max_delay: 200ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/biolink-test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Database.WALMode {
		t.Error("Database.WALMode not overridden to false")
	}
	if cfg.Devices.ConnectTimeout != 3*time.Second {
		t.Errorf("Devices.ConnectTimeout = %v, want 3s", cfg.Devices.ConnectTimeout)
	}
	if cfg.Enrollment.CaptureTimeout != 45*time.Second {
		t.Errorf("Enrollment.CaptureTimeout = %v, want 45s", cfg.Enrollment.CaptureTimeout)
	}
	if cfg.Attendance.Workers != 8 {
		t.Errorf("Attendance.Workers = %d, want 8", cfg.Attendance.Workers)
	}
	if !cfg.Simulation.Enabled {
		t.Error("Simulation.Enabled not overridden to true")
	}
	if cfg.Simulation.MaxDelay != 200*time.Millisecond {
		t.Errorf("Simulation.MaxDelay = %v, want 200ms", cfg.Simulation.MaxDelay)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "database:\n  path: /tmp/from-file.db\n")

	t.Setenv("BIOLINK_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("BIOLINK_SIMULATION_ENABLED", "true")
	t.Setenv("BIOLINK_API_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if !cfg.Simulation.Enabled {
		t.Error("Simulation.Enabled env override not applied")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "api port out of range",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name: "mqtt enabled without host",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Host = ""
			},
			wantErr: "mqtt.host",
		},
		{
			name: "mqtt qos out of range",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: "mqtt.qos",
		},
		{
			name:    "influxdb enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "zero command timeout",
			mutate:  func(c *Config) { c.Devices.CommandTimeout = 0 },
			wantErr: "command_timeout",
		},
		{
			name:    "zero max attempts",
			mutate:  func(c *Config) { c.Enrollment.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Attendance.Workers = 0 },
			wantErr: "workers",
		},
		{
			name: "inverted simulation delays",
			mutate: func(c *Config) {
				c.Simulation.MinDelay = time.Second
				c.Simulation.MaxDelay = 100 * time.Millisecond
			},
			wantErr: "simulation delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
