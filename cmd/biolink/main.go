// biolink core - school biometric attendance gateway
//
// This is the main entry point for the biolink core service. It owns
// the TCP links to the fingerprint terminals, runs enrolment sessions,
// ingests attendance punches, and exposes the HTTP API the school
// administration system talks to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/edutrack/biolink-core/migrations"

	"github.com/edutrack/biolink-core/internal/api"
	"github.com/edutrack/biolink-core/internal/attendance"
	"github.com/edutrack/biolink-core/internal/audit"
	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/enrollment"
	"github.com/edutrack/biolink-core/internal/infrastructure/config"
	"github.com/edutrack/biolink-core/internal/infrastructure/database"
	"github.com/edutrack/biolink-core/internal/infrastructure/influxdb"
	"github.com/edutrack/biolink-core/internal/infrastructure/logging"
	"github.com/edutrack/biolink-core/internal/infrastructure/mqtt"
	"github.com/edutrack/biolink-core/internal/protocol"
	"github.com/edutrack/biolink-core/internal/registry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting biolink core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and apply migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Repositories
	devices := device.NewSQLiteRepository(db.DB)
	sessions := enrollment.NewSQLiteSessionRepository(db.DB)
	templates := enrollment.NewSQLiteTemplateRepository(db.DB)
	records := attendance.NewSQLiteRepository(db.DB)
	trail := audit.NewSQLiteRepository(db.DB)

	// Connection registry
	reg := registry.New(devices, cfg.Devices, cfg.Simulation)
	reg.SetLogger(log)
	defer func() {
		log.Info("closing device links")
		if closeErr := reg.Close(); closeErr != nil {
			log.Error("error closing registry", "error", closeErr)
		}
	}()

	// Enrolment coordinator and attendance pipeline
	coordinator := enrollment.NewCoordinator(sessions, templates, devices, reg, cfg.Enrollment)
	coordinator.SetLogger(log)

	pipeline := attendance.NewPipeline(records, devices, reg, cfg.Attendance)
	pipeline.SetLogger(log)

	// Unsolicited frames from any device fan out to the component that
	// owns the event type.
	reg.SetOnEvent(func(deviceID string, ev protocol.Event) {
		switch ev.Code {
		case protocol.EventEnrollFinger:
			coordinator.HandleEvent(ctx, deviceID, ev)
		case protocol.EventAttLog:
			pipeline.HandleEvent(ctx, deviceID, ev)
		}
	})

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
			"client_id", cfg.MQTT.ClientID,
		)

		pipeline.SetNotifier(mqtt.NewNotifier(mqttClient))
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		reg.SetMetricsSink(influxdb.NewSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	// HTTP API
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		Logger:     log,
		Devices:    devices,
		Registry:   reg,
		Enrollment: coordinator,
		Attendance: records,
		Pipeline:   pipeline,
		Audit:      trail,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Background loops: device health checks, enrolment expiry sweep,
	// attendance polling.
	go reg.Run(ctx)
	go coordinator.Run(ctx)
	go pipeline.Run(ctx)

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, InfluxDB, MQTT, device links, database.

	log.Info("biolink core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BIOLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BIOLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// Optional clients may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
