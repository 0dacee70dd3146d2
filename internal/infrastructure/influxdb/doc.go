// Package influxdb provides InfluxDB connectivity for biolink core.
//
// It wraps the official influxdb-client-go v2 library with the
// connection management, metric writing and health monitoring patterns
// the rest of the core expects.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Terminal link counters (frames, events, retries, errors)
//   - Device reachability transitions
//   - Attendance ingest throughput
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "edutrack",
//	    Bucket: "biolink",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Feed the registry's health sweep into the sink
//	registry.SetMetricsSink(influxdb.NewSink(client))
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This keeps the registry's health sweep from blocking on the metrics backend.
package influxdb
