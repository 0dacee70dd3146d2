package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/link"
)

// WriteLinkStats records one terminal link's operational counters.
//
// The write is non-blocking; points are batched and sent
// asynchronously. One point per sweep per device keeps cardinality at
// one series per terminal.
func (c *Client) WriteLinkStats(deviceID string, stats link.Stats) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"link_stats",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"frames_tx":      int64(stats.FramesTx),      //nolint:gosec // counters reset on restart
			"frames_rx":      int64(stats.FramesRx),      //nolint:gosec // counters reset on restart
			"events_rx":      int64(stats.EventsRx),      //nolint:gosec // counters reset on restart
			"events_dropped": int64(stats.EventsDropped), //nolint:gosec // counters reset on restart
			"retries":        int64(stats.Retries),       //nolint:gosec // counters reset on restart
			"errors_total":   int64(stats.ErrorsTotal),   //nolint:gosec // counters reset on restart
			"connected":      stats.Connected,
			"simulated":      stats.Simulated,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceStatus records a terminal reachability transition.
func (c *Client) WriteDeviceStatus(deviceID string, status device.Status) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"status": string(status),
			"online": status == device.StatusOnline,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteAttendanceRate records how many punches one ingest pass stored.
//
// Used by the pipeline for throughput dashboards; duplicates are
// counted separately so replayed logs are visible.
func (c *Client) WriteAttendanceRate(deviceID string, ingested, duplicates int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"attendance_ingest",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"ingested":   ingested,
			"duplicates": duplicates,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "core-01"},
//	    map[string]interface{}{"goroutines": 42})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., a punch carrying the
// terminal's own clock).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
