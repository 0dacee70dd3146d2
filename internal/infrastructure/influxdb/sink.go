package influxdb

import (
	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/link"
)

// Sink adapts the client to the connection registry's metrics hook.
// Writes are non-blocking, so the registry's health sweep never waits
// on the time-series backend.
type Sink struct {
	client *Client
}

// NewSink creates a metrics sink over a connected client.
func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

// RecordLinkStats stores a link's counters from the health sweep.
func (s *Sink) RecordLinkStats(deviceID string, stats link.Stats) {
	s.client.WriteLinkStats(deviceID, stats)
}

// RecordDeviceStatus stores a reachability transition.
func (s *Sink) RecordDeviceStatus(deviceID string, status device.Status) {
	s.client.WriteDeviceStatus(deviceID, status)
}
