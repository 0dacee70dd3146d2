// Package mqtt publishes biolink's outbound notifications.
//
// The core is publish-only on the broker: newly ingested attendance
// records go to biolink/attendance/{device_id}, and the core's own
// lifecycle is announced on biolink/system/status with a Last Will and
// Testament so consumers can tell a crash from a graceful shutdown.
//
// The Client wraps paho.mqtt.golang with connection management and
// automatic reconnection; the Notifier adapts it to the attendance
// pipeline's post-ingest hook. Publish failures never propagate into
// ingestion: records are durable in SQLite before the hook fires.
package mqtt
