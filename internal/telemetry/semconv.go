// Package telemetry provides semantic conventions and instruments for stream observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for bfxstream telemetry.
const (
	AttrConnection = attribute.Key("connection")
	AttrChannel    = attribute.Key("channel")
	AttrSymbol     = attribute.Key("symbol")
	AttrFrameKind  = attribute.Key("frame.kind")
	AttrResult     = attribute.Key("result")
	AttrReason     = attribute.Key("reason")
	AttrStatus     = attribute.Key("status")
	AttrErrorType  = attribute.Key("error.type")
	AttrCommand    = attribute.Key("command")
)

// Reconnect results.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultFatal   = "fatal"
)

// Frame kinds.
const (
	FrameEvent     = "event"
	FrameData      = "data"
	FrameHeartbeat = "heartbeat"
	FrameChecksum  = "checksum"
)

// ConnectionAttributes returns attributes for per-connection metrics.
func ConnectionAttributes(connection string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrConnection.String(connection)}
}

// FrameAttributes returns attributes for inbound frame counters.
func FrameAttributes(connection, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConnection.String(connection),
		AttrFrameKind.String(kind),
	}
}

// ReconnectAttributes returns attributes for reconnect attempts.
func ReconnectAttributes(connection, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConnection.String(connection),
		AttrResult.String(result),
	}
}

// SubscriptionAttributes returns attributes for subscription gauges.
func SubscriptionAttributes(channel string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrChannel.String(channel)}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(connection, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConnection.String(connection),
		AttrErrorType.String(errorType),
	}
}
