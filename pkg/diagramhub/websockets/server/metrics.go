package server

import (
	"context"
	"time"

	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
)

// WebSocketMetrics holds the instruments recorded by the listener and its
// connections. A nil *WebSocketMetrics records nothing.
type WebSocketMetrics struct {
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram
	connectionErrors   o11y.Counter

	messagesReceived o11y.Counter
	messagesSent     o11y.Counter
	messageErrors    o11y.Counter
	messageSize      o11y.Histogram

	pingsSent     o11y.Counter
	pingFailures  o11y.Counter
	writeTimeouts o11y.Counter
}

// NewWebSocketMetrics creates the instruments from provider. If the provider
// is nil, returns nil.
func NewWebSocketMetrics(provider o11y.MetricsProvider) *WebSocketMetrics {
	if provider == nil {
		return nil
	}

	return &WebSocketMetrics{
		activeConnections:  provider.Gauge("websocket_active_connections"),
		totalConnections:   provider.Counter("websocket_connections_total"),
		connectionDuration: provider.Histogram("websocket_connection_duration_seconds"),
		connectionErrors:   provider.Counter("websocket_connection_errors_total"),

		messagesReceived: provider.Counter("websocket_messages_received_total"),
		messagesSent:     provider.Counter("websocket_messages_sent_total"),
		messageErrors:    provider.Counter("websocket_message_errors_total"),
		messageSize:      provider.Histogram("websocket_message_size_bytes"),

		pingsSent:     provider.Counter("websocket_pings_sent_total"),
		pingFailures:  provider.Counter("websocket_ping_failures_total"),
		writeTimeouts: provider.Counter("websocket_write_timeouts_total"),
	}
}

func (m *WebSocketMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

func (m *WebSocketMetrics) RecordConnectionActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

func (m *WebSocketMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError counts connections refused before or during the
// upgrade, or dropped right after it.
func (m *WebSocketMetrics) RecordConnectionError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

func (m *WebSocketMetrics) RecordMessageReceived(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "received"})
}

func (m *WebSocketMetrics) RecordMessageSent(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "sent"})
}

// RecordMessageError counts frames that failed, labeled with the wire error
// code for inbound frames or "write_error" for outbound ones.
func (m *WebSocketMetrics) RecordMessageError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.messageErrors.Add(ctx, 1, o11y.Label{Key: "code", Value: code})
}

func (m *WebSocketMetrics) RecordPingSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingsSent.Add(ctx, 1)
}

func (m *WebSocketMetrics) RecordPingFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingFailures.Add(ctx, 1)
}

func (m *WebSocketMetrics) RecordWriteTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.writeTimeouts.Add(ctx, 1)
}
