// Package server accepts client WebSocket connections and joins each one to
// the room of the diagram it asked for.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/diagramhub/pkg/diagramhub"
	"github.com/tsarna/diagramhub/pkg/diagramhub/session"
	"go.uber.org/zap"
)

// Listener upgrades HTTP requests to WebSocket connections and tracks them
// for graceful shutdown.
type Listener struct {
	logger  *zap.Logger
	config  *ListenerConfig
	metrics *WebSocketMetrics

	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		logger:      config.logger.With(zap.String("component", "websocket")),
		config:      config,
		metrics:     NewWebSocketMetrics(config.metricsProvider),
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// ServeDiagram handles an upgrade request for one diagram. pathSessionID is
// the session id routed from the URL path, or "" when the route has none.
// A request without a usable session id gets 401 and is never upgraded.
//
// ServeDiagram blocks until the connection closes.
func (l *Listener) ServeDiagram(w http.ResponseWriter, r *http.Request, diagramID, pathSessionID string) {
	select {
	case <-l.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	identity, err := l.config.resolver.Resolve(session.HandshakeFromRequest(r, pathSessionID))
	if err != nil {
		l.logger.Debug("Rejecting unauthenticated connection",
			zap.String("diagramId", diagramID),
			zap.String("remote_addr", r.RemoteAddr),
		)
		l.metrics.RecordConnectionError(r.Context(), diagramhub.CodeUnauthenticated)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  l.config.originPatterns,
	})
	if err != nil {
		l.logger.Warn("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		l.metrics.RecordConnectionError(r.Context(), "upgrade_failed")
		return
	}

	connection := newConnection(r.Context(), conn, l.config, l.metrics, diagramID, identity)

	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionStart(r.Context())
	l.metrics.RecordConnectionActive(r.Context(), connCount)
	l.logger.Debug("WebSocket connection established",
		zap.String("diagramId", diagramID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", connCount),
	)

	connection.Start()

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionActive(r.Context(), connCount)
	l.logger.Debug("WebSocket connection removed from tracking",
		zap.String("diagramId", diagramID),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown stops accepting connections, closes the open ones with
// StatusGoingAway, and waits until they have all cleaned up or ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active WebSocket connections", zap.Int("connection_count", len(connections)))
		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.logger.Info("All WebSocket connections closed")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the number of open WebSocket connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
