// Package httpapi routes the hub's HTTP surface: room WebSocket upgrades,
// the external update relay, and health and stats probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tsarna/diagramhub/pkg/diagramhub"
	"go.uber.org/zap"
)

// DiagramIDPattern constrains the diagram id path segment.
const DiagramIDPattern = `[A-Za-z0-9_-]{1,64}`

// DefaultMaxRelayBytes bounds relay request bodies.
const DefaultMaxRelayBytes = 4 << 20

// WebSocketServer upgrades a request and serves the room until it closes.
type WebSocketServer interface {
	ServeDiagram(w http.ResponseWriter, r *http.Request, diagramID, pathSessionID string)
}

// Relayer pushes externally produced content to a room.
type Relayer interface {
	RelayExternalUpdate(ctx context.Context, diagramID string, content json.RawMessage) (int, error)
}

// StatsSource reports live room and connection counts.
type StatsSource interface {
	Stats() (rooms, connections int)
}

type HandlerBuilder struct {
	websockets    WebSocketServer
	relayer       Relayer
	stats         StatsSource
	logger        *zap.Logger
	maxRelayBytes int64
}

func NewHandler(websockets WebSocketServer, relayer Relayer, stats StatsSource) *HandlerBuilder {
	return &HandlerBuilder{
		websockets:    websockets,
		relayer:       relayer,
		stats:         stats,
		maxRelayBytes: DefaultMaxRelayBytes,
	}
}

func (b *HandlerBuilder) WithLogger(logger *zap.Logger) *HandlerBuilder {
	b.logger = logger
	return b
}

func (b *HandlerBuilder) WithMaxRelayBytes(limit int64) *HandlerBuilder {
	if limit > 0 {
		b.maxRelayBytes = limit
	}
	return b
}

func (b *HandlerBuilder) IsValid() error {
	var missing []string
	if b.websockets == nil {
		missing = append(missing, "WebSocketServer")
	}
	if b.relayer == nil {
		missing = append(missing, "Relayer")
	}
	if b.stats == nil {
		missing = append(missing, "StatsSource")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid handler configuration, missing: %v", missing)
	}
	return nil
}

// Build returns the router.
func (b *HandlerBuilder) Build() (*mux.Router, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &handler{
		websockets:    b.websockets,
		relayer:       b.relayer,
		stats:         b.stats,
		logger:        logger.With(zap.String("component", "http")),
		maxRelayBytes: b.maxRelayBytes,
	}

	room := "/ws/diagrams/{diagramId:" + DiagramIDPattern + "}"

	r := mux.NewRouter()
	for _, path := range []string{room + "/{sessionId}/", room + "/{sessionId}", room + "/", room} {
		r.HandleFunc(path, h.serveWebSocket).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/diagrams/{diagramId:"+DiagramIDPattern+"}/relay", h.relay).Methods(http.MethodPost)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.statsReport).Methods(http.MethodGet)

	return r, nil
}

type handler struct {
	websockets    WebSocketServer
	relayer       Relayer
	stats         StatsSource
	logger        *zap.Logger
	maxRelayBytes int64
}

func (h *handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.websockets.ServeDiagram(w, r, vars["diagramId"], vars["sessionId"])
}

type relayResponse struct {
	Delivered int `json:"delivered"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handler) relay(w http.ResponseWriter, r *http.Request) {
	diagramID := mux.Vars(r)["diagramId"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRelayBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{diagramhub.CodeValidationFailed, "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{diagramhub.CodeMalformedMessage, "could not read body"})
		return
	}

	delivered, err := h.relayer.RelayExternalUpdate(r.Context(), diagramID, json.RawMessage(body))
	if err != nil {
		code := diagramhub.ErrorCode(err)
		status := http.StatusInternalServerError
		if code == diagramhub.CodeValidationFailed {
			status = http.StatusBadRequest
		}
		h.logger.Info("Relay rejected", zap.String("diagramId", diagramID), zap.Error(err))
		writeJSON(w, status, errorResponse{code, err.Error()})
		return
	}

	h.logger.Debug("Relayed external update", zap.String("diagramId", diagramID), zap.Int("delivered", delivered))
	writeJSON(w, http.StatusOK, relayResponse{Delivered: delivered})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "UP", Timestamp: time.Now().UTC()})
}

type statsResponse struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func (h *handler) statsReport(w http.ResponseWriter, r *http.Request) {
	rooms, connections := h.stats.Stats()
	writeJSON(w, http.StatusOK, statsResponse{Rooms: rooms, Connections: connections})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
