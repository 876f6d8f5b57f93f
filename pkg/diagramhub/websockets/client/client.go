// Package client is a WebSocket client for a diagram room, used by the CLI
// and by end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("client is not connected")

// Client is a connection to one diagram room.
type Client struct {
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	subscriber       bus.Subscriber
	writeChannelSize int
	headers          map[string][]string

	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	started  int32
	stopping int32

	// diagram id learned from diagram_state, used to build topics
	diagramID atomic.Value

	writeChannel chan []byte
	done         chan struct{}
}

// Connect dials the room and starts the read and write loops.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	if _, err := url.Parse(c.url); err != nil {
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("invalid URL: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.writeChannel = make(chan []byte, c.writeChannelSize)

	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	for key, values := range c.headers {
		dialOptions.HTTPHeader[key] = values
	}

	conn, resp, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		c.cancel()
		if resp != nil {
			return fmt.Errorf("failed to connect to WebSocket (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	conn.SetReadLimit(-1)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("WebSocket client connected", zap.String("url", c.url))

	go c.readLoop()
	go c.writeLoop()

	return nil
}

// Disconnect closes the connection normally and waits for the loops to exit.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil
	}

	c.cleanupWithStatus(websocket.StatusNormalClosure, "client disconnect")
	c.logger.Info("WebSocket client disconnected")
	return nil
}

// Done is closed when the read loop exits, whether by Disconnect or because
// the server closed the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) cleanupWithStatus(status websocket.StatusCode, reason string) {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(status, reason)
		c.conn = nil
	}
	c.mu.Unlock()

	if c.done != nil {
		<-c.done
	}

	atomic.StoreInt32(&c.started, 0)
	atomic.StoreInt32(&c.stopping, 0)
}

// UpdateDiagram sends content as the new state of the diagram.
func (c *Client) UpdateDiagram(content json.RawMessage) error {
	return c.Send(map[string]any{"type": protocol.TypeUpdateDiagram, "content": content})
}

// Ping asks the server for a pong echoing timestamp.
func (c *Client) Ping(timestamp string) error {
	return c.Send(map[string]any{"type": protocol.TypePing, "timestamp": timestamp})
}

func (c *Client) SetNickname(nickname string) error {
	return c.Send(map[string]any{"type": protocol.TypeSetNickname, "nickname": nickname})
}

func (c *Client) MoveCursor(position json.RawMessage) error {
	return c.Send(map[string]any{"type": protocol.TypeCursorPosition, "position": position})
}

// Chat sends a chat message to everyone on the diagram, sender included.
func (c *Client) Chat(message string) error {
	return c.Send(map[string]any{"type": protocol.TypeChatMessage, "message": message})
}

func (c *Client) SetTyping(isTyping bool) error {
	return c.Send(map[string]any{"type": protocol.TypeTypingIndicator, "is_typing": isTyping})
}

// Send queues any JSON-encodable frame without waiting for it to be written.
func (c *Client) Send(frame any) error {
	if atomic.LoadInt32(&c.started) == 0 {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.writeChannel <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return fmt.Errorf("write channel is full")
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				if status := websocket.CloseStatus(err); status != -1 {
					c.logger.Info("Server closed connection", zap.Int("close_status", int(status)))
				} else {
					c.logger.Error("Failed to read from WebSocket", zap.Error(err))
				}
				// unblock the write loop
				c.cancel()
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) writeLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.writeChannel:
			if err := conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error("Failed to write to WebSocket", zap.Error(err))
				}
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var head struct {
		Type      string `json:"type"`
		DiagramID string `json:"diagram_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		c.logger.Warn("Ignoring unrecognized frame", zap.ByteString("frame", data))
		return
	}

	if head.DiagramID != "" {
		c.diagramID.Store(head.DiagramID)
	}
	diagramID, _ := c.diagramID.Load().(string)

	fields := map[string]string{"diagramId": diagramID, "eventType": head.Type}
	if err := c.subscriber.OnEvent(c.ctx, bus.DiagramTopic(diagramID, head.Type), json.RawMessage(data), fields); err != nil {
		c.logger.Warn("Subscriber error", zap.String("type", head.Type), zap.Error(err))
	}
}
