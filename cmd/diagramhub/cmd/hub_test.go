package cmd

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/config"
	"github.com/tsarna/diagramhub/pkg/diagramhub/websockets/client"
	"go.uber.org/zap/zaptest"
)

type eventLog struct {
	bus.BaseSubscriber
	mu     sync.Mutex
	frames []map[string]any
}

func (e *eventLog) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	var frame map[string]any
	if err := json.Unmarshal(message.(json.RawMessage), &frame); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, frame)
	return nil
}

func (e *eventLog) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]string, len(e.frames))
	for i, f := range e.frames {
		types[i], _ = f["type"].(string)
	}
	return types
}

func (e *eventLog) hasType(t string) bool {
	for _, seen := range e.Types() {
		if seen == t {
			return true
		}
	}
	return false
}

// startHub runs a hub on a loopback port and returns its base URL.
func startHub(t *testing.T, src string) string {
	t.Helper()

	cfg, err := config.NewConfig().WithSources([]byte(src)).Build()
	require.NoError(t, err)

	h, err := newHub(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, h.start(context.Background()))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go h.serve(l)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.shutdown(ctx))
	})

	return "http://" + l.Addr().String()
}

func join(t *testing.T, base, diagramID, sessionID string) *eventLog {
	t.Helper()
	events := &eventLog{}
	c, err := client.NewClient().
		WithURL("ws" + strings.TrimPrefix(base, "http") + "/ws/diagrams/" + diagramID + "/").
		WithSessionID(sessionID).
		WithSubscriber(events).
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })

	require.Eventually(t, func() bool { return events.hasType("user_joined") }, 5*time.Second, 10*time.Millisecond)
	return events
}

func TestHubServesRoomsAndRelay(t *testing.T) {
	base := startHub(t, "")
	events := join(t, base, "d1", "s1")
	assert.Equal(t, "diagram_state", events.Types()[0])

	delivered, err := pushContent(context.Background(), http.DefaultClient, base, "d1", []byte(`{"nodes":[{"id":"n1"}],"edges":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Eventually(t, func() bool { return events.hasType("diagram_change") }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var counts map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counts))
	assert.Equal(t, map[string]int{"rooms": 1, "connections": 1}, counts)
}

func TestPushRejected(t *testing.T) {
	base := startHub(t, "")

	_, err := pushContent(context.Background(), http.DefaultClient, base, "d1", []byte(`[1,2]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")

	_, err = pushContent(context.Background(), http.DefaultClient, base, "d1", []byte(`{not json`))
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestClusteredHubsShareRooms(t *testing.T) {
	mr := miniredis.RunT(t)
	cluster := `
cluster {
  redis_url = "redis://` + mr.Addr() + `"
}
`
	baseA := startHub(t, cluster)
	baseB := startHub(t, cluster)

	onA := join(t, baseA, "shared", "s1")
	onB := join(t, baseB, "shared", "s2")

	// s2 joining on hub B is announced to s1 on hub A
	require.Eventually(t, func() bool {
		return len(onA.Types()) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	_, err := pushContent(context.Background(), http.DefaultClient, baseA, "shared", []byte(`{"nodes":[],"edges":[{"id":"e1"}]}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return onB.hasType("diagram_change") }, 5*time.Second, 10*time.Millisecond)
}

func TestSetupLogger(t *testing.T) {
	defer func() { logLevel, debug, verbose = "", false, false }()

	logger, err := setupLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	debug = true
	logger, err = setupLogger("warn")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	debug, logLevel = false, "loud"
	_, err = setupLogger("info")
	assert.Error(t, err)
}
