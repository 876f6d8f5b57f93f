package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/subutils"
	"github.com/tsarna/diagramhub/pkg/diagramhub/websockets/client"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch <websocket-url>",
	Short: "Join a diagram room and print its events",
	Long: `Join a diagram room as an ordinary participant and print every event
the room sends, one per line, prefixed with its topic.

Examples:
  diagramhub watch ws://localhost:8080/ws/diagrams/d1/
  diagramhub watch --session 0b6c4c1e-1f0e-4c52-9a51-3d1d2f0e7b11 ws://localhost:8080/ws/diagrams/d1/
  diagramhub watch --nickname Observer ws://localhost:8080/ws/diagrams/d1/`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchDialTimeout time.Duration
	watchSession     string
	watchNickname    string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "session token sent as X-Session-ID (a random one by default)")
	watchCmd.Flags().StringVar(&watchNickname, "nickname", "", "nickname to set after joining")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger("warn")
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := watchSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// room events are traced at debug, printed regardless
	subscriber := subutils.NewNamedLoggingSubscriber(&printingSubscriber{}, logger, zap.DebugLevel, "watch")

	wsClient, err := client.NewClient().
		WithURL(args[0]).
		WithLogger(logger).
		WithDialTimeout(watchDialTimeout).
		WithSessionID(sessionID).
		WithSubscriber(subscriber).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create WebSocket client: %w", err)
	}

	if err := wsClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := wsClient.Disconnect(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
	}()

	if watchNickname != "" {
		if err := wsClient.SetNickname(watchNickname); err != nil {
			return fmt.Errorf("failed to set nickname: %w", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-wsClient.Done():
		logger.Info("Connection closed by server")
	}
	return nil
}

type printingSubscriber struct {
	bus.BaseSubscriber
}

func (s *printingSubscriber) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	if raw, ok := message.(json.RawMessage); ok {
		fmt.Printf("%s\t%s\n", topic, raw)
		return nil
	}

	jsonBytes, err := json.Marshal(message)
	if err != nil {
		fmt.Printf("%s\t<error marshaling JSON: %v>\n", topic, err)
		return nil
	}
	fmt.Printf("%s\t%s\n", topic, jsonBytes)
	return nil
}
