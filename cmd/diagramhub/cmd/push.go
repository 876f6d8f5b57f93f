package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pushCmd = &cobra.Command{
	Use:   "push <hub-url> <diagram-id> <content-json>",
	Short: "Replace a diagram's content from outside the room",
	Long: `Replace a diagram's content through the hub's relay endpoint, as an
external producer such as an importer would. Everyone in the room receives
the new content as a diagram change.

Examples:
  diagramhub push http://localhost:8080 d1 '{"nodes":[],"edges":[]}'`,
	Args: cobra.ExactArgs(3),
	RunE: runPush,
}

var pushTimeout time.Duration

func init() {
	rootCmd.AddCommand(pushCmd)

	pushCmd.Flags().DurationVar(&pushTimeout, "timeout", 30*time.Second, "request timeout")
}

func runPush(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger("warn")
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), pushTimeout)
	defer cancel()

	delivered, err := pushContent(ctx, http.DefaultClient, args[0], args[1], []byte(args[2]))
	if err != nil {
		return err
	}

	logger.Debug("Pushed content", zap.String("diagramId", args[1]), zap.Int("delivered", delivered))
	fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d connection(s)\n", delivered)
	return nil
}

func pushContent(ctx context.Context, httpClient *http.Client, hubURL, diagramID string, content []byte) (int, error) {
	if !json.Valid(content) {
		return 0, fmt.Errorf("content is not valid JSON")
	}

	endpoint, err := url.JoinPath(hubURL, "api", "diagrams", diagramID, "relay")
	if err != nil {
		return 0, fmt.Errorf("invalid hub URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(content))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &failure) == nil && failure.Code != "" {
			return 0, fmt.Errorf("hub rejected update (HTTP %d, %s): %s", resp.StatusCode, failure.Code, failure.Message)
		}
		return 0, fmt.Errorf("hub rejected update (HTTP %d)", resp.StatusCode)
	}

	var result struct {
		Delivered int `json:"delivered"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}
	return result.Delivered, nil
}
