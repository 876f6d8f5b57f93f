package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/diagramhub/pkg/diagramhub/config"
	"go.uber.org/zap"
)

var serverCmd = &cobra.Command{
	Use:   "server [config-files...]",
	Short: "Start the collaboration hub",
	Long: `Start the collaboration hub.

Configuration is read from the given HCL files, later files overriding
earlier ones. With no files the built-in defaults are used: listen on :8080,
keep diagrams in memory, and run standalone.

Examples:
  diagramhub server
  diagramhub server hub.hcl
  diagramhub server base.hcl production.hcl`,
	RunE: runServer,
}

var (
	envFile         string
	shutdownTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration is evaluated")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "how long to wait for connections to close on shutdown")
}

func runServer(cmd *cobra.Command, args []string) error {
	bootLogger, err := setupLogger(config.DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	cfg, err := config.NewConfig().
		WithLogger(bootLogger).
		WithDotEnv(envFile).
		WithSources(stringsToSources(args)...).
		Build()
	if err != nil {
		bootLogger.Error("Failed to build config", zap.Error(err))
		return err
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting diagramhub",
		zap.String("version", version),
		zap.Strings("config-paths", args),
		zap.String("listen", cfg.Listen),
		zap.String("store", cfg.Store.Backend),
	)

	h, err := newHub(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.start(ctx); err != nil {
		_ = h.shutdown(context.Background())
		return err
	}

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = h.shutdown(context.Background())
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.serve(l) }()

	select {
	case <-ctx.Done():
		logger.Info("Signal received, shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.shutdown(shutdownCtx)
}

func stringsToSources(strs []string) []any {
	sources := make([]any, len(strs))
	for i, s := range strs {
		sources[i] = s
	}
	return sources
}
