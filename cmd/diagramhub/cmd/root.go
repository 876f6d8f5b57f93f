package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is stamped at build time with -ldflags "-X ...cmd.version=...".
var version = "dev"

var (
	verbose  bool
	debug    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:     "diagramhub",
	Short:   "Real-time collaboration hub for diagram editors",
	Version: version,
	Long: `diagramhub keeps everyone editing the same diagram in sync.

Browsers join a diagram room over a WebSocket, and every edit, cursor move
and presence change is fanned out to the other members of the room. Several
hubs can share rooms through Redis.`,
	SilenceUsage: true,
}

// Execute runs the command line. It is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
}

// setupLogger builds a production logger. An explicit --log-level wins,
// then --debug and --verbose, then fallback.
func setupLogger(fallback string) (*zap.Logger, error) {
	level := logLevel
	if level == "" {
		level = fallback
	}
	if debug || (verbose && level == "info") {
		level = "debug"
	}

	parsed, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	config := zap.NewProductionConfig()
	config.Level = parsed
	config.Development = debug

	return config.Build()
}
