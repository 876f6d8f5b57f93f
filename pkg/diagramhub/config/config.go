// Package config loads the hub's HCL configuration file. Every setting has
// a default, so a hub can run with no file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

const (
	DefaultListen          = ":8080"
	DefaultLogLevel        = "info"
	DefaultQueueSize       = 256
	DefaultPingInterval    = "30s"
	DefaultReadTimeout     = "0s"
	DefaultWriteTimeout    = "10s"
	DefaultMaxMessageBytes = 1 << 20
	DefaultBackend         = "memory"
	DefaultChannelPrefix   = "diagramhub:room:"
	DefaultStatsSchedule   = "@every 1m"
)

// Config is the decoded configuration file.
type Config struct {
	Listen    string           `hcl:"listen,optional" validate:"required,hostname_port"`
	LogLevel  string           `hcl:"log_level,optional" validate:"oneof=debug info warn error"`
	WebSocket *WebSocketConfig `hcl:"websocket,block"`
	Store     *StoreConfig     `hcl:"store,block"`
	Cluster   *ClusterConfig   `hcl:"cluster,block"`
	Stats     *StatsConfig     `hcl:"stats,block"`
}

type WebSocketConfig struct {
	QueueSize       int      `hcl:"queue_size,optional" validate:"min=1"`
	PingInterval    string   `hcl:"ping_interval,optional" validate:"duration"`
	ReadTimeout     string   `hcl:"read_timeout,optional" validate:"duration"`
	WriteTimeout    string   `hcl:"write_timeout,optional" validate:"duration,positive_duration"`
	MaxMessageBytes int64    `hcl:"max_message_bytes,optional" validate:"min=1024"`
	OriginPatterns  []string `hcl:"origin_patterns,optional"`
}

type StoreConfig struct {
	Backend    string `hcl:"backend,optional" validate:"oneof=memory badger"`
	Path       string `hcl:"path,optional" validate:"required_if=Backend badger"`
	AutoCreate *bool  `hcl:"auto_create,optional"`
}

// ClusterConfig enables the Redis relay between hub instances. Without
// this block the hub runs standalone.
type ClusterConfig struct {
	RedisURL      string `hcl:"redis_url" validate:"required,url"`
	ChannelPrefix string `hcl:"channel_prefix,optional"`
}

type StatsConfig struct {
	Schedule string `hcl:"schedule,optional" validate:"cronspec"`
	Disabled bool   `hcl:"disabled,optional"`
}

func (w *WebSocketConfig) PingIntervalDuration() time.Duration {
	return mustDuration(w.PingInterval)
}

func (w *WebSocketConfig) ReadTimeoutDuration() time.Duration {
	return mustDuration(w.ReadTimeout)
}

func (w *WebSocketConfig) WriteTimeoutDuration() time.Duration {
	return mustDuration(w.WriteTimeout)
}

// AutoCreateEnabled reports whether joining an unknown diagram creates it.
// Defaults to true.
func (s *StoreConfig) AutoCreateEnabled() bool {
	return s.AutoCreate == nil || *s.AutoCreate
}

// mustDuration is only used on validated configs.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.WebSocket == nil {
		c.WebSocket = &WebSocketConfig{}
	}
	ws := c.WebSocket
	if ws.QueueSize == 0 {
		ws.QueueSize = DefaultQueueSize
	}
	if ws.PingInterval == "" {
		ws.PingInterval = DefaultPingInterval
	}
	if ws.ReadTimeout == "" {
		ws.ReadTimeout = DefaultReadTimeout
	}
	if ws.WriteTimeout == "" {
		ws.WriteTimeout = DefaultWriteTimeout
	}
	if ws.MaxMessageBytes == 0 {
		ws.MaxMessageBytes = DefaultMaxMessageBytes
	}

	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultBackend
	}

	if c.Cluster != nil && c.Cluster.ChannelPrefix == "" {
		c.Cluster.ChannelPrefix = DefaultChannelPrefix
	}

	if c.Stats == nil {
		c.Stats = &StatsConfig{}
	}
	if c.Stats.Schedule == "" {
		c.Stats.Schedule = DefaultStatsSchedule
	}
}

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
	dotEnv  []string
	loadEnv bool
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithSources adds configuration sources: file paths (string) or literal
// HCL ([]byte). Later sources override attributes set by earlier ones.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithDotEnv loads the given .env files (".env" when none are named) into
// the process environment before the configuration is evaluated. Missing
// files are ignored.
func (cb *ConfigBuilder) WithDotEnv(files ...string) *ConfigBuilder {
	cb.loadEnv = true
	cb.dotEnv = files
	return cb
}

// Build parses, decodes, defaults and validates the configuration. Parse
// and decode problems are returned as hcl.Diagnostics.
func (cb *ConfigBuilder) Build() (*Config, error) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cb.loadEnv {
		if err := godotenv.Load(cb.dotEnv...); err != nil {
			logger.Debug("No .env file loaded", zap.Error(err))
		}
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": GetEnvObject(),
		},
	}

	cfg := &Config{}
	parser := hclparse.NewParser()
	for _, source := range cb.sources {
		file, diags := parseSource(parser, source)
		if diags.HasErrors() {
			return nil, diags
		}

		layer := &Config{}
		if diags := gohcl.DecodeBody(file.Body, evalCtx, layer); diags.HasErrors() {
			return nil, diags
		}
		cfg.merge(layer)
	}

	cfg.applyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logger.Debug("Config built",
		zap.Int("sources", len(cb.sources)),
		zap.String("listen", cfg.Listen),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("clustered", cfg.Cluster != nil),
	)

	return cfg, nil
}

func parseSource(parser *hclparse.Parser, source any) (*hcl.File, hcl.Diagnostics) {
	switch v := source.(type) {
	case string:
		if _, err := os.Stat(v); err != nil {
			return nil, hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Failed to stat file",
				Detail:   fmt.Sprintf("Error statting %s: %s", v, err),
			}}
		}
		return parser.ParseHCLFile(v)
	case []byte:
		return parser.ParseHCL(v, fmt.Sprintf("<bytes@%p>", v))
	default:
		return nil, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid source type",
			Detail:   fmt.Sprintf("Invalid source type: %T", v),
		}}
	}
}

// merge overlays the settings present in layer onto c, block by block.
func (c *Config) merge(layer *Config) {
	if layer.Listen != "" {
		c.Listen = layer.Listen
	}
	if layer.LogLevel != "" {
		c.LogLevel = layer.LogLevel
	}
	if layer.WebSocket != nil {
		c.WebSocket = layer.WebSocket
	}
	if layer.Store != nil {
		c.Store = layer.Store
	}
	if layer.Cluster != nil {
		c.Cluster = layer.Cluster
	}
	if layer.Stats != nil {
		c.Stats = layer.Stats
	}
}
