// Package stats periodically reports room occupancy to the log and, when a
// metrics provider is configured, to gauges.
package stats

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"go.uber.org/zap"
)

const DefaultSchedule = "@every 1m"

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule accepts five or six field cron expressions and descriptors
// such as "@hourly" or "@every 30s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// Source supplies the live counts. registry.Registry satisfies it.
type Source interface {
	Stats() (rooms, connections int)
	RoomSizes() map[string]int
}

// Snapshot is one report.
type Snapshot struct {
	Rooms       int
	Connections int
	Largest     string
	LargestSize int
}

type ReporterBuilder struct {
	source          Source
	schedule        string
	logger          *zap.Logger
	metricsProvider o11y.MetricsProvider
}

func NewReporter(source Source) *ReporterBuilder {
	return &ReporterBuilder{source: source, schedule: DefaultSchedule}
}

func (b *ReporterBuilder) WithSchedule(schedule string) *ReporterBuilder {
	b.schedule = schedule
	return b
}

func (b *ReporterBuilder) WithLogger(logger *zap.Logger) *ReporterBuilder {
	b.logger = logger
	return b
}

func (b *ReporterBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *ReporterBuilder {
	b.metricsProvider = provider
	return b
}

func (b *ReporterBuilder) IsValid() error {
	if b.source == nil {
		return fmt.Errorf("stats source is required")
	}
	if _, err := ParseSchedule(b.schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", b.schedule, err)
	}
	return nil
}

func (b *ReporterBuilder) Build() (*Reporter, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "stats"))

	r := &Reporter{
		source: b.source,
		logger: logger,
		cron:   cron.New(cron.WithParser(scheduleParser), cron.WithLogger(NewZapCronLogger(logger))),
	}
	if b.metricsProvider != nil {
		r.roomsGauge = b.metricsProvider.Gauge("diagramhub_rooms")
		r.connectionsGauge = b.metricsProvider.Gauge("diagramhub_connections")
	}

	if _, err := r.cron.AddFunc(b.schedule, func() { r.Report() }); err != nil {
		return nil, fmt.Errorf("scheduling report: %w", err)
	}

	return r, nil
}

// Reporter logs a Snapshot on a cron schedule.
type Reporter struct {
	source           Source
	logger           *zap.Logger
	cron             *cron.Cron
	roomsGauge       o11y.Gauge
	connectionsGauge o11y.Gauge
}

func (r *Reporter) Start() {
	r.cron.Start()
}

// Stop halts the schedule; the returned context is done once a running
// report has finished.
func (r *Reporter) Stop() context.Context {
	return r.cron.Stop()
}

// Report takes and logs one snapshot immediately.
func (r *Reporter) Report() Snapshot {
	snap := r.take()

	if r.roomsGauge != nil {
		r.roomsGauge.Set(context.Background(), float64(snap.Rooms))
	}
	if r.connectionsGauge != nil {
		r.connectionsGauge.Set(context.Background(), float64(snap.Connections))
	}

	fields := []zap.Field{zap.Int("rooms", snap.Rooms), zap.Int("connections", snap.Connections)}
	if snap.Largest != "" {
		fields = append(fields, zap.String("largestRoom", snap.Largest), zap.Int("largestRoomSize", snap.LargestSize))
	}
	r.logger.Info("Room statistics", fields...)

	return snap
}

func (r *Reporter) take() Snapshot {
	rooms, connections := r.source.Stats()
	snap := Snapshot{Rooms: rooms, Connections: connections}

	sizes := lo.Entries(r.source.RoomSizes())
	if len(sizes) == 0 {
		return snap
	}

	// ties resolve to the lexically smallest id so reports are stable
	largest := lo.MaxBy(sizes, func(a, b lo.Entry[string, int]) bool {
		return a.Value > b.Value || a.Value == b.Value && a.Key < b.Key
	})
	snap.Largest, snap.LargestSize = largest.Key, largest.Value
	return snap
}
