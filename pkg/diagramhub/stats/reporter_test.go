package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type nopSink struct{}

func (nopSink) Send([]byte) error { return nil }
func (nopSink) Close(string)      {}

type recordedGauge struct{ value float64 }

func (g *recordedGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) { g.value = value }

type gaugeProvider struct{ gauges map[string]*recordedGauge }

func (p *gaugeProvider) Counter(string) o11y.Counter     { return nil }
func (p *gaugeProvider) Histogram(string) o11y.Histogram { return nil }
func (p *gaugeProvider) Gauge(name string) o11y.Gauge {
	g := &recordedGauge{}
	p.gauges[name] = g
	return g
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 30s", "@hourly", "*/5 * * * *", "0 */5 * * * *"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	_, err := ParseSchedule("every minute")
	assert.Error(t, err)
}

func TestReporterBuilder_IsValid(t *testing.T) {
	_, err := NewReporter(nil).Build()
	assert.ErrorContains(t, err, "source")

	_, err = NewReporter(registry.New()).WithSchedule("bogus").Build()
	assert.ErrorContains(t, err, "invalid schedule")
}

func TestReport(t *testing.T) {
	reg := registry.New()
	reg.Register("b", "s1", "Guest_0001", nopSink{})
	reg.Register("b", "s2", "Guest_0002", nopSink{})
	reg.Register("a", "s3", "Guest_0003", nopSink{})
	reg.Register("a", "s4", "Guest_0004", nopSink{})
	reg.Register("c", "s5", "Guest_0005", nopSink{})

	core, logs := observer.New(zap.InfoLevel)
	provider := &gaugeProvider{gauges: map[string]*recordedGauge{}}
	r, err := NewReporter(reg).WithLogger(zap.New(core)).WithMetricsProvider(provider).Build()
	require.NoError(t, err)

	snap := r.Report()
	assert.Equal(t, Snapshot{Rooms: 3, Connections: 5, Largest: "a", LargestSize: 2}, snap)

	entries := logs.FilterMessage("Room statistics").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 3, entries[0].ContextMap()["rooms"])
	assert.Equal(t, "a", entries[0].ContextMap()["largestRoom"])

	assert.Equal(t, 3.0, provider.gauges["diagramhub_rooms"].value)
	assert.Equal(t, 5.0, provider.gauges["diagramhub_connections"].value)
}

func TestReportEmpty(t *testing.T) {
	r, err := NewReporter(registry.New()).Build()
	require.NoError(t, err)
	assert.Equal(t, Snapshot{}, r.Report())
}

func TestReporterRunsOnSchedule(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r, err := NewReporter(registry.New()).WithSchedule("@every 1s").WithLogger(zap.New(core)).Build()
	require.NoError(t, err)

	r.Start()
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Room statistics").Len() > 0
	}, 3*time.Second, 50*time.Millisecond)
	<-r.Stop().Done()
}
