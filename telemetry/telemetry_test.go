package telemetry

import (
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/notnview/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopWithoutRegistry(t *testing.T) {
	registry = nil

	assert.Equal(t, NoopStat{}, NewCounter("c", "help"))
	assert.Equal(t, noopCounterVec{}, NewCounterVec("cv", "help", []string{"result"}))
	assert.Equal(t, noopGaugeVec{}, NewGaugeVec("gv", "help", []string{"state"}))
	assert.Equal(t, noopHistogramVec{}, NewHistogramVec("hv", "help", []string{"x"}, LookupBuckets))
	assert.Nil(t, GetMetricsHandler())

	// Must not panic
	IngestedTotal.With("forwarded").Inc()
	ReplicaKeys.Set(10)
	LookupDurationSeconds.With("found").Observe(0.001)
	EngineStateActive.With("READY").Set(1)
}

func TestMetricsServedWhenEnabled(t *testing.T) {
	original := cfg.Config
	defer func() {
		cfg.Config = original
		registry = nil
	}()
	cfg.Config = cfg.Default()
	cfg.Config.NodeID = 99

	InitializeTelemetry()
	require.NotNil(t, registry)
	InitMetrics()

	LookupsTotal.With("found").Inc()
	LookupDurationSeconds.With("not_found").Observe(0.0002)
	EngineState.Set(2)
	EngineStateActive.With("BOOTSTRAPPING").Set(0)
	EngineStateActive.With("READY").Set(1)

	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `notnview_lookups_total{node_id="99",result="found"} 1`)
	assert.Contains(t, string(body), `notnview_engine_state{node_id="99"} 2`)
	assert.Contains(t, string(body), `notnview_lookup_duration_seconds_count{node_id="99",result="not_found"} 1`)
	assert.Contains(t, string(body), `notnview_engine_state_active{node_id="99",state="BOOTSTRAPPING"} 0`)
	assert.Contains(t, string(body), `notnview_engine_state_active{node_id="99",state="READY"} 1`)
}

func TestInitializeTelemetryDisabled(t *testing.T) {
	original := cfg.Config
	defer func() {
		cfg.Config = original
		registry = nil
	}()
	registry = nil
	cfg.Config = cfg.Default()
	cfg.Config.Prometheus.Enabled = false

	InitializeTelemetry()
	assert.Nil(t, registry)
}

type fakeStats struct {
	calls atomic.Int32
}

func (f *fakeStats) StateValue() int {
	f.calls.Add(1)
	return 2
}

func (f *fakeStats) KeyCount() int { return 5 }

func TestMetricsCollectorSamples(t *testing.T) {
	stats := &fakeStats{}
	mc := NewMetricsCollector(stats, 10*time.Millisecond)
	mc.Start()

	assert.Eventually(t, func() bool { return stats.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	mc.Stop()
	mc.Stop()
}
