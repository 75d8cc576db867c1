package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordInferenceIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordInference("gcp_vertex_anthropic", "claude-3", "success", 250*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "llmgateway_inferences_total" {
			found = true
			require.Len(t, f.Metric, 1)
			assert.Equal(t, float64(1), f.Metric[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "expected llmgateway_inferences_total in gathered metrics")
}

func TestMetrics_ActiveStreamsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.StreamStarted()
	m.StreamStarted()
	m.StreamEnded()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "llmgateway_active_streams" {
			found = true
			require.Len(t, f.Metric, 1)
			assert.Equal(t, float64(1), f.Metric[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}
