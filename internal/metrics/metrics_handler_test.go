package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinlink/config"
	"coinlink/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

// capture registers a handler collecting every dispatched metric.
// Dispatch is synchronous, so the slice is complete once the emitting call
// returns.
func capture(t *testing.T) *[]Metric {
	t.Helper()
	resetMetricHandlers()
	var got []Metric
	id := RegisterMetricHandler(func(m Metric) { got = append(got, m) })
	require.NotZero(t, id)
	t.Cleanup(func() { UnregisterMetricHandler(id) })
	return &got
}

func TestRecordStateChange(t *testing.T) {
	got := capture(t)

	RecordStateChange("reconnecting", "connecting", 2)

	require.Len(t, *got, 1)
	m := (*got)[0]
	assert.Equal(t, "connection", m.Component)
	assert.Equal(t, stateTransitionMetric, m.Name)
	assert.Equal(t, "counter", m.Type)
	assert.Equal(t, logger.Fields{"from": "reconnecting", "to": "connecting", "attempt": 2, "unit": "count"}, m.Fields)
	assert.False(t, m.Timestamp.IsZero())
}

func TestRecordStreamEmitsCountAndDuration(t *testing.T) {
	got := capture(t)

	RecordStream(3, 1500*time.Millisecond, "truncated")

	require.Len(t, *got, 2)
	records, duration := (*got)[0], (*got)[1]
	assert.Equal(t, streamRecordsMetric, records.Name)
	assert.Equal(t, 3, records.Value)
	assert.Equal(t, streamDurationMetric, duration.Name)
	assert.Equal(t, "histogram", duration.Type)
	assert.Equal(t, "milliseconds", duration.Fields["unit"])
	assert.Equal(t, "truncated", duration.Fields["outcome"])

	v, ok := duration.Float64()
	require.True(t, ok)
	assert.Equal(t, 1500.0, v)
}

func TestRecordFeedbackOutcome(t *testing.T) {
	got := capture(t)

	RecordFeedback(5, nil)
	RecordFeedback(2, errors.New("HTTP 502"))

	require.Len(t, *got, 2)
	assert.Equal(t, "ok", (*got)[0].Fields["outcome"])
	assert.Equal(t, 5, (*got)[0].Fields["rating"])
	assert.Equal(t, "error", (*got)[1].Fields["outcome"])
}

func TestEmitMetricDoesNotShareFields(t *testing.T) {
	got := capture(t)

	fields := logger.Fields{"topic": "balance", "unit": "count"}
	EmitMetric(nil, "push", topicUpdateMetric, 1, "", fields)

	require.Len(t, *got, 1)
	assert.Equal(t, "counter", (*got)[0].Type, "empty type defaults to counter")
	(*got)[0].Fields["topic"] = "pnl"
	assert.Equal(t, "balance", fields["topic"], "handler fields must be a copy")
	assert.NotContains(t, (*got)[0].Fields, "metric")
}

func TestRegisterMetricHandler(t *testing.T) {
	resetMetricHandlers()

	assert.Zero(t, RegisterMetricHandler(nil))
	first := RegisterMetricHandler(func(Metric) {})
	second := RegisterMetricHandler(func(Metric) {})
	assert.NotZero(t, first)
	assert.NotEqual(t, first, second)

	UnregisterMetricHandler(first)
	UnregisterMetricHandler(second)
	got := capture(t)
	RecordError("client", "auth")
	assert.Len(t, *got, 1)
}

func TestEmitMetricWithoutName(t *testing.T) {
	got := capture(t)

	EmitMetric(nil, "client", "", 1, "counter", nil)
	assert.Empty(t, *got)
}

func TestMetricsDisabled(t *testing.T) {
	Configure(config.MetricsConfig{Enabled: false, TopicUpdates: true})
	t.Cleanup(func() { Configure(config.MetricsConfig{Enabled: true, TopicUpdates: true}) })
	got := capture(t)

	RecordStateChange("connecting", "active", 1)
	RecordTopicUpdate("balance", 0)
	assert.Empty(t, *got)
}

func TestTopicUpdatesDisabled(t *testing.T) {
	Configure(config.MetricsConfig{Enabled: true, TopicUpdates: false})
	t.Cleanup(func() { Configure(config.MetricsConfig{Enabled: true, TopicUpdates: true}) })
	got := capture(t)

	RecordTopicUpdate("orders", 1)
	RecordError("client", "decode")

	require.Len(t, *got, 1)
	assert.Equal(t, errorMetric, (*got)[0].Name)
}
