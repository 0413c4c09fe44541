package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinlink/config"
)

func TestCollectorMirrorsEmittedMetrics(t *testing.T) {
	resetMetricHandlers()
	Configure(config.MetricsConfig{Enabled: true, TopicUpdates: true})

	c := NewCollector()
	c.Attach()
	t.Cleanup(c.Detach)

	RecordStateChange("disconnected", "connecting", 0)
	RecordStateChange("connecting", "active", 0)
	RecordTopicUpdate("balance", 0)
	RecordTopicUpdate("balance", 2)
	RecordError("client", "transport")
	RecordStream(4, 1500*time.Millisecond, "complete")
	RecordFeedback(5, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.updates.WithLabelValues("balance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("client", "transport")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.records.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.feedback.WithLabelValues("ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestCollectorHandler(t *testing.T) {
	resetMetricHandlers()

	c := NewCollector()
	c.Attach()
	t.Cleanup(c.Detach)
	RecordTopicUpdate("pnl", 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `coinlink_topic_updates_total{topic="pnl"} 1`), string(body))
}

func TestRenderDashboardSubstitutes(t *testing.T) {
	body, err := renderDashboard(&cloudWatchState{namespace: "Custom", region: "eu-west-1"})
	require.NoError(t, err)
	assert.NotContains(t, body, `"CoinLink"`)
	assert.Contains(t, body, `"Custom"`)
	assert.Contains(t, body, `"eu-west-1"`)
}
