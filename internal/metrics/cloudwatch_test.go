package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinlink/logger"
)

// captureCloudWatch installs a fake client and clock and returns the
// published batches. The clock is advanced through the returned setter.
func captureCloudWatch(t *testing.T, interval time.Duration) (*[][]cwtypes.MetricDatum, func(time.Duration)) {
	t.Helper()
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "CoinLink"})
	resetMetricPublishTimes()

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = interval

	base := time.Now()
	timeNow = func() time.Time { return base }

	batches := &[][]cwtypes.MetricDatum{}
	publishMetricsFunc = func(_ context.Context, _ *cloudWatchState, data []cwtypes.MetricDatum) {
		*batches = append(*batches, append([]cwtypes.MetricDatum(nil), data...))
	}

	t.Cleanup(func() {
		cwState.Store(prevState)
		resetMetricPublishTimes()
		cloudWatchPublishInterval = originalInterval
		timeNow = time.Now
		publishMetricsFunc = publishMetrics
	})
	return batches, func(d time.Duration) {
		timeNow = func() time.Time { return base.Add(d) }
	}
}

func topicUpdate(topic string) Metric {
	return Metric{Component: "push", Name: topicUpdateMetric, Fields: logger.Fields{"topic": topic, "unit": "count"}}
}

func TestPublishMetricDatumThrottlesPerSeries(t *testing.T) {
	batches, advance := captureCloudWatch(t, 50*time.Millisecond)

	publishMetricDatum(topicUpdate("balance"), 1)
	publishMetricDatum(topicUpdate("pnl"), 1)
	advance(25 * time.Millisecond)
	publishMetricDatum(topicUpdate("balance"), 2)

	require.Len(t, *batches, 2, "second balance datum inside the interval must be dropped")
	assert.Equal(t, 1.0, *(*batches)[0][0].Value)

	advance(75 * time.Millisecond)
	publishMetricDatum(topicUpdate("balance"), 3)
	require.Len(t, *batches, 3)
	assert.Equal(t, 3.0, *(*batches)[2][0].Value)
}

func TestPublishMetricDatumDimensions(t *testing.T) {
	batches, _ := captureCloudWatch(t, time.Minute)

	publishMetricDatum(Metric{
		Component: "chat",
		Name:      streamDurationMetric,
		Fields:    logger.Fields{"outcome": "complete", "unit": "milliseconds", "records": 3},
	}, 120)

	require.Len(t, *batches, 1)
	datum := (*batches)[0][0]
	assert.Equal(t, streamDurationMetric, *datum.MetricName)
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, datum.Unit)
	require.Len(t, datum.Dimensions, 2, "non-string fields and the unit are not dimensions")
	assert.Equal(t, "component", *datum.Dimensions[0].Name)
	assert.Equal(t, "chat", *datum.Dimensions[0].Value)
	assert.Equal(t, "outcome", *datum.Dimensions[1].Name)
	assert.NotNil(t, datum.Timestamp)
}

func TestPublishMetricDatumWithoutClient(t *testing.T) {
	batches, _ := captureCloudWatch(t, time.Minute)
	cwState.Store(nil)

	publishMetricDatum(topicUpdate("orders"), 1)
	assert.Empty(t, *batches)
}
