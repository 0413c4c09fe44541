package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"coinlink/config"
	"coinlink/logger"
)

//go:embed CWdash.json
var dashboardTemplate string

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var cwState atomic.Pointer[cloudWatchState]

var (
	// cloudWatchPublishInterval bounds how often one metric is sent per component.
	cloudWatchPublishInterval = 30 * time.Second
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	publishTimesMu sync.Mutex
	publishTimes   = make(map[string]time.Time)
)

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "CoinLink",
		dashboardName: "CoinLink",
	})
}

// InitCloudWatch creates the CloudWatch client and applies the embedded
// dashboard. When the client cannot be created publishing stays disabled.
func InitCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := cloudWatchState{}
	if current := cwState.Load(); current != nil {
		state = *current
	}

	state.client = cloudwatch.NewFromConfig(awsCfg)
	if cfg.Namespace != "" {
		state.namespace = cfg.Namespace
	}
	if cfg.Dashboard != "" {
		state.dashboardName = cfg.Dashboard
	}
	state.region = region
	if awsCfg.Region != "" {
		state.region = awsCfg.Region
	}

	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := CreateDashboardFromTemplate(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// EmitMetric logs the metric, hands it to registered handlers and publishes
// numeric values to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	metricEvent, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	numericValue, ok := toFloat64(metricEvent.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metricEvent.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}

	publishMetricDatum(metricEvent, numericValue)
}

// CreateDashboardFromTemplate writes the embedded dashboard with the
// configured namespace and region substituted in.
func CreateDashboardFromTemplate(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := renderDashboard(state)
	if err != nil {
		return err
	}

	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard from template")
	return nil
}

func renderDashboard(state *cloudWatchState) (string, error) {
	body := dashboardTemplate
	if state.namespace != "" {
		body = strings.ReplaceAll(body, "\"CoinLink\"", fmt.Sprintf("%q", state.namespace))
	}
	if state.region != "" {
		body = strings.ReplaceAll(body, "\"us-east-1\"", fmt.Sprintf("%q", state.region))
	}
	if !json.Valid([]byte(body)) {
		return "", fmt.Errorf("dashboard template is not valid JSON after substitution")
	}
	return body, nil
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	dims := metricDimensions(metric)
	key := dimensionKey(metric.Name, dims)

	now := timeNow()
	publishTimesMu.Lock()
	if last, ok := publishTimes[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		publishTimesMu.Unlock()
		return
	}
	publishTimes[key] = now
	publishTimesMu.Unlock()

	unit := cwtypes.StandardUnitCount
	if rawUnit, ok := metric.Fields["unit"]; ok {
		if unitStr, ok := rawUnit.(string); ok {
			if parsedUnit, found := metricUnitFromString(unitStr); found {
				unit = parsedUnit
			} else {
				logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metric.Name, "unit": unitStr}).Debug("unsupported metric unit; defaulting to Count")
			}
		}
	}

	ts := metric.Timestamp
	if ts.IsZero() {
		ts = now
	}

	publishMetricsFunc(context.Background(), state, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(ts),
	}})
}

// metricDimensions turns the component and every non-empty string field
// except the unit into CloudWatch dimensions, sorted by name.
func metricDimensions(metric Metric) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	sort.Slice(dims, func(i, j int) bool { return *dims[i].Name < *dims[j].Name })
	return dims
}

// dimensionKey identifies one CloudWatch series for throttling.
func dimensionKey(name string, dims []cwtypes.Dimension) string {
	var b strings.Builder
	b.WriteString(name)
	for _, d := range dims {
		b.WriteByte('|')
		b.WriteString(*d.Name)
		b.WriteByte('=')
		b.WriteString(*d.Value)
	}
	return b.String()
}

func resetMetricPublishTimes() {
	publishTimesMu.Lock()
	publishTimes = make(map[string]time.Time)
	publishTimesMu.Unlock()
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil {
		return
	}
	if len(data) == 0 {
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	logger.GetLogger().WithComponent("cloudwatch").WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case time.Duration:
		return float64(v.Milliseconds()), true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "milliseconds", "ms":
		return cwtypes.StandardUnitMilliseconds, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
