package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"coinlink/client"
	"coinlink/config"
	"coinlink/internal/metrics"
	"coinlink/logger"
	"coinlink/models"
)

func newTestServer(t *testing.T, source Source, collector *metrics.Collector) (*Server, http.Handler) {
	t.Helper()
	log := logger.Logger()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, log, source, collector)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter("coinlink")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	return srv, router
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	return res
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv, router := newTestServer(t, &fakeSource{}, nil)

	metrics.RecordTopicUpdate("balance", 0)

	res := get(t, router, "/api/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatalf("metrics store empty")
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, router := newTestServer(t, &fakeSource{state: client.Active, subject: "u1"}, nil)

	res := get(t, router, "/api/status")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != "active" || body["subject"] != "u1" || body["client_id"] != "client-1" {
		t.Fatalf("unexpected status body: %v", body)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	source := &fakeSource{snapshots: map[models.Topic]models.Update{
		models.TopicBalance: {
			Topic:   models.TopicBalance,
			Payload: models.Balance{Coin: "USDT", Available: decimal.RequireFromString("12.5")},
		},
	}}
	_, router := newTestServer(t, source, nil)

	res := get(t, router, "/api/snapshots")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"available":"12.5"`) {
		t.Fatalf("unexpected snapshots response %d: %s", res.Code, res.Body.String())
	}

	if res := get(t, router, "/api/snapshots/balance"); res.Code != http.StatusOK {
		t.Fatalf("balance snapshot status = %d", res.Code)
	}
	if res := get(t, router, "/api/snapshots/order"); res.Code != http.StatusNotFound {
		t.Fatalf("orders snapshot status = %d, want 404", res.Code)
	}
	if res := get(t, router, "/api/snapshots/tickers"); res.Code != http.StatusBadRequest {
		t.Fatalf("unknown topic status = %d, want 400", res.Code)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	collector := metrics.NewCollector()
	collector.Attach()
	t.Cleanup(collector.Detach)
	_, router := newTestServer(t, &fakeSource{}, collector)

	metrics.RecordStateChange("connecting", "active", 0)

	res := get(t, router, "/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "coinlink_state_transitions_total") {
		t.Fatalf("transition counter missing from exposition")
	}
}

func TestIndexRendersTemplate(t *testing.T) {
	_, router := newTestServer(t, &fakeSource{}, nil)
	res := get(t, router, "/")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "coinlink") {
		t.Fatalf("unexpected index response %d", res.Code)
	}
}

func TestLogsEndpointFilters(t *testing.T) {
	srv, router := newTestServer(t, &fakeSource{}, nil)
	srv.logStore.Fire(newEntry(logrus.InfoLevel, "subscribed", logrus.Fields{"component": "connection"}))
	srv.logStore.Fire(newEntry(logrus.ErrorLevel, "dial failed", logrus.Fields{"component": "transport", "token": "abc"}))

	res := get(t, router, "/api/logs?level=warn")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	var body struct {
		Logs []map[string]any `json:"logs"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Logs) != 1 || body.Logs[0]["message"] != "dial failed" || body.Logs[0]["level"] != "error" {
		t.Fatalf("unexpected logs: %v", body.Logs)
	}
	if strings.Contains(res.Body.String(), "abc") {
		t.Fatal("credential leaked through /api/logs")
	}

	res = get(t, router, "/api/logs?component=connection")
	if !strings.Contains(res.Body.String(), "subscribed") || strings.Contains(res.Body.String(), "dial failed") {
		t.Fatalf("component filter not applied: %s", res.Body.String())
	}

	if res := get(t, router, "/api/logs?level=loud"); res.Code != http.StatusBadRequest {
		t.Fatalf("bad level status = %d, want 400", res.Code)
	}
}
