package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureRejectsUnknownFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("debug", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("failed Configure must not change the level, got %s", log.GetLevel())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "coinlink.log")
	log := Logger()
	if err := log.Configure("debug", "text", path, 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	log.WithComponent("client").Info("connected")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "connected") || !strings.Contains(string(raw), "component=client") {
		t.Fatalf("unexpected log output: %s", raw)
	}
}

func TestLogMetricFields(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)
	hook := &captureHook{}
	log.AddHook(hook)

	log.WithComponent("push").LogMetric("push", "topic_update", 1, "", Fields{"topic": "balance"})

	if len(hook.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(hook.entries))
	}
	data := hook.entries[0].Data
	if data["metric"] != "topic_update" || data["metric_type"] != "counter" || data["topic"] != "balance" {
		t.Fatalf("unexpected metric fields: %v", data)
	}
}

type captureHook struct{ entries []*logrus.Entry }

func (h *captureHook) Levels() []logrus.Level { return logrus.AllLevels }
func (h *captureHook) Fire(e *logrus.Entry) error {
	h.entries = append(h.entries, e)
	return nil
}

func TestWarnCountsByComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	log.WithComponent("report_test_component").Warn("first")
	log.WithComponent("report_test_component").Error("second")

	r := collectReport()
	stats := r.Components["report_test_component"]
	if stats["warns"] != 1 || stats["errors"] != 1 {
		t.Fatalf("unexpected component stats: %v", stats)
	}
}

func TestLogReportPublishes(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	originalCPU := cpuPercentFn
	originalMem := memoryFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryFn = originalMem
		SetReportPublisher(nil)
	})
	cpuPercentFn = func() ([]float64, error) { return []float64{12.5}, nil }
	memoryFn = func() (*mem.VirtualMemoryStat, error) { return &mem.VirtualMemoryStat{Used: 3 * 1024 * 1024}, nil }

	RecordChannelMessage("report_test_channel", 10)
	RecordChannelMessage("report_test_channel", 5)

	published := map[string]float64{}
	SetReportPublisher(func(name string, value float64, unit string, dims Fields) {
		if ch, ok := dims["channel"]; ok && ch != "report_test_channel" {
			return
		}
		published[name] = value
	})

	r := logReport(log)
	if r.CPUPercent != 12.5 || r.MemoryMB != 3 {
		t.Fatalf("unexpected process stats: %+v", r)
	}
	if published["cpu_percent"] != 12.5 {
		t.Fatalf("cpu not published: %v", published)
	}
	if published["channel_messages"] != 2 || published["channel_bytes"] != 15 {
		t.Fatalf("channel stats not published: %v", published)
	}
}

func TestInternalFrame(t *testing.T) {
	if selfPackage != "coinlink/logger" {
		t.Fatalf("selfPackage = %q", selfPackage)
	}
	cases := map[string]bool{
		"coinlink/logger.(*Entry).Info":                 true,
		"coinlink/logger.LogPerformanceEntry":           true,
		"github.com/sirupsen/logrus.(*Entry).Log":       true,
		"coinlink/client.(*observer).OnMessage":         false,
		"coinlink/internal/connection.(*Machine).enter": false,
		"coinlink/loggerx.Helper":                       false,
	}
	for fn, want := range cases {
		if got := internalFrame(fn); got != want {
			t.Errorf("internalFrame(%q) = %v, want %v", fn, got, want)
		}
	}
}
