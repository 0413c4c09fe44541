package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type channelStat struct {
	messages int64
	bytes    int64
}

type componentStat struct {
	warns  int64
	errors int64
}

// ReportPublisher receives each numeric value of a runtime report.
type ReportPublisher func(name string, value float64, unit string, dims Fields)

var (
	channels   sync.Map // map[string]*channelStat
	components sync.Map // map[string]*componentStat
	publisher  atomic.Pointer[ReportPublisher]

	cpuPercentFn = func() ([]float64, error) { return cpu.Percent(0, false) }
	memoryFn     = mem.VirtualMemory
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// RecordChannelMessage counts one message of size bytes on a named channel
// such as the push socket or a chat stream.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// SetReportPublisher installs the sink for report values. nil removes it.
func SetReportPublisher(fn ReportPublisher) {
	if fn == nil {
		publisher.Store(nil)
		return
	}
	publisher.Store(&fn)
}

// StartReport begins periodic logging of process, component and channel
// statistics until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// Report is one sample of the runtime report.
type Report struct {
	Goroutines int
	CPUPercent float64
	MemoryMB   float64
	Components map[string]map[string]int64
	Channels   map[string]map[string]int64
}

func collectReport() Report {
	r := Report{
		Goroutines: runtime.NumGoroutine(),
		Components: map[string]map[string]int64{},
		Channels:   map[string]map[string]int64{},
	}
	if pct, err := cpuPercentFn(); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := memoryFn(); err == nil && vm != nil {
		r.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		r.Components[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		r.Channels[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return r
}

func logReport(log *Log) Report {
	r := collectReport()

	log.WithComponent("report").WithFields(Fields{
		"goroutines":  r.Goroutines,
		"cpu_percent": r.CPUPercent,
		"memory_mb":   int64(r.MemoryMB),
		"components":  r.Components,
		"channels":    r.Channels,
	}).Info("runtime report")

	p := publisher.Load()
	if p == nil {
		return r
	}
	publish := *p
	publish("goroutines", float64(r.Goroutines), "count", nil)
	publish("cpu_percent", r.CPUPercent, "percent", nil)
	publish("memory_mb", r.MemoryMB, "count", nil)

	for _, name := range sortedKeys(r.Components) {
		dims := Fields{"source": name}
		publish("log_warnings", float64(r.Components[name]["warns"]), "count", dims)
		publish("log_errors", float64(r.Components[name]["errors"]), "count", dims)
	}
	for _, name := range sortedKeys(r.Channels) {
		dims := Fields{"channel": name}
		publish("channel_messages", float64(r.Channels[name]["messages"]), "count", dims)
		publish("channel_bytes", float64(r.Channels[name]["bytes"]), "bytes", dims)
	}
	return r
}

func sortedKeys(m map[string]map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
