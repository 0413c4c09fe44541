package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"coinlink/logger"
)

func stubResources(t *testing.T, procErr error) *atomic.Int32 {
	t.Helper()
	originalProc, originalMem, originalGoroutines := processStatsFn, memoryStatsFn, goroutinesFn
	t.Cleanup(func() {
		processStatsFn, memoryStatsFn, goroutinesFn = originalProc, originalMem, originalGoroutines
	})

	var calls atomic.Int32
	processStatsFn = func(context.Context) (processStats, error) {
		calls.Add(1)
		if procErr != nil {
			return processStats{}, procErr
		}
		return processStats{cpu: 12.5, rss: 4096, threads: 9}, nil
	}
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 50}, nil
	}
	goroutinesFn = func() int { return 7 }
	return &calls
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	calls := stubResources(t, nil)
	sampler := newResourceSampler(3, 5*time.Millisecond, logger.Logger())

	sampler.start(context.Background())
	deadline := time.Now().Add(500 * time.Millisecond)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sampler.stop()

	samples := sampler.snapshot()
	if len(samples) != 3 {
		t.Fatalf("expected ring to hold 3 samples, got %d", len(samples))
	}
	latest := samples[len(samples)-1]
	if latest.ProcessCPU != 12.5 || latest.ProcessRSS != 4096 || latest.Threads != 9 {
		t.Fatalf("unexpected process data: %#v", latest)
	}
	if latest.Goroutines != 7 || latest.HostMemoryPct != 50 {
		t.Fatalf("unexpected runtime data: %#v", latest)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 process samples, got %d", calls.Load())
	}
}

func TestResourceSamplerSkipsFailedSamples(t *testing.T) {
	calls := stubResources(t, errors.New("no such process"))
	sampler := newResourceSampler(3, time.Hour, logger.Logger())

	sampler.start(context.Background())
	deadline := time.Now().Add(500 * time.Millisecond)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sampler never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sampler.stop()
	sampler.stop()

	if n := len(sampler.snapshot()); n != 0 {
		t.Fatalf("expected no samples after failures, got %d", n)
	}
}
