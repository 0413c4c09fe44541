package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"coinlink/logger"
)

// resourceSample is one reading of the client process and its host.
type resourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	ProcessCPU    float64   `json:"process_cpu_percent"`
	ProcessRSS    uint64    `json:"process_rss"`
	Threads       int32     `json:"threads"`
	Goroutines    int       `json:"goroutines"`
	HostMemoryPct float64   `json:"host_memory_percent"`
}

type processStats struct {
	cpu     float64
	rss     uint64
	threads int32
}

var (
	processStatsFn = sampleProcess
	memoryStatsFn  = mem.VirtualMemoryWithContext
	goroutinesFn   = runtime.NumGoroutine
)

func sampleProcess(ctx context.Context) (processStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return processStats{}, err
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return processStats{}, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return processStats{}, err
	}
	threads, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	return processStats{cpu: cpu, rss: info.RSS, threads: threads}, nil
}

// resourceSampler records a sample every interval until stopped.
type resourceSampler struct {
	samples  *ring[resourceSample]
	interval time.Duration
	log      *logger.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{
		samples:  newRing[resourceSample](limit),
		interval: interval,
		log:      log.WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *resourceSampler) snapshot() []resourceSample {
	if s == nil {
		return nil
	}
	return s.samples.snapshot()
}

func (s *resourceSampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *resourceSampler) sample(ctx context.Context) {
	stats, err := processStatsFn(ctx)
	if err != nil {
		s.log.WithError(err).Debug("failed to sample process usage")
		return
	}
	host, err := memoryStatsFn(ctx)
	if err != nil {
		s.log.WithError(err).Debug("failed to sample host memory")
		return
	}
	s.samples.push(resourceSample{
		Timestamp:     time.Now(),
		ProcessCPU:    stats.cpu,
		ProcessRSS:    stats.rss,
		Threads:       stats.threads,
		Goroutines:    goroutinesFn(),
		HostMemoryPct: host.UsedPercent,
	})
}
