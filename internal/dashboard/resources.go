package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"tradeflow/logger"
)

// resourceSample is one host utilisation reading.
type resourceSample struct {
	Timestamp   time.Time
	CPUPercent  float64
	MemoryUsed  uint64
	MemoryTotal uint64
	MemoryPct   float64
}

// resourceSampler keeps a bounded ring of host utilisation samples for the
// resources endpoint.
type resourceSampler struct {
	interval time.Duration
	limit    int
	log      *logger.Entry

	mu    sync.RWMutex
	items []resourceSample

	cancel context.CancelFunc
	done   chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &resourceSampler{
		interval: interval,
		limit:    limit,
		log:      log.WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *resourceSampler) stop() {
	if s.done == nil {
		return
	}
	s.cancel()
	<-s.done
	s.done = nil
}

func (s *resourceSampler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *resourceSampler) sample(ctx context.Context) {
	cpuSamples, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		s.log.WithError(err).Debug("failed to sample cpu usage")
		return
	}
	memStats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.log.WithError(err).Debug("failed to sample memory usage")
		return
	}

	item := resourceSample{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
	}
	if len(cpuSamples) > 0 {
		item.CPUPercent = cpuSamples[0]
	}

	s.mu.Lock()
	s.items = append(s.items, item)
	if len(s.items) > s.limit {
		s.items = append([]resourceSample(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
}

func (s *resourceSampler) snapshot() []resourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSample, len(s.items))
	copy(out, s.items)
	return out
}
