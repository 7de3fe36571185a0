package monitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// SystemSample is one host telemetry observation.
type SystemSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	DiskPercent   float64   `json:"disk_percent"`
	NetBytesSent  uint64    `json:"net_bytes_sent"`
	NetBytesRecv  uint64    `json:"net_bytes_recv"`
	Goroutines    int       `json:"goroutines"`
}

// Sampler collects host metrics on a fixed tick into a bounded ring.
// Collection is best effort: a failing gauge is logged and left zero,
// never fatal.
type Sampler struct {
	interval time.Duration
	diskPath string

	mu    sync.RWMutex
	ring  []SystemSample
	next  int
	count int

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewSampler builds a sampler with a ring of ringSize samples.
func NewSampler(interval time.Duration, ringSize int) *Sampler {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Sampler{
		interval: interval,
		diskPath: "/",
		ring:     make([]SystemSample, ringSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop. An immediate sample is taken so
// SystemMetrics answers before the first tick.
func (s *Sampler) Start() {
	go func() {
		s.collect()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.collect()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Close stops the sampling loop. Safe to call more than once.
func (s *Sampler) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() (SystemSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return SystemSample{}, false
	}
	idx := (s.next - 1 + len(s.ring)) % len(s.ring)
	return s.ring[idx], true
}

// InRange returns retained samples with timestamps in [from, to],
// oldest first.
func (s *Sampler) InRange(from, to time.Time) []SystemSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SystemSample, 0, s.count)
	start := s.next - s.count
	for i := 0; i < s.count; i++ {
		sample := s.ring[(start+i+len(s.ring))%len(s.ring)]
		if sample.Timestamp.Before(from) || sample.Timestamp.After(to) {
			continue
		}
		out = append(out, sample)
	}
	return out
}

func (s *Sampler) collect() {
	sample := SystemSample{
		Timestamp:  time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err != nil {
		log.Debug().Err(err).Msg("cpu sample failed")
	} else if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		log.Debug().Err(err).Msg("memory sample failed")
	} else {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryUsed = vm.Used
	}

	if du, err := disk.Usage(s.diskPath); err != nil {
		log.Debug().Err(err).Msg("disk sample failed")
	} else {
		sample.DiskPercent = du.UsedPercent
	}

	if counters, err := net.IOCounters(false); err != nil {
		log.Debug().Err(err).Msg("network sample failed")
	} else if len(counters) > 0 {
		sample.NetBytesSent = counters[0].BytesSent
		sample.NetBytesRecv = counters[0].BytesRecv
	}

	s.append(sample)
}

func (s *Sampler) append(sample SystemSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = sample
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
}
