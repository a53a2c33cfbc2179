package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const defaultSampleInterval = 5 * time.Second

// MemoryMonitor samples the heap of this process while an evaluation runs
// and keeps the sample with the largest heap allocation.
type MemoryMonitor struct {
	gatherer prometheus.Gatherer
	interval time.Duration

	mu      sync.Mutex
	peak    *Memstats
	samples int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryMonitor returns a monitor sampling gatherer every interval. A
// non-positive interval uses five seconds.
func NewMemoryMonitor(gatherer prometheus.Gatherer, interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &MemoryMonitor{gatherer: gatherer, interval: interval}
}

// Start samples once immediately and then on every tick until Stop.
func (m *MemoryMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	log.WithFields(log.Fields{"interval": m.interval}).Debug("Starting memory monitoring")

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.sample()
		for {
			select {
			case <-ctx.Done():
				m.sample()
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop takes a last sample and waits for the sampling goroutine. It is a
// no-op when the monitor was never started.
func (m *MemoryMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil

	if peak := m.Peak(); peak != nil {
		log.WithFields(log.Fields{
			"samples":       m.Samples(),
			"heap_alloc_mb": peak.HeapAllocBytes / 1024 / 1024,
			"heap_sys_mb":   peak.HeapSysBytes / 1024 / 1024,
		}).Info("Memory monitoring stopped")
	}
}

func (m *MemoryMonitor) sample() {
	memstats, err := readMemoryMetrics(m.gatherer)
	if err != nil {
		log.WithError(err).Warn("Failed to read memory metrics")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
	if m.peak == nil || memstats.HeapAllocBytes > m.peak.HeapAllocBytes {
		m.peak = memstats
	}
}

// Peak returns the sample with the largest heap allocation, or nil when
// nothing was sampled.
func (m *MemoryMonitor) Peak() *Memstats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peak == nil {
		return nil
	}
	peak := *m.peak
	return &peak
}

func (m *MemoryMonitor) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}
