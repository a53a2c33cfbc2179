package cmd

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestReadMemoryMetrics(t *testing.T) {
	memstats, err := readMemoryMetrics(runtimeRegistry)
	require.NoError(t, err)
	require.Positive(t, memstats.HeapAllocBytes)
	require.Positive(t, memstats.HeapSysBytes)
	require.GreaterOrEqual(t, memstats.HeapSysBytes, memstats.HeapInuseBytes)
}

func TestReadMemoryMetricsWithoutGoCollector(t *testing.T) {
	memstats, err := readMemoryMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, Memstats{}, *memstats)
}

func TestMemoryMonitor(t *testing.T) {
	monitor := NewMemoryMonitor(runtimeRegistry, time.Millisecond)
	monitor.Start()
	require.Eventually(t, func() bool { return monitor.Samples() >= 3 }, 5*time.Second, time.Millisecond)
	monitor.Stop()

	samples := monitor.Samples()
	peak := monitor.Peak()
	require.NotNil(t, peak)
	require.Positive(t, peak.HeapAllocBytes)

	peak.HeapAllocBytes = -1
	require.Positive(t, monitor.Peak().HeapAllocBytes)

	monitor.Stop()
	require.Equal(t, samples, monitor.Samples())
}

func TestMemoryMonitorNotStarted(t *testing.T) {
	monitor := NewMemoryMonitor(prometheus.NewRegistry(), 0)
	require.Equal(t, defaultSampleInterval, monitor.interval)

	monitor.Stop()
	require.Zero(t, monitor.Samples())
	require.Nil(t, monitor.Peak())
}
