package cmd

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

type Memstats struct {
	HeapAllocBytes float64 `json:"heap_alloc_bytes"`
	HeapInuseBytes float64 `json:"heap_inuse_bytes"`
	HeapSysBytes   float64 `json:"heap_sys_bytes"`
}

// runtimeRegistry exposes the heap statistics of this process.
var runtimeRegistry = newRuntimeRegistry()

func newRuntimeRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	return registry
}

func readMemoryMetrics(gatherer prometheus.Gatherer) (*Memstats, error) {
	families, err := gatherer.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather runtime metrics")
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}

	return &Memstats{
		HeapAllocBytes: gaugeValue(byName, "go_memstats_heap_alloc_bytes"),
		HeapInuseBytes: gaugeValue(byName, "go_memstats_heap_inuse_bytes"),
		HeapSysBytes:   gaugeValue(byName, "go_memstats_heap_sys_bytes"),
	}, nil
}

func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	family, ok := families[name]
	if !ok || len(family.Metric) == 0 {
		return 0
	}
	return family.Metric[0].GetGauge().GetValue()
}
