package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
	log "github.com/sirupsen/logrus"
)

// PrometheusConfig holds configuration for Prometheus metrics reporting
type PrometheusConfig struct {
	Enabled bool
	PushURL string
	JobName string
}

// EvaluationMetrics holds the Prometheus metrics of one evaluation
type EvaluationMetrics struct {
	Value           prometheus.Gauge
	Iterations      prometheus.Gauge
	Examples        prometheus.Gauge
	GlobalStep      prometheus.Gauge
	DurationSeconds prometheus.Gauge
	HeapAllocBytes  prometheus.Gauge
	HeapInuseBytes  prometheus.Gauge
	HeapSysBytes    prometheus.Gauge
}

func newGauge(name, help string, labels prometheus.Labels) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "evaluator",
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	})
}

// NewEvaluationMetrics registers the evaluation gauges in registry.
func NewEvaluationMetrics(registry *prometheus.Registry, labels prometheus.Labels) *EvaluationMetrics {
	metrics := &EvaluationMetrics{
		Value:           newGauge("value", "Accuracy or reconstruction error, see the metric label", labels),
		Iterations:      newGauge("iterations", "Number of evaluated batches", labels),
		Examples:        newGauge("examples", "Number of examples in the evaluated split", labels),
		GlobalStep:      newGauge("global_step", "Training step of the restored checkpoint", labels),
		DurationSeconds: newGauge("duration_seconds", "Duration of the evaluation in seconds", labels),
		HeapAllocBytes:  newGauge("heap_alloc_bytes", "Heap allocation in bytes", labels),
		HeapInuseBytes:  newGauge("heap_inuse_bytes", "Heap in use in bytes", labels),
		HeapSysBytes:    newGauge("heap_sys_bytes", "Heap system in bytes", labels),
	}

	registry.MustRegister(
		metrics.Value,
		metrics.Iterations,
		metrics.Examples,
		metrics.GlobalStep,
		metrics.DurationSeconds,
		metrics.HeapAllocBytes,
		metrics.HeapInuseBytes,
		metrics.HeapSysBytes,
	)

	return metrics
}

func (m *EvaluationMetrics) set(r *ResultsJSONEvaluation) {
	m.Value.Set(r.Value)
	m.Iterations.Set(float64(r.Iterations))
	m.Examples.Set(float64(r.Examples))
	m.GlobalStep.Set(float64(r.GlobalStep))
	m.DurationSeconds.Set(r.Took.Seconds())
	m.HeapAllocBytes.Set(r.HeapAllocBytes)
	m.HeapInuseBytes.Set(r.HeapInuseBytes)
	m.HeapSysBytes.Set(r.HeapSysBytes)
}

// evaluationRegistry returns a registry holding the gauges of r, labelled
// with the result's identity and the custom labels.
func evaluationRegistry(r *ResultsJSONEvaluation, custom map[string]string) *prometheus.Registry {
	registry := prometheus.NewRegistry()

	labels := prometheus.Labels{
		"model":      r.Model,
		"dataset":    r.Dataset,
		"input_type": r.InputType,
		"metric":     r.Metric,
		"device":     r.Device,
		"run_id":     r.RunID,
	}
	for key, value := range custom {
		if _, taken := labels[key]; taken {
			log.WithFields(log.Fields{"label": key}).Warn("Custom label shadows a result label, ignoring it")
			continue
		}
		labels[key] = value
	}

	NewEvaluationMetrics(registry, labels).set(r)
	return registry
}

// PushMetricsToPrometheus pushes the evaluation result to a Prometheus pushgateway
func PushMetricsToPrometheus(cfg *Config, r *ResultsJSONEvaluation) error {
	if !cfg.PrometheusConfig.Enabled || cfg.PrometheusConfig.PushURL == "" {
		return nil
	}

	pusher := push.New(cfg.PrometheusConfig.PushURL, cfg.PrometheusConfig.JobName).
		Gatherer(evaluationRegistry(r, cfg.LabelMap))

	if err := pusher.Push(); err != nil {
		log.WithError(err).Error("Failed to push metrics to Prometheus")
		return err
	}

	log.WithFields(log.Fields{
		"url":     cfg.PrometheusConfig.PushURL,
		"job":     cfg.PrometheusConfig.JobName,
		"run_id":  r.RunID,
		"dataset": r.Dataset,
	}).Info("Successfully pushed metrics to Prometheus")

	return nil
}

// WritePrometheusTextfile writes the evaluation result in the Prometheus
// text format to path, replacing the file atomically so a textfile
// collector never reads a partial file.
func WritePrometheusTextfile(cfg *Config, r *ResultsJSONEvaluation) error {
	path := cfg.PrometheusTextfile
	if path == "" {
		return nil
	}

	families, err := evaluationRegistry(r, cfg.LabelMap).Gather()
	if err != nil {
		return errors.Wrap(err, "gather evaluation metrics")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), fmt.Sprintf(".%s.*", filepath.Base(path)))
	if err != nil {
		return errors.Wrap(err, "create textfile")
	}
	defer os.Remove(tmp.Name())

	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, family); err != nil {
			tmp.Close()
			return errors.Wrapf(err, "write metric family %s", family.GetName())
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close textfile")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, "chmod textfile")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename textfile")
	}

	log.WithFields(log.Fields{"file": path, "run_id": r.RunID}).Info("Wrote metrics textfile")
	return nil
}
