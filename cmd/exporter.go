package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exporterNamespace = "evaluator"
	pollInterval      = 10 * time.Second
)

var errAwaitingResults = errors.New("awaiting results")

var exporterCommand = &cobra.Command{
	Use:   "exporter",
	Short: "Evaluation Metrics Exporter",
	Long:  `Serve the latest evaluation results of a results directory as Prometheus metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := globalConfig
		cfg.Mode = "exporter"

		if err := cfg.Validate(); err != nil {
			fatal(err)
		}

		exporter := NewExporter(prometheus.NewRegistry())
		exporter.initializeMetrics()

		ctx, stop := context.WithCancel(context.Background())
		defer stop()

		if cfg.Watch {
			go func() {
				if err := exporter.watchDirectory(ctx, cfg.ExporterDir); err != nil {
					fatal(err)
				}
			}()
		} else {
			go exporter.pollDirectory(ctx, cfg.ExporterDir, pollInterval)
		}

		serverAddr := fmt.Sprintf(":%d", cfg.ExporterPort)
		log.WithFields(log.Fields{"addr": serverAddr, "dir": cfg.ExporterDir}).Info("Starting metrics server")
		if err := http.ListenAndServe(serverAddr, exporter.handler()); err != nil {
			fatal(err)
		}
	},
}

func initExporter() {
	rootCmd.AddCommand(exporterCommand)
	exporterCommand.PersistentFlags().StringVarP(&globalConfig.ExporterDir,
		"dir", "d", "", "Results directory path to watch (required)")
	exporterCommand.PersistentFlags().IntVarP(&globalConfig.ExporterPort,
		"port", "p", 2120, "Port to serve metrics on")
	exporterCommand.PersistentFlags().BoolVar(&globalConfig.Watch,
		"watch", false, "React to file system events instead of polling the directory")
}

// MetricData is the part of a results file entry the exporter publishes.
type MetricData struct {
	Metric         string  `json:"metric"`
	Value          float64 `json:"value"`
	Model          string  `json:"model"`
	Dataset        string  `json:"dataset"`
	InputType      string  `json:"input_type"`
	Device         string  `json:"device"`
	Branch         string  `json:"branch"`
	Iterations     int     `json:"iterations"`
	Examples       int     `json:"examples"`
	GlobalStep     int64   `json:"global_step"`
	Took           int64   `json:"took"`
	HeapAllocBytes float64 `json:"heap_alloc_bytes"`
	HeapInuseBytes float64 `json:"heap_inuse_bytes"`
	HeapSysBytes   float64 `json:"heap_sys_bytes"`
}

type Exporter struct {
	registry *prometheus.Registry
	metrics  map[string]*prometheus.GaugeVec
}

func NewExporter(registry *prometheus.Registry) *Exporter {
	return &Exporter{
		registry: registry,
		metrics:  make(map[string]*prometheus.GaugeVec),
	}
}

func (e *Exporter) initializeMetrics() {
	labels := []string{"branch", "model", "dataset", "input_type", "metric", "device"}

	metricNames := []struct {
		name string
		help string
	}{
		{"value", "Accuracy or reconstruction error, see the metric label"},
		{"iterations", "Number of evaluated batches"},
		{"examples", "Number of examples in the evaluated split"},
		{"global_step", "Training step of the evaluated checkpoint"},
		{"duration_seconds", "Duration of the evaluation in seconds"},
		{"heap_alloc_bytes", "Heap alloc bytes"},
		{"heap_inuse_bytes", "Heap inuse bytes"},
		{"heap_sys_bytes", "Heap sys bytes"},
	}

	factory := promauto.With(e.registry)
	for _, metric := range metricNames {
		e.metrics[metric.name] = factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: exporterNamespace,
				Name:      metric.name,
				Help:      metric.help,
			},
			labels,
		)
	}
}

func (e *Exporter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
			<head><title>Evaluation Metrics Exporter</title></head>
			<body>
				<h1>Evaluation Metrics Exporter</h1>
				<p><a href="/metrics">Metrics</a></p>
			</body>
			</html>`))
	})
	return mux
}

func (e *Exporter) processJSONFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read file %s", path)
	}
	var metricsData []MetricData
	if err := json.Unmarshal(content, &metricsData); err != nil {
		return errors.Wrapf(err, "parse JSON from file %s", path)
	}

	for _, metric := range e.metrics {
		metric.Reset()
	}

	for _, data := range metricsData {
		if data.Branch == "" {
			data.Branch = "main"
		}

		labels := prometheus.Labels{
			"branch":     data.Branch,
			"model":      data.Model,
			"dataset":    data.Dataset,
			"input_type": data.InputType,
			"metric":     data.Metric,
			"device":     data.Device,
		}

		values := map[string]float64{
			"value":            data.Value,
			"iterations":       float64(data.Iterations),
			"examples":         float64(data.Examples),
			"global_step":      float64(data.GlobalStep),
			"duration_seconds": time.Duration(data.Took).Seconds(),
			"heap_alloc_bytes": data.HeapAllocBytes,
			"heap_inuse_bytes": data.HeapInuseBytes,
			"heap_sys_bytes":   data.HeapSysBytes,
		}
		for name, value := range values {
			if metric := e.metrics[name]; metric != nil {
				metric.With(labels).Set(value)
			}
		}
	}

	log.WithFields(log.Fields{"file": path, "entries": len(metricsData)}).Info("Successfully processed file")
	return nil
}

func findLatestJSONFile(dirPath string) (string, error) {
	var latestFile string
	var latestTime time.Time

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if filepath.Ext(path) == ".json" && !info.IsDir() {
			if info.ModTime().After(latestTime) {
				latestTime = info.ModTime()
				latestFile = path
			}
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walk directory")
	}

	if latestFile == "" {
		return "", errAwaitingResults
	}

	return latestFile, nil
}

// refresh publishes the newest results file unless it is last. It returns
// the file now published.
func (e *Exporter) refresh(dirPath, last string) string {
	latestFile, err := findLatestJSONFile(dirPath)
	if err != nil {
		log.WithError(err).Info("Unable to publish metrics")
		return last
	}
	if latestFile == last {
		return last
	}
	if err := e.processJSONFile(latestFile); err != nil {
		log.WithError(err).Error("Error processing results file")
		return last
	}
	return latestFile
}

func (e *Exporter) pollDirectory(ctx context.Context, dirPath string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastProcessedFile := e.refresh(dirPath, "")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastProcessedFile = e.refresh(dirPath, lastProcessedFile)
		}
	}
}

// watchDirectory publishes the newest results file and then every results
// file written to dirPath until ctx is done.
func (e *Exporter) watchDirectory(ctx context.Context, dirPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dirPath); err != nil {
		return errors.Wrapf(err, "watch %s", dirPath)
	}

	e.refresh(dirPath, "")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := e.processJSONFile(event.Name); err != nil {
					log.WithError(err).Error("Error processing results file")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("Watcher error")
		}
	}
}
