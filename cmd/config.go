package cmd

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dtb-go/evaluator/internal/dataset"
	"github.com/dtb-go/evaluator/internal/evaluation"
)

type Config struct {
	Mode                     string
	CheckpointDir            string
	Model                    string
	Hidden                   string
	HiddenSizes              []int
	Dataset                  string
	DataDir                  string
	DatasetFile              string
	Test                     bool
	Split                    string
	EvalDevice               string
	Feeders                  int
	Labels                   string
	LabelMap                 map[string]string
	OutputFormat             string
	OutputFile               string
	ResultsDir               string
	HistoryDB                string
	Limit                    int
	PrometheusConfig         PrometheusConfig
	PrometheusTextfile       string
	InfluxDBConfig           InfluxDBConfig
	MemoryMonitoringEnabled  bool
	MemoryMonitoringInterval int
	ExporterDir              string
	ExporterPort             int
	Watch                    bool
}

func (c *Config) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch c.Mode {
	case "evaluate":
		return c.validateEvaluate()
	case "checkpoints":
		return c.validateCheckpoints()
	case "history":
		return c.validateHistory()
	case "download":
		return c.validateDownload()
	case "exporter":
		return c.validateExporter()
	default:
		return errors.Errorf("unrecognized mode %q", c.Mode)
	}
}

func (c *Config) validateCommon() error {
	switch c.OutputFormat {
	case "text", "":
		c.OutputFormat = "text"
	case "json":
	default:
		return errors.Errorf("unsupported output format %q, must be one of [text, json]",
			c.OutputFormat)
	}

	return nil
}

func (c *Config) validateEvaluate() error {
	if c.CheckpointDir == "" {
		return errors.Errorf("a checkpoint directory must be provided")
	}
	if c.Model == "" {
		return errors.Errorf("a model must be provided")
	}
	if err := c.validateDataset(); err != nil {
		return err
	}
	if _, err := c.inputType(); err != nil {
		return err
	}
	if _, err := evaluation.ParseDevice(c.EvalDevice); err != nil {
		return err
	}
	if c.Feeders < 1 {
		return errors.Errorf("feeders must be at least 1, got %d", c.Feeders)
	}

	sizes, err := parseHidden(c.Hidden)
	if err != nil {
		return err
	}
	c.HiddenSizes = sizes

	if c.ResultsDir == "" {
		c.ResultsDir = "./results"
	}

	c.PrometheusConfig.Enabled = c.PrometheusConfig.PushURL != ""
	if c.PrometheusConfig.Enabled && c.PrometheusConfig.JobName == "" {
		return errors.Errorf("a prometheus job name must be set when pushing metrics")
	}

	token, tokenPresent := os.LookupEnv("INFLUXDB_TOKEN")
	if tokenPresent {
		c.InfluxDBConfig.Token = token
	}
	c.InfluxDBConfig.Enabled = c.InfluxDBConfig.URL != ""
	if c.InfluxDBConfig.Enabled && (c.InfluxDBConfig.Org == "" || c.InfluxDBConfig.Bucket == "") {
		return errors.Errorf("influxdb org and bucket must be set when an influxdb url is given")
	}

	if c.MemoryMonitoringEnabled && c.MemoryMonitoringInterval < 0 {
		return errors.Errorf("memory monitoring interval must not be negative")
	}

	return nil
}

func (c Config) validateDataset() error {
	if c.Dataset == "" {
		return errors.Errorf("a dataset must be provided, one of %v", dataset.Names())
	}
	if c.Dataset == "hdf5" {
		if c.DatasetFile == "" {
			return errors.Errorf("an hdf5 dataset file must be provided")
		}
		return nil
	}
	if c.DataDir == "" {
		return errors.Errorf("a data directory must be provided")
	}
	return nil
}

func (c Config) validateCheckpoints() error {
	if c.CheckpointDir == "" {
		return errors.Errorf("a checkpoint directory must be provided")
	}
	return nil
}

func (c Config) validateHistory() error {
	if c.HistoryDB == "" {
		return errors.Errorf("a history database must be provided")
	}
	return nil
}

func (c Config) validateDownload() error {
	return c.validateDataset()
}

func (c Config) validateExporter() error {
	if c.ExporterDir == "" {
		return errors.Errorf("directory path is required")
	}
	if c.ExporterPort <= 0 || c.ExporterPort > 65535 {
		return errors.Errorf("invalid port %d", c.ExporterPort)
	}
	return nil
}

func (c *Config) parseLabels() {
	result := make(map[string]string)
	pairs := strings.Split(c.Labels, ",")

	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			result[kv[0]] = kv[1]
		}
	}

	c.LabelMap = result
}

// inputType resolves --split and --test. --test is shorthand for
// --split=test; no flag selects the validation split.
func (c Config) inputType() (dataset.InputType, error) {
	switch {
	case c.Test && c.Split != "" && !strings.EqualFold(c.Split, "test"):
		return 0, errors.Errorf("--test conflicts with --split=%s", c.Split)
	case c.Test:
		return dataset.Test, nil
	case c.Split == "":
		return dataset.Validation, nil
	default:
		return dataset.ParseInputType(c.Split)
	}
}

func (c Config) datasetOptions() dataset.Options {
	return dataset.Options{
		DataDir: c.DataDir,
		File:    c.DatasetFile,
		Feeders: c.Feeders,
	}
}

// parseHidden reads a comma separated list of layer widths. An empty
// string keeps the model preset.
func parseHidden(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "hidden layer width %q", part)
		}
		if n <= 0 {
			return nil, errors.Errorf("hidden layer width must be positive, got %d", n)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func joinNames(names []string) string {
	return "[" + strings.Join(names, ", ") + "]"
}
