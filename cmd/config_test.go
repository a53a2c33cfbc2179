package cmd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtb-go/evaluator/internal/dataset"
)

func evaluateConfig() Config {
	return Config{
		Mode:          "evaluate",
		CheckpointDir: "/tmp/ckpt",
		Model:         "mlp",
		Dataset:       "mnist",
		DataDir:       "/tmp/data",
		EvalDevice:    "/gpu:0",
		Feeders:       2,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "valid evaluate", modify: func(c *Config) {}},
		{name: "unknown mode", modify: func(c *Config) { c.Mode = "train" }, wantErr: `unrecognized mode "train"`},
		{name: "missing checkpoint dir", modify: func(c *Config) { c.CheckpointDir = "" }, wantErr: "checkpoint directory"},
		{name: "missing model", modify: func(c *Config) { c.Model = "" }, wantErr: "a model must be provided"},
		{name: "missing dataset", modify: func(c *Config) { c.Dataset = "" }, wantErr: "a dataset must be provided"},
		{name: "missing data dir", modify: func(c *Config) { c.DataDir = "" }, wantErr: "data directory"},
		{name: "hdf5 needs file", modify: func(c *Config) { c.Dataset = "hdf5"; c.DataDir = "" }, wantErr: "hdf5 dataset file"},
		{name: "hdf5 with file", modify: func(c *Config) { c.Dataset = "hdf5"; c.DataDir = ""; c.DatasetFile = "x.hdf5" }},
		{name: "bad device", modify: func(c *Config) { c.EvalDevice = "/tpu:0" }, wantErr: "tpu"},
		{name: "no feeders", modify: func(c *Config) { c.Feeders = 0 }, wantErr: "feeders"},
		{name: "bad hidden", modify: func(c *Config) { c.Hidden = "64,x" }, wantErr: "hidden layer width"},
		{name: "split train", modify: func(c *Config) { c.Split = "train" }},
		{name: "bad split", modify: func(c *Config) { c.Split = "holdout" }, wantErr: "unrecognized input type"},
		{name: "test conflicts with split", modify: func(c *Config) { c.Test = true; c.Split = "train" }, wantErr: "conflicts"},
		{name: "bad output format", modify: func(c *Config) { c.OutputFormat = "yaml" }, wantErr: "unsupported output format"},
		{name: "influx without bucket", modify: func(c *Config) {
			c.InfluxDBConfig.URL = "http://localhost:8086"
			c.InfluxDBConfig.Org = "org"
		}, wantErr: "bucket"},
		{name: "push without job", modify: func(c *Config) { c.PrometheusConfig.PushURL = "http://localhost:9091" }, wantErr: "job name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := evaluateConfig()
			tt.modify(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateEvaluateDefaults(t *testing.T) {
	t.Setenv("INFLUXDB_TOKEN", "secret")

	c := evaluateConfig()
	c.Hidden = "128, 32"
	c.InfluxDBConfig = InfluxDBConfig{URL: "http://localhost:8086", Org: "org", Bucket: "evals"}
	c.PrometheusConfig = PrometheusConfig{PushURL: "http://localhost:9091", JobName: "evaluator"}
	require.NoError(t, c.Validate())

	require.Equal(t, "text", c.OutputFormat)
	require.Equal(t, "./results", c.ResultsDir)
	require.Equal(t, []int{128, 32}, c.HiddenSizes)
	require.True(t, c.InfluxDBConfig.Enabled)
	require.Equal(t, "secret", c.InfluxDBConfig.Token)
	require.True(t, c.PrometheusConfig.Enabled)
}

func TestValidateOtherModes(t *testing.T) {
	require.Error(t, (&Config{Mode: "checkpoints"}).Validate())
	require.NoError(t, (&Config{Mode: "checkpoints", CheckpointDir: "ckpt"}).Validate())

	require.Error(t, (&Config{Mode: "history"}).Validate())
	require.NoError(t, (&Config{Mode: "history", HistoryDB: "h.db"}).Validate())

	require.Error(t, (&Config{Mode: "download", Dataset: "mnist"}).Validate())
	require.NoError(t, (&Config{Mode: "download", Dataset: "mnist", DataDir: "data"}).Validate())

	require.Error(t, (&Config{Mode: "exporter", ExporterPort: 2120}).Validate())
	require.Error(t, (&Config{Mode: "exporter", ExporterDir: "results"}).Validate())
	require.NoError(t, (&Config{Mode: "exporter", ExporterDir: "results", ExporterPort: 2120}).Validate())
}

func TestParseLabels(t *testing.T) {
	c := Config{Labels: "branch=main,commit=abc=def,broken,team="}
	c.parseLabels()
	require.Equal(t, map[string]string{
		"branch": "main",
		"commit": "abc=def",
		"team":   "",
	}, c.LabelMap)

	c = Config{}
	c.parseLabels()
	require.Empty(t, c.LabelMap)
}

func TestParseHidden(t *testing.T) {
	sizes, err := parseHidden("")
	require.NoError(t, err)
	require.Nil(t, sizes)

	sizes, err = parseHidden("512,256")
	require.NoError(t, err)
	require.Equal(t, []int{512, 256}, sizes)

	_, err = parseHidden("0")
	require.Error(t, err)
}

func TestInputType(t *testing.T) {
	tests := []struct {
		split string
		test  bool
		want  dataset.InputType
	}{
		{"", false, dataset.Validation},
		{"", true, dataset.Test},
		{"train", false, dataset.Train},
		{"Validation", false, dataset.Validation},
		{"test", true, dataset.Test},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("split %q test %v", tt.split, tt.test), func(t *testing.T) {
			got, err := Config{Split: tt.split, Test: tt.test}.inputType()
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
