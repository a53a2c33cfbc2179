package cmd

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	log "github.com/sirupsen/logrus"
)

// InfluxDBConfig holds configuration for InfluxDB metrics reporting
type InfluxDBConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// PushMetricsToInfluxDB writes the evaluation result as one point to an InfluxDB instance
func PushMetricsToInfluxDB(ctx context.Context, cfg *Config, r *ResultsJSONEvaluation) error {
	if !cfg.InfluxDBConfig.Enabled || cfg.InfluxDBConfig.URL == "" {
		return nil
	}

	client := influxdb2.NewClient(cfg.InfluxDBConfig.URL, cfg.InfluxDBConfig.Token)
	defer client.Close()

	writeAPI := client.WriteAPIBlocking(cfg.InfluxDBConfig.Org, cfg.InfluxDBConfig.Bucket)

	p := influxdb2.NewPointWithMeasurement("evaluator").
		AddTag("model", r.Model).
		AddTag("dataset", r.Dataset).
		AddTag("input_type", r.InputType).
		AddTag("metric", r.Metric).
		AddTag("device", r.Device).
		AddTag("run_id", r.RunID).
		AddField("value", r.Value).
		AddField("iterations", r.Iterations).
		AddField("examples", r.Examples).
		AddField("global_step", r.GlobalStep).
		AddField("duration_seconds", r.Took.Seconds()).
		AddField("heap_alloc_bytes", r.HeapAllocBytes).
		AddField("heap_inuse_bytes", r.HeapInuseBytes).
		AddField("heap_sys_bytes", r.HeapSysBytes).
		SetTime(time.Now())

	for key, value := range cfg.LabelMap {
		p.AddTag(key, value)
	}

	if err := writeAPI.WritePoint(ctx, p); err != nil {
		log.WithError(err).Error("Failed to push metrics to InfluxDB")
		return err
	}

	log.WithFields(log.Fields{
		"url":     cfg.InfluxDBConfig.URL,
		"bucket":  cfg.InfluxDBConfig.Bucket,
		"run_id":  r.RunID,
		"dataset": r.Dataset,
	}).Info("Successfully pushed metrics to InfluxDB")

	return nil
}
