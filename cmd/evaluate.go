package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtb-go/evaluator/internal/dataset"
	"github.com/dtb-go/evaluator/internal/evaluation"
	"github.com/dtb-go/evaluator/internal/history"
	"github.com/dtb-go/evaluator/internal/model"
)

var evaluateCommand = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the latest checkpoint of a model on a dataset split",
	Long: `Restores the latest checkpoint of --checkpoint_dir into the model and
reports its accuracy (classifiers) or reconstruction error (autoencoders)
on the validation split, or the test split with --test`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := globalConfig
		cfg.Mode = "evaluate"

		if err := cfg.Validate(); err != nil {
			fatal(err)
		}

		cfg.parseLabels()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := runEvaluate(ctx, &cfg); err != nil {
			fatal(err)
		}
	},
}

func initEvaluate() {
	rootCmd.AddCommand(evaluateCommand)
	evaluateCommand.PersistentFlags().StringVarP(&globalConfig.CheckpointDir,
		"checkpoint_dir", "c", "", "Directory holding the checkpoint state file and checkpoints")
	evaluateCommand.PersistentFlags().StringVarP(&globalConfig.Model,
		"model", "m", "", "Model to evaluate, one of "+joinNames(model.Names()))
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.Hidden,
		"hidden", "", "Comma separated hidden layer widths overriding the model preset")
	evaluateCommand.PersistentFlags().StringVarP(&globalConfig.Dataset,
		"dataset", "d", "", "Dataset to evaluate on, one of "+joinNames(dataset.Names()))
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.DataDir,
		"data_dir", "", "Directory the dataset is downloaded to and read from")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.DatasetFile,
		"dataset_file", "", "Path to the hdf5 file of the hdf5 dataset")
	evaluateCommand.PersistentFlags().BoolVar(&globalConfig.Test,
		"test", false, "Evaluate on the test split instead of the validation split")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.Split,
		"split", "", "Split to evaluate on, one of [train, validation, test]. Defaults to validation")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.EvalDevice,
		"eval_device", "/gpu:0", "Device to evaluate on")
	evaluateCommand.PersistentFlags().IntVar(&globalConfig.Feeders,
		"feeders", 2, "Number of goroutines filling the batch queue")
	evaluateCommand.PersistentFlags().StringVarP(&globalConfig.Labels,
		"labels", "l", "", "Labels of format key1=value1,key2=value2,...")
	evaluateCommand.PersistentFlags().StringVarP(&globalConfig.OutputFormat,
		"format", "f", "text", "Output format, one of [text, json]")
	evaluateCommand.PersistentFlags().StringVarP(&globalConfig.OutputFile,
		"output", "o", "", "Filename for an output file. If none provided, output to stdout only")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.ResultsDir,
		"results_dir", "./results", "Directory the results file of the run is written to")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.HistoryDB,
		"history_db", "", "SQLite database to record the result in")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.PrometheusConfig.PushURL,
		"prometheus_push_url", "", "Prometheus pushgateway URL to push the result to")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.PrometheusConfig.JobName,
		"prometheus_job", "evaluator", "Prometheus pushgateway job name")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.PrometheusTextfile,
		"prometheus_textfile", "", "File to write the result to in the Prometheus text format")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.InfluxDBConfig.URL,
		"influxdb_url", "", "InfluxDB URL to write the result to, token is read from INFLUXDB_TOKEN")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.InfluxDBConfig.Org,
		"influxdb_org", "", "InfluxDB organization")
	evaluateCommand.PersistentFlags().StringVar(&globalConfig.InfluxDBConfig.Bucket,
		"influxdb_bucket", "", "InfluxDB bucket")
	evaluateCommand.PersistentFlags().BoolVar(&globalConfig.MemoryMonitoringEnabled,
		"memory_monitoring", false, "Sample the heap while evaluating and report the peak instead of the final heap")
	evaluateCommand.PersistentFlags().IntVar(&globalConfig.MemoryMonitoringInterval,
		"memory_monitoring_interval", 5, "Seconds between two heap samples")
}

func runEvaluate(ctx context.Context, cfg *Config) error {
	ds, err := dataset.New(cfg.Dataset, cfg.datasetOptions())
	if err != nil {
		return err
	}
	m, err := model.New(cfg.Model, cfg.HiddenSizes)
	if err != nil {
		return err
	}

	if err := ds.MaybeDownloadAndExtract(ctx); err != nil {
		return errors.Wrapf(err, "prepare dataset %s", ds.Name())
	}

	out, closeOut, err := outputWriter(cfg)
	if err != nil {
		return err
	}
	defer closeOut()

	_, err = evaluateAndReport(ctx, cfg, m, ds, out)
	return err
}

// evaluateAndReport runs the evaluation matching the kind of m and hands
// the result to every configured sink. It returns nil without error when
// there is no checkpoint to evaluate.
func evaluateAndReport(ctx context.Context, cfg *Config, m model.Model, ds dataset.Dataset,
	out io.Writer,
) (*ResultsJSONEvaluation, error) {
	var monitor *MemoryMonitor
	if cfg.MemoryMonitoringEnabled {
		monitor = NewMemoryMonitor(runtimeRegistry, time.Duration(cfg.MemoryMonitoringInterval)*time.Second)
		monitor.Start()
	}
	res, err := dispatch(ctx, cfg, m, ds)
	if monitor != nil {
		monitor.Stop()
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	var mem *Memstats
	if monitor != nil {
		mem = monitor.Peak()
	}
	if mem == nil {
		if mem, err = readMemoryMetrics(runtimeRegistry); err != nil {
			log.WithError(err).Warn("Failed to read memory metrics")
		}
	}

	result := newResultsJSON(uuid.New().String(), time.Now(), *res, mem)
	if err := writeOutput(cfg, out, result); err != nil {
		return nil, errors.Wrap(err, "write result")
	}

	resultMap, err := result.toMap(cfg.LabelMap)
	if err != nil {
		return nil, err
	}
	path, err := writeResultsFile(cfg.ResultsDir, result.RunID, []map[string]interface{}{resultMap})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"file": path, "run_id": result.RunID}).Debug("Wrote results file")

	if cfg.HistoryDB != "" {
		if err := recordHistory(ctx, cfg, &result); err != nil {
			log.WithError(err).Error("Failed to record result in history")
		}
	}
	if err := PushMetricsToPrometheus(cfg, &result); err != nil {
		log.WithError(err).Warn("Result not pushed to Prometheus")
	}
	if err := WritePrometheusTextfile(cfg, &result); err != nil {
		log.WithError(err).Error("Failed to write metrics textfile")
	}
	if err := PushMetricsToInfluxDB(ctx, cfg, &result); err != nil {
		log.WithError(err).Warn("Result not pushed to InfluxDB")
	}

	return &result, nil
}

func dispatch(ctx context.Context, cfg *Config, m model.Model, ds dataset.Dataset) (*evaluation.Result, error) {
	inputType, err := cfg.inputType()
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"model":      m.Name(),
		"kind":       m.Kind(),
		"dataset":    ds.Name(),
		"input_type": inputType,
		"device":     cfg.EvalDevice,
	}).Info("Starting evaluation")

	switch m.Kind() {
	case model.KindClassifier:
		classifier, ok := m.(model.Classifier)
		if !ok {
			return nil, errors.Errorf("model %s declares kind %s but does not implement it", m.Name(), m.Kind())
		}
		return evaluation.Accuracy(ctx, cfg.CheckpointDir, classifier, ds, inputType, cfg.EvalDevice)
	case model.KindAutoencoder:
		autoencoder, ok := m.(model.Autoencoder)
		if !ok {
			return nil, errors.Errorf("model %s declares kind %s but does not implement it", m.Name(), m.Kind())
		}
		return evaluation.Error(ctx, cfg.CheckpointDir, autoencoder, ds, inputType, cfg.EvalDevice)
	default:
		return nil, errors.Errorf("model %s of kind %s cannot be evaluated", m.Name(), m.Kind())
	}
}

func writeOutput(cfg *Config, w io.Writer, r ResultsJSONEvaluation) error {
	if cfg.OutputFormat == "json" {
		_, err := r.WriteJSONTo(w)
		return err
	}
	_, err := r.WriteTextTo(w)
	return err
}

func outputWriter(cfg *Config) (io.Writer, func(), error) {
	if cfg.OutputFile == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(cfg.OutputFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create output file")
	}
	return f, func() {
		if err := f.Close(); err != nil {
			log.WithError(err).Error("Failed to close output file")
		}
	}, nil
}

func recordHistory(ctx context.Context, cfg *Config, r *ResultsJSONEvaluation) error {
	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = store.Record(ctx, history.Entry{
		RunID:      r.RunID,
		At:         time.Now(),
		Model:      r.Model,
		Dataset:    r.Dataset,
		InputType:  r.InputType,
		Metric:     r.Metric,
		Value:      r.Value,
		Iterations: r.Iterations,
		Examples:   r.Examples,
		Checkpoint: r.Checkpoint,
		GlobalStep: r.GlobalStep,
		Device:     r.Device,
		Took:       r.Took,
		Labels:     cfg.LabelMap,
	})
	return err
}
