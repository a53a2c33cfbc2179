package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/require"

	"github.com/dtb-go/evaluator/internal/checkpoint"
	"github.com/dtb-go/evaluator/internal/dataset"
	"github.com/dtb-go/evaluator/internal/history"
	"github.com/dtb-go/evaluator/internal/model"
)

// toyDataset holds n test examples of which the first correct are
// classified right by an identity linear classifier.
func toyDataset(n, correct int) dataset.Dataset {
	s := &dataset.Split{}
	for i := 0; i < n; i++ {
		if i < correct {
			s.Features = append(s.Features, []float32{1, 0})
		} else {
			s.Features = append(s.Features, []float32{0, 1})
		}
		s.Labels = append(s.Labels, 0)
	}
	return dataset.NewMemory("toy", 2, map[dataset.InputType]*dataset.Split{
		dataset.Test:       s,
		dataset.Validation: s,
	}).WithFeeders(2)
}

func identityCheckpointDir(t *testing.T) string {
	t.Helper()
	src := model.NewMLP("linear", nil)
	require.NoError(t, src.Build(model.BuildOptions{FeatureSize: 2, NumClasses: 2}))
	for _, v := range src.Variables() {
		if len(v.Shape) == 2 {
			copy(v.Data, []float64{1, 0, 0, 1})
		}
	}
	dir := t.TempDir()
	_, err := checkpoint.Save(dir, "model", 700, model.Tensors(src), 0)
	require.NoError(t, err)
	return dir
}

func TestEvaluateAndReport(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()

	cfg := &Config{
		Mode:               "evaluate",
		CheckpointDir:      identityCheckpointDir(t),
		Test:               true,
		EvalDevice:         "/cpu:0",
		OutputFormat:       "text",
		ResultsDir:         filepath.Join(work, "results"),
		HistoryDB:          filepath.Join(work, "history.db"),
		PrometheusTextfile: filepath.Join(work, "evaluator.prom"),
		LabelMap:           map[string]string{"branch": "feature"},
	}

	var out bytes.Buffer
	result, err := evaluateAndReport(ctx, cfg, model.NewMLP("linear", nil), toyDataset(200, 150), &out)
	require.NoError(t, err)
	require.NotNil(t, result)

	t.Run("result line", func(t *testing.T) {
		line := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{6}: test accuracy = 0\.750\n$`)
		require.Regexp(t, line, out.String())
		require.Equal(t, int64(700), result.GlobalStep)
		require.Equal(t, 200, result.Denominator)
	})

	t.Run("results file", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(cfg.ResultsDir, result.RunID+".json"))
		require.NoError(t, err)

		var entries []map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &entries))
		require.Len(t, entries, 1)
		require.Equal(t, "feature", entries[0]["branch"])
		require.Equal(t, result.RunID, entries[0]["run_id"])
		require.Equal(t, "accuracy", entries[0]["metric"])
		require.InDelta(t, 0.75, entries[0]["value"], 1e-9)
	})

	t.Run("history", func(t *testing.T) {
		store, err := history.Open(cfg.HistoryDB)
		require.NoError(t, err)
		defer store.Close()

		entries, err := store.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, result.RunID, entries[0].RunID)
		require.Equal(t, "feature", entries[0].Labels["branch"])
	})

	t.Run("textfile", func(t *testing.T) {
		f, err := os.Open(cfg.PrometheusTextfile)
		require.NoError(t, err)
		defer f.Close()

		parser := expfmt.TextParser{}
		families, err := parser.TextToMetricFamilies(f)
		require.NoError(t, err)

		value, ok := families["evaluator_value"]
		require.True(t, ok)
		require.Len(t, value.Metric, 1)
		require.InDelta(t, 0.75, value.Metric[0].GetGauge().GetValue(), 1e-9)

		labels := map[string]string{}
		for _, l := range value.Metric[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		require.Equal(t, "accuracy", labels["metric"])
		require.Equal(t, "feature", labels["branch"])
		require.Equal(t, "/cpu:0", labels["device"])
	})
}

func TestEvaluateAndReportJSON(t *testing.T) {
	cfg := &Config{
		CheckpointDir: identityCheckpointDir(t),
		EvalDevice:    "/gpu:0",
		OutputFormat:  "json",
		ResultsDir:    t.TempDir(),
	}

	var out bytes.Buffer
	result, err := evaluateAndReport(context.Background(), cfg, model.NewMLP("linear", nil), toyDataset(400, 100), &out)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Equal(t, "validation", decoded["input_type"])
	require.Equal(t, "/cpu:0", decoded["device"])
	require.InDelta(t, 0.25, decoded["value"], 1e-9)
	require.Equal(t, result.RunID, decoded["run_id"])
}

func TestEvaluateAndReportWithoutCheckpoint(t *testing.T) {
	cfg := &Config{
		CheckpointDir: t.TempDir(),
		EvalDevice:    "/cpu:0",
		OutputFormat:  "text",
		ResultsDir:    filepath.Join(t.TempDir(), "results"),
	}

	var out bytes.Buffer
	result, err := evaluateAndReport(context.Background(), cfg, model.NewMLP("linear", nil), toyDataset(10, 10), &out)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Empty(t, out.String())

	_, err = os.Stat(cfg.ResultsDir)
	require.True(t, os.IsNotExist(err))
}

func TestEvaluateAndReportAutoencoder(t *testing.T) {
	src := model.NewDenseAutoencoder("autoencoder", []int{2})
	require.NoError(t, src.Build(model.BuildOptions{FeatureSize: 2}))
	dir := t.TempDir()
	_, err := checkpoint.Save(dir, "model", 5, model.Tensors(src), 0)
	require.NoError(t, err)

	cfg := &Config{
		CheckpointDir: dir,
		Test:          true,
		EvalDevice:    "/cpu:0",
		OutputFormat:  "text",
		ResultsDir:    t.TempDir(),
	}

	var out bytes.Buffer
	result, err := evaluateAndReport(context.Background(), cfg,
		model.NewDenseAutoencoder("autoencoder", []int{2}), toyDataset(20, 20), &out)
	require.NoError(t, err)
	require.Equal(t, "error", result.Metric)
	require.Regexp(t, `: test error = \d+\.\d{3}\n$`, out.String())
}

// mislabelled reports a kind its runtime type does not implement.
type mislabelled struct {
	*model.DenseAutoencoder
	kind model.Kind
}

func (m mislabelled) Kind() model.Kind { return m.kind }

func TestDispatchFollowsDeclaredKind(t *testing.T) {
	cfg := &Config{CheckpointDir: identityCheckpointDir(t), EvalDevice: "/cpu:0"}
	ds := toyDataset(10, 10)

	t.Run("kind not implemented", func(t *testing.T) {
		m := mislabelled{DenseAutoencoder: model.NewDenseAutoencoder("autoencoder", []int{2}), kind: model.KindClassifier}
		res, err := dispatch(context.Background(), cfg, m, ds)
		require.Error(t, err)
		require.Contains(t, err.Error(), "declares kind")
		require.Nil(t, res)
	})

	t.Run("unknown kind", func(t *testing.T) {
		m := mislabelled{DenseAutoencoder: model.NewDenseAutoencoder("autoencoder", []int{2}), kind: model.Kind(7)}
		_, err := dispatch(context.Background(), cfg, m, ds)
		require.Error(t, err)
		require.Contains(t, err.Error(), "cannot be evaluated")
	})

	t.Run("classifier", func(t *testing.T) {
		res, err := dispatch(context.Background(), cfg, model.NewMLP("linear", nil), ds)
		require.NoError(t, err)
		require.Equal(t, "accuracy", res.Metric)
	})
}

func TestEvaluateAndReportWithMemoryMonitoring(t *testing.T) {
	cfg := &Config{
		CheckpointDir:            identityCheckpointDir(t),
		EvalDevice:               "/cpu:0",
		OutputFormat:             "text",
		ResultsDir:               t.TempDir(),
		MemoryMonitoringEnabled:  true,
		MemoryMonitoringInterval: 1,
	}

	var out bytes.Buffer
	result, err := evaluateAndReport(context.Background(), cfg, model.NewMLP("linear", nil), toyDataset(10, 10), &out)
	require.NoError(t, err)
	require.Positive(t, result.HeapAllocBytes)

	files, err := os.ReadDir(cfg.ResultsDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, result.RunID+".json", files[0].Name())

	latest, err := findLatestJSONFile(cfg.ResultsDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.ResultsDir, result.RunID+".json"), latest)
}
