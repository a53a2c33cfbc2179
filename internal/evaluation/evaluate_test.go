package evaluation

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/dtb-go/evaluator/internal/checkpoint"
	"github.com/dtb-go/evaluator/internal/dataset"
	"github.com/dtb-go/evaluator/internal/feeder"
	"github.com/dtb-go/evaluator/internal/model"
)

// labelledSplit returns n two-feature examples. The first correct examples
// are (1, 0) labelled 0, which an identity classifier gets right; the rest
// are (0, 1) labelled 0, which it gets wrong.
func labelledSplit(n, correct int) *dataset.Split {
	s := &dataset.Split{}
	for i := 0; i < n; i++ {
		if i < correct {
			s.Features = append(s.Features, []float32{1, 0})
		} else {
			s.Features = append(s.Features, []float32{0, 1})
		}
		s.Labels = append(s.Labels, 0)
	}
	return s
}

func memoryDataset(test *dataset.Split) *dataset.Memory {
	return dataset.NewMemory("toy", 2, map[dataset.InputType]*dataset.Split{
		dataset.Test: test,
	}).WithFeeders(3)
}

// identityCheckpoint saves a checkpoint whose dense0/W is the identity
// matrix, shaped for the linear classifier or the [2] autoencoder.
func identityCheckpoint(t *testing.T, m model.Model) string {
	t.Helper()
	for _, v := range m.Variables() {
		if v.Shape[0] == 2 && len(v.Shape) == 2 && v.Shape[1] == 2 {
			copy(v.Data, []float64{1, 0, 0, 1})
		}
	}
	dir := t.TempDir()
	_, err := checkpoint.Save(dir, "model", 1200, model.Tensors(m), 0)
	require.NoError(t, err)
	return dir
}

func linearWithCheckpoint(t *testing.T) string {
	src := model.NewMLP("linear", nil)
	require.NoError(t, src.Build(model.BuildOptions{FeatureSize: 2, NumClasses: 2}))
	return identityCheckpoint(t, src)
}

// captureSessions records every session created during the test.
func captureSessions(t *testing.T) *[]*Session {
	var sessions []*Session
	prev := sessionCreated
	sessionCreated = func(s *Session) { sessions = append(sessions, s) }
	t.Cleanup(func() { sessionCreated = prev })
	return &sessions
}

type countingClassifier struct {
	model.Classifier
	restores atomic.Int32
	logits   atomic.Int32
	failAt   int32
}

func (c *countingClassifier) Restore(r *checkpoint.Reader) error {
	c.restores.Add(1)
	return c.Classifier.Restore(r)
}

func (c *countingClassifier) Logits(x mat.Matrix) (*mat.Dense, error) {
	if n := c.logits.Add(1); c.failAt > 0 && n == c.failAt {
		return nil, errors.New("device lost")
	}
	return c.Classifier.Logits(x)
}

func TestIterations(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 1, 200: 1, 201: 2, 450: 3, 1000: 5} {
		assert.Equal(t, want, Iterations(n), "n=%d", n)
	}
}

func TestAccuracy(t *testing.T) {
	ckpt := linearWithCheckpoint(t)
	ctx := context.Background()

	t.Run("1000 examples", func(t *testing.T) {
		sessions := captureSessions(t)
		m := &countingClassifier{Classifier: model.NewMLP("linear", nil)}

		res, err := Accuracy(ctx, ckpt, m, memoryDataset(labelledSplit(1000, 900)), dataset.Test, "/cpu:0")
		require.NoError(t, err)
		require.NotNil(t, res)

		assert.Equal(t, MetricAccuracy, res.Metric)
		assert.Equal(t, 5, res.Iterations)
		assert.Equal(t, 1000, res.Denominator)
		assert.InDelta(t, 0.9, res.Value, 1e-12)
		assert.Equal(t, int64(1200), res.GlobalStep)
		assert.Equal(t, "test", res.InputType)
		assert.Equal(t, int32(1), m.restores.Load())
		assert.Equal(t, int32(5), m.logits.Load())

		require.Len(t, *sessions, 1)
		coord := (*sessions)[0].Coordinator()
		assert.Equal(t, 1, coord.Joins())
		assert.Equal(t, feeder.Joined, coord.State())
	})

	t.Run("450 examples wrap into a denominator of 600", func(t *testing.T) {
		// batches: [0,200) [200,400) [400,450)+[0,150)
		res, err := Accuracy(ctx, ckpt, model.NewMLP("linear", nil),
			memoryDataset(labelledSplit(450, 300)), dataset.Test, "/cpu:0")
		require.NoError(t, err)
		assert.Equal(t, 3, res.Iterations)
		assert.Equal(t, 450, res.Examples)
		assert.Equal(t, 600, res.Denominator)
		assert.InDelta(t, 450.0/600.0, res.Value, 1e-12)
	})

	t.Run("gpu falls back to cpu", func(t *testing.T) {
		res, err := Accuracy(ctx, ckpt, model.NewMLP("linear", nil),
			memoryDataset(labelledSplit(10, 10)), dataset.Test, "/gpu:0")
		require.NoError(t, err)
		assert.Equal(t, "/cpu:0", res.Device)
		// the single batch wraps over the 10 examples 20 times
		assert.InDelta(t, 1.0, res.Value, 1e-12)
	})
}

func TestAccuracyMissingCheckpoint(t *testing.T) {
	sessions := captureSessions(t)
	m := &countingClassifier{Classifier: model.NewMLP("linear", nil)}

	res, err := Accuracy(context.Background(), t.TempDir(), m,
		memoryDataset(labelledSplit(10, 10)), dataset.Test, "/cpu:0")
	require.NoError(t, err)
	require.Nil(t, res)
	assert.Equal(t, int32(0), m.restores.Load())

	require.Len(t, *sessions, 1)
	assert.Equal(t, 0, (*sessions)[0].Coordinator().Started())
}

type inputsSpy struct {
	dataset.Dataset
	calls int
}

func (s *inputsSpy) Inputs(reg *feeder.Registry, t dataset.InputType, batchSize int) (*feeder.Queue[dataset.Batch], error) {
	s.calls++
	return s.Dataset.Inputs(reg, t, batchSize)
}

func TestInvalidInputTypeAllocatesNothing(t *testing.T) {
	sessions := captureSessions(t)
	ds := &inputsSpy{Dataset: memoryDataset(labelledSplit(10, 10))}

	_, err := Accuracy(context.Background(), t.TempDir(), model.NewMLP("linear", nil), ds, dataset.InputType(5), "/cpu:0")
	require.ErrorIs(t, err, ErrInvalidInputType)

	_, err = Error(context.Background(), t.TempDir(), model.NewDenseAutoencoder("ae", []int{2}), ds, dataset.InputType(-1), "/cpu:0")
	require.ErrorIs(t, err, ErrInvalidInputType)

	assert.Zero(t, ds.calls)
	assert.Empty(t, *sessions)
}

func TestInvalidDevice(t *testing.T) {
	sessions := captureSessions(t)
	_, err := Accuracy(context.Background(), t.TempDir(), model.NewMLP("linear", nil),
		memoryDataset(labelledSplit(10, 10)), dataset.Test, "tpu")
	require.Error(t, err)
	assert.Empty(t, *sessions)
}

func TestLoopErrorStillJoinsOnce(t *testing.T) {
	ckpt := linearWithCheckpoint(t)
	sessions := captureSessions(t)
	m := &countingClassifier{Classifier: model.NewMLP("linear", nil), failAt: 2}

	res, err := Accuracy(context.Background(), ckpt, m, memoryDataset(labelledSplit(1000, 1000)), dataset.Test, "/cpu:0")
	require.Error(t, err)
	require.Nil(t, res)
	require.Contains(t, err.Error(), "device lost")

	require.Len(t, *sessions, 1)
	coord := (*sessions)[0].Coordinator()
	assert.Equal(t, 1, coord.Joins())
	assert.True(t, coord.ShouldStop())
}

type failingFeeder struct {
	*dataset.Memory
	err error
}

func (f *failingFeeder) Inputs(reg *feeder.Registry, t dataset.InputType, batchSize int) (*feeder.Queue[dataset.Batch], error) {
	q := feeder.NewQueue[dataset.Batch](1)
	reg.Add(feeder.RunnerFunc(func(ctx context.Context) error {
		return f.err
	}))
	return q, nil
}

func TestFeederFailurePropagates(t *testing.T) {
	ckpt := linearWithCheckpoint(t)
	sessions := captureSessions(t)
	boom := errors.New("corrupt record")
	ds := &failingFeeder{Memory: memoryDataset(labelledSplit(1000, 1000)), err: boom}

	_, err := Accuracy(context.Background(), ckpt, model.NewMLP("linear", nil), ds, dataset.Test, "/cpu:0")
	require.ErrorIs(t, err, boom)

	require.Len(t, *sessions, 1)
	assert.Equal(t, 1, (*sessions)[0].Coordinator().Joins())
}

func TestNoExamples(t *testing.T) {
	ckpt := linearWithCheckpoint(t)
	sessions := captureSessions(t)

	ds := dataset.NewMemory("toy", 2, map[dataset.InputType]*dataset.Split{
		dataset.Test:       {},
		dataset.Validation: labelledSplit(10, 10),
	})
	_, err := Accuracy(context.Background(), ckpt, model.NewMLP("linear", nil), ds, dataset.Test, "/cpu:0")
	require.ErrorIs(t, err, ErrNoIterations)
	require.Len(t, *sessions, 1)
	assert.Equal(t, feeder.Joined, (*sessions)[0].Coordinator().State())
}

func TestCancelledContext(t *testing.T) {
	ckpt := linearWithCheckpoint(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Accuracy(ctx, ckpt, model.NewMLP("linear", nil),
		memoryDataset(labelledSplit(1000, 1000)), dataset.Test, "/cpu:0")
	require.Error(t, err)
}

func TestError(t *testing.T) {
	src := model.NewDenseAutoencoder("ae", []int{2})
	require.NoError(t, src.Build(model.BuildOptions{FeatureSize: 2}))
	ckpt := identityCheckpoint(t, src)

	// every example reconstructs to (1, 0): loss (0^2 + 1^2) / 2 / 2
	split := &dataset.Split{}
	for i := 0; i < 450; i++ {
		split.Features = append(split.Features, []float32{1, -1})
	}

	sessions := captureSessions(t)
	res, err := Error(context.Background(), ckpt, model.NewDenseAutoencoder("ae", []int{2}),
		memoryDataset(split), dataset.Test, "/cpu:0")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, MetricError, res.Metric)
	assert.Equal(t, 3, res.Iterations)
	assert.Zero(t, res.Denominator)
	assert.InDelta(t, 0.25, res.Value, 1e-12)
	assert.Equal(t, 1, (*sessions)[0].Coordinator().Joins())

	t.Run("missing checkpoint", func(t *testing.T) {
		res, err := Error(context.Background(), t.TempDir(), model.NewDenseAutoencoder("ae", []int{2}),
			memoryDataset(split), dataset.Test, "/cpu:0")
		require.NoError(t, err)
		require.Nil(t, res)
	})
}

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in   string
		want Device
	}{
		{"/cpu:0", Device{Type: CPU}},
		{"/gpu:1", Device{Type: GPU, Index: 1}},
		{"/device:GPU:2", Device{Type: GPU, Index: 2}},
		{"cpu:3", Device{Type: CPU, Index: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDevice(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "/gpu", "/gpu:x", "/tpu:0", "/cpu:-1"} {
		_, err := ParseDevice(bad)
		require.Error(t, err, bad)
	}

	require.Equal(t, "/gpu:1", Device{Type: GPU, Index: 1}.String())
	require.Equal(t, Device{Type: CPU}, place(Device{Type: GPU, Index: 3}))
}
