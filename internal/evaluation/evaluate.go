package evaluation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dtb-go/evaluator/internal/checkpoint"
	"github.com/dtb-go/evaluator/internal/dataset"
	"github.com/dtb-go/evaluator/internal/model"
)

// BatchSize is the number of examples evaluated per iteration.
const BatchSize = 200

var (
	ErrInvalidInputType = errors.New("invalid input type, required a valid type")
	ErrNoIterations     = errors.New("split has no examples to evaluate")
)

// Iterations is the number of batches needed to cover n examples.
func Iterations(n int) int {
	return (n + BatchSize - 1) / BatchSize
}

// Accuracy restores the latest checkpoint in checkpointDir into m and
// returns the fraction of examples of the inputType split whose label is
// the top-1 prediction. The fraction is relative to Iterations*BatchSize,
// so wrapped-around examples of the last batch count too.
//
// It returns nil and no error when checkpointDir holds no checkpoint.
func Accuracy(ctx context.Context, checkpointDir string, m model.Classifier, ds dataset.Dataset,
	inputType dataset.InputType, device string,
) (*Result, error) {
	if !inputType.Valid() {
		return nil, errors.Wrapf(ErrInvalidInputType, "%s", inputType)
	}

	trueCount := 0
	res, err := evaluate(ctx, job{
		checkpointDir: checkpointDir,
		model:         m,
		dataset:       ds,
		inputType:     inputType,
		device:        device,
		build: func() error {
			return m.Build(model.BuildOptions{
				FeatureSize: ds.FeatureSize(),
				NumClasses:  ds.NumClasses(),
			})
		},
		step: func(b dataset.Batch) error {
			x, err := model.Matrix(b.Inputs)
			if err != nil {
				return err
			}
			logits, err := m.Logits(x)
			if err != nil {
				return err
			}
			n, err := model.CountInTopK(logits, b.Labels, 1)
			if err != nil {
				return err
			}
			trueCount += n
			return nil
		},
	})
	if res == nil || err != nil {
		return nil, err
	}

	res.Metric = MetricAccuracy
	res.Denominator = res.Iterations * BatchSize
	res.Value = float64(trueCount) / float64(res.Denominator)
	return res, nil
}

// Error restores the latest checkpoint in checkpointDir into m and returns
// the reconstruction loss of the inputType split, averaged over the
// evaluated batches.
//
// It returns nil and no error when checkpointDir holds no checkpoint.
func Error(ctx context.Context, checkpointDir string, m model.Autoencoder, ds dataset.Dataset,
	inputType dataset.InputType, device string,
) (*Result, error) {
	if !inputType.Valid() {
		return nil, errors.Wrapf(ErrInvalidInputType, "%s", inputType)
	}

	var total float64
	steps := 0
	res, err := evaluate(ctx, job{
		checkpointDir: checkpointDir,
		model:         m,
		dataset:       ds,
		inputType:     inputType,
		device:        device,
		build: func() error {
			return m.Build(model.BuildOptions{FeatureSize: ds.FeatureSize(), L2Penalty: 0})
		},
		step: func(b dataset.Batch) error {
			x, err := model.Matrix(b.Inputs)
			if err != nil {
				return err
			}
			rec, err := m.Reconstruct(x)
			if err != nil {
				return err
			}
			total += m.Loss(rec, x)
			steps++
			return nil
		},
	})
	if res == nil || err != nil {
		return nil, err
	}

	res.Metric = MetricError
	res.Value = total / float64(steps)
	return res, nil
}

type job struct {
	checkpointDir string
	model         model.Model
	dataset       dataset.Dataset
	inputType     dataset.InputType
	device        string
	build         func() error
	step          func(dataset.Batch) error
}

// evaluate runs j.step over the batches of one pass of the split. It
// returns a nil Result when there is no checkpoint to restore.
func evaluate(ctx context.Context, j job) (*Result, error) {
	requested, err := ParseDevice(j.device)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	sess := NewSession(ctx, place(requested))
	defer sess.Close(nil)

	queue, err := j.dataset.Inputs(sess.Registry(), j.inputType, BatchSize)
	if err != nil {
		return nil, errors.Wrapf(err, "inputs of %s", j.dataset.Name())
	}
	if err := j.build(); err != nil {
		return nil, errors.Wrapf(err, "build %s", j.model.Name())
	}

	state, err := checkpoint.GetState(j.checkpointDir)
	if err != nil {
		return nil, err
	}
	if state == nil {
		log.WithFields(log.Fields{"checkpoint_dir": j.checkpointDir}).Warn("No checkpoint file found")
		return nil, nil
	}
	if err := sess.Restore(j.model, state.ModelCheckpointPath); err != nil {
		return nil, err
	}

	examples := j.dataset.NumExamples(j.inputType)
	numIter := Iterations(examples)
	coord := sess.Coordinator()
	sess.StartFeeders()

	steps := 0
	loopErr := func() error {
		if numIter == 0 {
			return ErrNoIterations
		}
		for steps < numIter && !coord.ShouldStop() {
			batch, err := queue.Dequeue(coord.Context())
			if err != nil {
				return errors.Wrapf(err, "batch %d", steps)
			}
			if err := j.step(batch); err != nil {
				return errors.Wrapf(err, "batch %d", steps)
			}
			steps++
			log.WithFields(log.Fields{"step": steps, "of": numIter}).Trace("Evaluated batch")
		}
		return nil
	}()

	if err := sess.Close(loopErr); err != nil {
		return nil, errors.Wrapf(err, "evaluate %s on %s %s", j.model.Name(), j.dataset.Name(), j.inputType)
	}
	if steps == 0 {
		return nil, ErrNoIterations
	}

	step, err := checkpoint.GlobalStep(state.ModelCheckpointPath)
	if err != nil {
		log.WithError(err).Debug("Unable to read global step")
	}

	return &Result{
		Model:      j.model.Name(),
		Dataset:    j.dataset.Name(),
		InputType:  j.inputType.String(),
		Iterations: numIter,
		Examples:   examples,
		Checkpoint: state.ModelCheckpointPath,
		GlobalStep: step,
		Device:     sess.Device().String(),
		Took:       time.Since(start),
	}, nil
}
