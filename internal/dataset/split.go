package dataset

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dtb-go/evaluator/internal/feeder"
)

const defaultFeeders = 2

// Split holds the examples of one partition in memory.
type Split struct {
	Features [][]float32
	Labels   []int
}

func (s *Split) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Features)
}

// batchAt returns the seq-th batch of a pass that wraps around the end of
// the split, so every batch has exactly batchSize examples.
func (s *Split) batchAt(seq int64, batchSize int) Batch {
	n := int64(len(s.Features))
	start := (seq * int64(batchSize)) % n
	b := Batch{Inputs: make([][]float32, batchSize)}
	if len(s.Labels) > 0 {
		b.Labels = make([]int, batchSize)
	}
	for i := 0; i < batchSize; i++ {
		idx := (start + int64(i)) % n
		b.Inputs[i] = s.Features[idx]
		if b.Labels != nil {
			b.Labels[i] = s.Labels[idx]
		}
	}
	return b
}

// NewPipeline registers feeders that cycle over split in batches of
// batchSize and returns the queue they fill.
func NewPipeline(reg *feeder.Registry, split *Split, batchSize, feeders int) (*feeder.Queue[Batch], error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0 (got %d)", batchSize)
	}
	if split != nil && len(split.Labels) > 0 && len(split.Labels) != len(split.Features) {
		return nil, errors.Errorf("split has %d examples but %d labels",
			len(split.Features), len(split.Labels))
	}
	if feeders <= 0 {
		feeders = defaultFeeders
	}

	q := feeder.NewQueue[Batch](2 * feeders)
	if split.Len() == 0 {
		q.Close()
		return q, nil
	}

	pool := feeder.NewOrderedPool(feeders, q, func(ctx context.Context, seq int64) (Batch, error) {
		return split.batchAt(seq, batchSize), nil
	})
	pool.Register(reg)

	log.WithFields(log.Fields{"examples": split.Len(), "batch_size": batchSize,
		"feeders": feeders}).Debug("Registered input pipeline")

	return q, nil
}
