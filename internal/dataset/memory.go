package dataset

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dtb-go/evaluator/internal/feeder"
)

// Memory is a dataset whose splits are already loaded.
type Memory struct {
	name        string
	splits      map[InputType]*Split
	numClasses  int
	featureSize int
	feeders     int
}

func NewMemory(name string, numClasses int, splits map[InputType]*Split) *Memory {
	m := &Memory{
		name:       name,
		splits:     splits,
		numClasses: numClasses,
		feeders:    defaultFeeders,
	}
	for _, s := range splits {
		if s.Len() > 0 {
			m.featureSize = len(s.Features[0])
			break
		}
	}
	return m
}

// WithFeeders sets the number of feeder goroutines per pipeline.
func (m *Memory) WithFeeders(n int) *Memory {
	if n > 0 {
		m.feeders = n
	}
	return m
}

func (m *Memory) Name() string {
	return m.name
}

func (m *Memory) Inputs(reg *feeder.Registry, inputType InputType, batchSize int) (*feeder.Queue[Batch], error) {
	if !inputType.Valid() {
		return nil, errors.Errorf("invalid input type %s", inputType)
	}
	return NewPipeline(reg, m.splits[inputType], batchSize, m.feeders)
}

func (m *Memory) NumExamples(inputType InputType) int {
	return m.splits[inputType].Len()
}

func (m *Memory) NumClasses() int {
	return m.numClasses
}

func (m *Memory) FeatureSize() int {
	return m.featureSize
}

func (m *Memory) MaybeDownloadAndExtract(ctx context.Context) error {
	return nil
}
