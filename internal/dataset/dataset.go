package dataset

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/dtb-go/evaluator/internal/feeder"
)

// Batch is a fixed-size group of examples. Labels is empty for datasets
// without labels.
type Batch struct {
	Inputs [][]float32
	Labels []int
}

func (b Batch) Size() int {
	return len(b.Inputs)
}

// Dataset is the collaborator the evaluators read examples from.
//
// Inputs registers the feeders producing batches of the requested split in
// reg and returns the queue they fill. The feeders only run once the owning
// session starts the registry.
type Dataset interface {
	Name() string
	Inputs(reg *feeder.Registry, inputType InputType, batchSize int) (*feeder.Queue[Batch], error)
	NumExamples(inputType InputType) int
	NumClasses() int
	FeatureSize() int
	MaybeDownloadAndExtract(ctx context.Context) error
}

var ErrUnknownDataset = errors.New("unknown dataset")

// Options configures the datasets built by New.
type Options struct {
	DataDir string
	File    string
	Feeders int
}

type constructor func(opts Options) (Dataset, error)

var registry = map[string]constructor{
	"mnist": func(opts Options) (Dataset, error) {
		return NewMNIST(opts.DataDir, opts.Feeders), nil
	},
	"cifar10": func(opts Options) (Dataset, error) {
		return NewCIFAR10(opts.DataDir, opts.Feeders), nil
	},
	"hdf5": func(opts Options) (Dataset, error) {
		if opts.File == "" {
			return nil, errors.New("hdf5 dataset requires a dataset file")
		}
		return NewHDF5(opts.File, opts.Feeders), nil
	},
}

// New returns the dataset registered under name.
func New(name string, opts Options) (Dataset, error) {
	c, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDataset, "%q (available: %v)", name, Names())
	}
	return c(opts)
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
