package dataset

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/weaviate/hdf5"
	"golang.org/x/exp/constraints"

	"github.com/dtb-go/evaluator/internal/feeder"
)

// HDF5 reads splits from a single HDF5 file holding the 2-D float datasets
// "train", "validation" and "test" and the matching 1-D integer datasets
// "train_labels", "validation_labels" and "test_labels". Missing datasets
// are empty splits; missing label datasets give unlabelled splits.
type HDF5 struct {
	Path string

	feeders int

	once       sync.Once
	loadErr    error
	splits     map[InputType]*Split
	numClasses int
}

func NewHDF5(path string, feeders int) *HDF5 {
	return &HDF5{Path: path, feeders: feeders}
}

func (ds *HDF5) Name() string {
	return "hdf5"
}

func (ds *HDF5) MaybeDownloadAndExtract(ctx context.Context) error {
	if _, err := os.Stat(ds.Path); err != nil {
		return errors.Wrapf(err, "hdf5 dataset file")
	}
	return nil
}

func (ds *HDF5) Inputs(reg *feeder.Registry, inputType InputType, batchSize int) (*feeder.Queue[Batch], error) {
	if !inputType.Valid() {
		return nil, errors.Errorf("invalid input type %s", inputType)
	}
	if err := ds.load(); err != nil {
		return nil, err
	}
	return NewPipeline(reg, ds.splits[inputType], batchSize, ds.feeders)
}

func (ds *HDF5) NumExamples(inputType InputType) int {
	if err := ds.load(); err != nil {
		log.WithError(err).Error("Unable to load hdf5 dataset")
		return 0
	}
	return ds.splits[inputType].Len()
}

// NumClasses is one more than the largest label found in any split.
func (ds *HDF5) NumClasses() int {
	if err := ds.load(); err != nil {
		return 0
	}
	return ds.numClasses
}

func (ds *HDF5) FeatureSize() int {
	if err := ds.load(); err != nil {
		return 0
	}
	for _, s := range ds.splits {
		if s.Len() > 0 {
			return len(s.Features[0])
		}
	}
	return 0
}

func (ds *HDF5) load() error {
	ds.once.Do(func() {
		ds.loadErr = ds.readFile()
	})
	return ds.loadErr
}

func (ds *HDF5) readFile() error {
	file, err := hdf5.OpenFile(ds.Path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return errors.Wrapf(err, "open hdf5 file %s", ds.Path)
	}
	defer file.Close()

	ds.splits = make(map[InputType]*Split)
	for _, t := range []InputType{Train, Validation, Test} {
		split := &Split{}

		features, err := file.OpenDataset(t.String())
		if err != nil {
			log.WithFields(log.Fields{"split": t.String()}).Debug("No such split in hdf5 file")
			ds.splits[t] = split
			continue
		}
		split.Features, err = readFloatRows(features)
		features.Close()
		if err != nil {
			return errors.Wrapf(err, "read %s", t)
		}

		if labels, err := file.OpenDataset(t.String() + "_labels"); err == nil {
			split.Labels, err = readIntColumn(labels)
			labels.Close()
			if err != nil {
				return errors.Wrapf(err, "read %s_labels", t)
			}
			if len(split.Labels) != len(split.Features) {
				return errors.Errorf("%s has %d rows but %d labels", t, len(split.Features), len(split.Labels))
			}
			for _, l := range split.Labels {
				if l+1 > ds.numClasses {
					ds.numClasses = l + 1
				}
			}
		}

		log.WithFields(log.Fields{"split": t.String(), "rows": split.Len(),
			"labelled": len(split.Labels) > 0}).Debug("Read HDF5 split")
		ds.splits[t] = split
	}
	return nil
}

func byteSize(dataset *hdf5.Dataset) (uint, error) {
	datatype, err := dataset.Datatype()
	if err != nil {
		return 0, errors.Wrap(err, "read datatype")
	}
	size := datatype.Size()
	if size != 4 && size != 8 {
		return 0, errors.Errorf("unable to load dataset with byte size %d", size)
	}
	return size, nil
}

func readFloatRows(dataset *hdf5.Dataset) ([][]float32, error) {
	dims, _, err := dataset.Space().SimpleExtentDims()
	if err != nil {
		return nil, err
	}
	if len(dims) != 2 {
		return nil, errors.Errorf("expected 2 dimensions, got %d", len(dims))
	}
	rows, cols := int(dims[0]), int(dims[1])

	size, err := byteSize(dataset)
	if err != nil {
		return nil, err
	}

	if size == 4 {
		flat := make([]float32, rows*cols)
		if err := dataset.Read(&flat); err != nil {
			return nil, err
		}
		return convertRows(flat, cols, rows), nil
	}
	flat := make([]float64, rows*cols)
	if err := dataset.Read(&flat); err != nil {
		return nil, err
	}
	return convertRows(flat, cols, rows), nil
}

func readIntColumn(dataset *hdf5.Dataset) ([]int, error) {
	dims, _, err := dataset.Space().SimpleExtentDims()
	if err != nil {
		return nil, err
	}
	if len(dims) != 1 {
		return nil, errors.Errorf("expected 1 dimension, got %d", len(dims))
	}

	size, err := byteSize(dataset)
	if err != nil {
		return nil, err
	}

	if size == 4 {
		flat := make([]int32, dims[0])
		if err := dataset.Read(&flat); err != nil {
			return nil, err
		}
		return convertInts(flat), nil
	}
	flat := make([]int64, dims[0])
	if err := dataset.Read(&flat); err != nil {
		return nil, err
	}
	return convertInts(flat), nil
}

func convertRows[D constraints.Float](input []D, cols, rows int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
		for j := 0; j < cols; j++ {
			out[i][j] = float32(input[i*cols+j])
		}
	}
	return out
}

func convertInts[I constraints.Integer](input []I) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = int(v)
	}
	return out
}
