package dataset

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dtb-go/evaluator/internal/feeder"
)

const (
	cifar10URL       = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	cifar10Dir       = "cifar-10-batches-bin"
	cifar10Side      = 32
	cifar10Channels  = 3
	cifar10ImageSize = cifar10Side * cifar10Side * cifar10Channels
	cifar10Record    = 1 + cifar10ImageSize
)

var cifar10Batches = map[InputType][]string{
	Train:      {"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin"},
	Validation: {"data_batch_5.bin"},
	Test:       {"test_batch.bin"},
}

// CIFAR10 reads the binary version of CIFAR-10. Images are stored HWC and
// standardised per image.
type CIFAR10 struct {
	DataDir   string
	SourceURL string

	feeders int

	mu     sync.Mutex
	splits map[InputType]*Split
}

func NewCIFAR10(dataDir string, feeders int) *CIFAR10 {
	return &CIFAR10{
		DataDir:   dataDir,
		SourceURL: cifar10URL,
		feeders:   feeders,
		splits:    make(map[InputType]*Split),
	}
}

func (c *CIFAR10) Name() string {
	return "cifar10"
}

func (c *CIFAR10) NumClasses() int {
	return 10
}

func (c *CIFAR10) FeatureSize() int {
	return cifar10ImageSize
}

func (c *CIFAR10) MaybeDownloadAndExtract(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(c.DataDir, cifar10Dir, "test_batch.bin")); err == nil {
		return nil
	}
	archive, err := MaybeDownload(ctx, c.SourceURL, c.DataDir)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"archive": archive}).Info("Extracting")
	return ExtractTarGz(archive, c.DataDir)
}

func (c *CIFAR10) Inputs(reg *feeder.Registry, inputType InputType, batchSize int) (*feeder.Queue[Batch], error) {
	split, err := c.split(inputType)
	if err != nil {
		return nil, err
	}
	return NewPipeline(reg, split, batchSize, c.feeders)
}

func (c *CIFAR10) NumExamples(inputType InputType) int {
	split, err := c.split(inputType)
	if err != nil {
		log.WithError(err).Error("Unable to load cifar10")
		return 0
	}
	return split.Len()
}

func (c *CIFAR10) split(inputType InputType) (*Split, error) {
	files, ok := cifar10Batches[inputType]
	if !ok {
		return nil, errors.Errorf("invalid input type %s", inputType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.splits[inputType]; ok {
		return s, nil
	}

	split := &Split{}
	for _, name := range files {
		path := filepath.Join(c.DataDir, cifar10Dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = ReadCIFAR10Records(f, split)
		f.Close()
		if err != nil {
			return nil, errors.Wrap(err, path)
		}
	}
	c.splits[inputType] = split
	return split, nil
}

// ReadCIFAR10Records appends every <label><3072 pixel bytes> record in r to
// split.
func ReadCIFAR10Records(r io.Reader, split *Split) error {
	record := make([]byte, cifar10Record)
	for {
		_, err := io.ReadFull(r, record)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "record %d", split.Len())
		}
		split.Labels = append(split.Labels, int(record[0]))
		split.Features = append(split.Features, standardize(chwToHWC(record[1:])))
	}
}

// chwToHWC reorders the planar RGB bytes of one record into interleaved
// pixels.
func chwToHWC(planar []byte) []float32 {
	plane := cifar10Side * cifar10Side
	out := make([]float32, cifar10ImageSize)
	for p := 0; p < plane; p++ {
		for ch := 0; ch < cifar10Channels; ch++ {
			out[p*cifar10Channels+ch] = float32(planar[ch*plane+p])
		}
	}
	return out
}

// standardize scales x to zero mean and unit variance, bounding the
// deviation below by 1/sqrt(len(x)) for uniform images.
func standardize(x []float32) []float32 {
	n := float64(len(x))
	var sum, sq float64
	for _, v := range x {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	mean := sum / n
	variance := math.Max(sq/n-mean*mean, 0)
	adjusted := math.Max(math.Sqrt(variance), 1/math.Sqrt(n))
	for i, v := range x {
		x[i] = float32((float64(v) - mean) / adjusted)
	}
	return x
}
