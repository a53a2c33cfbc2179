package dataset

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dtb-go/evaluator/internal/feeder"
)

const (
	mnistSourceURL      = "https://storage.googleapis.com/cvdf-datasets/mnist/"
	mnistValidationSize = 5000
	mnistImageMagic     = 2051
	mnistLabelMagic     = 2049
)

var mnistFiles = []string{
	"train-images-idx3-ubyte.gz",
	"train-labels-idx1-ubyte.gz",
	"t10k-images-idx3-ubyte.gz",
	"t10k-labels-idx1-ubyte.gz",
}

// MNIST reads the handwritten digits dataset from its IDX files. The first
// ValidationSize training images form the validation split.
type MNIST struct {
	DataDir        string
	SourceURL      string
	ValidationSize int

	feeders int

	once    sync.Once
	loadErr error
	splits  map[InputType]*Split
}

func NewMNIST(dataDir string, feeders int) *MNIST {
	return &MNIST{
		DataDir:        dataDir,
		SourceURL:      mnistSourceURL,
		ValidationSize: mnistValidationSize,
		feeders:        feeders,
	}
}

func (m *MNIST) Name() string {
	return "mnist"
}

func (m *MNIST) NumClasses() int {
	return 10
}

func (m *MNIST) FeatureSize() int {
	return 28 * 28
}

func (m *MNIST) MaybeDownloadAndExtract(ctx context.Context) error {
	for _, name := range mnistFiles {
		gz, err := MaybeDownload(ctx, m.SourceURL+name, m.DataDir)
		if err != nil {
			return err
		}
		if _, err := Gunzip(gz); err != nil {
			return err
		}
	}
	return nil
}

func (m *MNIST) Inputs(reg *feeder.Registry, inputType InputType, batchSize int) (*feeder.Queue[Batch], error) {
	if !inputType.Valid() {
		return nil, errors.Errorf("invalid input type %s", inputType)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return NewPipeline(reg, m.splits[inputType], batchSize, m.feeders)
}

func (m *MNIST) NumExamples(inputType InputType) int {
	if err := m.load(); err != nil {
		log.WithError(err).Error("Unable to load mnist")
		return 0
	}
	return m.splits[inputType].Len()
}

func (m *MNIST) load() error {
	m.once.Do(func() {
		m.splits, m.loadErr = m.readSplits()
	})
	return m.loadErr
}

func (m *MNIST) readSplits() (map[InputType]*Split, error) {
	train, err := readIDXSplit(
		filepath.Join(m.DataDir, "train-images-idx3-ubyte"),
		filepath.Join(m.DataDir, "train-labels-idx1-ubyte"))
	if err != nil {
		return nil, err
	}
	test, err := readIDXSplit(
		filepath.Join(m.DataDir, "t10k-images-idx3-ubyte"),
		filepath.Join(m.DataDir, "t10k-labels-idx1-ubyte"))
	if err != nil {
		return nil, err
	}

	v := m.ValidationSize
	if v > train.Len() {
		v = train.Len()
	}

	log.WithFields(log.Fields{"train": train.Len() - v, "validation": v,
		"test": test.Len()}).Debug("Loaded mnist")

	return map[InputType]*Split{
		Validation: {Features: train.Features[:v], Labels: train.Labels[:v]},
		Train:      {Features: train.Features[v:], Labels: train.Labels[v:]},
		Test:       test,
	}, nil
}

func readIDXSplit(imagesPath, labelsPath string) (*Split, error) {
	f, err := os.Open(imagesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	images, err := ReadIDXImages(f)
	if err != nil {
		return nil, errors.Wrap(err, imagesPath)
	}

	lf, err := os.Open(labelsPath)
	if err != nil {
		return nil, err
	}
	defer lf.Close()
	labels, err := ReadIDXLabels(lf)
	if err != nil {
		return nil, errors.Wrap(err, labelsPath)
	}

	if len(images) != len(labels) {
		return nil, errors.Errorf("%d images but %d labels", len(images), len(labels))
	}
	return &Split{Features: images, Labels: labels}, nil
}

// Bounds on IDX headers. Counts and sizes come from the file and are only
// trusted up to these limits.
const (
	maxIDXRecords   = 1 << 24
	maxIDXImageSize = 1 << 20
	idxPrealloc     = 1 << 16
)

// ReadIDXImages parses an IDX image file (magic 2051) and scales pixels to
// [0, 1].
func ReadIDXImages(r io.Reader) ([][]float32, error) {
	var hdr struct {
		Magic, Count, Rows, Cols uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "read idx header")
	}
	if hdr.Magic != mnistImageMagic {
		return nil, errors.Errorf("invalid magic number: got %d, want %d", hdr.Magic, mnistImageMagic)
	}

	if hdr.Count > maxIDXRecords {
		return nil, errors.Errorf("image count %d exceeds %d", hdr.Count, maxIDXRecords)
	}
	size := int64(hdr.Rows) * int64(hdr.Cols)
	if size == 0 || size > maxIDXImageSize {
		return nil, errors.Errorf("invalid image size %dx%d", hdr.Rows, hdr.Cols)
	}

	raw := make([]byte, size)
	images := make([][]float32, 0, min(int(hdr.Count), idxPrealloc))
	for i := 0; i < int(hdr.Count); i++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, errors.Wrapf(err, "read image %d", i)
		}
		img := make([]float32, size)
		for j, px := range raw {
			img[j] = float32(px) / 255.0
		}
		images = append(images, img)
	}
	return images, nil
}

// ReadIDXLabels parses an IDX label file (magic 2049).
func ReadIDXLabels(r io.Reader) ([]int, error) {
	var hdr struct {
		Magic, Count uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "read idx header")
	}
	if hdr.Magic != mnistLabelMagic {
		return nil, errors.Errorf("invalid magic number: got %d, want %d", hdr.Magic, mnistLabelMagic)
	}

	if hdr.Count > maxIDXRecords {
		return nil, errors.Errorf("label count %d exceeds %d", hdr.Count, maxIDXRecords)
	}

	raw, err := io.ReadAll(io.LimitReader(r, int64(hdr.Count)))
	if err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	if len(raw) != int(hdr.Count) {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "read labels: got %d of %d", len(raw), hdr.Count)
	}
	labels := make([]int, len(raw))
	for i, l := range raw {
		labels[i] = int(l)
	}
	return labels, nil
}
