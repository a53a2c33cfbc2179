package model

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/dtb-go/evaluator/internal/checkpoint"
)

var (
	ErrUnknownModel         = errors.New("unknown model")
	ErrNotBuilt             = errors.New("model has not been built")
	ErrTrainingNotSupported = errors.New("models are built for inference only")
)

type Kind int

const (
	KindClassifier Kind = iota
	KindAutoencoder
)

func (k Kind) String() string {
	switch k {
	case KindClassifier:
		return "classifier"
	case KindAutoencoder:
		return "autoencoder"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Variable is a named model parameter. Data is the parameter's backing
// storage in row-major order, so writing to it changes the model.
type Variable struct {
	Name  string
	Shape []int
	Data  []float64
}

type BuildOptions struct {
	FeatureSize int
	NumClasses  int
	TrainPhase  bool
	// L2Penalty weights the sum of squared weights added to the
	// autoencoder loss.
	L2Penalty float64
}

// Model is a network whose parameters are restored from a checkpoint.
type Model interface {
	Name() string
	Kind() Kind
	Variables() []Variable
	Restore(r *checkpoint.Reader) error
}

type Classifier interface {
	Model
	Build(opts BuildOptions) error
	Logits(x mat.Matrix) (*mat.Dense, error)
}

type Autoencoder interface {
	Model
	Build(opts BuildOptions) error
	Reconstruct(x mat.Matrix) (*mat.Dense, error)
	Loss(reconstruction, original mat.Matrix) float64
}

var presets = map[string]func(hidden []int) Model{
	"linear": func(hidden []int) Model {
		return NewMLP("linear", nil)
	},
	"mlp": func(hidden []int) Model {
		if len(hidden) == 0 {
			hidden = []int{512, 256}
		}
		return NewMLP("mlp", hidden)
	},
	"autoencoder": func(hidden []int) Model {
		if len(hidden) == 0 {
			hidden = []int{256, 64}
		}
		return NewDenseAutoencoder("autoencoder", hidden)
	},
}

// New returns the model registered under name. hidden overrides the
// preset's hidden layer widths; it is ignored by "linear".
func New(name string, hidden []int) (Model, error) {
	preset, ok := presets[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q (available: %v)", name, Names())
	}
	return preset(hidden), nil
}

func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Matrix copies a batch of examples into a rows x features matrix.
func Matrix(inputs [][]float32) (*mat.Dense, error) {
	if len(inputs) == 0 || len(inputs[0]) == 0 {
		return nil, errors.New("empty input batch")
	}
	cols := len(inputs[0])
	data := make([]float64, 0, len(inputs)*cols)
	for i, row := range inputs {
		if len(row) != cols {
			return nil, errors.Errorf("example %d has %d features, want %d", i, len(row), cols)
		}
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(inputs), cols, data), nil
}

func restoreVariables(vars []Variable, r *checkpoint.Reader) error {
	if len(vars) == 0 {
		return ErrNotBuilt
	}
	for _, v := range vars {
		t, err := r.Tensor(v.Name)
		if err != nil {
			return err
		}
		if !sameShape(t.Shape, v.Shape) {
			return errors.Wrapf(checkpoint.ErrShapeMismatch, "%s: checkpoint has %v, model expects %v",
				v.Name, t.Shape, v.Shape)
		}
		copy(v.Data, t.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Tensors snapshots the model's variables in the form checkpoint.Save
// writes.
func Tensors(m Model) map[string]*checkpoint.Tensor {
	out := make(map[string]*checkpoint.Tensor)
	for _, v := range m.Variables() {
		out[v.Name] = &checkpoint.Tensor{
			Shape: append([]int(nil), v.Shape...),
			Data:  append([]float64(nil), v.Data...),
		}
	}
	return out
}
