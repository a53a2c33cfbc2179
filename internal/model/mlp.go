package model

import (
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/dtb-go/evaluator/internal/checkpoint"
)

// MLP is a feed-forward classifier with ReLU hidden layers and a linear
// output layer producing one logit per class. Without hidden layers it is
// softmax regression.
type MLP struct {
	name   string
	hidden []int
	layers stack
}

func NewMLP(name string, hidden []int) *MLP {
	return &MLP{name: name, hidden: append([]int(nil), hidden...)}
}

func (m *MLP) Name() string { return m.name }
func (m *MLP) Kind() Kind   { return KindClassifier }

func (m *MLP) Build(opts BuildOptions) error {
	if opts.TrainPhase {
		return ErrTrainingNotSupported
	}
	sizes := append([]int{opts.FeatureSize}, m.hidden...)
	sizes = append(sizes, opts.NumClasses)
	if err := checkSizes(sizes...); err != nil {
		return err
	}

	m.layers = newStack("dense", sizes, relu, nil)
	log.WithFields(log.Fields{"model": m.name, "sizes": sizes}).Debug("Built classifier")
	return nil
}

func (m *MLP) Variables() []Variable {
	return m.layers.variables()
}

func (m *MLP) Restore(r *checkpoint.Reader) error {
	return restoreVariables(m.Variables(), r)
}

func (m *MLP) Logits(x mat.Matrix) (*mat.Dense, error) {
	if len(m.layers) == 0 {
		return nil, ErrNotBuilt
	}
	return m.layers.forward(x)
}
