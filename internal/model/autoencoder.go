package model

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/dtb-go/evaluator/internal/checkpoint"
)

// DenseAutoencoder encodes through ReLU layers of the hidden widths and
// decodes through the mirrored widths back to the input size, with a linear
// output layer.
type DenseAutoencoder struct {
	name      string
	hidden    []int
	l2Penalty float64
	encoder   stack
	decoder   stack
}

func NewDenseAutoencoder(name string, hidden []int) *DenseAutoencoder {
	return &DenseAutoencoder{name: name, hidden: append([]int(nil), hidden...)}
}

func (a *DenseAutoencoder) Name() string { return a.name }
func (a *DenseAutoencoder) Kind() Kind   { return KindAutoencoder }

func (a *DenseAutoencoder) Build(opts BuildOptions) error {
	if opts.TrainPhase {
		return ErrTrainingNotSupported
	}
	if len(a.hidden) == 0 {
		return errors.New("autoencoder needs at least one hidden layer")
	}
	enc := append([]int{opts.FeatureSize}, a.hidden...)
	if err := checkSizes(enc...); err != nil {
		return err
	}
	dec := make([]int, len(enc))
	for i := range enc {
		dec[i] = enc[len(enc)-1-i]
	}

	a.l2Penalty = opts.L2Penalty
	a.encoder = newStack("encoder", enc, relu, relu)
	a.decoder = newStack("decoder", dec, relu, nil)
	log.WithFields(log.Fields{"model": a.name, "encoder": enc, "decoder": dec}).Debug("Built autoencoder")
	return nil
}

func (a *DenseAutoencoder) Variables() []Variable {
	return append(a.encoder.variables(), a.decoder.variables()...)
}

func (a *DenseAutoencoder) Restore(r *checkpoint.Reader) error {
	return restoreVariables(a.Variables(), r)
}

func (a *DenseAutoencoder) Reconstruct(x mat.Matrix) (*mat.Dense, error) {
	if len(a.encoder) == 0 {
		return nil, ErrNotBuilt
	}
	code, err := a.encoder.forward(x)
	if err != nil {
		return nil, err
	}
	return a.decoder.forward(code)
}

// Loss is half the mean squared reconstruction error plus
// L2Penalty/2 times the sum of squared weights.
func (a *DenseAutoencoder) Loss(reconstruction, original mat.Matrix) float64 {
	var diff mat.Dense
	diff.Sub(reconstruction, original)
	r, c := diff.Dims()
	norm := mat.Norm(&diff, 2)
	loss := norm * norm / float64(r*c) / 2

	if a.l2Penalty != 0 {
		loss += a.l2Penalty * (a.encoder.squaredWeights() + a.decoder.squaredWeights()) / 2
	}
	return loss
}
