package model

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type activation func(float64) float64

func relu(v float64) float64 {
	return math.Max(v, 0)
}

// dense computes act(x*W + b) for a batch x.
type dense struct {
	name string
	w    *mat.Dense
	b    []float64
	act  activation
}

func newDense(name string, in, out int, act activation) *dense {
	return &dense{
		name: name,
		w:    mat.NewDense(in, out, nil),
		b:    make([]float64, out),
		act:  act,
	}
}

func (d *dense) forward(x mat.Matrix) (*mat.Dense, error) {
	_, cols := x.Dims()
	in, _ := d.w.Dims()
	if cols != in {
		return nil, errors.Errorf("%s: input has %d features, want %d", d.name, cols, in)
	}

	var y mat.Dense
	y.Mul(x, d.w)
	y.Apply(func(_, j int, v float64) float64 {
		v += d.b[j]
		if d.act != nil {
			v = d.act(v)
		}
		return v
	}, &y)
	return &y, nil
}

func (d *dense) variables() []Variable {
	in, out := d.w.Dims()
	return []Variable{
		{Name: d.name + "/W", Shape: []int{in, out}, Data: d.w.RawMatrix().Data},
		{Name: d.name + "/b", Shape: []int{out}, Data: d.b},
	}
}

// stack is a sequence of dense layers applied in order.
type stack []*dense

// newStack builds layers mapping sizes[i] to sizes[i+1]. All layers but
// the last use hidden as activation.
func newStack(prefix string, sizes []int, hidden, last activation) stack {
	s := make(stack, 0, len(sizes)-1)
	for i := 0; i+1 < len(sizes); i++ {
		act := hidden
		if i+2 == len(sizes) {
			act = last
		}
		s = append(s, newDense(prefix+strconv.Itoa(i), sizes[i], sizes[i+1], act))
	}
	return s
}

func (s stack) forward(x mat.Matrix) (*mat.Dense, error) {
	var out *mat.Dense
	for _, l := range s {
		y, err := l.forward(x)
		if err != nil {
			return nil, err
		}
		out, x = y, y
	}
	return out, nil
}

func (s stack) variables() []Variable {
	var vars []Variable
	for _, l := range s {
		vars = append(vars, l.variables()...)
	}
	return vars
}

// squaredWeights sums the squares of every weight matrix, excluding biases.
func (s stack) squaredWeights() float64 {
	var sum float64
	for _, l := range s {
		n := mat.Norm(l.w, 2)
		sum += n * n
	}
	return sum
}

func checkSizes(sizes ...int) error {
	for _, n := range sizes {
		if n <= 0 {
			return errors.Errorf("layer sizes must be > 0 (got %v)", sizes)
		}
	}
	return nil
}
