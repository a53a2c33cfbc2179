package model

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// InTopK reports for every row of logits whether the logit of the row's
// label is among the k largest. A logit equal to the k-th largest counts as
// in the top k. Rows with an out-of-range label or any non-finite logit are
// never in the top k.
func InTopK(logits mat.Matrix, labels []int, k int) ([]bool, error) {
	rows, classes := logits.Dims()
	if len(labels) != rows {
		return nil, errors.Errorf("got %d labels for %d rows of logits", len(labels), rows)
	}

	out := make([]bool, rows)
	for i, label := range labels {
		if label < 0 || label >= classes {
			continue
		}
		target := logits.At(i, label)
		finite := true
		higher := 0
		for j := 0; j < classes; j++ {
			v := logits.At(i, j)
			if math.IsInf(v, 0) || math.IsNaN(v) {
				finite = false
				break
			}
			if v > target {
				higher++
			}
		}
		out[i] = finite && higher < k
	}
	return out, nil
}

// CountInTopK is the number of rows for which InTopK is true.
func CountInTopK(logits mat.Matrix, labels []int, k int) (int, error) {
	in, err := InTopK(logits, labels, k)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ok := range in {
		if ok {
			n++
		}
	}
	return n, nil
}
