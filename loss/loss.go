// package loss implements the error measures used to monitor fits

package loss

import (
	"gonum.org/v1/gonum/mat"
)

// Losser is an interface for a loss function. A loss function is a
// measure of the quality of a prediction, with a lower value being
// better; it is zero iff prediction == truth and always non-negative.
// A Losser panics if len(prediction) != len(truth) and does not modify
// the slices.
type Losser interface {
	Loss(prediction, truth []float64) float64
}

var lenMismatch = "loss: length mismatch"

// SquaredDistance is the squared two-norm of (pred - truth) divided by
// the length
type SquaredDistance struct{}

func (SquaredDistance) Loss(prediction, truth []float64) (loss float64) {
	if len(prediction) != len(truth) {
		panic(lenMismatch)
	}
	for i := range prediction {
		diff := prediction[i] - truth[i]
		loss += diff * diff
	}
	loss /= float64(len(prediction))
	return loss
}

// MSE returns the mean squared error over all entries of two equally
// sized matrices.
func MSE(prediction, truth mat.Matrix) float64 {
	r, c := prediction.Dims()
	rt, ct := truth.Dims()
	if r != rt || c != ct {
		panic(lenMismatch)
	}
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			diff := prediction.At(i, j) - truth.At(i, j)
			sum += diff * diff
		}
	}
	return sum / float64(r*c)
}
