package common

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// NoData is returned when a fit or predict entrypoint receives nil or
// empty matrices.
var NoData error = errors.New("falkon: nil or empty data")

// NotFitted is returned when predict is called before a successful fit.
var NotFitted error = errors.New("falkon: model has not been fitted")

// InvalidParameterError reports a kernel or solver parameter outside
// its valid domain. It is fatal and never retried.
type InvalidParameterError struct {
	Name   string
	Value  float64
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("falkon: invalid parameter %s=%v: %s", e.Name, e.Value, e.Reason)
}

// InsufficientDataError reports that more landmarks were requested than
// there are training points.
type InsufficientDataError struct {
	Points    int
	Landmarks int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("falkon: requested %d landmarks from %d points", e.Landmarks, e.Points)
}

// PreconditionerFailureError reports that the landmark matrix could not
// be factored after all jitter attempts.
type PreconditionerFailureError struct {
	Attempts int
	Jitter   float64
}

func (e *PreconditionerFailureError) Error() string {
	return fmt.Sprintf("falkon: preconditioner factorization failed after %d attempts (last jitter %g)", e.Attempts, e.Jitter)
}

// NumericalStallError reports a collapsed conjugate-gradient step
// denominator. The solver returns its best available solution alongside
// this error; callers treat it as fatal only when no iterations
// completed.
type NumericalStallError struct {
	Iteration   int
	Denominator float64
}

func (e *NumericalStallError) Error() string {
	return fmt.Sprintf("falkon: conjugate gradient stalled at iteration %d (denominator %g)", e.Iteration, e.Denominator)
}

// DimensionMismatchError reports input columns that disagree with the
// dimension the model was fitted with.
type DimensionMismatchError struct {
	Expected int
	Found    int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("falkon: dimension mismatch: expected %d, found %d", e.Expected, e.Found)
}

// VerifyInputs checks that inputs and outputs are non-empty and have the
// same number of rows.
func VerifyInputs(inputs, outputs mat.Matrix) error {
	if inputs == nil || outputs == nil {
		return NoData
	}
	nSamples, dim := inputs.Dims()
	nOutputSamples, outDim := outputs.Dims()
	if nSamples == 0 || dim == 0 || outDim == 0 {
		return NoData
	}
	if nSamples != nOutputSamples {
		return &DimensionMismatchError{Expected: nSamples, Found: nOutputSamples}
	}
	return nil
}
