// package centers selects the landmark points that define the low-rank
// basis of the solver

package centers

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/common"
)

// Landmarks is an immutable set of M points selected from the training
// data, together with how they were selected. The points are copied out
// of the training matrix so the landmarks stay valid after the caller
// releases its data.
type Landmarks struct {
	points  *mat.Dense
	indices []int
	method  string
}

// Points returns the M x D landmark matrix. Callers must not modify it.
func (l *Landmarks) Points() *mat.Dense { return l.points }

// Indices returns the training-set row of each landmark, or nil for
// restored landmark sets.
func (l *Landmarks) Indices() []int { return l.indices }

// Method returns the name of the selection method used.
func (l *Landmarks) Method() string { return l.method }

// Len returns the number of landmarks M.
func (l *Landmarks) Len() int {
	r, _ := l.points.Dims()
	return r
}

// Dim returns the point dimension D.
func (l *Landmarks) Dim() int {
	_, c := l.points.Dims()
	return c
}

// Restore rebuilds a landmark set from persisted points.
func Restore(points *mat.Dense) *Landmarks {
	return &Landmarks{points: points, method: "restored"}
}

// A Selector chooses m landmark rows from x. Selection must be
// deterministic for a given selector value.
type Selector interface {
	Select(x mat.Matrix, m int) (*Landmarks, error)
}

// Uniform selects landmarks uniformly without replacement. The same
// seed always yields the same landmark set.
type Uniform struct {
	Seed int64
}

func (u Uniform) Select(x mat.Matrix, m int) (*Landmarks, error) {
	if x == nil {
		return nil, common.NoData
	}
	n, d := x.Dims()
	if n == 0 || d == 0 {
		return nil, common.NoData
	}
	if m <= 0 {
		return nil, &common.InvalidParameterError{Name: "m", Value: float64(m), Reason: "must be positive"}
	}
	if m > n {
		return nil, &common.InsufficientDataError{Points: n, Landmarks: m}
	}
	rnd := rand.New(rand.NewSource(u.Seed))
	indices := rnd.Perm(n)[:m]
	return gather(x, indices, "uniform")
}

// Fixed selects the caller-supplied rows. Duplicate indices are
// allowed; out-of-range indices are rejected.
type Fixed struct {
	Indices []int
}

func (f Fixed) Select(x mat.Matrix, m int) (*Landmarks, error) {
	if x == nil {
		return nil, common.NoData
	}
	n, d := x.Dims()
	if n == 0 || d == 0 {
		return nil, common.NoData
	}
	if len(f.Indices) == 0 {
		return nil, &common.InvalidParameterError{Name: "indices", Value: 0, Reason: "must not be empty"}
	}
	if m > 0 && m != len(f.Indices) {
		return nil, &common.InvalidParameterError{Name: "m", Value: float64(m), Reason: "disagrees with index count"}
	}
	for _, idx := range f.Indices {
		if idx < 0 || idx >= n {
			return nil, &common.InvalidParameterError{Name: "indices", Value: float64(idx), Reason: "row out of range"}
		}
	}
	return gather(x, f.Indices, "fixed")
}

func gather(x mat.Matrix, indices []int, method string) (*Landmarks, error) {
	_, d := x.Dims()
	points := mat.NewDense(len(indices), d, nil)
	if rv, ok := x.(mat.RawRowViewer); ok {
		for i, idx := range indices {
			copy(points.RawRowView(i), rv.RawRowView(idx))
		}
	} else {
		for i, idx := range indices {
			for j := 0; j < d; j++ {
				points.Set(i, j, x.At(idx, j))
			}
		}
	}
	kept := make([]int, len(indices))
	copy(kept, indices)
	return &Landmarks{points: points, indices: kept, method: method}, nil
}
