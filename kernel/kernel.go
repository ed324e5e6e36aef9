// package kernel implements the kernel families used by the falkon solver

package kernel

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/common"
)

// Family tags used for model persistence.
const (
	KindGaussian    = "gaussian"
	KindLaplacian   = "laplacian"
	KindLinear      = "linear"
	KindExponential = "exponential"
	KindPolynomial  = "polynomial"
)

// A Kernel computes dense blocks of pairwise kernel values between two
// point sets. Evaluations are deterministic and block-decomposable: the
// value of an entry depends only on the two points and the parameters,
// never on how the rows and columns are partitioned across calls.
type Kernel interface {
	// Kind returns the family tag.
	Kind() string

	// Validate returns an *common.InvalidParameterError if a parameter
	// is outside its valid domain.
	Validate() error

	// Evaluate fills dst with k(x_i, z_j). dst must be rx x rz where
	// rx and rz are the row counts of x and z; Evaluate panics
	// otherwise. Returns an error if the point dimensions disagree.
	Evaluate(dst *mat.Dense, x, z mat.Matrix) error
}

// Gaussian is the radial basis function kernel
// k(x,z) = exp(-||x-z||^2 / (2 sigma^2))
type Gaussian struct {
	Sigma float64
}

func (k Gaussian) Kind() string { return KindGaussian }

func (k Gaussian) Validate() error {
	if k.Sigma <= 0 || math.IsNaN(k.Sigma) {
		return &common.InvalidParameterError{Name: "sigma", Value: k.Sigma, Reason: "must be positive"}
	}
	return nil
}

func (k Gaussian) Evaluate(dst *mat.Dense, x, z mat.Matrix) error {
	if err := evalChecks(k, dst, x, z); err != nil {
		return err
	}
	pairwiseSqDist(dst, x, z)
	inv := 1 / (2 * k.Sigma * k.Sigma)
	apply(dst, func(d float64) float64 { return math.Exp(-d * inv) })
	return nil
}

// Laplacian is k(x,z) = exp(-||x-z|| / sigma)
type Laplacian struct {
	Sigma float64
}

func (k Laplacian) Kind() string { return KindLaplacian }

func (k Laplacian) Validate() error {
	if k.Sigma <= 0 || math.IsNaN(k.Sigma) {
		return &common.InvalidParameterError{Name: "sigma", Value: k.Sigma, Reason: "must be positive"}
	}
	return nil
}

func (k Laplacian) Evaluate(dst *mat.Dense, x, z mat.Matrix) error {
	if err := evalChecks(k, dst, x, z); err != nil {
		return err
	}
	pairwiseSqDist(dst, x, z)
	inv := 1 / k.Sigma
	apply(dst, func(d float64) float64 { return math.Exp(-math.Sqrt(d) * inv) })
	return nil
}

// Linear is k(x,z) = beta + gamma * <x,z>
type Linear struct {
	Beta  float64
	Gamma float64
}

func (k Linear) Kind() string { return KindLinear }

func (k Linear) Validate() error {
	if k.Gamma <= 0 || math.IsNaN(k.Gamma) {
		return &common.InvalidParameterError{Name: "gamma", Value: k.Gamma, Reason: "must be positive"}
	}
	return nil
}

func (k Linear) Evaluate(dst *mat.Dense, x, z mat.Matrix) error {
	if err := evalChecks(k, dst, x, z); err != nil {
		return err
	}
	dst.Mul(x, z.T())
	apply(dst, func(d float64) float64 { return k.Beta + k.Gamma*d })
	return nil
}

// Exponential is k(x,z) = exp(alpha * <x,z>)
type Exponential struct {
	Alpha float64
}

func (k Exponential) Kind() string { return KindExponential }

func (k Exponential) Validate() error {
	if k.Alpha <= 0 || math.IsNaN(k.Alpha) {
		return &common.InvalidParameterError{Name: "alpha", Value: k.Alpha, Reason: "must be positive"}
	}
	return nil
}

func (k Exponential) Evaluate(dst *mat.Dense, x, z mat.Matrix) error {
	if err := evalChecks(k, dst, x, z); err != nil {
		return err
	}
	dst.Mul(x, z.T())
	apply(dst, func(d float64) float64 { return math.Exp(k.Alpha * d) })
	return nil
}

// Polynomial is k(x,z) = (alpha * <x,z> + beta)^degree. Degree may be
// fractional; the base is then assumed non-negative.
type Polynomial struct {
	Alpha  float64
	Beta   float64
	Degree float64
}

func (k Polynomial) Kind() string { return KindPolynomial }

func (k Polynomial) Validate() error {
	if k.Alpha <= 0 || math.IsNaN(k.Alpha) {
		return &common.InvalidParameterError{Name: "alpha", Value: k.Alpha, Reason: "must be positive"}
	}
	if k.Degree < 1 || math.IsNaN(k.Degree) {
		return &common.InvalidParameterError{Name: "degree", Value: k.Degree, Reason: "must be at least 1"}
	}
	return nil
}

func (k Polynomial) Evaluate(dst *mat.Dense, x, z mat.Matrix) error {
	if err := evalChecks(k, dst, x, z); err != nil {
		return err
	}
	dst.Mul(x, z.T())
	apply(dst, func(d float64) float64 { return math.Pow(k.Alpha*d+k.Beta, k.Degree) })
	return nil
}

// Decode reconstructs a kernel from its family tag and marshaled
// parameters. Used when loading persisted models.
func Decode(kind string, params json.RawMessage) (Kernel, error) {
	var k Kernel
	var err error
	switch kind {
	case KindGaussian:
		var g Gaussian
		err = json.Unmarshal(params, &g)
		k = g
	case KindLaplacian:
		var l Laplacian
		err = json.Unmarshal(params, &l)
		k = l
	case KindLinear:
		var l Linear
		err = json.Unmarshal(params, &l)
		k = l
	case KindExponential:
		var e Exponential
		err = json.Unmarshal(params, &e)
		k = e
	case KindPolynomial:
		var p Polynomial
		err = json.Unmarshal(params, &p)
		k = p
	default:
		return nil, fmt.Errorf("kernel: unknown kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

func evalChecks(k Kernel, dst *mat.Dense, x, z mat.Matrix) error {
	if err := k.Validate(); err != nil {
		return err
	}
	rx, cx := x.Dims()
	rz, cz := z.Dims()
	if cx != cz {
		return &common.DimensionMismatchError{Expected: cx, Found: cz}
	}
	rd, cd := dst.Dims()
	if rd != rx || cd != rz {
		panic("kernel: dst dimension mismatch")
	}
	return nil
}

// pairwiseSqDist fills dst with ||x_i - z_j||^2 using the expansion
// ||x||^2 + ||z||^2 - 2<x,z> so the cross term is a single dense
// product. Cancellation can leave tiny negative values; they are
// clamped to zero before any sqrt or exp sees them.
func pairwiseSqDist(dst *mat.Dense, x, z mat.Matrix) {
	rx, _ := x.Dims()
	rz, _ := z.Dims()
	dst.Mul(x, z.T())
	xn := rowSqNorms(x)
	zn := rowSqNorms(z)
	for i := 0; i < rx; i++ {
		row := dst.RawRowView(i)
		for j := 0; j < rz; j++ {
			d := xn[i] + zn[j] - 2*row[j]
			if d < 0 {
				d = 0
			}
			row[j] = d
		}
	}
}

func rowSqNorms(m mat.Matrix) []float64 {
	r, c := m.Dims()
	norms := make([]float64, r)
	if rv, ok := m.(mat.RawRowViewer); ok {
		for i := 0; i < r; i++ {
			var sum float64
			for _, v := range rv.RawRowView(i) {
				sum += v * v
			}
			norms[i] = sum
		}
		return norms
	}
	for i := 0; i < r; i++ {
		var sum float64
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			sum += v * v
		}
		norms[i] = sum
	}
	return norms
}

func apply(dst *mat.Dense, f func(float64) float64) {
	r, _ := dst.Dims()
	for i := 0; i < r; i++ {
		row := dst.RawRowView(i)
		for j, v := range row {
			row[j] = f(v)
		}
	}
}
