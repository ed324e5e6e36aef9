// package conjgrad implements the preconditioned conjugate-gradient
// iteration at the core of the solver

package conjgrad

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/Akatsuki96/falkon/common"
)

// State is the terminal (or current) state of a solve.
type State int

const (
	Initialized State = iota
	Iterating
	Converged
	MaxIterReached
	Diverged
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max iterations reached"
	case Diverged:
		return "diverged"
	}
	return "unknown"
}

// An Operator applies a symmetric positive-definite linear map. Apply
// is called once per iteration and blocks until the full product is
// accumulated.
type Operator interface {
	// Apply computes dst = H v. dst and v have length Dim and do not
	// alias.
	Apply(dst, v []float64)

	// Dim returns the operator dimension.
	Dim() int
}

// A Precond applies an approximate inverse of the operator to a
// residual. A nil Precond means identity.
type Precond interface {
	Apply(dst, v []float64)
}

// Settings configures one solve. The zero value means tolerance 1e-6,
// 100 iterations, zero initial guess, no preconditioner.
type Settings struct {
	// Tolerance is the relative residual ||r|| / ||b|| below which the
	// solve is converged.
	Tolerance float64

	// MaxIterations caps the iteration count. Hitting the cap is not an
	// error; the best available solution is returned.
	MaxIterations int

	// InitialX warm-starts the solution vector when non-nil.
	InitialX []float64

	// Precond transforms residuals when non-nil.
	Precond Precond

	// Callback, when non-nil, observes every iteration with the current
	// solution and relative residual. The solution slice is reused
	// across iterations and must not be retained.
	Callback func(iter int, x []float64, residual float64)
}

const (
	// DefaultTolerance is used when Settings.Tolerance is zero.
	DefaultTolerance = 1e-6
	// DefaultMaxIterations is used when Settings.MaxIterations is zero.
	DefaultMaxIterations = 100
)

// Result is the outcome of a solve: the best solution seen, how hard it
// was to get, and which state the iteration terminated in.
type Result struct {
	X          []float64
	Iterations int
	Residual   float64
	State      State
}

// Solve runs preconditioned conjugate gradient on H x = b. The search
// direction update uses the standard PCG (Fletcher-Reeves) ratio
// r'z_new / r'z_old. Cancellation is checked between iterations only;
// a cancelled solve returns the best solution so far with ctx.Err().
//
// A collapsed step denominator returns the best solution so far
// together with *common.NumericalStallError; if no iterations completed
// the solution is the (useless) initial guess and the caller should
// treat the error as fatal.
func Solve(ctx context.Context, op Operator, b []float64, s Settings) (Result, error) {
	n := op.Dim()
	if len(b) != n {
		panic("conjgrad: right-hand side length mismatch")
	}
	tol := s.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	x := make([]float64, n)
	r := make([]float64, n)
	bnorm := floats.Norm(b, 2)
	if bnorm == 0 {
		// The zero vector is the exact solution.
		return Result{X: x, Residual: 0, State: Converged}, nil
	}
	if s.InitialX != nil {
		if len(s.InitialX) != n {
			panic("conjgrad: initial guess length mismatch")
		}
		copy(x, s.InitialX)
		op.Apply(r, x)
		floats.Scale(-1, r)
		floats.Add(r, b)
	} else {
		copy(r, b)
	}

	best := Result{X: make([]float64, n), Residual: floats.Norm(r, 2) / bnorm, State: Initialized}
	copy(best.X, x)
	if best.Residual <= tol {
		// Warm start already satisfies the tolerance.
		best.State = Converged
		return best, nil
	}

	z := make([]float64, n)
	applyPrecond(s.Precond, z, r)
	p := make([]float64, n)
	copy(p, z)
	q := make([]float64, n)
	rz := floats.Dot(r, z)

	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return best, err
		}

		op.Apply(q, p)
		pq := floats.Dot(p, q)
		if math.IsNaN(pq) || pq <= denomTol*floats.Norm(p, 2)*floats.Norm(q, 2) {
			best.State = Diverged
			return best, &common.NumericalStallError{Iteration: iter, Denominator: pq}
		}
		alpha := rz / pq
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, q)

		res := floats.Norm(r, 2) / bnorm
		if s.Callback != nil {
			s.Callback(iter, x, res)
		}
		if res <= best.Residual {
			copy(best.X, x)
			best.Residual = res
		}
		best.Iterations = iter
		if res <= tol {
			copy(best.X, x)
			best.Residual = res
			best.State = Converged
			return best, nil
		}

		applyPrecond(s.Precond, z, r)
		rzNew := floats.Dot(r, z)
		beta := rzNew / rz
		rz = rzNew
		for i := range p {
			p[i] = z[i] + beta*p[i]
		}
		best.State = Iterating
	}
	best.State = MaxIterReached
	return best, nil
}

// denomTol flags step denominators that are positive only by rounding.
// The operator is symmetric positive definite, so p'Hp far below
// ||p||*||Hp|| means the recurrence has lost orthogonality.
const denomTol = 1e-16

func applyPrecond(m Precond, dst, v []float64) {
	if m == nil {
		copy(dst, v)
		return
	}
	m.Apply(dst, v)
}
