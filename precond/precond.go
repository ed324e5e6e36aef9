// package precond builds and applies the two-factor preconditioner over
// the landmark kernel matrix

package precond

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/common"
	"github.com/Akatsuki96/falkon/kernel"
)

// Jitter policy: the diagonal shift starts at initialJitter scaled by
// the mean diagonal of K_MM, grows by jitterGrowth per failed
// factorization, and gives up after maxAttempts. Fixed so repeated fits
// reproduce the same factors.
const (
	initialJitter = 1e-10
	jitterGrowth  = 10
	maxAttempts   = 6
)

// Preconditioner holds the triangular factors
//
//	T = chol(K_MM + delta*M*I)
//	A = chol(T*T^T/M + lambda*I)
//
// over the M x M landmark kernel matrix. It is built once per fit,
// immutable afterwards, and safe for concurrent readers. Applying the
// inverse factors costs O(M^2) per vector, against the one-time O(M^3)
// factorization; that trade is what makes iterating on the N-scale
// operator affordable.
type Preconditioner struct {
	m      int
	lambda float64

	t, a *mat.TriDense // upper factors

	jitter   float64
	attempts int
}

// New evaluates the landmark kernel matrix and factors it, retrying
// with a larger diagonal jitter when the matrix is not numerically
// positive definite (duplicate or near-duplicate landmarks). Returns
// *common.PreconditionerFailureError when every attempt fails.
func New(k kernel.Kernel, landmarks *mat.Dense, lambda float64) (*Preconditioner, error) {
	if lambda < 0 || math.IsNaN(lambda) {
		return nil, &common.InvalidParameterError{Name: "lambda", Value: lambda, Reason: "must be non-negative"}
	}
	m, _ := landmarks.Dims()
	kmm := mat.NewDense(m, m, nil)
	if err := k.Evaluate(kmm, landmarks, landmarks); err != nil {
		return nil, err
	}

	// Symmetrize: block evaluation is deterministic but the two
	// triangles come from separate dot products.
	sym := mat.NewSymDense(m, nil)
	var trace float64
	for i := 0; i < m; i++ {
		trace += kmm.At(i, i)
		for j := i; j < m; j++ {
			sym.SetSym(i, j, 0.5*(kmm.At(i, j)+kmm.At(j, i)))
		}
	}
	diagScale := trace / float64(m)
	if diagScale <= 0 || math.IsNaN(diagScale) {
		diagScale = 1
	}

	p := &Preconditioner{m: m, lambda: lambda}
	jitter := initialJitter * diagScale
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p.jitter = jitter
		p.attempts = attempt
		if p.factor(sym, jitter) {
			return p, nil
		}
		jitter *= jitterGrowth
	}
	return nil, &common.PreconditionerFailureError{Attempts: maxAttempts, Jitter: p.jitter}
}

// factor attempts both Cholesky factorizations for a given jitter.
func (p *Preconditioner) factor(sym *mat.SymDense, jitter float64) bool {
	m := p.m
	shifted := mat.NewSymDense(m, nil)
	shifted.CopySym(sym)
	shift := jitter * float64(m)
	for i := 0; i < m; i++ {
		shifted.SetSym(i, i, shifted.At(i, i)+shift)
	}
	var chol mat.Cholesky
	if !chol.Factorize(shifted) {
		return false
	}
	t := mat.NewTriDense(m, mat.Upper, nil)
	chol.UTo(t)

	var tt mat.Dense
	tt.Mul(t, t.T())
	inner := mat.NewSymDense(m, nil)
	invM := 1 / float64(m)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			v := tt.At(i, j) * invM
			if i == j {
				v += p.lambda
			}
			inner.SetSym(i, j, v)
		}
	}
	var cholA mat.Cholesky
	if !cholA.Factorize(inner) {
		return false
	}
	a := mat.NewTriDense(m, mat.Upper, nil)
	cholA.UTo(a)

	if !finite(t) || !finite(a) {
		return false
	}
	p.t, p.a = t, a
	return true
}

func finite(t *mat.TriDense) bool {
	for _, v := range t.RawTriangular().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Dim returns M.
func (p *Preconditioner) Dim() int { return p.m }

// Lambda returns the regularization the factors were built with.
func (p *Preconditioner) Lambda() float64 { return p.lambda }

// Jitter returns the diagonal shift of the successful attempt.
func (p *Preconditioner) Jitter() float64 { return p.jitter }

// Attempts returns how many factorization attempts were needed.
func (p *Preconditioner) Attempts() int { return p.attempts }

// InvT computes dst = T^-1 v by back substitution.
func (p *Preconditioner) InvT(dst, v []float64) { p.solve(p.t, false, dst, v) }

// InvTt computes dst = T^-T v by forward substitution.
func (p *Preconditioner) InvTt(dst, v []float64) { p.solve(p.t, true, dst, v) }

// InvA computes dst = A^-1 v by back substitution.
func (p *Preconditioner) InvA(dst, v []float64) { p.solve(p.a, false, dst, v) }

// InvAt computes dst = A^-T v by forward substitution.
func (p *Preconditioner) InvAt(dst, v []float64) { p.solve(p.a, true, dst, v) }

// TMul computes dst = T v. Used to map warm-start coefficients into the
// preconditioned space.
func (p *Preconditioner) TMul(dst, v []float64) { p.mul(p.t, dst, v) }

// AMul computes dst = A v.
func (p *Preconditioner) AMul(dst, v []float64) { p.mul(p.a, dst, v) }

func (p *Preconditioner) solve(t *mat.TriDense, trans bool, dst, v []float64) {
	if len(dst) != p.m || len(v) != p.m {
		panic("precond: slice length mismatch")
	}
	out := mat.NewDense(p.m, 1, dst)
	if err := t.SolveTo(out, trans, mat.NewDense(p.m, 1, v)); err != nil {
		if _, ok := err.(mat.Condition); ok {
			// Near-singular factor: the substitution result is still
			// valid, the jitter keeps the diagonal strictly positive.
			return
		}
		panic(err)
	}
}

func (p *Preconditioner) mul(t *mat.TriDense, dst, v []float64) {
	if len(dst) != p.m || len(v) != p.m {
		panic("precond: slice length mismatch")
	}
	out := mat.NewVecDense(p.m, dst)
	out.MulVec(t, mat.NewVecDense(p.m, v))
}
