// Package falkon fits kernel ridge regression on datasets too large to
// hold a full kernel matrix, combining a Nystrom approximation over a
// set of landmark points with a preconditioned conjugate-gradient
// solver that computes kernel blocks on demand under a memory budget.
package falkon

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/blocked"
	"github.com/Akatsuki96/falkon/centers"
	"github.com/Akatsuki96/falkon/common"
	"github.com/Akatsuki96/falkon/conjgrad"
	"github.com/Akatsuki96/falkon/kernel"
	"github.com/Akatsuki96/falkon/precond"
)

// SolverConfig tunes one fit call. The zero value uses the conjugate
// gradient defaults (tolerance 1e-6, 100 iterations), a 256 MiB block
// budget and GOMAXPROCS workers.
type SolverConfig struct {
	// Tolerance is the relative residual at which a solve converges.
	Tolerance float64

	// MaxIterations caps the conjugate-gradient iterations per output.
	MaxIterations int

	// MemoryBytes bounds the transient size of one kernel block.
	MemoryBytes int

	// Workers is the number of concurrent block computations.
	Workers int

	// InitialCoeffs warm-starts the solve with M x T coefficients from
	// a previous model when non-nil.
	InitialCoeffs *mat.Dense

	// Monitor, when non-nil, observes the solve every MonitorEvery
	// iterations with the output column, iteration count, current
	// coefficients over the landmarks and relative residual. The
	// coefficient slice is reused and must not be retained.
	Monitor func(output, iter int, coeffs []float64, residual float64)

	// MonitorEvery controls how often Monitor fires. Zero means every
	// iteration.
	MonitorEvery int
}

// Report summarizes how a fit went.
type Report struct {
	// Iterations is the largest iteration count over output columns.
	Iterations int

	// Residual is the worst final relative residual over outputs.
	Residual float64

	// State is the worst terminal solver state over outputs.
	State conjgrad.State

	// PrecondAttempts is how many jitter attempts the preconditioner
	// needed.
	PrecondAttempts int
}

// Fit selects m landmarks from x, builds the landmark preconditioner
// and solves the preconditioned normal equations
//
//	(K_NM^T K_NM / N + lambda*K_MM) alpha = K_NM^T y / N
//
// one output column at a time. sel may be nil, which means uniform
// selection with seed 0. A solve that stalls after making progress
// yields a usable model with Report.State == Diverged; a stall with no
// completed iterations is fatal.
func Fit(ctx context.Context, x, y mat.Matrix, k kernel.Kernel, lambda float64, m int, sel centers.Selector, cfg SolverConfig) (*Model, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if err := common.VerifyInputs(x, y); err != nil {
		return nil, err
	}
	if lambda < 0 || math.IsNaN(lambda) {
		return nil, &common.InvalidParameterError{Name: "lambda", Value: lambda, Reason: "must be non-negative"}
	}
	if sel == nil {
		sel = centers.Uniform{}
	}
	xd := denseOf(x)
	yd := denseOf(y)

	lms, err := sel.Select(xd, m)
	if err != nil {
		return nil, err
	}
	prec, err := precond.New(k, lms.Points(), lambda)
	if err != nil {
		return nil, err
	}
	bcfg := blocked.Config{MemoryBytes: cfg.MemoryBytes, Workers: cfg.Workers}
	sched, err := blocked.NewScheduler(k, xd, lms.Points(), bcfg)
	if err != nil {
		return nil, err
	}

	n, _ := xd.Dims()
	_, outputs := yd.Dims()
	mm := lms.Len()
	op := &normalOperator{
		sched:  sched,
		prec:   prec,
		lambda: lambda,
		n:      n,
		m:      mm,
		u1:     make([]float64, mm),
		u2:     make([]float64, mm),
		u3:     make([]float64, mm),
		w:      make([]float64, n),
	}

	coeffs := mat.NewDense(mm, outputs, nil)
	report := Report{State: conjgrad.Converged, PrecondAttempts: prec.Attempts()}
	ycol := make([]float64, n)
	rhs := make([]float64, mm)
	tmp := make([]float64, mm)
	alpha := make([]float64, mm)
	for j := 0; j < outputs; j++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// rhs = A^-T T^-T K_NM^T y / N
		mat.Col(ycol, j, yd)
		sched.ApplyT(tmp, ycol)
		floats.Scale(1/float64(n), tmp)
		prec.InvTt(rhs, tmp)
		copy(tmp, rhs)
		prec.InvAt(rhs, tmp)

		settings := conjgrad.Settings{
			Tolerance:     cfg.Tolerance,
			MaxIterations: cfg.MaxIterations,
		}
		if cfg.InitialCoeffs != nil {
			settings.InitialX = toPreconditioned(prec, cfg.InitialCoeffs, j, tmp)
		}
		if cfg.Monitor != nil {
			every := cfg.MonitorEvery
			if every <= 0 {
				every = 1
			}
			out := j
			settings.Callback = func(iter int, beta []float64, residual float64) {
				if iter%every != 0 {
					return
				}
				fromPreconditioned(prec, alpha, beta, tmp)
				cfg.Monitor(out, iter, alpha, residual)
			}
		}

		res, err := conjgrad.Solve(ctx, op, rhs, settings)
		if err != nil {
			var stall *common.NumericalStallError
			if !errors.As(err, &stall) || res.Iterations == 0 {
				return nil, err
			}
			// Partial result: keep the best solution seen so far.
		}
		fromPreconditioned(prec, alpha, res.X, tmp)
		coeffs.SetCol(j, alpha)
		report.merge(res)
	}

	return &Model{
		kern:      k,
		lambda:    lambda,
		landmarks: lms,
		coeffs:    coeffs,
		cfg:       bcfg,
		report:    report,
	}, nil
}

func (r *Report) merge(res conjgrad.Result) {
	if res.Iterations > r.Iterations {
		r.Iterations = res.Iterations
	}
	if res.Residual > r.Residual {
		r.Residual = res.Residual
	}
	if stateSeverity(res.State) > stateSeverity(r.State) {
		r.State = res.State
	}
}

func stateSeverity(s conjgrad.State) int {
	switch s {
	case conjgrad.Converged:
		return 0
	case conjgrad.MaxIterReached:
		return 1
	case conjgrad.Diverged:
		return 2
	}
	return 3
}

// normalOperator applies the preconditioned normal-equations map
//
//	H v = A^-T (T^-T (K_NM^T (K_NM T^-1 A^-1 v)) / N + lambda A^-1 v)
//
// The lambda term uses K_MM = T^T T, which the factors cancel exactly.
// Scratch vectors are reused; the solver applies the operator
// sequentially.
type normalOperator struct {
	sched  *blocked.Scheduler
	prec   *precond.Preconditioner
	lambda float64
	n, m   int

	u1, u2, u3 []float64
	w          []float64
}

func (o *normalOperator) Dim() int { return o.m }

func (o *normalOperator) Apply(dst, v []float64) {
	o.prec.InvA(o.u1, v)
	o.prec.InvT(o.u2, o.u1)
	o.sched.Apply(o.w, o.u2)
	o.sched.ApplyT(o.u3, o.w)
	floats.Scale(1/float64(o.n), o.u3)
	o.prec.InvTt(o.u2, o.u3)
	floats.AddScaled(o.u2, o.lambda, o.u1)
	o.prec.InvAt(dst, o.u2)
}

// fromPreconditioned maps beta from the preconditioned space back to
// coefficients over the landmarks: alpha = T^-1 A^-1 beta.
func fromPreconditioned(p *precond.Preconditioner, alpha, beta, tmp []float64) {
	p.InvA(tmp, beta)
	p.InvT(alpha, tmp)
}

// toPreconditioned maps warm-start coefficients into the solver space:
// beta = A T alpha.
func toPreconditioned(p *precond.Preconditioner, coeffs *mat.Dense, col int, tmp []float64) []float64 {
	m := p.Dim()
	alpha := make([]float64, m)
	mat.Col(alpha, col, coeffs)
	p.TMul(tmp, alpha)
	beta := make([]float64, m)
	p.AMul(beta, tmp)
	return beta
}

func denseOf(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}
