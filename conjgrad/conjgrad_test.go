package conjgrad

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/common"
)

// denseOp applies a dense symmetric positive-definite matrix.
type denseOp struct {
	a *mat.SymDense
}

func (d denseOp) Dim() int {
	return d.a.SymmetricDim()
}

func (d denseOp) Apply(dst, v []float64) {
	out := mat.NewVecDense(len(dst), dst)
	out.MulVec(d.a, mat.NewVecDense(len(v), v))
}

// zeroOp collapses every step denominator.
type zeroOp struct{ n int }

func (z zeroOp) Dim() int { return z.n }
func (z zeroOp) Apply(dst, v []float64) {
	for i := range dst {
		dst[i] = 0
	}
}

// spd builds B^T B + I, which is well conditioned enough for fast
// convergence.
func spd(rnd *rand.Rand, n int) *mat.SymDense {
	b := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b.Set(i, j, rnd.NormFloat64())
		}
	}
	var btb mat.Dense
	btb.Mul(b.T(), b)
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.5 * (btb.At(i, j) + btb.At(j, i))
			if i == j {
				v += float64(n)
			}
			s.SetSym(i, j, v)
		}
	}
	return s
}

func randomSlice(rnd *rand.Rand, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = rnd.NormFloat64()
	}
	return s
}

func TestSolveMatchesDirect(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	const n = 12
	a := spd(rnd, n)
	b := randomSlice(rnd, n)

	res, err := Solve(context.Background(), denseOp{a}, b, Settings{Tolerance: 1e-12, MaxIterations: 200})
	require.NoError(t, err)
	require.Equal(t, Converged, res.State)
	require.LessOrEqual(t, res.Residual, 1e-12)

	var chol mat.Cholesky
	require.True(t, chol.Factorize(a))
	want := mat.NewVecDense(n, nil)
	require.NoError(t, chol.SolveVecTo(want, mat.NewVecDense(n, b)))
	require.True(t, floats.EqualApprox(want.RawVector().Data, res.X, 1e-8))
}

// TestResidualHistory checks that the relative residual decreases, up
// to a small floating-point band, on a well-conditioned system.
func TestResidualHistory(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	const n = 30
	a := spd(rnd, n)
	b := randomSlice(rnd, n)

	var history []float64
	settings := Settings{
		Tolerance:     1e-10,
		MaxIterations: 300,
		Callback: func(iter int, x []float64, residual float64) {
			require.Equal(t, len(history)+1, iter)
			history = append(history, residual)
		},
	}
	res, err := Solve(context.Background(), denseOp{a}, b, settings)
	require.NoError(t, err)
	require.Equal(t, Converged, res.State)
	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		require.LessOrEqual(t, history[i], history[i-1]*1.5,
			"residual rose sharply at iteration %d", i+1)
	}
	require.Equal(t, res.Residual, history[len(history)-1])
}

func TestMaxIterationsPartialResult(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	const n = 40
	a := spd(rnd, n)
	b := randomSlice(rnd, n)

	res, err := Solve(context.Background(), denseOp{a}, b, Settings{Tolerance: 1e-16, MaxIterations: 2})
	require.NoError(t, err)
	require.Equal(t, MaxIterReached, res.State)
	require.Equal(t, 2, res.Iterations)
	// The partial solution must still be an improvement on the zero
	// initial guess.
	require.Less(t, res.Residual, 1.0)
}

func TestStall(t *testing.T) {
	b := []float64{1, 2, 3}
	res, err := Solve(context.Background(), zeroOp{3}, b, Settings{})
	var stall *common.NumericalStallError
	require.ErrorAs(t, err, &stall)
	require.Equal(t, 1, stall.Iteration)
	require.Equal(t, Diverged, res.State)
	require.Equal(t, 0, res.Iterations)
}

func TestZeroRHS(t *testing.T) {
	res, err := Solve(context.Background(), zeroOp{4}, make([]float64, 4), Settings{})
	require.NoError(t, err)
	require.Equal(t, Converged, res.State)
	require.Equal(t, 0, res.Iterations)
	require.True(t, floats.Equal(make([]float64, 4), res.X))
}

func TestWarmStart(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))
	const n = 10
	a := spd(rnd, n)
	b := randomSlice(rnd, n)

	first, err := Solve(context.Background(), denseOp{a}, b, Settings{Tolerance: 1e-12, MaxIterations: 100})
	require.NoError(t, err)

	warm, err := Solve(context.Background(), denseOp{a}, b, Settings{
		Tolerance:     1e-10,
		MaxIterations: 100,
		InitialX:      first.X,
	})
	require.NoError(t, err)
	require.Equal(t, Converged, warm.State)
	require.Equal(t, 0, warm.Iterations)
}

func TestCancellation(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	const n = 20
	a := spd(rnd, n)
	b := randomSlice(rnd, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Solve(ctx, denseOp{a}, b, Settings{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		Initialized:    "initialized",
		Iterating:      "iterating",
		Converged:      "converged",
		MaxIterReached: "max iterations reached",
		Diverged:       "diverged",
		State(99):      "unknown",
	} {
		require.Equal(t, want, state.String())
	}
}
