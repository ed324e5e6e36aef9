package kernel

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/common"
)

func TestKernelValues(t *testing.T) {
	for _, test := range []struct {
		name string
		kern Kernel
		x, z []float64
		want float64
	}{
		{
			name: "gaussian unit bandwidth",
			kern: Gaussian{Sigma: 1},
			x:    []float64{0, 0},
			z:    []float64{3, 4},
			want: math.Exp(-12.5),
		},
		{
			name: "gaussian same point",
			kern: Gaussian{Sigma: 0.3},
			x:    []float64{1.5, -2},
			z:    []float64{1.5, -2},
			want: 1,
		},
		{
			name: "laplacian",
			kern: Laplacian{Sigma: 2},
			x:    []float64{0, 0},
			z:    []float64{3, 4},
			want: math.Exp(-2.5),
		},
		{
			name: "linear",
			kern: Linear{Beta: 1.5, Gamma: 2},
			x:    []float64{1, 2},
			z:    []float64{3, -1},
			want: 1.5 + 2*(3-2),
		},
		{
			name: "exponential",
			kern: Exponential{Alpha: 3},
			x:    []float64{1, 2},
			z:    []float64{3, -1},
			want: math.Exp(3 * (3 - 2)),
		},
		{
			name: "polynomial",
			kern: Polynomial{Alpha: 0.5, Beta: 1, Degree: 3},
			x:    []float64{2, 0},
			z:    []float64{1, 5},
			want: math.Pow(0.5*2+1, 3),
		},
		{
			name: "polynomial fractional degree",
			kern: Polynomial{Alpha: 2, Beta: 3, Degree: 1.4},
			x:    []float64{2, 0},
			z:    []float64{1, 5},
			want: math.Pow(2*2+3, 1.4),
		},
	} {
		dst := mat.NewDense(1, 1, nil)
		x := mat.NewDense(1, len(test.x), test.x)
		z := mat.NewDense(1, len(test.z), test.z)
		if err := test.kern.Evaluate(dst, x, z); err != nil {
			t.Errorf("%v: unexpected error %v", test.name, err)
			continue
		}
		if !scalar.EqualWithinAbsOrRel(dst.At(0, 0), test.want, 1e-14, 1e-14) {
			t.Errorf("%v: kernel value mismatch. expected %v, found %v", test.name, test.want, dst.At(0, 0))
		}
	}
}

// TestBlockDecomposability checks that evaluating the full matrix and
// evaluating any partition of rows and columns give the same values, so
// the block scheduler can tile evaluations freely.
func TestBlockDecomposability(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	const (
		nRows = 43
		nCols = 26
		dim   = 4
	)
	x := randomMat(rnd, nRows, dim)
	z := randomMat(rnd, nCols, dim)

	for _, kern := range []Kernel{
		Gaussian{Sigma: 0.8},
		Laplacian{Sigma: 1.2},
		Linear{Beta: 0.5, Gamma: 1},
		Exponential{Alpha: 0.5},
		Polynomial{Alpha: 0.25, Beta: 1, Degree: 2},
	} {
		full := mat.NewDense(nRows, nCols, nil)
		require.NoError(t, kern.Evaluate(full, x, z))

		for _, blockSize := range []int{1, 7, 17, nRows} {
			tiled := mat.NewDense(nRows, nCols, nil)
			for rs := 0; rs < nRows; rs += blockSize {
				re := rs + blockSize
				if re > nRows {
					re = nRows
				}
				for cs := 0; cs < nCols; cs += 9 {
					ce := cs + 9
					if ce > nCols {
						ce = nCols
					}
					blk := mat.NewDense(re-rs, ce-cs, nil)
					xb := x.Slice(rs, re, 0, dim)
					zb := z.Slice(cs, ce, 0, dim)
					require.NoError(t, kern.Evaluate(blk, xb, zb))
					tiled.Slice(rs, re, cs, ce).(*mat.Dense).Copy(blk)
				}
			}
			if !mat.EqualApprox(full, tiled, 1e-13) {
				t.Errorf("%v: block size %d does not reproduce the full evaluation", kern.Kind(), blockSize)
			}
		}
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name string
		kern Kernel
	}{
		{name: "gaussian zero sigma", kern: Gaussian{Sigma: 0}},
		{name: "gaussian negative sigma", kern: Gaussian{Sigma: -1}},
		{name: "gaussian nan sigma", kern: Gaussian{Sigma: math.NaN()}},
		{name: "laplacian zero sigma", kern: Laplacian{Sigma: 0}},
		{name: "linear zero gamma", kern: Linear{Gamma: 0}},
		{name: "exponential zero alpha", kern: Exponential{Alpha: 0}},
		{name: "polynomial zero alpha", kern: Polynomial{Alpha: 0, Degree: 2}},
		{name: "polynomial zero degree", kern: Polynomial{Alpha: 1, Degree: 0}},
		{name: "polynomial sub-one degree", kern: Polynomial{Alpha: 1, Degree: 0.5}},
	} {
		err := test.kern.Validate()
		var invalid *common.InvalidParameterError
		if !errors.As(err, &invalid) {
			t.Errorf("%v: expected InvalidParameterError, found %v", test.name, err)
		}
		dst := mat.NewDense(1, 1, nil)
		one := mat.NewDense(1, 1, []float64{1})
		if err := test.kern.Evaluate(dst, one, one); !errors.As(err, &invalid) {
			t.Errorf("%v: Evaluate did not reject invalid parameters", test.name)
		}
	}
}

func TestDimensionMismatch(t *testing.T) {
	x := mat.NewDense(4, 3, nil)
	z := mat.NewDense(5, 2, nil)
	dst := mat.NewDense(4, 5, nil)
	err := Gaussian{Sigma: 1}.Evaluate(dst, x, z)
	var mismatch *common.DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, 3, mismatch.Expected)
	require.Equal(t, 2, mismatch.Found)
}

// TestDistanceClamp fans a point against near-copies of itself; the
// squared-distance expansion must never go negative and feed NaN into
// the exponential.
func TestDistanceClamp(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	x := randomMat(rnd, 20, 6)
	dst := mat.NewDense(20, 20, nil)
	require.NoError(t, Gaussian{Sigma: 0.5}.Evaluate(dst, x, x))
	for i := 0; i < 20; i++ {
		for j := 0; j < 20; j++ {
			v := dst.At(i, j)
			if math.IsNaN(v) || v > 1 || v <= 0 {
				t.Fatalf("kernel value out of range at (%d,%d): %v", i, j, v)
			}
		}
		if !scalar.EqualWithinAbs(dst.At(i, i), 1, 1e-12) {
			t.Errorf("diagonal entry %d is %v, expected 1", i, dst.At(i, i))
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, kern := range []Kernel{
		Gaussian{Sigma: 2.5},
		Laplacian{Sigma: 0.1},
		Linear{Beta: 1, Gamma: 3},
		Exponential{Alpha: 2},
		Polynomial{Alpha: 0.5, Beta: 2, Degree: 1.4},
	} {
		params, err := json.Marshal(kern)
		require.NoError(t, err)
		decoded, err := Decode(kern.Kind(), params)
		require.NoError(t, err)
		require.Equal(t, kern, decoded)
	}

	_, err := Decode("spline", nil)
	require.Error(t, err)

	_, err = Decode(KindGaussian, json.RawMessage(`{"Sigma":-3}`))
	var invalid *common.InvalidParameterError
	require.ErrorAs(t, err, &invalid)
}

func randomMat(rnd *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rnd.NormFloat64())
		}
	}
	return m
}
