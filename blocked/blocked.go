// package blocked materializes the action of a virtual kernel matrix as
// a sequence of bounded-size blocks

package blocked

import (
	"runtime"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/common"
	"github.com/Akatsuki96/falkon/kernel"
)

// DefaultMemoryBytes bounds the transient size of one kernel block when
// the caller does not configure a budget.
const DefaultMemoryBytes = 256 << 20

// Config tunes how the virtual kernel matrix is partitioned and
// computed. The zero value uses DefaultMemoryBytes and GOMAXPROCS
// workers. The budget is a performance knob only: results are the same
// within floating tolerance for any budget.
type Config struct {
	// MemoryBytes bounds rows*cols*8 for a single materialized block.
	MemoryBytes int

	// Workers is the number of concurrent block computations.
	Workers int
}

func (c Config) memoryBytes() int {
	if c.MemoryBytes <= 0 {
		return DefaultMemoryBytes
	}
	return c.MemoryBytes
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Workers
}

// Scheduler drives block-wise products against the virtual kernel
// matrix K(x, z) without ever materializing it. Each block is computed,
// consumed and discarded by a single worker; workers write disjoint
// output ranges, and reductions happen in fixed block order, so results
// do not depend on scheduling.
type Scheduler struct {
	kern kernel.Kernel
	x, z *mat.Dense
	cfg  Config

	n, m      int
	blockRows int
	nBlocks   int
}

// NewScheduler validates the kernel and point dimensions and fixes the
// block partition of the n x m virtual matrix.
func NewScheduler(k kernel.Kernel, x, z *mat.Dense, cfg Config) (*Scheduler, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	n, dx := x.Dims()
	m, dz := z.Dims()
	if dx != dz {
		return nil, &common.DimensionMismatchError{Expected: dz, Found: dx}
	}
	rows := cfg.memoryBytes() / (m * 8)
	if rows < 1 {
		rows = 1
	}
	if rows > n {
		rows = n
	}
	return &Scheduler{
		kern:      k,
		x:         x,
		z:         z,
		cfg:       cfg,
		n:         n,
		m:         m,
		blockRows: rows,
		nBlocks:   (n + rows - 1) / rows,
	}, nil
}

// Rows returns n, the row count of the virtual matrix.
func (s *Scheduler) Rows() int { return s.n }

// Cols returns m, the column count of the virtual matrix.
func (s *Scheduler) Cols() int { return s.m }

// BlockRows returns the chosen rows-per-block.
func (s *Scheduler) BlockRows() int { return s.blockRows }

// NumBlocks returns the number of row blocks.
func (s *Scheduler) NumBlocks() int { return s.nBlocks }

// Apply computes dst = K(x, z) * v block by block. dst must have length
// n and v length m; Apply panics otherwise.
func (s *Scheduler) Apply(dst, v []float64) {
	if len(dst) != s.n || len(v) != s.m {
		panic("blocked: slice length mismatch")
	}
	vv := mat.NewVecDense(s.m, v)
	s.eachBlock(func(start, end int, blk *mat.Dense) {
		out := mat.NewVecDense(end-start, dst[start:end])
		out.MulVec(blk, vv)
	})
}

// ApplyT computes dst = K(x, z)^T * v. Per-block partial sums are
// reduced sequentially in block order so the result is reproducible
// regardless of which worker finished first. dst must have length m and
// v length n; ApplyT panics otherwise.
func (s *Scheduler) ApplyT(dst, v []float64) {
	if len(dst) != s.m || len(v) != s.n {
		panic("blocked: slice length mismatch")
	}
	partials := make([]float64, s.nBlocks*s.m)
	s.eachBlock(func(start, end int, blk *mat.Dense) {
		b := start / s.blockRows
		part := mat.NewVecDense(s.m, partials[b*s.m:(b+1)*s.m])
		part.MulVec(blk.T(), mat.NewVecDense(end-start, v[start:end]))
	})
	for i := range dst {
		dst[i] = 0
	}
	for b := 0; b < s.nBlocks; b++ {
		floats.Add(dst, partials[b*s.m:(b+1)*s.m])
	}
}

// Mul computes dst = K(x, z) * b for a dense right-hand side, block by
// block. dst must be n x t and b m x t.
func (s *Scheduler) Mul(dst *mat.Dense, b mat.Matrix) {
	rd, cd := dst.Dims()
	rb, cb := b.Dims()
	if rd != s.n || rb != s.m || cd != cb {
		panic("blocked: matrix size mismatch")
	}
	s.eachBlock(func(start, end int, blk *mat.Dense) {
		out := dst.Slice(start, end, 0, cd).(*mat.Dense)
		out.Mul(blk, b)
	})
}

// eachBlock materializes every row block of K(x, z) across the worker
// pool and hands it to f together with its row range. The block buffer
// is reused within a worker and invalid after f returns.
func (s *Scheduler) eachBlock(f func(start, end int, blk *mat.Dense)) {
	grain := common.GetGrainSize(s.nBlocks, 1, 4)
	common.ParallelForWorkers(s.nBlocks, grain, s.cfg.workers(), func(bs, be int) {
		buf := make([]float64, s.blockRows*s.m)
		for b := bs; b < be; b++ {
			start := b * s.blockRows
			end := start + s.blockRows
			if end > s.n {
				end = s.n
			}
			rows := end - start
			blk := mat.NewDense(rows, s.m, buf[:rows*s.m])
			xb := s.x.Slice(start, end, 0, s.x.RawMatrix().Cols).(*mat.Dense)
			if err := s.kern.Evaluate(blk, xb, s.z); err != nil {
				// Dimensions and parameters were validated at
				// construction.
				panic(err)
			}
			f(start, end, blk)
		}
	})
}
