package common

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// GetGrainSize returns a reasonable chunk size for ParallelFor
func GetGrainSize(n, minGrainSize, maxGrainSize int) int {
	procs := runtime.GOMAXPROCS(0)
	grainPerProc := n / procs
	if grainPerProc < minGrainSize {
		return minGrainSize
	}
	if grainPerProc > maxGrainSize {
		return maxGrainSize
	}
	return grainPerProc
}

// ParallelFor computes the function f in parallel using chunks of the
// given size, spread over GOMAXPROCS goroutines
func ParallelFor(n, grain int, f func(start, end int)) {
	ParallelForWorkers(n, grain, 0, f)
}

// ParallelForWorkers is ParallelFor with an explicit worker count.
// workers <= 0 means GOMAXPROCS. Chunks are handed out dynamically;
// f must treat [start, end) ranges as disjoint work.
func ParallelForWorkers(n, grain, workers int, f func(start, end int)) {
	if n == 0 {
		return
	}
	if grain < 1 {
		grain = 1
	}
	p := workers
	if p <= 0 {
		p = runtime.GOMAXPROCS(0)
	}
	if p > (n+grain-1)/grain {
		p = (n + grain - 1) / grain
	}
	var idx atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(p)
	for w := 0; w < p; w++ {
		go func() {
			defer wg.Done()
			for {
				start := int(idx.Add(uint64(grain))) - grain
				if start >= n {
					break
				}
				end := start + grain
				if end > n {
					end = n
				}
				f(start, end)
			}
		}()
	}
	wg.Wait()
}
