// Package parallel provides the chunked fork-join executor used by all
// per-voxel operations. A flat list of N voxels is split into contiguous
// chunks, each chunk is handed to a pure worker function, and the chunk
// results are reassembled in chunk order so that the final voxel order is
// independent of the worker count.
package parallel

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrWorkerFailure is returned when any chunk worker fails. The whole
// operation is aborted; no partial results are returned.
var ErrWorkerFailure = errors.New("parallel worker failure")

// Chunk is a half-open range [Start, End) into a flat voxel list.
type Chunk struct {
	Start, End int
}

// Len returns the number of voxels covered by the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

// DefaultWorkers resolves a caller-supplied worker count. Zero or negative
// means "use all available hardware threads".
func DefaultWorkers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Split partitions n items into parts contiguous chunks whose sizes differ
// by at most one. The first n%parts chunks carry the extra item. Chunks may
// be empty when parts > n.
func Split(n, parts int) []Chunk {
	if parts < 1 {
		parts = 1
	}
	chunks := make([]Chunk, parts)
	base := n / parts
	rem := n % parts
	start := 0
	for i := range chunks {
		size := base
		if i < rem {
			size++
		}
		chunks[i] = Chunk{Start: start, End: start + size}
		start += size
	}
	return chunks
}

// Run executes fn over every chunk and returns the per-chunk results in
// chunk order. With workers == 1 the chunks are processed sequentially on
// the calling goroutine; this path is kept separate so single-threaded
// correctness can be verified on its own. With more workers each chunk runs
// on its own goroutine and results are collected at a single barrier before
// returning.
//
// fn must be referentially transparent: it may read shared matrices and
// spheres but must not mutate anything outside its chunk. Any error from
// any chunk aborts the whole call.
func Run[R any](workers int, chunks []Chunk, fn func(Chunk) (R, error)) ([]R, error) {
	results := make([]R, len(chunks))

	if workers == 1 {
		for i, c := range chunks {
			out, err := fn(c)
			if err != nil {
				return nil, fmt.Errorf("%w: chunk %d: %v", ErrWorkerFailure, i, err)
			}
			results[i] = out
		}
		return results, nil
	}

	type tagged struct {
		idx int
		out R
		err error
	}
	resultChan := make(chan tagged, len(chunks))

	for i, c := range chunks {
		go func(idx int, c Chunk) {
			out, err := fn(c)
			resultChan <- tagged{idx: idx, out: out, err: err}
		}(i, c)
	}

	// Wait for every chunk before surfacing errors so no goroutine is left
	// writing after return.
	errs := make([]error, len(chunks))
	for range chunks {
		res := <-resultChan
		results[res.idx] = res.out
		errs[res.idx] = res.err
	}
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrWorkerFailure, i, err)
		}
	}
	return results, nil
}
