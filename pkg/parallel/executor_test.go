package parallel

import (
	"errors"
	"fmt"
	"testing"
)

// TestSplitBalance verifies that chunks are contiguous and their sizes
// differ by at most one.
func TestSplitBalance(t *testing.T) {
	cases := []struct {
		n, parts int
		sizes    []int
	}{
		{10, 3, []int{4, 3, 3}},
		{9, 3, []int{3, 3, 3}},
		{1, 4, []int{1, 0, 0, 0}},
		{0, 2, []int{0, 0}},
		{7, 1, []int{7}},
	}

	for _, tc := range cases {
		chunks := Split(tc.n, tc.parts)
		if len(chunks) != tc.parts {
			t.Fatalf("Split(%d, %d): expected %d chunks, got %d",
				tc.n, tc.parts, tc.parts, len(chunks))
		}

		// Chunks must tile [0, n) without gaps.
		start := 0
		for i, c := range chunks {
			if c.Start != start {
				t.Errorf("Split(%d, %d): chunk %d starts at %d, expected %d",
					tc.n, tc.parts, i, c.Start, start)
			}
			if c.Len() != tc.sizes[i] {
				t.Errorf("Split(%d, %d): chunk %d has size %d, expected %d",
					tc.n, tc.parts, i, c.Len(), tc.sizes[i])
			}
			start = c.End
		}
		if start != tc.n {
			t.Errorf("Split(%d, %d): chunks end at %d, expected %d",
				tc.n, tc.parts, start, tc.n)
		}
	}
}

// TestSplitNonPositiveParts verifies that a non-positive part count falls
// back to a single chunk.
func TestSplitNonPositiveParts(t *testing.T) {
	chunks := Split(5, 0)
	if len(chunks) != 1 || chunks[0].Start != 0 || chunks[0].End != 5 {
		t.Errorf("Split(5, 0): expected a single [0,5) chunk, got %v", chunks)
	}
}

// TestRunOrder verifies that results come back in chunk order regardless of
// the worker count.
func TestRunOrder(t *testing.T) {
	n := 101
	fn := func(c Chunk) ([]int, error) {
		out := make([]int, 0, c.Len())
		for i := c.Start; i < c.End; i++ {
			out = append(out, i*i)
		}
		return out, nil
	}

	for _, workers := range []int{1, 2, 7, 16} {
		chunks := Split(n, workers)
		results, err := Run(workers, chunks, fn)
		if err != nil {
			t.Fatalf("Run with %d workers failed: %v", workers, err)
		}

		var flat []int
		for _, r := range results {
			flat = append(flat, r...)
		}
		if len(flat) != n {
			t.Fatalf("Run with %d workers: expected %d results, got %d", workers, n, len(flat))
		}
		for i, v := range flat {
			if v != i*i {
				t.Errorf("Run with %d workers: result %d is %d, expected %d", workers, i, v, i*i)
			}
		}
	}
}

// TestRunWorkerError verifies that any chunk error aborts the whole run
// and is reported as ErrWorkerFailure.
func TestRunWorkerError(t *testing.T) {
	boom := errors.New("boom")
	fn := func(c Chunk) (int, error) {
		if c.Start >= 4 {
			return 0, boom
		}
		return c.Len(), nil
	}

	for _, workers := range []int{1, 4} {
		chunks := Split(8, 4)
		results, err := Run(workers, chunks, fn)
		if err == nil {
			t.Fatalf("Run with %d workers: expected an error", workers)
		}
		if !errors.Is(err, ErrWorkerFailure) {
			t.Errorf("Run with %d workers: expected ErrWorkerFailure, got %v", workers, err)
		}
		if results != nil {
			t.Errorf("Run with %d workers: expected no partial results, got %v", workers, results)
		}
	}
}

// TestDefaultWorkers verifies the worker count fallback.
func TestDefaultWorkers(t *testing.T) {
	if got := DefaultWorkers(3); got != 3 {
		t.Errorf("DefaultWorkers(3): expected 3, got %d", got)
	}
	if got := DefaultWorkers(0); got < 1 {
		t.Errorf("DefaultWorkers(0): expected at least 1, got %d", got)
	}
	if got := DefaultWorkers(-2); got < 1 {
		t.Errorf("DefaultWorkers(-2): expected at least 1, got %d", got)
	}
}

// BenchmarkRun benchmarks the fork-join overhead on a trivial workload.
func BenchmarkRun(b *testing.B) {
	fn := func(c Chunk) (float64, error) {
		sum := 0.0
		for i := c.Start; i < c.End; i++ {
			sum += float64(i)
		}
		return sum, nil
	}

	for _, workers := range []int{1, 8} {
		b.Run(fmt.Sprintf("workers-%d", workers), func(b *testing.B) {
			chunks := Split(1<<16, workers)
			for i := 0; i < b.N; i++ {
				if _, err := Run(workers, chunks, fn); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
