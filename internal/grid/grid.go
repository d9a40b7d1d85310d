// Package grid runs batches of independent numerical tasks across a
// bounded number of goroutines. Every engine loop in the pipeline that is
// parallel by construction (annuli, patches, injection grids, image rows)
// funnels through here, so cancellation and progress reporting behave the
// same everywhere.
package grid

import (
	"context"
	"runtime"
	"sync/atomic"
)

// ProgressCallback reports completion of long-running work. It receives
// the number of completed tasks, the total task count, and a short
// description of the work being performed.
type ProgressCallback func(completed, total int, message string)

// Run executes tasks 0..n-1 with at most workers goroutines in flight and
// waits for all of them. Each task must write only to its own index in
// caller-owned output storage, which keeps the merge deterministic without
// locks. The first task error is returned after all in-flight tasks have
// drained. A canceled context stops unstarted tasks and is reported as the
// context's error.
func Run(ctx context.Context, n, workers int, task func(i int) error) error {
	return RunProgress(ctx, n, workers, nil, "", task)
}

// RunProgress is Run with a completion callback invoked after every task.
// A nil callback disables reporting.
func RunProgress(ctx context.Context, n, workers int, progress ProgressCallback, message string, task func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	sem := make(chan struct{}, workers)
	errCh := make(chan error, n)
	var done int64

	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			err := task(i)
			if progress != nil {
				progress(int(atomic.AddInt64(&done, 1)), n, message)
			}
			errCh <- err
		}(i)
	}

	var first error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}
