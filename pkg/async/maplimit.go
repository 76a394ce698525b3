// Package async provides the bounded-concurrency fan-out operator used by
// the tick orchestrator.
package async

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MapLimit applies fn to every item with at most limit invocations in flight.
// Results preserve input order. All started tasks run to completion; the
// first error (by input order) is returned once everything has settled, so a
// caller that wants per-item error handling returns errors inside R instead.
func MapLimit[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	if limit < 1 {
		limit = 1
	}

	sem := semaphore.NewWeighted(int64(limit))
	results := make([]R, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled: mark this and all remaining items.
			for j := i; j < len(items); j++ {
				errs[j] = err
			}
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			results[i], errs[i] = fn(ctx, items[i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
