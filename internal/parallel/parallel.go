// Package parallel implements bounded-concurrency fan-out for
// parallel.settled / batch (§4.12), using golang.org/x/sync/semaphore to
// cap concurrency and hashicorp/go-multierror to aggregate failures for
// callers that want a single combined error instead of per-item outcomes.
package parallel

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// Outcome is one settled result of a parallel/batch run, §3's "settled
// outcome {ok, value?, error?, index}".
type Outcome[T any] struct {
	Index int
	OK    bool
	Value T
	Err   error
}

// Options configures a Run call.
type Options struct {
	MaxConcurrency int
	OnProgress     func(completed, total int)
	StopOnError    bool
}

// DefaultOptions mirrors §4.12's enumerated defaults.
func DefaultOptions() Options {
	return Options{MaxConcurrency: 5}
}

// Run executes fn once per item, at most opts.MaxConcurrency concurrently,
// and returns exactly one Outcome per item with input order preserved. Run
// itself never returns an error — per §8 "parallel.settled ... never
// throws" — callers that want a combined error can call CombineErrors on
// the result.
func Run[I, T any](ctx context.Context, items []I, opts Options, fn func(ctx context.Context, item I, index int) (T, error)) []Outcome[T] {
	n := len(items)
	out := make([]Outcome[T], n)
	if n == 0 {
		return out
	}

	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 5
	}

	sem := semaphore.NewWeighted(int64(maxConc))
	var wg sync.WaitGroup
	var completed int
	var mu sync.Mutex
	var stopped bool

	for i, item := range items {
		mu.Lock()
		if stopped {
			mu.Unlock()
			out[i] = Outcome[T]{Index: i, OK: false, Err: context.Canceled}
			continue
		}
		mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			out[i] = Outcome[T]{Index: i, OK: false, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, item I) {
			defer wg.Done()
			defer sem.Release(1)

			value, err := fn(ctx, item, i)
			mu.Lock()
			completed++
			if opts.OnProgress != nil {
				opts.OnProgress(completed, n)
			}
			if err != nil && opts.StopOnError {
				stopped = true
			}
			mu.Unlock()

			out[i] = Outcome[T]{Index: i, OK: err == nil, Value: value, Err: err}
		}(i, item)
	}

	wg.Wait()
	return out
}

// CombineErrors aggregates the failed outcomes into a single
// *multierror.Error, or nil if every outcome succeeded.
func CombineErrors[T any](outcomes []Outcome[T]) error {
	var merr *multierror.Error
	for _, o := range outcomes {
		if !o.OK && o.Err != nil {
			merr = multierror.Append(merr, o.Err)
		}
	}
	return merr.ErrorOrNil()
}
