// Package parallel runs independent calls concurrently.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Ordered applies mapFunc to the elements of seq with at most limit calls in
// flight and yields the results in input order. An input error is yielded at
// its position without calling mapFunc. Breaking out of the loop cancels the
// context passed to the calls still running and waits for them.
//
//	for resp, err := range parallel.Ordered(ctx, 4, requests, analyze) {}
func Ordered[E, D any](ctx context.Context, limit int, seq iter.Seq2[E, error], mapFunc func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		var g errgroup.Group
		g.SetLimit(max(limit, 1))
		// one slot per element, in input order
		slots := make(chan chan result[D], 2*max(limit, 1))

		go func() {
			defer close(slots)
			for entry, err := range seq {
				if ctx.Err() != nil {
					return
				}
				slot := make(chan result[D], 1)
				select {
				case slots <- slot:
				case <-ctx.Done():
					return
				}
				if err != nil {
					slot <- result[D]{e: err}
					continue
				}
				g.Go(func() error {
					d, err := mapFunc(ctx, entry)
					slot <- result[D]{d: d, e: err}
					return nil
				})
			}
		}()

		defer func() {
			cancel()
			for range slots {
			}
			_ = g.Wait()
		}()

		for slot := range slots {
			r := <-slot
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
