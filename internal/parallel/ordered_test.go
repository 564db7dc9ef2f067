package parallel_test

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/katago-server/internal/parallel"
)

func TestOrdered(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d / time.Second), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	// slow first, results must still come back in input order
	input := []time.Duration{10 * time.Second, 1 * time.Second, 5 * time.Second, 2 * time.Second}

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 10 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				var got []int
				for v, err := range parallel.Ordered(t.Context(), tt.given, all(input), f) {
					require.NoError(t, err)
					got = append(got, v)
				}
				require.Equal(t, []int{10, 1, 5, 2}, got)
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestOrderedLimit(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var running, peak atomic.Int32
		f := func(context.Context, int) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Second)
			running.Add(-1)
			return int(n), nil
		}
		count := 0
		for _, err := range parallel.Ordered(t.Context(), 3, all(make([]int, 12)), f) {
			require.NoError(t, err)
			count++
		}
		require.Equal(t, 12, count)
		require.Equal(t, int32(3), peak.Load())
	})
}

func TestOrderedInputErrors(t *testing.T) {
	t.Parallel()
	bad := errors.New("undecodable")
	seq := func(yield func(int, error) bool) {
		for i, err := range []error{nil, bad, nil} {
			if !yield(i, err) {
				return
			}
		}
	}
	var errs []error
	var values []int
	for v, err := range parallel.Ordered(t.Context(), 2, seq, func(_ context.Context, i int) (int, error) { return i * 10, nil }) {
		values = append(values, v)
		errs = append(errs, err)
	}
	require.Equal(t, []int{0, 0, 20}, values)
	require.Equal(t, []error{nil, bad, nil}, errs)
}

func TestOrderedBreakCancels(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var canceled atomic.Int32
		f := func(ctx context.Context, d time.Duration) (time.Duration, error) {
			select {
			case <-time.After(d):
				return d, nil
			case <-ctx.Done():
				canceled.Add(1)
				return 0, ctx.Err()
			}
		}
		start := time.Now()
		for range parallel.Ordered(t.Context(), 4, all([]time.Duration{time.Second, time.Hour, time.Hour}), f) {
			break
		}
		require.Equal(t, time.Second, time.Since(start))
		require.Equal(t, int32(2), canceled.Load())
	})
}

func TestOrderedContextCanceled(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		f := func(ctx context.Context, _ int) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		start := time.Now()
		for _, err := range parallel.Ordered(ctx, 1, all([]int{1, 2, 3}), f) {
			require.ErrorIs(t, err, context.DeadlineExceeded)
		}
		require.Equal(t, time.Second, time.Since(start))
	})
}

func all[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}
