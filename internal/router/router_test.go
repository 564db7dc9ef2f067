package router_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/katago-server/internal/router"
	"github.com/stretchr/testify/require"
)

// lineFramer reads "<id> <final|partial> payload" lines.
type lineFramer struct{}

type framingError struct {
	id string
}

func (e framingError) Error() string     { return "bad frame for " + e.id }
func (e framingError) RequestID() string { return e.id }

func (lineFramer) Frame(line []byte) (router.Frame, error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return router.Frame{}, errors.New("garbage")
	}
	switch string(parts[1]) {
	case "final":
		return router.Frame{ID: string(parts[0]), Final: true, Line: line}, nil
	case "partial":
		return router.Frame{ID: string(parts[0]), Line: line}, nil
	case "chatter":
		return router.Frame{}, nil
	default:
		return router.Frame{}, framingError{id: string(parts[0])}
	}
}

func newRouter() *router.Router {
	return router.New(lineFramer{})
}

func TestOutOfOrder(t *testing.T) {
	t.Parallel()
	r := newRouter()
	deadline := time.Now().Add(time.Minute)
	a, err := r.Register("a", deadline, nil)
	require.NoError(t, err)
	b, err := r.Register("b", deadline, nil)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	r.Dispatch([]byte("b final for-b"))
	r.Dispatch([]byte("a final for-a"))

	oa := a.Wait(t.Context())
	ob := b.Wait(t.Context())
	require.NoError(t, oa.Err)
	require.NoError(t, ob.Err)
	require.Equal(t, "a final for-a", string(oa.Frame.Line))
	require.Equal(t, "b final for-b", string(ob.Frame.Line))
	require.Zero(t, r.Len())
}

func TestConcurrentCorrelation(t *testing.T) {
	t.Parallel()
	r := newRouter()
	const n = 64

	var wg sync.WaitGroup
	for i := range n {
		id := fmt.Sprintf("req-%d", i)
		p, err := r.Register(id, time.Now().Add(time.Minute), nil)
		require.NoError(t, err)
		wg.Go(func() {
			o := p.Wait(context.Background())
			if o.Err != nil || string(o.Frame.Line) != id+" final "+id {
				t.Errorf("%s got %q %v", id, o.Frame.Line, o.Err)
			}
		})
	}
	for i := n - 1; i >= 0; i-- {
		go r.Dispatch(fmt.Appendf(nil, "req-%d final req-%d", i, i))
	}
	wg.Wait()
	require.Zero(t, r.Len())
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		r := newRouter()
		start := time.Now()
		p, err := r.Register("slow", start.Add(3*time.Second), nil)
		require.NoError(t, err)

		o := p.Wait(t.Context())
		require.ErrorIs(t, o.Err, router.ErrTimeout)
		require.Equal(t, 3*time.Second, time.Since(start))
		require.Zero(t, r.Len())

		// a late answer is dropped quietly
		r.Dispatch([]byte("slow final too-late"))
		require.False(t, r.Expire("slow"))
	})
}

func TestResponseBeatsTimer(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		r := newRouter()
		p, err := r.Register("x", time.Now().Add(time.Second), nil)
		require.NoError(t, err)

		time.Sleep(999 * time.Millisecond)
		r.Dispatch([]byte("x final ok"))
		time.Sleep(time.Second)
		synctest.Wait()

		o := p.Wait(t.Context())
		require.NoError(t, o.Err)
		require.Equal(t, "x final ok", string(o.Frame.Line))
	})
}

func TestExpireIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newRouter()
	p, err := r.Register("e", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	require.True(t, r.Expire("e"))
	require.False(t, r.Expire("e"))
	r.Dispatch([]byte("e final late"))
	r.FailAll(errors.New("dead"))

	require.ErrorIs(t, p.Wait(t.Context()).Err, router.ErrTimeout)
}

func TestFailAll(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		r := newRouter()
		died := errors.New("process died")
		var pending []*router.Pending
		for i := range 5 {
			p, err := r.Register(fmt.Sprint(i), time.Now().Add(time.Minute), nil)
			require.NoError(t, err)
			pending = append(pending, p)
		}

		start := time.Now()
		r.FailAll(died)
		require.Zero(t, r.Len())
		for _, p := range pending {
			require.ErrorIs(t, p.Wait(t.Context()).Err, died)
		}
		require.Zero(t, time.Since(start))

		// stopped timers never fire a second outcome
		time.Sleep(2 * time.Minute)
		synctest.Wait()
		require.Zero(t, r.Len())

		// the table is usable again, ids may be reused after a crash
		p, err := r.Register("0", time.Now().Add(time.Second), nil)
		require.NoError(t, err)
		r.Dispatch([]byte("0 final again"))
		require.NoError(t, p.Wait(t.Context()).Err)
	})
}

func TestClose(t *testing.T) {
	t.Parallel()
	r := newRouter()
	p, err := r.Register("a", time.Now().Add(time.Minute), nil)
	require.NoError(t, err)

	shutdown := errors.New("shutting down")
	r.Close(shutdown)
	require.ErrorIs(t, p.Wait(t.Context()).Err, shutdown)

	_, err = r.Register("b", time.Now().Add(time.Minute), nil)
	require.ErrorIs(t, err, shutdown)
}

func TestDuplicateID(t *testing.T) {
	t.Parallel()
	r := newRouter()
	_, err := r.Register("dup", time.Now().Add(time.Minute), nil)
	require.NoError(t, err)
	_, err = r.Register("dup", time.Now().Add(time.Minute), nil)
	var derr *router.DuplicateIDError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, "dup", derr.ID)
	require.Equal(t, 1, r.Len())
}

func TestPartials(t *testing.T) {
	t.Parallel()
	r := newRouter()
	var got []string
	p, err := r.Register("p", time.Now().Add(time.Minute), func(f router.Frame) {
		got = append(got, string(f.Line))
	})
	require.NoError(t, err)

	r.Dispatch([]byte("p partial 1"))
	r.Dispatch([]byte("p partial 2"))
	require.Equal(t, 1, r.Len())
	r.Dispatch([]byte("p final 3"))

	o := p.Wait(t.Context())
	require.NoError(t, o.Err)
	require.Equal(t, "p final 3", string(o.Frame.Line))
	require.Equal(t, []string{"p partial 1", "p partial 2"}, got)

	// partials after resolution are dropped
	r.Dispatch([]byte("p partial 4"))
	require.Len(t, got, 2)
}

func TestUnknownAndGarbage(t *testing.T) {
	t.Parallel()
	r := newRouter()
	p, err := r.Register("k", time.Now().Add(time.Minute), nil)
	require.NoError(t, err)

	r.Dispatch([]byte("nobody final x"))
	r.Dispatch([]byte("nobody partial x"))
	r.Dispatch([]byte("garbage"))
	r.Dispatch([]byte("x chatter"))
	r.Dispatch([]byte("nobody broken"))
	require.Equal(t, 1, r.Len())

	r.Dispatch([]byte("k broken"))
	var ferr framingError
	require.ErrorAs(t, p.Wait(t.Context()).Err, &ferr)
	require.Zero(t, r.Len())
}

func TestWaitCanceled(t *testing.T) {
	t.Parallel()
	r := newRouter()
	p, err := r.Register("c", time.Now().Add(time.Minute), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, p.Wait(ctx).Err, context.Canceled)
	require.Zero(t, r.Len())

	// the id is free again and a stale answer does not confuse the new owner
	q, err := r.Register("c", time.Now().Add(time.Minute), nil)
	require.NoError(t, err)
	p.Cancel(errors.New("stale cancel"))
	require.Equal(t, 1, r.Len())
	r.Dispatch([]byte("c final fresh"))
	require.Equal(t, "c final fresh", string(q.Wait(t.Context()).Frame.Line))
}

func TestIDs(t *testing.T) {
	t.Parallel()
	var c router.Counter
	require.Equal(t, "1", c.Next())
	require.Equal(t, "2", c.Next())

	s := router.NewSequence("a", "b")
	require.Equal(t, "a", s.Next())
	require.Equal(t, "b", s.Next())
	require.Equal(t, "seq-1", s.Next())
}

func TestUnattributableLinesAreWarned(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := router.New(lineFramer{}, router.WithLogger(logger))

	r.Dispatch([]byte("x chatter"))
	r.Dispatch([]byte("garbage"))

	logs := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, logs, 2)
	require.Contains(t, logs[0], "level=DEBUG")
	require.Contains(t, logs[1], "level=WARN")
	require.Contains(t, logs[1], `line=garbage`)
}
