package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTimeout = errors.New("no final response before deadline")
	ErrClosed  = errors.New("router closed")
)

// Frame is the envelope of one engine line: who it belongs to and whether
// it ends the exchange. Line is the raw line, owned by the frame.
type Frame struct {
	ID    string
	Final bool
	Line  []byte
}

// Framer extracts the envelope out of a raw engine line. A framing error
// carrying an id is delivered to that caller, see IDError.
type Framer interface {
	Frame(line []byte) (Frame, error)
}

// IDError is implemented by framing errors attributable to a request.
type IDError interface {
	error
	RequestID() string
}

// Outcome is the single resolution of a pending request. Err is nil on
// success.
type Outcome struct {
	Frame Frame
	Err   error
}

type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("request id %q is already pending", e.ID)
}

// Pending is a registered request waiting for its final frame.
type Pending struct {
	id        string
	created   time.Time
	deadline  time.Time
	onPartial func(Frame)
	done      chan Outcome
	timer     *time.Timer
	router    *Router
}

func (p *Pending) ID() string { return p.id }

func (p *Pending) Deadline() time.Time { return p.deadline }

// Wait blocks until p resolves. If ctx ends first, p is canceled with the
// context error and that outcome is returned.
func (p *Pending) Wait(ctx context.Context) Outcome {
	select {
	case o := <-p.done:
		return o
	case <-ctx.Done():
		p.Cancel(ctx.Err())
		return <-p.done
	}
}

// Cancel resolves p with err unless it already resolved. The engine keeps
// computing; the eventual response is discarded as unknown.
func (p *Pending) Cancel(err error) {
	p.router.resolve(p.id, p, Outcome{Err: err})
}

// Router correlates engine lines with outstanding requests. A single mutex
// covers the table for every mutation; an entry is removed under it before
// its outcome is delivered, so each entry is resolved exactly once.
type Router struct {
	framer Framer
	logger *slog.Logger

	mx      sync.Mutex
	pending map[string]*Pending
	closed  error
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

func New(framer Framer, opts ...Option) *Router {
	r := &Router{
		framer:  framer,
		logger:  slog.Default(),
		pending: make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a pending request expiring at deadline. onPartial, if not
// nil, receives every non-final frame for id.
func (r *Router) Register(id string, deadline time.Time, onPartial func(Frame)) (*Pending, error) {
	p := &Pending{
		id:        id,
		created:   time.Now(),
		deadline:  deadline,
		onPartial: onPartial,
		done:      make(chan Outcome, 1),
		router:    r,
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed != nil {
		return nil, r.closed
	}
	if _, ok := r.pending[id]; ok {
		return nil, &DuplicateIDError{ID: id}
	}
	r.pending[id] = p
	p.timer = time.AfterFunc(time.Until(deadline), func() {
		r.resolve(id, p, Outcome{Err: ErrTimeout})
	})
	return p, nil
}

// Dispatch routes one engine line. Unknown ids and unattributable garbage
// are logged and dropped.
func (r *Router) Dispatch(line []byte) {
	frame, err := r.framer.Frame(line)
	if err != nil {
		var idErr IDError
		if errors.As(err, &idErr) && idErr.RequestID() != "" {
			if !r.resolve(idErr.RequestID(), nil, Outcome{Err: err}) {
				r.logger.Warn("malformed line for unknown id", "id", idErr.RequestID(), "line", string(line), "error", err)
			}
			return
		}
		r.logger.Warn("discarding unattributable engine line", "line", string(line), "error", err)
		return
	}
	if frame.ID == "" {
		r.logger.Debug("engine chatter", "line", string(line))
		return
	}

	if !frame.Final {
		r.mx.Lock()
		p, ok := r.pending[frame.ID]
		r.mx.Unlock()
		if !ok {
			r.logger.Debug("partial for unknown id", "id", frame.ID)
			return
		}
		if p.onPartial != nil {
			p.onPartial(frame)
		}
		return
	}

	if !r.resolve(frame.ID, nil, Outcome{Frame: frame}) {
		r.logger.Debug("discarding response for unknown id", "id", frame.ID)
	}
}

// Expire resolves id with ErrTimeout if it is still pending.
func (r *Router) Expire(id string) bool {
	return r.resolve(id, nil, Outcome{Err: ErrTimeout})
}

// FailAll resolves every pending request with reason.
func (r *Router) FailAll(reason error) {
	r.mx.Lock()
	drained := r.pending
	r.pending = make(map[string]*Pending)
	r.mx.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.done <- Outcome{Err: reason}
	}
	if len(drained) > 0 {
		r.logger.Info("failed pending requests", "count", len(drained), "reason", reason)
	}
}

// Close fails everything outstanding and rejects further registrations
// with reason.
func (r *Router) Close(reason error) {
	if reason == nil {
		reason = ErrClosed
	}
	r.mx.Lock()
	if r.closed == nil {
		r.closed = reason
	}
	r.mx.Unlock()
	r.FailAll(reason)
}

func (r *Router) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.pending)
}

// resolve removes id and delivers o. When want is not nil, only that exact
// entry is resolved; it keeps a stale timer from hitting a newer request
// reusing the id.
func (r *Router) resolve(id string, want *Pending, o Outcome) bool {
	r.mx.Lock()
	p, ok := r.pending[id]
	if !ok || (want != nil && p != want) {
		r.mx.Unlock()
		return false
	}
	delete(r.pending, id)
	r.mx.Unlock()

	p.timer.Stop()
	if errors.Is(o.Err, ErrTimeout) {
		r.logger.Warn("request timed out", "id", id, "after", time.Since(p.created).Round(time.Millisecond))
	}
	p.done <- o
	return true
}
