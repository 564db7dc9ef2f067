package router

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// IDs hands out correlation ids unique for the life of one engine process.
type IDs interface {
	Next() string
}

// Counter yields "1", "2", ... Decimal ids are valid for both wire forms.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Next() string {
	return strconv.FormatUint(c.n.Add(1), 10)
}

// Sequence yields the given ids in order, then falls back to a Counter.
type Sequence struct {
	mx       sync.Mutex
	ids      []string
	fallback Counter
}

func NewSequence(ids ...string) *Sequence {
	return &Sequence{ids: ids}
}

func (s *Sequence) Next() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.ids) == 0 {
		return "seq-" + s.fallback.Next()
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id
}
