package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/katago-server/internal/engine"
	"github.com/CZERTAINLY/katago-server/internal/log"
	"github.com/CZERTAINLY/katago-server/internal/model"
	"github.com/CZERTAINLY/katago-server/internal/protocol"
	"github.com/CZERTAINLY/katago-server/internal/router"
)

type Service struct {
	cfg    model.Engine
	tr     protocol.Translator
	ids    router.IDs
	rt     *router.Router
	stderr engine.StderrFunc

	// legacy serializes analyses for translators that cannot run several
	// at once, nil otherwise
	legacy *semaphore.Weighted

	mx          sync.RWMutex
	status      Status
	proc        *engine.Process
	version     model.EngineVersion
	incarnation int
	restarts    int // since the last healthy probe
	total       int
	started     time.Time

	inflight      sync.WaitGroup
	scheduler     gocron.Scheduler
	probeFailures int

	ctx            context.Context
	cancel         context.CancelFunc
	supervisorDone chan struct{}
}

type Option func(*Service)

func WithTranslator(tr protocol.Translator) Option {
	return func(s *Service) {
		s.tr = tr
	}
}

func WithIDs(ids router.IDs) Option {
	return func(s *Service) {
		s.ids = ids
	}
}

// WithStderr replaces the default debug logging of engine stderr.
func WithStderr(fn engine.StderrFunc) Option {
	return func(s *Service) {
		s.stderr = fn
	}
}

// New prepares a service for cfg. Nothing is spawned before Start.
func New(cfg model.Engine, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:            cfg,
		ids:            &router.Counter{},
		supervisorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tr == nil {
		tr, err := protocol.New(cfg.Protocol)
		if err != nil {
			return nil, err
		}
		s.tr = tr
	}
	if !s.tr.Capabilities().Concurrent {
		s.legacy = semaphore.NewWeighted(1)
	}
	s.rt = router.New(s.tr)
	s.ctx, s.cancel = context.WithCancel(log.ContextAttrs(context.Background(),
		slog.String("engine.protocol", s.tr.Name()),
	))
	return s, nil
}

// Start launches the engine and waits for its version handshake. A launch
// failure is returned and not retried.
func (s *Service) Start(ctx context.Context) error {
	if !s.transition(StatusStarting, StatusIdle) {
		return fmt.Errorf("service already started: %s", s.Status())
	}
	p, version, err := s.spawn(ctx, 0)
	if err != nil {
		s.transition(StatusStopped, StatusStarting)
		s.cancel()
		close(s.supervisorDone)
		return fail(s.ctx, err, "")
	}

	// the scheduler is set before supervisorDone can close, Close reads it
	// only after that
	scheduler, err := s.startKeepalive()
	if err != nil {
		p.Kill()
		<-p.Exited()
		s.transition(StatusStopped, StatusStarting)
		s.cancel()
		close(s.supervisorDone)
		return err
	}

	s.mx.Lock()
	s.proc = p
	s.version = version
	s.started = time.Now()
	s.scheduler = scheduler
	s.mx.Unlock()
	if !s.transition(StatusReady, StatusStarting) {
		// closed while starting
		close(s.supervisorDone)
		return fail(s.ctx, ErrShuttingDown, "")
	}
	slog.InfoContext(s.ctx, "engine ready", "version", version.Version, "model", s.ModelName())

	go s.supervise()
	return nil
}

// spawn starts incarnation inc of the engine and performs the handshake.
func (s *Service) spawn(ctx context.Context, inc int) (*engine.Process, model.EngineVersion, error) {
	p, err := engine.Start(ctx, engine.Command{
		Path:         s.cfg.Path,
		Args:         s.cfg.Args(),
		Dir:          s.cfg.WorkingDir,
		Env:          s.cfg.Environ(),
		StartupGrace: s.cfg.StartupGrace,
		Incarnation:  inc,
		Stderr:       s.stderr,
	}, s.rt)
	if err != nil {
		return nil, model.EngineVersion{}, err
	}

	cmd := s.tr.EncodeVersion(s.ids.Next())
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	frame, err := s.exchange(hctx, p, cmd, s.cfg.HandshakeTimeout, nil)
	if err == nil {
		var version model.EngineVersion
		version, err = s.tr.DecodeVersion(frame)
		if err == nil {
			p.MarkReady()
			return p, version, nil
		}
	}

	p.Kill()
	<-p.Exited()
	return nil, model.EngineVersion{}, &engine.LaunchError{
		Path:   s.cfg.Path,
		Err:    fmt.Errorf("handshake: %w", err),
		Stderr: p.StderrTail(),
	}
}

// exchange runs one command through the router: register, send, wait.
func (s *Service) exchange(ctx context.Context, p *engine.Process, cmd protocol.EngineCommand, timeout time.Duration, onPartial func(router.Frame)) (router.Frame, error) {
	pending, err := s.rt.Register(cmd.ID, time.Now().Add(timeout), onPartial)
	if err != nil {
		return router.Frame{}, err
	}
	if err := p.Send(cmd.Lines()...); err != nil {
		pending.Cancel(err)
		return router.Frame{}, err
	}
	o := pending.Wait(ctx)
	return o.Frame, o.Err
}

// acquire hands out the live process to one call. The call is counted for
// the shutdown drain under the lock Close takes to flip the status.
func (s *Service) acquire() (*engine.Process, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	switch s.status {
	case StatusReady:
		s.inflight.Add(1)
		return s.proc, nil
	case StatusShuttingDown, StatusStopped:
		return nil, ErrShuttingDown
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotReady, s.status)
	}
}

// Analyze evaluates one position. A non positive timeout means the
// configured move timeout.
func (s *Service) Analyze(ctx context.Context, req model.AnalysisRequest, timeout time.Duration) (model.AnalysisResponse, error) {
	return s.AnalyzeWithProgress(ctx, req, timeout, nil)
}

// AnalyzeWithProgress is Analyze delivering intermediate results of the
// search to progress. progress runs on the engine read loop and must not
// block.
func (s *Service) AnalyzeWithProgress(ctx context.Context, req model.AnalysisRequest, timeout time.Duration, progress func(model.AnalysisResponse)) (model.AnalysisResponse, error) {
	cid := req.RequestID
	if cid == "" {
		cid = uuid.NewString()
	}
	if timeout <= 0 {
		timeout = s.cfg.MoveTimeout
	}
	deadline := time.Now().Add(timeout)
	id := s.ids.Next()
	ctx = log.ContextAttrs(ctx, slog.String("correlation_id", cid), slog.String("engine.id", id))

	cmd, err := s.tr.EncodeAnalyze(id, req)
	if err != nil {
		return model.AnalysisResponse{}, fail(ctx, err, cid)
	}

	p, err := s.acquire()
	if err != nil {
		return model.AnalysisResponse{}, fail(ctx, err, cid)
	}
	defer s.inflight.Done()

	if s.legacy != nil {
		if err := s.acquireLegacy(ctx, deadline); err != nil {
			return model.AnalysisResponse{}, fail(ctx, err, cid)
		}
		defer s.legacy.Release(1)
	}

	onPartial := func(f router.Frame) {
		resp, err := s.tr.DecodeAnalysis(cmd, f)
		var warning *protocol.Warning
		switch {
		case errors.As(err, &warning):
			slog.WarnContext(ctx, "engine warning", "message", warning.Message, "field", warning.Field)
		case err != nil:
			slog.WarnContext(ctx, "dropping undecodable partial result", "error", err)
		case progress != nil:
			resp.ID = cid
			progress(resp)
		}
	}

	start := time.Now()
	frame, err := s.exchange(ctx, p, cmd, time.Until(deadline), onPartial)
	if err != nil {
		return model.AnalysisResponse{}, fail(ctx, err, cid)
	}
	resp, err := s.tr.DecodeAnalysis(cmd, frame)
	if err != nil {
		return model.AnalysisResponse{}, fail(ctx, err, cid)
	}
	resp.ID = cid
	slog.DebugContext(ctx, "analysis done", "took", time.Since(start).Round(time.Millisecond), "moves", len(req.Moves))
	return resp, nil
}

// acquireLegacy waits for the single analysis slot of the legacy protocol.
// The wait counts against the call deadline and ends on shutdown.
func (s *Service) acquireLegacy(ctx context.Context, deadline time.Time) error {
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	if err := s.legacy.Acquire(wctx, 1); err != nil {
		switch {
		case s.ctx.Err() != nil:
			return ErrShuttingDown
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return router.ErrTimeout
		}
	}
	return nil
}

// Version queries the running engine.
func (s *Service) Version(ctx context.Context) (model.EngineVersion, error) {
	cid := uuid.NewString()
	ctx = log.ContextAttrs(ctx, slog.String("correlation_id", cid))
	v, err := s.queryVersion(ctx)
	if err != nil {
		return model.EngineVersion{}, fail(ctx, err, cid)
	}
	return v, nil
}

func (s *Service) queryVersion(ctx context.Context) (model.EngineVersion, error) {
	p, err := s.acquire()
	if err != nil {
		return model.EngineVersion{}, err
	}
	defer s.inflight.Done()
	frame, err := s.exchange(ctx, p, s.tr.EncodeVersion(s.ids.Next()), s.cfg.ControlTimeout, nil)
	if err != nil {
		return model.EngineVersion{}, err
	}
	return s.tr.DecodeVersion(frame)
}

// ClearCache drops the engine neural net cache.
func (s *Service) ClearCache(ctx context.Context) error {
	cid := uuid.NewString()
	ctx = log.ContextAttrs(ctx, slog.String("correlation_id", cid))
	p, err := s.acquire()
	if err != nil {
		return fail(ctx, err, cid)
	}
	defer s.inflight.Done()
	if s.legacy != nil {
		if err := s.acquireLegacy(ctx, time.Now().Add(s.cfg.ControlTimeout)); err != nil {
			return fail(ctx, err, cid)
		}
		defer s.legacy.Release(1)
	}
	frame, err := s.exchange(ctx, p, s.tr.EncodeClearCache(s.ids.Next()), s.cfg.ControlTimeout, nil)
	if err == nil {
		err = s.tr.DecodeClearCache(frame)
	}
	if err != nil {
		return fail(ctx, err, cid)
	}
	slog.InfoContext(ctx, "engine cache cleared")
	return nil
}

// Healthy reports whether the engine is ready, optionally confirmed by a
// version round trip.
func (s *Service) Healthy(ctx context.Context, probe bool) bool {
	if s.Status() != StatusReady {
		return false
	}
	if !probe {
		return true
	}
	_, err := s.queryVersion(ctx)
	return err == nil
}

type Stats struct {
	Status      Status              `json:"status"`
	Incarnation int                 `json:"incarnation"`
	Restarts    int                 `json:"restarts"`
	Outstanding int                 `json:"outstanding"`
	Pid         int                 `json:"pid,omitempty"`
	Uptime      time.Duration       `json:"uptime"`
	Engine      model.EngineVersion `json:"engine"`
}

func (s *Service) Stats() Stats {
	s.mx.RLock()
	defer s.mx.RUnlock()
	st := Stats{
		Status:      s.status,
		Incarnation: s.incarnation,
		Restarts:    s.total,
		Outstanding: s.rt.Len(),
		Engine:      s.version,
	}
	if s.proc != nil {
		st.Pid = s.proc.Pid()
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started)
	}
	return st
}

func (s *Service) Status() Status {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.status
}

// ModelName is the base name of the loaded model file.
func (s *Service) ModelName() string {
	return filepath.Base(s.cfg.ModelPath)
}

// transition moves to next if the current status is one of from and the
// move is allowed.
func (s *Service) transition(next Status, from ...Status) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.transitionLocked(next, from...)
}

func (s *Service) transitionLocked(next Status, from ...Status) bool {
	cur := s.status
	ok := false
	for _, f := range from {
		if f == cur {
			ok = true
			break
		}
	}
	if !ok || !cur.canBecome(next) {
		slog.DebugContext(s.ctx, "ignoring status change", "from", cur, "to", next)
		return false
	}
	s.status = next
	slog.InfoContext(s.ctx, "status changed", "from", cur, "to", next)
	return true
}

// Close drains in-flight calls for at most the configured drain timeout,
// then stops the engine. Calls still outstanding fail.
func (s *Service) Close(ctx context.Context) error {
	s.mx.Lock()
	prev := s.status
	if !s.transitionLocked(StatusShuttingDown, StatusIdle, StatusStarting, StatusReady, StatusCrashed, StatusRestarting) {
		s.mx.Unlock()
		return nil
	}
	s.mx.Unlock()

	if prev == StatusIdle {
		s.cancel()
		s.transition(StatusStopped, StatusShuttingDown)
		return nil
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	select {
	case <-drained:
	case <-dctx.Done():
		slog.WarnContext(s.ctx, "drain timed out, failing outstanding calls", "outstanding", s.rt.Len())
	}
	cancel()

	// stops the supervisor and legacy waiters
	s.cancel()
	<-s.supervisorDone
	s.mx.RLock()
	p := s.proc
	scheduler := s.scheduler
	s.mx.RUnlock()

	var errs []error
	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutting down keepalive: %w", err))
		}
	}
	if p != nil {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.ControlTimeout)
		if err := p.Stop(sctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping engine: %w", err))
		}
		cancel()
	}
	s.rt.Close(ErrShuttingDown)

	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	s.transition(StatusStopped, StatusShuttingDown)
	return errors.Join(errs...)
}
