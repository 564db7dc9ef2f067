package service

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/katago-server/internal/router"
)

// supervise watches the current engine and respawns it after a crash,
// until the restart budget is spent or the service shuts down.
func (s *Service) supervise() {
	defer close(s.supervisorDone)
	slog.DebugContext(s.ctx, "starting a supervisor")

	for {
		s.mx.RLock()
		p := s.proc
		s.mx.RUnlock()

		select {
		case <-s.ctx.Done():
			return
		case <-p.Done():
		}

		if !s.transition(StatusCrashed, StatusReady) {
			return
		}
		slog.ErrorContext(s.ctx, "engine died", "reason", p.Err(), "exit", p.ExitState())
		if !s.restart() {
			return
		}
	}
}

// restart respawns the engine with exponential backoff. It reports false
// when the service stays down.
func (s *Service) restart() bool {
	s.mx.RLock()
	budget := s.cfg.MaxRestarts - s.restarts
	s.mx.RUnlock()
	if budget <= 0 {
		slog.ErrorContext(s.ctx, "restart budget exhausted, engine stays down", "max_restarts", s.cfg.MaxRestarts)
		return false
	}

	timer := time.NewTimer(s.cfg.RestartDelay)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = max(s.cfg.RestartDelay, time.Millisecond)
	b.MaxInterval = max(16*s.cfg.RestartDelay, time.Second)
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(budget-1)), s.ctx)

	attempt := func() error {
		s.mx.Lock()
		if !s.transitionLocked(StatusRestarting, StatusCrashed) {
			s.mx.Unlock()
			return backoff.Permanent(ErrShuttingDown)
		}
		s.restarts++
		s.total++
		s.incarnation++
		inc := s.incarnation
		s.mx.Unlock()

		p, version, err := s.spawn(s.ctx, inc)
		if err != nil {
			slog.ErrorContext(s.ctx, "respawning engine failed", "incarnation", inc, "error", err)
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return backoff.Permanent(err)
			}
			s.transition(StatusCrashed, StatusRestarting)
			return err
		}

		s.mx.Lock()
		if s.status != StatusRestarting {
			s.mx.Unlock()
			// shut down meanwhile
			p.Kill()
			<-p.Exited()
			return backoff.Permanent(ErrShuttingDown)
		}
		s.proc = p
		s.version = version
		s.transitionLocked(StatusReady, StatusRestarting)
		s.mx.Unlock()
		slog.InfoContext(s.ctx, "engine restarted", "incarnation", inc, "pid", p.Pid(), "version", version.Version)
		return nil
	}

	if err := backoff.Retry(attempt, policy); err != nil {
		if !errors.Is(err, ErrShuttingDown) && s.ctx.Err() == nil {
			s.transition(StatusCrashed, StatusRestarting)
			slog.ErrorContext(s.ctx, "giving up on the engine", "error", err)
		}
		return false
	}
	return true
}

// startKeepalive schedules the periodic version probe. It returns nil when
// probes are disabled.
func (s *Service) startKeepalive() (gocron.Scheduler, error) {
	if s.cfg.KeepaliveInterval <= 0 {
		return nil, nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.KeepaliveInterval),
		gocron.NewTask(s.probe),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}

// probe sends one version query. Success resets the restart budget, repeated
// timeouts kill the hung engine so the supervisor replaces it.
func (s *Service) probe() {
	if s.Status() != StatusReady {
		return
	}
	_, err := s.queryVersion(s.ctx)
	switch {
	case err == nil:
		s.probeFailures = 0
		s.mx.Lock()
		s.restarts = 0
		s.mx.Unlock()
	case errors.Is(err, router.ErrTimeout):
		s.probeFailures++
		slog.WarnContext(s.ctx, "keepalive probe timed out", "failures", s.probeFailures, "limit", s.cfg.ProbeFailures)
		if s.probeFailures < s.cfg.ProbeFailures {
			return
		}
		s.probeFailures = 0
		s.mx.RLock()
		p := s.proc
		s.mx.RUnlock()
		slog.ErrorContext(s.ctx, "engine is not answering, killing it", "pid", p.Pid())
		p.Kill()
	default:
		slog.DebugContext(s.ctx, "keepalive probe failed", "error", err)
	}
}
