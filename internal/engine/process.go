// Package engine owns one running KataGo process and its standard streams.
//
// Writes to stdin are serialized by a single mutex, stdout is read by one
// goroutine handing every line to a LineHandler, and stderr is always
// drained. When stdout ends or a write fails the process is considered
// crashed: the handler fails everything outstanding exactly once and Done
// is closed.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/katago-server/internal/log"
)

const stderrTailSize = 20

type StderrFunc func(ctx context.Context, line string)

// LineHandler consumes the engine stdout.
type LineHandler interface {
	Dispatch(line []byte)
	FailAll(reason error)
}

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// StartupGrace is how long the process must survive to count as
	// launched. Zero skips the check.
	StartupGrace time.Duration
	// Incarnation numbers respawns, 0 is the first launch.
	Incarnation int
	Stderr      StderrFunc
}

type Process struct {
	cmd     *exec.Cmd
	handler LineHandler
	ctx     context.Context
	inc     int

	mx          sync.Mutex
	stdin       io.WriteCloser
	w           *bufio.Writer
	stdinClosed bool

	state    atomic.Int32
	stopping atomic.Bool

	crashOnce sync.Once
	crashErr  error
	done      chan struct{}
	exited    chan struct{}
	waitErr   error

	tailMx sync.Mutex
	tail   []string
}

// Start spawns the engine. The context only scopes logging; the process
// lives until it dies, Stop or Kill.
func Start(ctx context.Context, proto Command, handler LineHandler) (*Process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = proto.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Path: proto.Path, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Path: proto.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Path: proto.Path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: proto.Path, Err: err}
	}

	p := &Process{
		cmd:     cmd,
		handler: handler,
		inc:     proto.Incarnation,
		stdin:   stdin,
		w:       bufio.NewWriterSize(stdin, 64*1024),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	p.ctx = log.ContextAttrs(context.WithoutCancel(ctx),
		slog.Int("engine.pid", cmd.Process.Pid),
		slog.Int("engine.incarnation", proto.Incarnation),
	)
	if proto.Incarnation > 0 {
		p.state.Store(int32(StateRestarting))
	} else {
		p.state.Store(int32(StateStarting))
	}
	stderrFunc := proto.Stderr
	if stderrFunc == nil {
		stderrFunc = func(ctx context.Context, line string) {
			slog.DebugContext(ctx, "engine stderr", "line", line)
		}
	}

	var readers sync.WaitGroup
	readers.Go(func() { p.readLoop(stdout) })
	readers.Go(func() { p.drainStderr(stderr, stderrFunc) })
	go p.wait(&readers)

	slog.InfoContext(p.ctx, "engine started", "path", proto.Path, "args", proto.Args)

	if proto.StartupGrace <= 0 {
		return p, nil
	}
	timer := time.NewTimer(proto.StartupGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		return p, nil
	case <-p.done:
		<-p.exited
		return nil, &LaunchError{
			Path:   proto.Path,
			Err:    fmt.Errorf("%w: %v", ErrExitedEarly, p.exitDescription()),
			Stderr: p.StderrTail(),
		}
	case <-ctx.Done():
		p.Kill()
		<-p.exited
		return nil, &LaunchError{Path: proto.Path, Err: ctx.Err(), Stderr: p.StderrTail()}
	}
}

// Send writes lines to stdin, each terminated by \n, flushed once, without
// any other write in between.
func (p *Process) Send(lines ...[]byte) error {
	for _, line := range lines {
		if bytes.ContainsAny(line, "\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidLine, line)
		}
	}

	p.mx.Lock()
	err := p.write(lines)
	p.mx.Unlock()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProcessDied):
		// crash is already running or done, it may be the caller
		return &WriteError{Err: err}
	default:
		werr := &WriteError{Err: err}
		p.crash(fmt.Errorf("%w: %w", ErrProcessDied, werr))
		return werr
	}
}

// write must be called with mx held. The crashed state is stored before
// FailAll runs, so a request registered after FailAll never reaches stdin.
func (p *Process) write(lines [][]byte) error {
	if p.State() == StateCrashed {
		return fmt.Errorf("%w: %w", ErrProcessDied, os.ErrClosed)
	}
	if p.stdinClosed {
		return os.ErrClosed
	}
	for _, line := range lines {
		if _, err := p.w.Write(line); err != nil {
			p.closeStdinLocked()
			return err
		}
		if err := p.w.WriteByte('\n'); err != nil {
			p.closeStdinLocked()
			return err
		}
	}
	if err := p.w.Flush(); err != nil {
		p.closeStdinLocked()
		return err
	}
	return nil
}

func (p *Process) closeStdin() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.closeStdinLocked()
}

func (p *Process) closeStdinLocked() {
	if p.stdinClosed {
		return
	}
	p.stdinClosed = true
	_ = p.stdin.Close()
}

func (p *Process) readLoop(stdout io.Reader) {
	// no limit on line length, policy and ownership arrays are long
	br := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimRight(line, "\r\n"); len(line) > 0 {
			p.handler.Dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.crash(fmt.Errorf("%w: stdout closed", ErrProcessDied))
			} else {
				p.crash(fmt.Errorf("%w: reading stdout: %w", ErrProcessDied, err))
			}
			return
		}
	}
}

func (p *Process) drainStderr(stderr io.Reader, fn StderrFunc) {
	br := bufio.NewReader(stderr)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			p.remember(line)
			fn(p.ctx, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.ErrorContext(p.ctx, "reading engine stderr", "error", err)
			}
			return
		}
	}
}

func (p *Process) remember(line string) {
	p.tailMx.Lock()
	defer p.tailMx.Unlock()
	if len(p.tail) == stderrTailSize {
		copy(p.tail, p.tail[1:])
		p.tail = p.tail[:stderrTailSize-1]
	}
	p.tail = append(p.tail, line)
}

// StderrTail returns the last stderr lines.
func (p *Process) StderrTail() []string {
	p.tailMx.Lock()
	defer p.tailMx.Unlock()
	return append([]string(nil), p.tail...)
}

func (p *Process) wait(readers *sync.WaitGroup) {
	// Wait closes the pipes, the readers must be done first
	readers.Wait()
	p.waitErr = p.cmd.Wait()
	slog.InfoContext(p.ctx, "engine exited", "state", p.exitDescription())
	close(p.exited)
}

func (p *Process) crash(reason error) {
	p.crashOnce.Do(func() {
		p.crashErr = reason
		p.state.Store(int32(StateCrashed))
		if p.stopping.Load() {
			slog.InfoContext(p.ctx, "engine stopped", "reason", reason)
		} else {
			slog.ErrorContext(p.ctx, "engine crashed", "reason", reason, "stderr", p.StderrTail())
		}
		p.handler.FailAll(reason)
		p.closeStdin()
		if !p.stopping.Load() {
			p.Kill()
		}
		close(p.done)
	})
}

// MarkReady records a successful handshake.
func (p *Process) MarkReady() bool {
	if p.state.CompareAndSwap(int32(StateStarting), int32(StateReady)) {
		return true
	}
	return p.state.CompareAndSwap(int32(StateRestarting), int32(StateReady))
}

func (p *Process) State() State {
	return State(p.state.Load())
}

// Stop closes stdin and waits for the process to exit. When ctx ends first
// the process is killed.
func (p *Process) Stop(ctx context.Context) error {
	p.stopping.Store(true)
	p.closeStdin()
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		slog.WarnContext(p.ctx, "engine did not exit in time, killing")
		p.Kill()
		<-p.exited
		return ctx.Err()
	}
}

func (p *Process) Kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(p.ctx, "killing engine", "error", err)
	}
}

// Done is closed once the process crashed or stopped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited is closed once the OS process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Err returns the crash reason, nil while running.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.crashErr
	default:
		return nil
	}
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Incarnation() int {
	return p.inc
}

// ExitState returns the process state once Exited is closed, nil before.
func (p *Process) ExitState() *os.ProcessState {
	select {
	case <-p.exited:
		return p.cmd.ProcessState
	default:
		return nil
	}
}

func (p *Process) exitDescription() string {
	if p.waitErr != nil {
		return p.waitErr.Error()
	}
	if ps := p.cmd.ProcessState; ps != nil {
		return ps.String()
	}
	return "unknown"
}
