package engine_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/katago-server/internal/engine"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const stubEnv = "ENGINE_STUB"

// TestMain turns the test binary into a stub engine when ENGINE_STUB is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(stubEnv); mode != "" {
		os.Exit(stub(mode))
	}
	goleak.VerifyTestMain(m)
}

func stub(mode string) int {
	switch mode {
	case "echo":
		echo()
		return 0
	case "exit":
		fmt.Fprintln(os.Stderr, "fatal: could not load model")
		return 3
	case "flood":
		chunk := strings.Repeat("x", 1023) + "\n"
		for range 4096 {
			_, _ = os.Stderr.WriteString(chunk)
		}
		echo()
		return 0
	case "mute":
		// stdout gone, still alive and reading
		_ = os.Stdout.Close()
		_, _ = io.Copy(io.Discard, os.Stdin)
		return 0
	case "stubborn":
		// ignores stdin EOF
		_, _ = bufio.NewReader(os.Stdin).ReadBytes(0)
		time.Sleep(time.Hour)
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown stub mode", mode)
		return 2
	}
}

func echo() {
	r := bufio.NewReader(os.Stdin)
	w := bufio.NewWriter(os.Stdout)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			_, _ = w.Write(line)
			_ = w.Flush()
		}
		if err != nil {
			return
		}
	}
}

type collector struct {
	mx     sync.Mutex
	lines  []string
	failed []error
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 1024*16)}
}

func (c *collector) Dispatch(line []byte) {
	c.mx.Lock()
	c.lines = append(c.lines, string(line))
	c.mx.Unlock()
	c.seen <- struct{}{}
}

func (c *collector) FailAll(reason error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.failed = append(c.failed, reason)
}

func (c *collector) waitLines(t *testing.T, n int) []string {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for range n {
		select {
		case <-c.seen:
		case <-timeout:
			t.Fatalf("timed out waiting for %d lines", n)
		}
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *collector) failures() []error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]error(nil), c.failed...)
}

func stubCommand(mode string) engine.Command {
	return engine.Command{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  append(os.Environ(), stubEnv+"="+mode),
	}
}

func start(t *testing.T, cmd engine.Command, h engine.LineHandler) *engine.Process {
	t.Helper()
	p, err := engine.Start(t.Context(), cmd, h)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Kill()
		<-p.Exited()
	})
	return p
}

func TestConcurrentSendIntegrity(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("echo"), c)
	require.Equal(t, engine.StateStarting, p.State())
	require.True(t, p.MarkReady())
	require.Equal(t, engine.StateReady, p.State())

	const writers, perWriter = 16, 50
	var want []string
	for w := range writers {
		for i := range perWriter {
			// length varies so torn writes would show
			want = append(want, fmt.Sprintf("w%d-%d-%s", w, i, strings.Repeat("z", (w*perWriter+i)%300)))
		}
	}
	var wg sync.WaitGroup
	for w := range writers {
		wg.Go(func() {
			for _, line := range want[w*perWriter : (w+1)*perWriter] {
				if err := p.Send([]byte(line)); err != nil {
					t.Errorf("send: %v", err)
				}
			}
		})
	}
	wg.Wait()

	got := c.waitLines(t, writers*perWriter)
	require.ElementsMatch(t, want, got)
}

func TestSendGroupIsContiguous(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("echo"), c)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Go(func() {
			lines := make([][]byte, 5)
			for i := range lines {
				lines[i] = fmt.Appendf(nil, "g%d-%d", g, i)
			}
			if err := p.Send(lines...); err != nil {
				t.Errorf("send: %v", err)
			}
		})
	}
	wg.Wait()

	got := c.waitLines(t, 40)
	for i := 0; i < len(got); i += 5 {
		prefix := strings.Split(got[i], "-")[0]
		for j := range 5 {
			require.Equal(t, fmt.Sprintf("%s-%d", prefix, j), got[i+j])
		}
	}
}

func TestLongLine(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("echo"), c)

	long := strings.Repeat("0.123,", 200*1024)
	require.NoError(t, p.Send([]byte(long)))
	require.Equal(t, []string{long}, c.waitLines(t, 1))
}

func TestInvalidLine(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("echo"), c)

	require.ErrorIs(t, p.Send([]byte("a\nb")), engine.ErrInvalidLine)
	require.NoError(t, p.Send([]byte("ok")))
	require.Equal(t, []string{"ok"}, c.waitLines(t, 1))
}

func TestStderrIsDrained(t *testing.T) {
	t.Parallel()
	c := newCollector()
	var mx sync.Mutex
	var stderrLines int
	cmd := stubCommand("flood")
	cmd.Stderr = func(_ context.Context, _ string) {
		mx.Lock()
		stderrLines++
		mx.Unlock()
	}
	p := start(t, cmd, c)

	require.NoError(t, p.Send([]byte("after the flood")))
	require.Equal(t, []string{"after the flood"}, c.waitLines(t, 1))
	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return stderrLines == 4096
	}, 10*time.Second, 10*time.Millisecond)
	require.Len(t, p.StderrTail(), 20)
}

func TestLaunchErrors(t *testing.T) {
	t.Parallel()

	notExec := filepath.Join(t.TempDir(), "katago")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o600))

	var testCases = []struct {
		scenario string
		given    engine.Command
		then     error
	}{
		{"missing binary", engine.Command{Path: filepath.Join(t.TempDir(), "missing")}, fs.ErrNotExist},
		{"not executable", engine.Command{Path: notExec}, fs.ErrPermission},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := engine.Start(t.Context(), tt.given, newCollector())
			var lerr *engine.LaunchError
			require.ErrorAs(t, err, &lerr)
			require.Equal(t, tt.given.Path, lerr.Path)
			require.ErrorIs(t, err, tt.then)
		})
	}
}

func TestExitDuringStartup(t *testing.T) {
	t.Parallel()
	cmd := stubCommand("exit")
	cmd.StartupGrace = 5 * time.Second
	began := time.Now()
	_, err := engine.Start(t.Context(), cmd, newCollector())
	var lerr *engine.LaunchError
	require.ErrorAs(t, err, &lerr)
	require.ErrorIs(t, err, engine.ErrExitedEarly)
	require.Contains(t, lerr.Stderr, "fatal: could not load model")
	require.Less(t, time.Since(began), 5*time.Second)
}

func TestCrashFailsOnce(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("echo"), c)
	require.True(t, p.MarkReady())
	pid := p.Pid()
	require.NotZero(t, pid)

	p.Kill()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not report death")
	}
	require.Equal(t, engine.StateCrashed, p.State())
	require.ErrorIs(t, p.Err(), engine.ErrProcessDied)

	err := p.Send([]byte("anyone?"))
	var werr *engine.WriteError
	require.ErrorAs(t, err, &werr)

	<-p.Exited()
	require.NotNil(t, p.ExitState())
	failures := c.failures()
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], engine.ErrProcessDied)
	require.False(t, p.MarkReady())
}

func TestStop(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("echo"), c)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	<-p.Done()
	require.True(t, p.ExitState().Success())
}

func TestStopKillsStubbornProcess(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("stubborn"), c)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
	<-p.Done()
	require.False(t, p.ExitState().Success())
}

func TestRestartIncarnation(t *testing.T) {
	t.Parallel()
	cmd := stubCommand("echo")
	cmd.Incarnation = 2
	p := start(t, cmd, newCollector())
	require.Equal(t, engine.StateRestarting, p.State())
	require.Equal(t, 2, p.Incarnation())
	require.True(t, p.MarkReady())
}

func TestWriteAfterStdinClosed(t *testing.T) {
	t.Parallel()
	c := newCollector()
	p := start(t, stubCommand("stubborn"), c)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_ = p.Stop(ctx)

	var werr *engine.WriteError
	require.ErrorAs(t, p.Send(bytes.Repeat([]byte("x"), 10)), &werr)
	require.ErrorIs(t, werr, os.ErrClosed)
}

// lateSender sends a request from within FailAll, as a caller that got the
// process just before it died and registered after the drain would.
type lateSender struct {
	proc chan *engine.Process
	errs chan error
}

func (l *lateSender) Dispatch([]byte) {}

func (l *lateSender) FailAll(error) {
	p := <-l.proc
	if p.State() != engine.StateCrashed {
		l.errs <- fmt.Errorf("state during FailAll is %s", p.State())
		return
	}
	l.errs <- p.Send([]byte("late request"))
}

func TestSendAfterCrashBeforeStdinClosed(t *testing.T) {
	t.Parallel()
	l := &lateSender{proc: make(chan *engine.Process, 1), errs: make(chan error, 1)}
	p := start(t, stubCommand("mute"), l)
	l.proc <- p

	var err error
	select {
	case err = <-l.errs:
	case <-time.After(10 * time.Second):
		t.Fatal("FailAll was not called")
	}
	var werr *engine.WriteError
	require.ErrorAs(t, err, &werr)
	require.ErrorIs(t, err, engine.ErrProcessDied)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("crash did not finish")
	}
}
