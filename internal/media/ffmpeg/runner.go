// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/transcoder/internal/log"
	"github.com/ManuGH/transcoder/internal/media/ffmpeg/watchdog"
	"github.com/ManuGH/transcoder/internal/metrics"
	"github.com/ManuGH/transcoder/internal/procgroup"
)

// Exit reasons reported in ExitStatus.Reason. Watchdog reasons
// (start_timeout, stalled, max_runtime) are passed through as is.
const (
	ReasonClean   = "clean"
	ReasonError   = "error"
	ReasonStopped = "stopped"
)

const (
	defaultBin         = "ffmpeg"
	defaultKillTimeout = 5 * time.Second
	stderrTailLines    = 20
)

// ExitStatus describes how an encoder process ended.
type ExitStatus struct {
	Code      int
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	// Stderr holds the last stderr lines when the exit was not clean.
	Stderr []string
}

// Runtime is the wall-clock lifetime of the process.
func (s ExitStatus) Runtime() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Runner spawns encoder processes. It never retries.
type Runner struct {
	Bin         string
	KillTimeout time.Duration
	Watchdog    watchdog.Config
	// Stdout and Stderr receive the relayed process output. nil means the
	// host's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// NewRunner creates a Runner relaying to the host's stdout and stderr.
func NewRunner(bin string, killTimeout time.Duration, wd watchdog.Config) *Runner {
	return &Runner{Bin: bin, KillTimeout: killTimeout, Watchdog: wd}
}

// Process is one running encoder. Exactly one goroutine owns cmd.Wait.
type Process struct {
	cmd         *exec.Cmd
	inv         Invocation
	ring        *LineRing
	wd          *watchdog.Watchdog
	killTimeout time.Duration
	startedAt   time.Time
	logger      zerolog.Logger

	exited chan struct{} // closed once cmd.Wait returns
	done   chan struct{} // closed once status is final
	status ExitStatus

	mu         sync.Mutex
	stopReason string
	stopOnce   sync.Once
	stopErr    error
	cancelWD   context.CancelFunc
}

// Start spawns the invocation and returns immediately. Cancelling ctx stops
// the process the same way Stop does.
func (r *Runner) Start(ctx context.Context, inv Invocation) (*Process, error) {
	if len(inv.Args) == 0 {
		return nil, errors.New("ffmpeg: empty invocation")
	}
	bin := r.Bin
	if bin == "" {
		bin = defaultBin
	}
	killTimeout := r.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	logger := log.WithComponentFromContext(ctx, "ffmpeg")

	if inv.OutputDir != "" {
		// #nosec G301 -- segments are served by an external web server
		if err := os.MkdirAll(inv.OutputDir, 0o755); err != nil {
			metrics.RecordEncoderStart(string(inv.Mode), "error")
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	cmd := exec.Command(bin, inv.Args...) // #nosec G204 -- args are built, never shell-interpreted
	procgroup.Set(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		metrics.RecordEncoderStart(string(inv.Mode), "error")
		logger.Error().Err(err).Str("bin", bin).Msg("encoder spawn failed")
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	metrics.RecordEncoderStart(string(inv.Mode), "ok")

	wdCtx, cancelWD := context.WithCancel(context.Background())
	p := &Process{
		cmd:         cmd,
		inv:         inv,
		ring:        NewLineRing(defaultRingSize),
		wd:          watchdog.New(r.Watchdog),
		killTimeout: killTimeout,
		startedAt:   time.Now(),
		logger:      logger.With().Int(log.FieldPID, cmd.Process.Pid).Logger(),
		exited:      make(chan struct{}),
		done:        make(chan struct{}),
		cancelWD:    cancelWD,
	}
	p.logger.Info().
		Str(log.FieldMode, string(inv.Mode)).
		Str(log.FieldOutput, inv.Output).
		Strs(log.FieldArgs, inv.Args).
		Msg("encoder started")

	var relayMu sync.Mutex
	var ioWg sync.WaitGroup
	ioWg.Add(2)
	go p.pumpStdout(stdout, &lockedWriter{mu: &relayMu, w: orDefault(r.Stdout, os.Stdout)}, &ioWg)
	go p.pumpStderr(stderr, &lockedWriter{mu: &relayMu, w: orDefault(r.Stderr, os.Stderr)}, &ioWg)
	go p.supervise(wdCtx)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.stop(ReasonStopped)
		case <-p.exited:
		}
	}()
	go p.wait(&ioWg)

	return p, nil
}

// Run spawns inv and blocks until it exits.
func (r *Runner) Run(ctx context.Context, inv Invocation) (ExitStatus, error) {
	p, err := r.Start(ctx, inv)
	if err != nil {
		return ExitStatus{Code: -1, Reason: ReasonError}, err
	}
	<-p.done
	return p.status, nil
}

// wait reaps the process after both pipes drain.
func (p *Process) wait(ioWg *sync.WaitGroup) {
	ioWg.Wait()
	waitErr := p.cmd.Wait()
	close(p.exited)
	p.cancelWD()

	code := 0
	if waitErr != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	reason := p.stopReason
	p.mu.Unlock()
	if reason == "" {
		reason = ReasonClean
		if code != 0 {
			reason = ReasonError
		}
	}

	status := ExitStatus{
		Code:      code,
		Reason:    reason,
		StartedAt: p.startedAt,
		EndedAt:   time.Now(),
	}
	if reason != ReasonClean {
		status.Stderr = p.ring.LastN(stderrTailLines)
	}

	ev := p.logger.Info()
	if reason != ReasonClean && reason != ReasonStopped {
		ev = p.logger.Warn().Strs("stderr", status.Stderr)
	}
	ev.Int(log.FieldExitCode, code).
		Str(log.FieldReason, reason).
		Dur("runtime", status.Runtime()).
		Msg("encoder exited")

	metrics.RecordEncoderExit(reason, status.Runtime())
	p.status = status
	close(p.done)
}

// supervise runs the watchdog and kills the process when it fires.
func (p *Process) supervise(ctx context.Context) {
	err := p.wd.Run(ctx)
	if err == nil {
		return
	}
	p.logger.Warn().Err(err).Msg("watchdog fired, terminating encoder")
	_ = p.stop(watchdog.Reason(err))
}

func (p *Process) pumpStdout(r io.Reader, relay io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if isProgressLine(line) {
			p.wd.ParseLine(line)
			continue
		}
		_, _ = fmt.Fprintln(relay, line)
	}
	p.drain(scanner, r, "stdout")
}

func (p *Process) pumpStderr(r io.Reader, relay io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.ring.Add(line)
		_, _ = fmt.Fprintln(relay, line)
	}
	p.drain(scanner, r, "stderr")
}

// drain discards whatever the scanner left unread. A line longer than the
// scanner buffer stops Scan, and an unread pipe would block the encoder.
func (p *Process) drain(scanner *bufio.Scanner, r io.Reader, stream string) {
	if err := scanner.Err(); err != nil {
		p.logger.Warn().Err(err).Str("stream", stream).Msg("encoder output no longer parsed")
	}
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) stop(reason string) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		p.mu.Lock()
		p.stopReason = reason
		p.mu.Unlock()
		p.stopErr = procgroup.Terminate(p.cmd, p.exited, p.killTimeout, p.killTimeout)
		if p.stopErr != nil {
			p.logger.Error().Err(p.stopErr).Msg("encoder survived SIGKILL")
		}
	})
	return p.stopErr
}

// Stop terminates the whole process group: SIGTERM, then SIGKILL after the
// kill timeout. It blocks until the process has exited or the kill failed.
// Safe to call repeatedly and after a natural exit.
func (p *Process) Stop() error {
	return p.stop(ReasonStopped)
}

// Pid is the OS process id, which is also the process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the exit status is available.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	case <-p.done:
		return p.status, nil
	}
}

// Invocation returns the command line the process was started with.
func (p *Process) Invocation() Invocation {
	return p.inv
}

// Position is the encoded output time reported on the progress pipe.
func (p *Process) Position() float64 {
	return p.wd.Position()
}

// LastLogLines returns up to n recent stderr lines.
func (p *Process) LastLogLines(n int) []string {
	return p.ring.LastN(n)
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return s
}

// isProgressLine matches the key=value records written by -progress.
func isProgressLine(line string) bool {
	key, _, ok := strings.Cut(line, "=")
	return ok && key != "" && !strings.ContainsAny(key, " \t")
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
