// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package session owns the encoder lifecycle of one playback session:
// at most one encoder process at a time, replaced atomically on seek.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/transcoder/internal/log"
	"github.com/ManuGH/transcoder/internal/media/ffmpeg"
	"github.com/ManuGH/transcoder/internal/media/model"
	"github.com/ManuGH/transcoder/internal/metrics"
	"github.com/ManuGH/transcoder/internal/protocol"
	"github.com/ManuGH/transcoder/internal/segwatch"
)

// ErrClosed is returned by Start and Seek after Close.
var ErrClosed = errors.New("session closed")

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const segmentExt = ".ts"

// Process is a running encoder. *ffmpeg.Process implements it.
type Process interface {
	Stop() error
	Done() <-chan struct{}
	Wait(ctx context.Context) (ffmpeg.ExitStatus, error)
	Pid() int
	Position() float64
}

// Launcher spawns encoder processes. Cancelling ctx must terminate the process.
type Launcher interface {
	Launch(ctx context.Context, inv ffmpeg.Invocation) (Process, error)
}

// RunnerLauncher launches through an ffmpeg.Runner.
type RunnerLauncher struct {
	Runner *ffmpeg.Runner
}

// Launch implements Launcher.
func (l RunnerLauncher) Launch(ctx context.Context, inv ffmpeg.Invocation) (Process, error) {
	p, err := l.Runner.Start(ctx, inv)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Notifier receives state events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev protocol.StateEvent)
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(ctx context.Context, ev protocol.StateEvent)

// Notify implements Notifier.
func (f NotifyFunc) Notify(ctx context.Context, ev protocol.StateEvent) { f(ctx, ev) }

// Exit reports an encoder that ended on its own, leaving s Idle.
type Exit struct {
	Session *Session
	Status  ffmpeg.ExitStatus
}

// StartRequest carries the per-start parameters; Options stay fixed for the
// lifetime of a Session.
type StartRequest struct {
	// Position seeks to a time in seconds, snapped down to a break time.
	Position   *float64
	Resolution *model.Resolution
	DirectPlay bool
}

// Config wires a Session to its collaborators.
type Config struct {
	ID       string
	Options  model.TranscodeOptions
	Builder  *ffmpeg.Builder
	Launcher Launcher
	Notifier Notifier
	// Exits, when set, receives natural exits.
	Exits chan<- Exit
	// WatchSegments publishes a segment event per completed output segment.
	WatchSegments bool
}

// Session is the Idle -> Starting -> Running -> (Stopping) -> Idle state
// machine. Every method that touches the active process holds mu for its
// whole duration, so two processes can never be associated with one session.
type Session struct {
	id       string
	opts     model.TranscodeOptions
	builder  *ffmpeg.Builder
	launcher Launcher
	notifier Notifier
	exits    chan<- Exit
	watch    bool

	closedCh chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	state   State
	closed  bool
	proc    Process
	cancel  context.CancelFunc
	lastReq StartRequest
	gen     uint64
}

// New creates an Idle session.
func New(cfg Config) *Session {
	b := cfg.Builder
	if b == nil {
		b = ffmpeg.NewBuilder()
	}
	n := cfg.Notifier
	if n == nil {
		n = NotifyFunc(func(context.Context, protocol.StateEvent) {})
	}
	return &Session{
		id:       cfg.ID,
		opts:     cfg.Options,
		builder:  b,
		launcher: cfg.Launcher,
		notifier: n,
		exits:    cfg.Exits,
		watch:    cfg.WatchSegments,
		closedCh: make(chan struct{}),
		state:    StateIdle,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Options returns the options the session was created with.
func (s *Session) Options() model.TranscodeOptions {
	return s.opts
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the encoder pid, or 0 when Idle.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Start launches an encoder, stopping the running one first. It returns
// once the process is spawned; encoding continues in the background.
// Configuration errors are returned before anything is spawned.
func (s *Session) Start(ctx context.Context, req StartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.startLocked(ctx, req)
}

// Stop terminates the running encoder and waits for it to exit. Stopping an
// Idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

// Seek restarts the encoder at position with the parameters of the last
// start. It is exactly Stop followed by Start, performed under one lock hold.
func (s *Session) Seek(ctx context.Context, position float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.stopLocked(ctx); err != nil {
		return err
	}
	req := s.lastReq
	pos := position
	req.Position = &pos
	return s.startLocked(ctx, req)
}

// Close stops the encoder, rejects further starts and waits for the
// session's background goroutines to finish.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.stopLocked(ctx)
	s.closed = true
	close(s.closedCh)
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Session) startLocked(ctx context.Context, req StartRequest) error {
	if s.state != StateIdle {
		if err := s.stopLocked(ctx); err != nil {
			return err
		}
	}
	logger := s.logger(ctx)

	opts := s.opts
	if req.Position != nil {
		opts = opts.SeekTo(*req.Position)
	}
	if req.DirectPlay {
		opts = opts.WithDirectPlay(true)
	}

	inv, err := s.builder.Build(opts, req.Resolution)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid transcode options")
		return fmt.Errorf("build invocation: %w", err)
	}
	if s.launcher == nil {
		return errors.New("session has no launcher")
	}

	s.setState(ctx, StateStarting)
	pos := opts.StartTime()
	s.notify(ctx, protocol.StateEvent{Status: protocol.StatusStarting, Position: &pos})

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var watcher *segwatch.Watcher
	if s.watch && (inv.Mode == model.ModeSegmented || inv.Mode == model.ModeABR) {
		watcher, err = segwatch.New(logger, inv.OutputDir, opts.EffectivePrefix(), segmentExt, func(seg segwatch.Segment) {
			s.notify(procCtx, protocol.StateEvent{Status: protocol.StatusSegment, Segment: seg.Name})
		})
		if err != nil {
			logger.Warn().Err(err).Msg("segment watcher unavailable")
			watcher = nil
		}
	}

	proc, err := s.launcher.Launch(procCtx, inv)
	if err != nil {
		cancel()
		if watcher != nil {
			_ = watcher.Close()
		}
		s.setState(ctx, StateIdle)
		s.notify(ctx, protocol.StateEvent{Status: protocol.StatusFailed, Reason: "spawn"})
		return fmt.Errorf("launch encoder: %w", err)
	}

	s.gen++
	s.proc = proc
	s.cancel = cancel
	s.lastReq = req
	s.setState(ctx, StateRunning)
	logger.Info().
		Int(log.FieldPID, proc.Pid()).
		Float64(log.FieldPosition, pos).
		Str(log.FieldMode, string(inv.Mode)).
		Msg("session running")
	s.notify(ctx, protocol.StateEvent{Status: protocol.StatusRunning, Position: &pos})

	watchDone := make(chan struct{})
	if watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer close(watchDone)
			if err := watcher.Run(procCtx); err != nil {
				logger.Warn().Err(err).Msg("segment watcher stopped")
			}
		}()
	} else {
		close(watchDone)
	}

	s.wg.Add(1)
	go s.monitor(procCtx, s.gen, proc, cancel, watcher, watchDone)
	return nil
}

// stopLocked detaches the process before terminating it, so its monitor
// recognises the exit as requested and stays silent.
func (s *Session) stopLocked(ctx context.Context) error {
	if s.state == StateIdle || s.proc == nil {
		return nil
	}
	proc, cancel := s.proc, s.cancel
	s.proc, s.cancel = nil, nil
	s.gen++
	s.setState(ctx, StateStopping)

	err := proc.Stop()
	cancel()
	s.setState(ctx, StateIdle)

	ev := protocol.StateEvent{Status: protocol.StatusStopped}
	if err != nil {
		logger := s.logger(ctx)
		logger.Error().Err(err).Int(log.FieldPID, proc.Pid()).Msg("encoder did not terminate")
		ev.Reason = err.Error()
	}
	s.notify(ctx, ev)
	if err != nil {
		return fmt.Errorf("stop encoder: %w", err)
	}
	return nil
}

// monitor waits for proc and handles an exit nobody asked for.
func (s *Session) monitor(ctx context.Context, gen uint64, proc Process, cancel context.CancelFunc, watcher *segwatch.Watcher, watchDone <-chan struct{}) {
	defer s.wg.Done()
	status, err := proc.Wait(context.Background())
	if err != nil {
		status = ffmpeg.ExitStatus{Code: -1, Reason: ffmpeg.ReasonError}
	}
	cancel()
	<-watchDone

	s.mu.Lock()
	if s.gen != gen || s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc, s.cancel = nil, nil
	s.setState(ctx, StateIdle)
	s.mu.Unlock()

	code := status.Code
	ev := protocol.StateEvent{Status: protocol.StatusExited, ExitCode: &code, Reason: status.Reason}
	if status.Reason == ffmpeg.ReasonClean {
		if watcher != nil {
			watcher.Flush()
		}
	} else {
		ev.Status = protocol.StatusFailed
		logger := s.logger(ctx)
		logger.Warn().
			Int(log.FieldExitCode, code).
			Str(log.FieldReason, status.Reason).
			Strs("stderr", status.Stderr).
			Msg("encoder ended unexpectedly")
	}
	s.notify(ctx, ev)

	if s.exits == nil {
		return
	}
	select {
	case s.exits <- Exit{Session: s, Status: status}:
	case <-s.closedCh:
	}
}

func (s *Session) setState(ctx context.Context, to State) {
	if s.state == to {
		return
	}
	logger := s.logger(ctx)
	logger.Debug().
		Str(log.FieldOldState, string(s.state)).
		Str(log.FieldNewState, string(to)).
		Msg("session transition")
	s.state = to
	metrics.IncSessionTransition(string(to))
}

func (s *Session) notify(ctx context.Context, ev protocol.StateEvent) {
	ev.SessionID = s.id
	if ev.CorrelationID == "" {
		ev.CorrelationID = log.CorrelationIDFromContext(ctx)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.notifier.Notify(ctx, ev)
}

func (s *Session) logger(ctx context.Context) zerolog.Logger {
	return log.WithComponentFromContext(log.ContextWithSessionID(ctx, s.id), "session")
}
