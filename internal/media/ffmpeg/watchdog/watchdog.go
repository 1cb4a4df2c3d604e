// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package watchdog detects encoders that never start producing output,
// stop producing output, or run past their allowed lifetime.
package watchdog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/transcoder/internal/log"
)

var (
	// ErrStartTimeout: no progress within the start timeout.
	ErrStartTimeout = errors.New("encoder produced no progress before start timeout")
	// ErrStalled: progress stopped advancing for longer than the stall timeout.
	ErrStalled = errors.New("encoder progress stalled")
	// ErrMaxRuntime: the encoder outlived its maximum runtime.
	ErrMaxRuntime = errors.New("encoder exceeded maximum runtime")
)

// Reason maps a watchdog error to the short reason published in state events.
// Unknown errors map to "".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrStartTimeout):
		return "start_timeout"
	case errors.Is(err, ErrStalled):
		return "stalled"
	case errors.Is(err, ErrMaxRuntime):
		return "max_runtime"
	default:
		return ""
	}
}

type State int

const (
	StateStarting State = iota
	StateRunning
	StateStalled
	StateTimedOut
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateTimedOut:
		return "timed_out"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type clock interface {
	Now() time.Time
	NewTicker(d time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time                   { return time.Now() }
func (realClock) NewTicker(d time.Duration) ticker { return &realTicker{time.NewTicker(d)} }

type realTicker struct {
	*time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.Ticker.C }

// Config holds the limits. A zero duration disables that limit.
type Config struct {
	StartTimeout time.Duration
	StallTimeout time.Duration
	MaxRuntime   time.Duration
	// Tick is the check interval; defaults to one second.
	Tick time.Duration
}

// Watchdog consumes encoder -progress lines and enforces Config.
type Watchdog struct {
	mu sync.Mutex

	cfg Config

	startedAt     time.Time
	lastHeartbeat time.Time
	lastOutTimeUs int64
	lastTotalSize int64

	state State
	done  chan struct{}
	once  sync.Once

	clock clock
}

// New creates a watchdog. The clock starts when Run is called.
func New(cfg Config) *Watchdog {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Watchdog{
		cfg:   cfg,
		done:  make(chan struct{}),
		clock: realClock{},
	}
}

// Run blocks until ctx is cancelled, the encoder reports progress=end, or a
// limit is hit. Only the latter returns an error.
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	now := w.clock.Now()
	w.startedAt = now
	w.lastHeartbeat = now
	w.state = StateStarting
	w.mu.Unlock()

	ticker := w.clock.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C():
			if err := w.check(); err != nil {
				return err
			}
		}
	}
}

// ParseLine feeds one "key=value" line from the encoder's progress pipe.
func (w *Watchdog) ParseLine(line string) {
	key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	val = strings.TrimSpace(val)

	w.mu.Lock()
	defer w.mu.Unlock()

	switch key {
	// out_time_ms carries microseconds as well; both keys are emitted.
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(val, 10, 64)
		if err == nil && us > w.lastOutTimeUs {
			w.lastOutTimeUs = us
			w.recordHeartbeat()
		}
	case "total_size":
		size, err := strconv.ParseInt(val, 10, 64)
		if err == nil && size > w.lastTotalSize {
			w.lastTotalSize = size
			w.recordHeartbeat()
		}
	case "progress":
		if val == "end" && w.state != StateCompleted {
			w.state = StateCompleted
			w.once.Do(func() { close(w.done) })
		}
	}
}

// caller holds w.mu
func (w *Watchdog) recordHeartbeat() {
	w.lastHeartbeat = w.clock.Now()
	if w.state == StateStarting {
		w.state = StateRunning
		log.L().Debug().Str(log.FieldComponent, "watchdog").Msg("meaningful progress detected")
	}
}

func (w *Watchdog) check() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if w.cfg.MaxRuntime > 0 && now.Sub(w.startedAt) > w.cfg.MaxRuntime {
		w.state = StateTimedOut
		return ErrMaxRuntime
	}

	elapsed := now.Sub(w.lastHeartbeat)
	switch w.state {
	case StateStarting:
		if w.cfg.StartTimeout > 0 && elapsed > w.cfg.StartTimeout {
			w.state = StateTimedOut
			return ErrStartTimeout
		}
	case StateRunning:
		if w.cfg.StallTimeout > 0 && elapsed > w.cfg.StallTimeout {
			w.state = StateStalled
			return ErrStalled
		}
	}
	return nil
}

// State returns the current watchdog state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Position is the furthest encoded output time reported so far, in seconds.
func (w *Watchdog) Position() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(w.lastOutTimeUs) / 1e6
}
