// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dispatcher consumes bus commands one at a time and drives the
// sessions they address. The session registry is owned by the Run loop and
// never touched from any other goroutine.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/transcoder/internal/bus"
	"github.com/ManuGH/transcoder/internal/log"
	"github.com/ManuGH/transcoder/internal/media/ffmpeg"
	"github.com/ManuGH/transcoder/internal/media/model"
	"github.com/ManuGH/transcoder/internal/media/probe"
	"github.com/ManuGH/transcoder/internal/metrics"
	"github.com/ManuGH/transcoder/internal/playlist"
	"github.com/ManuGH/transcoder/internal/protocol"
	"github.com/ManuGH/transcoder/internal/quality"
	"github.com/ManuGH/transcoder/internal/session"
)

// ErrOutsideRoot rejects start commands whose output escapes the output root.
var ErrOutsideRoot = errors.New("output path outside output root")

const (
	resultOK       = "ok"
	resultError    = "error"
	resultNoop     = "noop"
	resultRejected = "rejected"

	defaultPublishTimeout = 5 * time.Second
	exitBuffer            = 16
)

// MediaProber supplies the source duration used to derive break times.
type MediaProber interface {
	Probe(ctx context.Context, path string) (*probe.Result, error)
}

// Config wires the dispatcher.
type Config struct {
	Bus            bus.Bus
	CommandChannel string
	StateChannel   string
	// OutputRoot confines start outputs; relative outputs are resolved
	// against it. Empty disables the guard.
	OutputRoot      string
	SegmentDuration float64

	Builder   *ffmpeg.Builder
	Launcher  session.Launcher
	Prober    MediaProber
	Qualities quality.Prober

	WatchSegments  bool
	PublishTimeout time.Duration
	// NewID returns correlation ids; defaults to random UUIDs.
	NewID func() string
}

// Dispatcher is the command loop.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	sessions map[string]*session.Session
	exits    chan session.Exit

	ready  atomic.Bool
	active atomic.Int64
}

// New validates cfg and creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Bus == nil {
		return nil, errors.New("dispatcher: bus is required")
	}
	if cfg.CommandChannel == "" {
		return nil, errors.New("dispatcher: command channel is required")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("dispatcher: launcher is required")
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = playlist.DefaultSegmentDuration
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Builder == nil {
		cfg.Builder = ffmpeg.NewBuilder()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   log.WithComponent("dispatcher"),
		sessions: make(map[string]*session.Session),
		exits:    make(chan session.Exit, exitBuffer),
	}, nil
}

// Ready reports whether Run is subscribed and consuming.
func (d *Dispatcher) Ready() bool {
	return d.ready.Load()
}

// Active returns the number of registered sessions.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Run consumes commands until ctx is done, then stops every session.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.cfg.Bus.Subscribe(ctx, d.cfg.CommandChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.cfg.CommandChannel, err)
	}
	defer func() {
		_ = sub.Close()
	}()
	defer d.shutdown()

	d.ready.Store(true)
	defer d.ready.Store(false)
	d.logger.Info().Str(log.FieldChannel, d.cfg.CommandChannel).Msg("dispatcher listening")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher stopping")
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return bus.ErrClosed
			}
			d.handle(ctx, msg.Payload)
		case e := <-d.exits:
			d.handleExit(ctx, e)
		}
	}
}

// handle processes one message. Errors end here: they are logged, counted
// and reported, never returned to the loop.
func (d *Dispatcher) handle(ctx context.Context, payload []byte) {
	ctx = log.ContextWithCorrelationID(ctx, d.cfg.NewID())
	defer func() {
		// One command must never take the loop down with it.
		if r := recover(); r != nil {
			logger := log.WithComponentFromContext(ctx, "dispatcher")
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("command handler panicked")
			metrics.IncCommand(peekType(payload), resultError)
		}
	}()

	cmd, err := protocol.Decode(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrNotACommand) {
			logger := log.WithComponentFromContext(ctx, "dispatcher")
			logger.Debug().Msg("ignoring non-command message")
			return
		}
		sid := peekSessionID(payload)
		logger := log.WithComponentFromContext(log.ContextWithSessionID(ctx, sid), "dispatcher")
		logger.Warn().Err(err).Msg("rejected command")
		metrics.IncCommand(peekType(payload), resultRejected)
		if sid != "" {
			d.publishState(ctx, protocol.StateEvent{SessionID: sid, Status: protocol.StatusError, Reason: err.Error()})
		}
		return
	}

	ctx = log.ContextWithSessionID(ctx, cmd.Session())
	logger := log.WithComponentFromContext(ctx, "dispatcher")
	logger.Debug().Str(log.FieldCommand, string(cmd.Type())).Msg("dispatching command")

	var result string
	switch c := cmd.(type) {
	case *protocol.Start:
		result, err = d.start(ctx, c)
	case *protocol.Stop:
		result, err = d.stop(ctx, c)
	case *protocol.Seek:
		result, err = d.seek(ctx, c)
	case *protocol.Quality:
		result, err = d.quality(ctx, c)
	default:
		result, err = resultRejected, fmt.Errorf("%w: %T", protocol.ErrUnknownCommand, cmd)
	}
	metrics.IncCommand(string(cmd.Type()), result)

	if err != nil {
		logger.Warn().Err(err).Str(log.FieldCommand, string(cmd.Type())).Msg("command failed")
		d.publishState(ctx, protocol.StateEvent{
			SessionID: cmd.Session(),
			Status:    protocol.StatusError,
			Command:   cmd.Type(),
			Reason:    err.Error(),
		})
	}
}

func (d *Dispatcher) start(ctx context.Context, c *protocol.Start) (string, error) {
	if old, ok := d.sessions[c.SessionID]; ok {
		_ = d.remove(ctx, c.SessionID, old)
	}

	opts, err := d.options(ctx, c)
	if err != nil {
		return resultError, err
	}

	sess := session.New(session.Config{
		ID:            c.SessionID,
		Options:       opts,
		Builder:       d.cfg.Builder,
		Launcher:      d.cfg.Launcher,
		Notifier:      session.NotifyFunc(d.publishState),
		Exits:         d.exits,
		WatchSegments: d.cfg.WatchSegments,
	})
	d.register(c.SessionID, sess)

	req := session.StartRequest{Position: c.Position, Resolution: c.Resolution, DirectPlay: c.DirectPlay}
	if err := sess.Start(ctx, req); err != nil {
		_ = d.remove(ctx, c.SessionID, sess)
		return resultError, err
	}
	return resultOK, nil
}

func (d *Dispatcher) stop(ctx context.Context, c *protocol.Stop) (string, error) {
	sess, ok := d.sessions[c.SessionID]
	if !ok {
		logger := log.WithComponentFromContext(ctx, "dispatcher")
		logger.Debug().Msg("stop for unknown session")
		return resultNoop, nil
	}
	if err := d.remove(ctx, c.SessionID, sess); err != nil {
		return resultError, err
	}
	return resultOK, nil
}

func (d *Dispatcher) seek(ctx context.Context, c *protocol.Seek) (string, error) {
	sess, ok := d.sessions[c.SessionID]
	if !ok {
		logger := log.WithComponentFromContext(ctx, "dispatcher")
		logger.Info().Msg("seek for unknown session")
		return resultNoop, nil
	}
	if err := sess.Seek(ctx, c.Position); err != nil {
		return resultError, err
	}
	return resultOK, nil
}

func (d *Dispatcher) quality(ctx context.Context, c *protocol.Quality) (string, error) {
	if d.cfg.Qualities == nil {
		return resultError, errors.New("quality probing not configured")
	}
	qualities, err := d.cfg.Qualities.Qualities(ctx, c.Path)
	if err != nil {
		return resultError, err
	}
	payload, err := protocol.Encode(protocol.QualityReply{SessionID: c.SessionID, Qualities: qualities})
	if err != nil {
		return resultError, err
	}
	if err := d.publish(ctx, d.cfg.CommandChannel, payload); err != nil {
		return resultError, fmt.Errorf("publish quality reply: %w", err)
	}
	return resultOK, nil
}

// options turns a start command into TranscodeOptions, deriving break times
// from the probed duration when the command carries none.
func (d *Dispatcher) options(ctx context.Context, c *protocol.Start) (model.TranscodeOptions, error) {
	out, err := d.resolveOutput(c.Output)
	if err != nil {
		return model.TranscodeOptions{}, err
	}
	segDur := c.SegmentDuration
	if segDur <= 0 {
		segDur = d.cfg.SegmentDuration
	}
	opts := model.TranscodeOptions{
		Input:           c.Input,
		OutputDir:       out,
		Prefix:          renditionPrefix(c),
		SegmentTimes:    c.SegmentTimes,
		Video:           c.Video,
		Audio:           c.Audio,
		Mode:            c.Mode,
		SegmentDuration: segDur,
		Renditions:      c.Renditions,
	}

	if opts.Mode == model.ModeSegmented && len(opts.SegmentTimes) == 0 && !c.DirectPlay {
		if d.cfg.Prober == nil {
			return model.TranscodeOptions{}, fmt.Errorf("%w: segment_times required without a prober", model.ErrNotEnoughSegments)
		}
		res, err := d.cfg.Prober.Probe(ctx, c.Input)
		if err != nil {
			return model.TranscodeOptions{}, fmt.Errorf("derive break times: %w", err)
		}
		opts.SegmentTimes = playlist.BreakTimes(res.Duration, segDur)
	}
	return opts, nil
}

// renditionPrefix names the segments after the rendition so they match the
// playlists written by the manifest generator.
func renditionPrefix(c *protocol.Start) string {
	switch {
	case c.Prefix != "":
		return c.Prefix
	case c.Video != nil:
		return c.Video.Name()
	case c.Audio != nil:
		return c.Audio.Name()
	case len(c.Renditions) > 0 && c.Renditions[0].Video != nil:
		return c.Renditions[0].Video.Name()
	case len(c.Renditions) > 0:
		return c.Renditions[0].Audio.Name()
	default:
		return ""
	}
}

func (d *Dispatcher) resolveOutput(out string) (string, error) {
	root := d.cfg.OutputRoot
	if root == "" {
		return filepath.Clean(out), nil
	}
	root = filepath.Clean(root)
	p := out
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, out)
	}
	return p, nil
}

func (d *Dispatcher) handleExit(ctx context.Context, e session.Exit) {
	sess, ok := d.sessions[e.Session.ID()]
	if !ok || sess != e.Session {
		return
	}
	// A seek may have restarted the session after the exit was queued.
	if sess.State() != session.StateIdle {
		return
	}
	ctx = log.ContextWithSessionID(ctx, sess.ID())
	logger := log.WithComponentFromContext(ctx, "dispatcher")
	logger.Info().
		Str(log.FieldReason, e.Status.Reason).
		Int(log.FieldExitCode, e.Status.Code).
		Msg("session finished, unregistering")
	_ = d.remove(ctx, sess.ID(), sess)
}

func (d *Dispatcher) register(id string, sess *session.Session) {
	d.sessions[id] = sess
	d.active.Store(int64(len(d.sessions)))
	metrics.SessionsActive.Set(float64(len(d.sessions)))
}

// remove unregisters sess and stops its encoder.
func (d *Dispatcher) remove(ctx context.Context, id string, sess *session.Session) error {
	if cur, ok := d.sessions[id]; ok && cur == sess {
		delete(d.sessions, id)
	}
	d.active.Store(int64(len(d.sessions)))
	metrics.SessionsActive.Set(float64(len(d.sessions)))
	return sess.Close(ctx)
}

func (d *Dispatcher) shutdown() {
	ctx := context.Background()
	for id, sess := range d.sessions {
		if err := d.remove(ctx, id, sess); err != nil {
			d.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("session stop failed during shutdown")
		}
	}
	d.logger.Info().Msg("all sessions stopped")
}

// publishState sends a state event. It never blocks longer than the
// publish timeout, even when ctx is already cancelled.
func (d *Dispatcher) publishState(ctx context.Context, ev protocol.StateEvent) {
	if d.cfg.StateChannel == "" {
		return
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = log.CorrelationIDFromContext(ctx)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := protocol.Encode(ev)
	if err != nil {
		d.logger.Error().Err(err).Msg("encode state event")
		return
	}
	if err := d.publish(ctx, d.cfg.StateChannel, payload); err != nil {
		logger := log.WithComponentFromContext(ctx, "dispatcher")
		logger.Warn().Err(err).
			Str(log.FieldEvent, string(ev.Status)).
			Msg("state event not published")
	}
}

func (d *Dispatcher) publish(ctx context.Context, channel string, payload []byte) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PublishTimeout)
	defer cancel()
	return d.cfg.Bus.Publish(pubCtx, channel, payload)
}

func peekSessionID(payload []byte) string {
	var head struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(payload, &head)
	return head.SessionID
}

// peekType returns a bounded metric label for a rejected payload.
func peekType(payload []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &head)
	switch t := protocol.Type(strings.ToLower(strings.TrimSpace(head.Type))); t {
	case protocol.TypeStart, protocol.TypeStop, protocol.TypeSeek, protocol.TypeQuality:
		return string(t)
	default:
		return "unknown"
	}
}
