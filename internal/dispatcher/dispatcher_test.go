// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/transcoder/internal/bus"
	"github.com/ManuGH/transcoder/internal/media/ffmpeg"
	"github.com/ManuGH/transcoder/internal/media/model"
	"github.com/ManuGH/transcoder/internal/media/probe"
	"github.com/ManuGH/transcoder/internal/protocol"
	"github.com/ManuGH/transcoder/internal/quality"
	"github.com/ManuGH/transcoder/internal/session"
)

const (
	cmdChannel   = "test:commands"
	stateChannel = "test:state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProc struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	status ffmpeg.ExitStatus
}

func (p *fakeProc) finish(code int, reason string) {
	p.once.Do(func() {
		p.status = ffmpeg.ExitStatus{Code: code, Reason: reason}
		close(p.done)
	})
}

func (p *fakeProc) Stop() error           { p.finish(-1, ffmpeg.ReasonStopped); return nil }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Position() float64     { return 0 }

func (p *fakeProc) Wait(ctx context.Context) (ffmpeg.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return ffmpeg.ExitStatus{}, ctx.Err()
	case <-p.done:
		return p.status, nil
	}
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	invs  []ffmpeg.Invocation
}

func (l *fakeLauncher) Launch(ctx context.Context, inv ffmpeg.Invocation) (session.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProc{pid: 100 + len(l.procs), done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Stop()
		case <-p.done:
		}
	}()
	l.procs = append(l.procs, p)
	l.invs = append(l.invs, inv)
	return p, nil
}

func (l *fakeLauncher) snapshot() ([]*fakeProc, []ffmpeg.Invocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.procs), slices.Clone(l.invs)
}

func (l *fakeLauncher) running() int {
	procs, _ := l.snapshot()
	n := 0
	for _, p := range procs {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

type stubProber struct{ duration float64 }

func (s stubProber) Probe(context.Context, string) (*probe.Result, error) {
	return &probe.Result{
		Duration: s.duration,
		Streams: []probe.Stream{
			{CodecType: "video", Width: 1920, Height: 1080, BitRate: 6000000},
			{CodecType: "audio", BitRate: 192000},
		},
	}, nil
}

type harness struct {
	t        *testing.T
	bus      *bus.MemoryBus
	d        *Dispatcher
	launcher *fakeLauncher
	state    bus.Subscriber
	root     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.NewMemoryBus()
	root := t.TempDir()
	l := &fakeLauncher{}
	p := stubProber{duration: 10}

	d, err := New(Config{
		Bus:             b,
		CommandChannel:  cmdChannel,
		StateChannel:    stateChannel,
		OutputRoot:      root,
		SegmentDuration: 4,
		Builder:         &ffmpeg.Builder{DisableProgress: true},
		Launcher:        l,
		Prober:          p,
		Qualities:       quality.NewLadderProber(p),
		PublishTimeout:  time.Second,
	})
	require.NoError(t, err)

	state, err := b.Subscribe(context.Background(), stateChannel)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, d.Ready, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		_ = b.Close()
	})
	return &harness{t: t, bus: b, d: d, launcher: l, state: state, root: root}
}

func (h *harness) send(v any) {
	h.t.Helper()
	var payload []byte
	switch x := v.(type) {
	case string:
		payload = []byte(x)
	default:
		var err error
		payload, err = json.Marshal(x)
		require.NoError(h.t, err)
	}
	require.NoError(h.t, h.bus.Publish(context.Background(), cmdChannel, payload))
}

// waitFor skips state events until one matches status for sid.
func (h *harness) waitFor(sid string, status protocol.Status) protocol.StateEvent {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-h.state.C():
			var ev protocol.StateEvent
			require.NoError(h.t, json.Unmarshal(msg.Payload, &ev))
			if ev.SessionID == sid && ev.Status == status {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("no %s event for %s", status, sid)
			return protocol.StateEvent{}
		}
	}
}

func startCmd(sid string) map[string]any {
	return map[string]any{
		"type":          "start",
		"session_id":    sid,
		"input":         "/media/movie.mkv",
		"output":        "movie",
		"video_profile": map[string]any{"width": 1280, "height": 720, "bitrate": "2800k"},
		"audio_profile": map[string]any{"bitrate": 128},
	}
}

func TestDispatcher_StartDerivesBreakTimes(t *testing.T) {
	h := newHarness(t)
	h.send(startCmd("s1"))

	ev := h.waitFor("s1", protocol.StatusRunning)
	assert.NotEmpty(t, ev.CorrelationID)
	assert.Equal(t, 1, h.d.Active())

	_, invs := h.launcher.snapshot()
	require.Len(t, invs, 1)
	inv := invs[0]
	assert.Equal(t, filepath.Join(h.root, "movie"), inv.OutputDir)
	assert.Equal(t, filepath.Join(h.root, "movie", "video_1280x720_2800k_%05d.ts"), inv.Output)
	i := slices.Index(inv.Args, "-segment_times")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "4.000000,8.000000", inv.Args[i+1])
	assert.Contains(t, inv.Args, "10.000000")
}

func TestDispatcher_RestartReplacesSession(t *testing.T) {
	h := newHarness(t)
	h.send(startCmd("s1"))
	h.waitFor("s1", protocol.StatusRunning)
	h.send(startCmd("s1"))
	h.waitFor("s1", protocol.StatusStopped)
	h.waitFor("s1", protocol.StatusRunning)

	procs, _ := h.launcher.snapshot()
	require.Len(t, procs, 2)
	assert.Equal(t, 1, h.launcher.running())
	assert.Equal(t, 1, h.d.Active())
}

func TestDispatcher_StopRemovesSession(t *testing.T) {
	h := newHarness(t)
	h.send(map[string]any{"type": "stop", "session_id": "ghost"})
	h.send(startCmd("s1"))
	h.waitFor("s1", protocol.StatusRunning)

	h.send(map[string]any{"type": "STOP", "session_id": "s1"})
	h.waitFor("s1", protocol.StatusStopped)
	require.Eventually(t, func() bool { return h.d.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.launcher.running())
}

func TestDispatcher_SeekRestartsAtSnappedPosition(t *testing.T) {
	h := newHarness(t)
	h.send(startCmd("s1"))
	h.waitFor("s1", protocol.StatusRunning)

	h.send(map[string]any{"type": "seek", "session_id": "s1", "position": "5.5"})
	h.waitFor("s1", protocol.StatusStopped)
	ev := h.waitFor("s1", protocol.StatusRunning)
	require.NotNil(t, ev.Position)
	assert.Equal(t, 4.0, *ev.Position)

	_, invs := h.launcher.snapshot()
	require.Len(t, invs, 2)
	i := slices.Index(invs[1].Args, "-ss")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "4.000000", invs[1].Args[i+1])
	assert.Equal(t, 1, h.launcher.running())
}

func TestDispatcher_BadMessagesDoNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.send(`{not json`)
	h.send(map[string]any{"type": "explode", "session_id": "s0"})
	ev := h.waitFor("s0", protocol.StatusError)
	assert.Contains(t, ev.Reason, "unknown command")

	bad := startCmd("s2")
	bad["video_profile"] = map[string]any{"bitrate": "fast"}
	h.send(bad)
	ev = h.waitFor("s2", protocol.StatusError)
	assert.Contains(t, ev.Reason, "video_profile.bitrate")

	h.send(startCmd("s1"))
	h.waitFor("s1", protocol.StatusRunning)
	_, invs := h.launcher.snapshot()
	assert.Len(t, invs, 1, "rejected commands spawn nothing")
}

func TestDispatcher_RejectsOutputOutsideRoot(t *testing.T) {
	h := newHarness(t)
	cmd := startCmd("s1")
	cmd["output"] = "../../etc"
	h.send(cmd)

	ev := h.waitFor("s1", protocol.StatusError)
	assert.Equal(t, protocol.TypeStart, ev.Command)
	assert.Contains(t, ev.Reason, ErrOutsideRoot.Error())
	assert.Equal(t, 0, h.d.Active())
}

func TestDispatcher_QualityReply(t *testing.T) {
	h := newHarness(t)
	replies, err := h.bus.Subscribe(context.Background(), cmdChannel)
	require.NoError(t, err)
	defer func() { _ = replies.Close() }()

	h.send(map[string]any{"type": "quality", "session_id": "q1", "path": "/media/movie.mkv"})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-replies.C():
			var reply protocol.QualityReply
			require.NoError(t, json.Unmarshal(msg.Payload, &reply))
			if len(reply.Qualities) == 0 {
				continue
			}
			assert.Equal(t, "q1", reply.SessionID)
			assert.Equal(t, 1080, reply.Qualities[0].Height)
			return
		case <-deadline:
			t.Fatal("no quality reply")
		}
	}
}

func TestDispatcher_NaturalExitUnregisters(t *testing.T) {
	h := newHarness(t)
	h.send(startCmd("s1"))
	h.waitFor("s1", protocol.StatusRunning)

	procs, _ := h.launcher.snapshot()
	procs[0].finish(0, ffmpeg.ReasonClean)

	h.waitFor("s1", protocol.StatusExited)
	require.Eventually(t, func() bool { return h.d.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_ShutdownStopsAllSessions(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	l := &fakeLauncher{}
	d, err := New(Config{
		Bus:            b,
		CommandChannel: cmdChannel,
		Launcher:       l,
		Prober:         stubProber{duration: 20},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, d.Ready, 2*time.Second, 5*time.Millisecond)

	for _, sid := range []string{"a", "b", "c"} {
		payload, err := json.Marshal(startCmd(sid))
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, cmdChannel, payload))
	}
	require.Eventually(t, func() bool { return l.running() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, l.running())
	assert.False(t, d.Ready())
}

func TestDispatcher_BusClosedEndsRun(t *testing.T) {
	b := bus.NewMemoryBus()
	d, err := New(Config{Bus: b, CommandChannel: cmdChannel, Launcher: &fakeLauncher{}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.Eventually(t, d.Ready, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
	assert.True(t, errors.Is(<-done, bus.ErrClosed))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Bus: bus.NewMemoryBus()})
	assert.Error(t, err)
	_, err = New(Config{Bus: bus.NewMemoryBus(), CommandChannel: "c"})
	assert.Error(t, err)
}

func TestResolveOutput(t *testing.T) {
	d := &Dispatcher{cfg: Config{OutputRoot: "/srv/out"}}
	for in, want := range map[string]string{
		"movie":        "/srv/out/movie",
		"/srv/out/a/b": "/srv/out/a/b",
		"a/../b":       "/srv/out/b",
		"/srv/out":     "/srv/out",
	} {
		got, err := d.resolveOutput(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"../x", "/srv/outside", "/etc/passwd", "a/../../x"} {
		_, err := d.resolveOutput(in)
		assert.ErrorIs(t, err, ErrOutsideRoot, in)
	}
}

func TestDispatcher_DegenerateSegmentDurationRejected(t *testing.T) {
	h := newHarness(t)
	for i, raw := range []string{"1e-300", "NaN", "Inf", "0.01"} {
		sid := "bad" + string(rune('a'+i))
		cmd := startCmd(sid)
		cmd["segment_duration"] = raw
		h.send(cmd)
		ev := h.waitFor(sid, protocol.StatusError)
		assert.Contains(t, ev.Reason, "segment_duration", raw)
	}

	h.send(startCmd("s1"))
	h.waitFor("s1", protocol.StatusRunning)
	_, invs := h.launcher.snapshot()
	assert.Len(t, invs, 1)
}

type panicProber struct{}

func (panicProber) Probe(context.Context, string) (*probe.Result, error) {
	panic("prober blew up")
}

func TestDispatcher_HandleRecoversFromPanic(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	d, err := New(Config{
		Bus:            b,
		CommandChannel: cmdChannel,
		OutputRoot:     t.TempDir(),
		Launcher:       &fakeLauncher{},
		Prober:         panicProber{},
	})
	require.NoError(t, err)

	payload, err := json.Marshal(startCmd("s1"))
	require.NoError(t, err)
	assert.NotPanics(t, func() { d.handle(context.Background(), payload) })
	assert.Equal(t, 0, d.Active())
}

func TestDispatcher_DASHRenditions(t *testing.T) {
	h := newHarness(t)
	h.send(map[string]any{
		"type":       "start",
		"session_id": "d1",
		"input":      "/media/movie.mkv",
		"output":     "movie",
		"mode":       "dash",
		"renditions": []map[string]any{
			{
				"video_profile": map[string]any{"width": 1280, "height": 720, "bitrate": "2800k"},
				"audio_profile": map[string]any{"bitrate": 128},
			},
			{
				"video_profile": map[string]any{"width": 640, "height": 360, "bitrate": 800},
				"audio_profile": map[string]any{"bitrate": 128},
			},
		},
	})
	h.waitFor("d1", protocol.StatusRunning)

	_, invs := h.launcher.snapshot()
	require.Len(t, invs, 1)
	inv := invs[0]
	assert.Equal(t, model.ModeDASH, inv.Mode)
	assert.Equal(t, filepath.Join(h.root, "movie", "video_1280x720_2800k.mpd"), inv.Output)

	i := slices.Index(inv.Args, "-b:v:0")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "2800k", inv.Args[i+1])
	i = slices.Index(inv.Args, "-b:v:1")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "800k", inv.Args[i+1])

	maps := 0
	for _, a := range inv.Args {
		if a == "0:v:0" {
			maps++
		}
	}
	assert.Equal(t, 2, maps)
}
