// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/transcoder/internal/bus"
	"github.com/ManuGH/transcoder/internal/config"
	"github.com/ManuGH/transcoder/internal/media/model"
)

func TestOpsRouter(t *testing.T) {
	ready := false
	h := newOpsRouter(func() bool { return ready })

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	ready = true
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	rec := get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusNotFound, get("/nope").Code)
}

func TestOpenBus(t *testing.T) {
	b, err := openBus(context.Background(), config.BrokerConfig{Driver: config.BrokerMemory})
	require.NoError(t, err)
	assert.IsType(t, &bus.MemoryBus{}, b)
	require.NoError(t, b.Close())

	_, err = openBus(context.Background(), config.BrokerConfig{Driver: "kafka"})
	require.Error(t, err)
}

func TestNewDispatcher(t *testing.T) {
	cfg := config.Defaults()
	cfg.Output.Root = t.TempDir()
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()

	d, err := newDispatcher(cfg, b)
	require.NoError(t, err)
	assert.False(t, d.Ready())
	assert.Zero(t, d.Active())
}

func TestParseRenditions(t *testing.T) {
	got, err := parseRenditions(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseRenditions([]string{"1280x720@2800", "640x360@800k"}, []string{"128"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.VideoProfile{Width: 1280, Height: 720, Bitrate: 2800}, *got[0].Video)
	assert.Equal(t, 800, got[1].Video.Bitrate)
	assert.Same(t, got[0].Audio, got[1].Audio, "later videos reuse the last audio")

	got, err = parseRenditions([]string{"x720@2000"}, []string{"128", "64"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 720, got[0].Video.Height)
	assert.Nil(t, got[1].Video)
	assert.Equal(t, 64, got[1].Audio.Bitrate)

	for _, bad := range []string{"1280x720", "1280x720@", "big@2800", "1280x720@-1"} {
		_, err := parseRenditions([]string{bad}, nil)
		assert.Error(t, err, bad)
	}
	_, err = parseRenditions(nil, []string{"loud"})
	assert.Error(t, err)
}

func TestManifestCLI_RequiresInputAndOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runManifestCLI([]string{"-input", "movie.mkv"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "-input and -output are required")
}

func TestManifestCLI_BadProfile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runManifestCLI([]string{"-input", "a.mkv", "-output", t.TempDir(), "-video", "hd"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Empty(t, stdout.String())
}

func TestPrintPaths_Sorted(t *testing.T) {
	var buf bytes.Buffer
	printPaths(&buf, map[string]string{"video_b": "/o/b.m3u8", "audio_a": "/o/a.m3u8"})
	assert.Equal(t, "audio_a\t/o/a.m3u8\nvideo_b\t/o/b.m3u8\n", buf.String())
}

func TestConfigCLI_Validate(t *testing.T) {
	t.Setenv(config.EnvOutputRoot, t.TempDir())

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, runConfigCLI([]string{"validate"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "is valid")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("segments:\n  duration: -1\n"), 0o600))
	stdout.Reset()
	assert.Equal(t, 1, runConfigCLI([]string{"validate", "-f", path}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "segments.duration")
}

func TestConfigCLI_DumpRedactsSecrets(t *testing.T) {
	t.Setenv(config.EnvOutputRoot, t.TempDir())
	t.Setenv(config.EnvBrokerPassword, "hunter2")

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, runConfigCLI([]string{"dump"}, &stdout, &stderr), stderr.String())
	out := stdout.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "***")
	assert.Contains(t, out, "killTimeout: 5s")
	assert.Contains(t, out, "transcoder:commands")

	stdout.Reset()
	require.Equal(t, 0, runConfigCLI([]string{"dump", "--format", "json"}, &stdout, &stderr))
	assert.NotContains(t, stdout.String(), "hunter2")

	assert.Equal(t, 2, runConfigCLI([]string{"dump", "--format", "toml"}, &stdout, &stderr))
}

func TestConfigCLI_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, runConfigCLI(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage:")
	assert.Equal(t, 2, runConfigCLI([]string{"explode"}, &stdout, &stderr))
}
