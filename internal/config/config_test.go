// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/transcoder/internal/validate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvOutputRoot, root)

	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultFFmpegBin, cfg.FFmpeg.Bin)
	assert.Equal(t, DefaultFFprobeBin, cfg.FFmpeg.FFprobeBin)
	assert.Equal(t, 5*time.Second, cfg.FFmpeg.KillTimeout)
	assert.Equal(t, 30*time.Second, cfg.FFmpeg.StartTimeout)
	assert.Equal(t, 60*time.Second, cfg.FFmpeg.StallTimeout)
	assert.Zero(t, cfg.FFmpeg.MaxRuntime)
	assert.Equal(t, root, cfg.Output.Root)
	assert.InDelta(t, 4.0, cfg.Segments.Duration, 1e-9)
	assert.Equal(t, BrokerRedis, cfg.Broker.Driver)
	assert.Equal(t, DefaultCommandChannel, cfg.Broker.CommandChannel)
	assert.Equal(t, DefaultStateChannel, cfg.Broker.StateChannel)
	assert.Equal(t, DefaultMetricsListen, cfg.Metrics.Listen)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, `
logLevel: debug
ffmpeg:
  bin: /opt/ffmpeg/bin/ffmpeg
  killTimeout: 2s
  maxRuntime: 4h
output:
  root: `+root+`
segments:
  duration: 6
broker:
  driver: memory
  commandChannel: cmds
  stateChannel: states
metrics:
  listen: ""
`)
	t.Setenv(EnvKillTimeout, "3s")
	t.Setenv(EnvStateChannel, "events")

	loader := NewLoader(path, "")
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpeg.Bin)
	assert.Equal(t, 3*time.Second, cfg.FFmpeg.KillTimeout, "env wins over file")
	assert.Equal(t, 4*time.Hour, cfg.FFmpeg.MaxRuntime)
	assert.InDelta(t, 6.0, cfg.Segments.Duration, 1e-9)
	assert.Equal(t, BrokerMemory, cfg.Broker.Driver)
	assert.Equal(t, "cmds", cfg.Broker.CommandChannel)
	assert.Equal(t, "events", cfg.Broker.StateChannel)
	assert.Empty(t, cfg.Metrics.Listen)
	assert.Contains(t, loader.ConsumedEnvKeys, EnvKillTimeout)
	assert.Contains(t, loader.ConsumedEnvKeys, EnvMetricsListen)
}

func TestLoad_EmptyEnvDisablesMetrics(t *testing.T) {
	t.Setenv(EnvOutputRoot, t.TempDir())
	t.Setenv(EnvMetricsListen, "")

	cfg, err := NewLoader("", "").Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestLoad_InvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv(EnvOutputRoot, t.TempDir())
	t.Setenv(EnvStallTimeout, "soon")
	t.Setenv(EnvBrokerDB, "two")

	cfg, err := NewLoader("", "").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultStallTimeout, cfg.FFmpeg.StallTimeout)
	assert.Zero(t, cfg.Broker.DB)
}

func TestLoad_StrictFile(t *testing.T) {
	t.Setenv(EnvOutputRoot, t.TempDir())

	tests := map[string]string{
		"unknown key":     "ffmpeg:\n  binary: ffmpeg\n",
		"multiple docs":   "logLevel: info\n---\nlogLevel: debug\n",
		"bad duration":    "ffmpeg:\n  killTimeout: forever\n",
		"wrong node type": "segments: 4\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader(writeConfig(t, body), "").Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	t.Setenv(EnvOutputRoot, t.TempDir())
	cfg, err := NewLoader(writeConfig(t, ""), "").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultLogService, cfg.LogService)
}

func TestLoadFile_RejectsNonYAML(t *testing.T) {
	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "config.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only YAML supported")
}

func TestLoad_ValidationCollectsAllErrors(t *testing.T) {
	t.Setenv(EnvOutputRoot, t.TempDir())
	t.Setenv(EnvSegmentDur, "0")
	t.Setenv(EnvBrokerDriver, "kafka")
	t.Setenv(EnvCommandChannel, "same")
	t.Setenv(EnvStateChannel, "same")
	t.Setenv(EnvMetricsListen, "nope")

	_, err := NewLoader("", "").Load()
	require.Error(t, err)

	var ve validate.ValidationError
	require.True(t, errors.As(err, &ve))
	fields := make([]string, 0, len(ve.Errors()))
	for _, e := range ve.Errors() {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"segments.duration",
		"broker.driver",
		"broker.stateChannel",
		"metrics.listen",
	}, fields)
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	cfg := Defaults()
	cfg.FFmpeg.FFprobeBin = DefaultFFprobeBin
	cfg.Output.Root = t.TempDir()
	cfg.Broker.Addr = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.addr")

	cfg.Broker.Driver = BrokerMemory
	assert.NoError(t, Validate(cfg))
}

func TestValidate_SegmentDurationFloor(t *testing.T) {
	cfg := Defaults()
	cfg.FFmpeg.FFprobeBin = DefaultFFprobeBin
	cfg.Output.Root = t.TempDir()
	cfg.Broker.Driver = BrokerMemory

	for _, bad := range []float64{0.05, math.NaN(), math.Inf(1)} {
		cfg.Segments.Duration = bad
		err := Validate(cfg)
		require.Error(t, err, "%v", bad)
		assert.Contains(t, err.Error(), "segments.duration")
	}
	cfg.Segments.Duration = 0.1
	assert.NoError(t, Validate(cfg))
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.Password = "hunter2"
	assert.Equal(t, "***", cfg.Redacted().Broker.Password)
	assert.Equal(t, "hunter2", cfg.Broker.Password)
	assert.Empty(t, Defaults().Redacted().Broker.Password)
}

func TestResolveFFprobeBin(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := filepath.Join(dir, "ffmpeg")
	ffprobe := filepath.Join(dir, "ffprobe")
	require.NoError(t, os.WriteFile(ffprobe, nil, 0o600))

	assert.Equal(t, "/x/ffprobe", ResolveFFprobeBin(" /x/ffprobe ", ffmpeg))
	assert.Equal(t, ffprobe, ResolveFFprobeBin("", ffmpeg))
	assert.Equal(t, DefaultFFprobeBin, ResolveFFprobeBin("", "ffmpeg"))
	assert.Equal(t, DefaultFFprobeBin, ResolveFFprobeBin("", filepath.Join(t.TempDir(), "ffmpeg")))
	assert.Equal(t, DefaultFFprobeBin, ResolveFFprobeBin("", filepath.Join(dir, "ffmpeg6")))
}
