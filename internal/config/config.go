// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the transcoder's execution context from defaults, an
// optional YAML file and TRANSCODER_* environment variables.
package config

import (
	"time"
)

// Broker drivers.
const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// Defaults.
const (
	DefaultLogLevel        = "info"
	DefaultLogService      = "transcoder"
	DefaultFFmpegBin       = "ffmpeg"
	DefaultFFprobeBin      = "ffprobe"
	DefaultKillTimeout     = 5 * time.Second
	DefaultStartTimeout    = 30 * time.Second
	DefaultStallTimeout    = 60 * time.Second
	DefaultOutputRoot      = "/tmp/transcoder"
	DefaultSegmentDuration = 4.0
	DefaultBrokerAddr      = "127.0.0.1:6379"
	DefaultCommandChannel  = "transcoder:commands"
	DefaultStateChannel    = "transcoder:state"
	DefaultMetricsListen   = ":9464"
)

// AppConfig is the effective configuration. It is not modified after Load.
type AppConfig struct {
	Version    string         `yaml:"-"`
	LogLevel   string         `yaml:"logLevel"`
	LogService string         `yaml:"logService"`
	FFmpeg     FFmpegConfig   `yaml:"ffmpeg"`
	Output     OutputConfig   `yaml:"output"`
	Segments   SegmentsConfig `yaml:"segments"`
	Broker     BrokerConfig   `yaml:"broker"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// FFmpegConfig controls the encoder binary and its supervision.
type FFmpegConfig struct {
	Bin          string        `yaml:"bin"`
	FFprobeBin   string        `yaml:"ffprobeBin"`
	KillTimeout  time.Duration `yaml:"killTimeout"`
	StartTimeout time.Duration `yaml:"startTimeout"`
	StallTimeout time.Duration `yaml:"stallTimeout"`
	MaxRuntime   time.Duration `yaml:"maxRuntime"` // 0 = unbounded
}

// OutputConfig bounds where start commands may write.
type OutputConfig struct {
	Root string `yaml:"root"`
}

// SegmentsConfig holds the nominal segment duration in seconds.
type SegmentsConfig struct {
	Duration float64 `yaml:"duration"`
}

// BrokerConfig selects the message bus.
type BrokerConfig struct {
	Driver         string `yaml:"driver"`
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	CommandChannel string `yaml:"commandChannel"`
	StateChannel   string `yaml:"stateChannel"`
}

// MetricsConfig controls the ops listener. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Redacted returns a copy safe to print.
func (c AppConfig) Redacted() AppConfig {
	out := c
	if out.Broker.Password != "" {
		out.Broker.Password = "***"
	}
	return out
}

// FileConfig mirrors the YAML file. Pointer fields distinguish "unset" from
// zero values; durations are Go duration strings.
type FileConfig struct {
	LogLevel   *string             `yaml:"logLevel,omitempty"`
	LogService *string             `yaml:"logService,omitempty"`
	FFmpeg     *FFmpegFileConfig   `yaml:"ffmpeg,omitempty"`
	Output     *OutputFileConfig   `yaml:"output,omitempty"`
	Segments   *SegmentsFileConfig `yaml:"segments,omitempty"`
	Broker     *BrokerFileConfig   `yaml:"broker,omitempty"`
	Metrics    *MetricsFileConfig  `yaml:"metrics,omitempty"`
}

type FFmpegFileConfig struct {
	Bin          *string `yaml:"bin,omitempty"`
	FFprobeBin   *string `yaml:"ffprobeBin,omitempty"`
	KillTimeout  *string `yaml:"killTimeout,omitempty"`
	StartTimeout *string `yaml:"startTimeout,omitempty"`
	StallTimeout *string `yaml:"stallTimeout,omitempty"`
	MaxRuntime   *string `yaml:"maxRuntime,omitempty"`
}

type OutputFileConfig struct {
	Root *string `yaml:"root,omitempty"`
}

type SegmentsFileConfig struct {
	Duration *float64 `yaml:"duration,omitempty"`
}

type BrokerFileConfig struct {
	Driver         *string `yaml:"driver,omitempty"`
	Addr           *string `yaml:"addr,omitempty"`
	Password       *string `yaml:"password,omitempty"`
	DB             *int    `yaml:"db,omitempty"`
	CommandChannel *string `yaml:"commandChannel,omitempty"`
	StateChannel   *string `yaml:"stateChannel,omitempty"`
}

type MetricsFileConfig struct {
	Listen *string `yaml:"listen,omitempty"`
}
