// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/transcoder/internal/log"
)

// Environment variables.
const (
	EnvLogLevel       = "TRANSCODER_LOG_LEVEL"
	EnvLogService     = "TRANSCODER_LOG_SERVICE"
	EnvFFmpegBin      = "TRANSCODER_FFMPEG_BIN"
	EnvFFprobeBin     = "TRANSCODER_FFPROBE_BIN"
	EnvKillTimeout    = "TRANSCODER_FFMPEG_KILL_TIMEOUT"
	EnvStartTimeout   = "TRANSCODER_FFMPEG_START_TIMEOUT"
	EnvStallTimeout   = "TRANSCODER_FFMPEG_STALL_TIMEOUT"
	EnvMaxRuntime     = "TRANSCODER_FFMPEG_MAX_RUNTIME"
	EnvOutputRoot     = "TRANSCODER_OUTPUT_ROOT"
	EnvSegmentDur     = "TRANSCODER_SEGMENT_DURATION"
	EnvBrokerDriver   = "TRANSCODER_BROKER_DRIVER"
	EnvBrokerAddr     = "TRANSCODER_BROKER_ADDR"
	EnvBrokerPassword = "TRANSCODER_BROKER_PASSWORD"
	EnvBrokerDB       = "TRANSCODER_BROKER_DB"
	EnvCommandChannel = "TRANSCODER_COMMAND_CHANNEL"
	EnvStateChannel   = "TRANSCODER_STATE_CHANNEL"
	EnvMetricsListen  = "TRANSCODER_METRICS_LISTEN"
)

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	if strings.Contains(strings.ToLower(key), "password") {
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Bool("sensitive", true).
			Msg("using environment variable")
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("value", value).
		Str("source", "environment").
		Msg("using environment variable")
	return value
}

// ParseInt reads an integer from environment variable or returns default value.
// It falls back to default on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}

// ParseDuration reads a duration in Go format (e.g. "5s"). Invalid values fall
// back to the default with a warning.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
	return d
}

// ParseFloat reads a float from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Float64("value", f).Str("source", "environment").Msg("using environment variable")
	return f
}
