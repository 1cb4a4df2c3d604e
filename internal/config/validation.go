// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ManuGH/transcoder/internal/media/model"
	"github.com/ManuGH/transcoder/internal/validate"
)

// Validate checks the effective configuration and reports every problem at once.
func Validate(cfg AppConfig) error {
	v := validate.New()

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		v.AddError("logLevel", "unknown log level", cfg.LogLevel)
	}

	v.NotEmpty("ffmpeg.bin", cfg.FFmpeg.Bin)
	v.NotEmpty("ffmpeg.ffprobeBin", cfg.FFmpeg.FFprobeBin)
	v.PositiveDuration("ffmpeg.killTimeout", cfg.FFmpeg.KillTimeout)
	v.PositiveDuration("ffmpeg.startTimeout", cfg.FFmpeg.StartTimeout)
	v.PositiveDuration("ffmpeg.stallTimeout", cfg.FFmpeg.StallTimeout)
	v.NonNegativeDuration("ffmpeg.maxRuntime", cfg.FFmpeg.MaxRuntime)

	v.Directory("output.root", cfg.Output.Root)
	v.PositiveFloat("segments.duration", cfg.Segments.Duration)
	if cfg.Segments.Duration > 0 && cfg.Segments.Duration < model.MinSegmentDuration {
		v.AddError("segments.duration", fmt.Sprintf("must be at least %gs", model.MinSegmentDuration), cfg.Segments.Duration)
	}

	v.OneOf("broker.driver", cfg.Broker.Driver, []string{BrokerRedis, BrokerMemory})
	if cfg.Broker.Driver == BrokerRedis {
		v.NotEmpty("broker.addr", cfg.Broker.Addr)
	}
	v.NonNegative("broker.db", cfg.Broker.DB)
	v.NotEmpty("broker.commandChannel", cfg.Broker.CommandChannel)
	v.NotEmpty("broker.stateChannel", cfg.Broker.StateChannel)
	v.Distinct("broker.stateChannel", cfg.Broker.CommandChannel, cfg.Broker.StateChannel)

	v.ListenAddr("metrics.listen", cfg.Metrics.Listen)

	return v.Err()
}
