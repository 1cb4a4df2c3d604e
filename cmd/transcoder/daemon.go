// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/transcoder/internal/bus"
	"github.com/ManuGH/transcoder/internal/config"
	"github.com/ManuGH/transcoder/internal/dispatcher"
	"github.com/ManuGH/transcoder/internal/media/ffmpeg"
	"github.com/ManuGH/transcoder/internal/media/ffmpeg/watchdog"
	"github.com/ManuGH/transcoder/internal/media/probe"
	"github.com/ManuGH/transcoder/internal/quality"
	"github.com/ManuGH/transcoder/internal/session"
)

const shutdownTimeout = 10 * time.Second

// openBus connects the configured broker.
func openBus(ctx context.Context, cfg config.BrokerConfig) (bus.Bus, error) {
	switch cfg.Driver {
	case config.BrokerMemory:
		return bus.NewMemoryBus(), nil
	case config.BrokerRedis:
		return bus.NewRedisBus(ctx, bus.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// newDispatcher wires the encoder runtime, probing and the quality ladder.
func newDispatcher(cfg config.AppConfig, b bus.Bus) (*dispatcher.Dispatcher, error) {
	runner := ffmpeg.NewRunner(cfg.FFmpeg.Bin, cfg.FFmpeg.KillTimeout, watchdog.Config{
		StartTimeout: cfg.FFmpeg.StartTimeout,
		StallTimeout: cfg.FFmpeg.StallTimeout,
		MaxRuntime:   cfg.FFmpeg.MaxRuntime,
	})
	prober := probe.New(cfg.FFmpeg.FFprobeBin, 0)

	return dispatcher.New(dispatcher.Config{
		Bus:             b,
		CommandChannel:  cfg.Broker.CommandChannel,
		StateChannel:    cfg.Broker.StateChannel,
		OutputRoot:      cfg.Output.Root,
		SegmentDuration: cfg.Segments.Duration,
		Builder:         ffmpeg.NewBuilder(),
		Launcher:        session.RunnerLauncher{Runner: runner},
		Prober:          prober,
		Qualities:       quality.NewLadderProber(prober),
		WatchSegments:   true,
	})
}

// run blocks until ctx is cancelled or a component fails. The dispatcher
// stops every encoder before it returns.
func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	b, err := openBus(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn().Err(err).Msg("bus close failed")
		}
	}()

	d, err := newDispatcher(cfg, b)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(ctx)
	})

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           newOpsRouter(d.Ready),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("event", "ops.listen").Str("addr", srv.Addr).Msg("ops listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
