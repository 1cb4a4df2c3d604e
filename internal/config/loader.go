// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader. An empty configPath skips the
// file layer.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults, then validates.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)
	cfg.FFmpeg.FFprobeBin = ResolveFFprobeBin(cfg.FFmpeg.FFprobeBin, cfg.FFmpeg.Bin)

	// Output paths are compared against the root, so it must be absolute.
	if cfg.Output.Root != "" {
		if abs, err := filepath.Abs(cfg.Output.Root); err == nil {
			cfg.Output.Root = abs
		}
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel:   DefaultLogLevel,
		LogService: DefaultLogService,
		FFmpeg: FFmpegConfig{
			Bin:          DefaultFFmpegBin,
			KillTimeout:  DefaultKillTimeout,
			StartTimeout: DefaultStartTimeout,
			StallTimeout: DefaultStallTimeout,
		},
		Output:   OutputConfig{Root: DefaultOutputRoot},
		Segments: SegmentsConfig{Duration: DefaultSegmentDuration},
		Broker: BrokerConfig{
			Driver:         BrokerRedis,
			Addr:           DefaultBrokerAddr,
			CommandChannel: DefaultCommandChannel,
			StateChannel:   DefaultStateChannel,
		},
		Metrics: MetricsConfig{Listen: DefaultMetricsListen},
	}
}

// LoadFileConfig loads a YAML config file without applying defaults or env overrides.
func LoadFileConfig(path string) (*FileConfig, error) {
	return NewLoader(path, "").loadFile(path)
}

// loadFile loads configuration from a YAML file with STRICT parsing.
// Unknown fields will cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

func mergeFileConfig(dst *AppConfig, src *FileConfig) error {
	if src == nil {
		return nil
	}
	setString(&dst.LogLevel, src.LogLevel)
	setString(&dst.LogService, src.LogService)

	if f := src.FFmpeg; f != nil {
		setString(&dst.FFmpeg.Bin, f.Bin)
		setString(&dst.FFmpeg.FFprobeBin, f.FFprobeBin)
		for _, d := range []struct {
			key string
			dst *time.Duration
			src *string
		}{
			{"ffmpeg.killTimeout", &dst.FFmpeg.KillTimeout, f.KillTimeout},
			{"ffmpeg.startTimeout", &dst.FFmpeg.StartTimeout, f.StartTimeout},
			{"ffmpeg.stallTimeout", &dst.FFmpeg.StallTimeout, f.StallTimeout},
			{"ffmpeg.maxRuntime", &dst.FFmpeg.MaxRuntime, f.MaxRuntime},
		} {
			if err := setDuration(d.key, d.dst, d.src); err != nil {
				return err
			}
		}
	}
	if o := src.Output; o != nil {
		setString(&dst.Output.Root, o.Root)
	}
	if s := src.Segments; s != nil && s.Duration != nil {
		dst.Segments.Duration = *s.Duration
	}
	if b := src.Broker; b != nil {
		setString(&dst.Broker.Driver, b.Driver)
		setString(&dst.Broker.Addr, b.Addr)
		setString(&dst.Broker.Password, b.Password)
		if b.DB != nil {
			dst.Broker.DB = *b.DB
		}
		setString(&dst.Broker.CommandChannel, b.CommandChannel)
		setString(&dst.Broker.StateChannel, b.StateChannel)
	}
	if m := src.Metrics; m != nil && m.Listen != nil {
		// Explicit empty string disables the listener.
		dst.Metrics.Listen = *m.Listen
	}
	return nil
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.LogLevel = l.envString(EnvLogLevel, cfg.LogLevel)
	cfg.LogService = l.envString(EnvLogService, cfg.LogService)

	cfg.FFmpeg.Bin = l.envString(EnvFFmpegBin, cfg.FFmpeg.Bin)
	cfg.FFmpeg.FFprobeBin = l.envString(EnvFFprobeBin, cfg.FFmpeg.FFprobeBin)
	cfg.FFmpeg.KillTimeout = l.envDuration(EnvKillTimeout, cfg.FFmpeg.KillTimeout)
	cfg.FFmpeg.StartTimeout = l.envDuration(EnvStartTimeout, cfg.FFmpeg.StartTimeout)
	cfg.FFmpeg.StallTimeout = l.envDuration(EnvStallTimeout, cfg.FFmpeg.StallTimeout)
	cfg.FFmpeg.MaxRuntime = l.envDuration(EnvMaxRuntime, cfg.FFmpeg.MaxRuntime)

	cfg.Output.Root = l.envString(EnvOutputRoot, cfg.Output.Root)
	cfg.Segments.Duration = l.envFloat(EnvSegmentDur, cfg.Segments.Duration)

	cfg.Broker.Driver = strings.ToLower(l.envString(EnvBrokerDriver, cfg.Broker.Driver))
	cfg.Broker.Addr = l.envString(EnvBrokerAddr, cfg.Broker.Addr)
	cfg.Broker.Password = l.envString(EnvBrokerPassword, cfg.Broker.Password)
	cfg.Broker.DB = l.envInt(EnvBrokerDB, cfg.Broker.DB)
	cfg.Broker.CommandChannel = l.envString(EnvCommandChannel, cfg.Broker.CommandChannel)
	cfg.Broker.StateChannel = l.envString(EnvStateChannel, cfg.Broker.StateChannel)

	// Set-but-empty disables metrics; ParseString would treat it as unset.
	l.ConsumedEnvKeys[EnvMetricsListen] = struct{}{}
	if v, ok := os.LookupEnv(EnvMetricsListen); ok {
		cfg.Metrics.Listen = strings.TrimSpace(v)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(key string, dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*src))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
