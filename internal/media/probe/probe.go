// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package probe inspects media files with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/transcoder/internal/log"
)

// ErrNoStreams is returned when ffprobe output contains no playable stream.
var ErrNoStreams = errors.New("probe: no playable streams")

const (
	defaultBin     = "ffprobe"
	defaultTimeout = 30 * time.Second
	maxStderr      = 4096
)

// Stream is one elementary stream of the container.
type Stream struct {
	Index     int
	CodecType string
	CodecName string
	Width     int
	Height    int
	// BitRate in bits per second, 0 when unknown.
	BitRate  int
	Duration float64
}

// Result is the subset of ffprobe output the orchestrator needs.
type Result struct {
	Duration   float64
	FormatName string
	BitRate    int
	Streams    []Stream
}

// Video returns the first video stream, if any.
func (r *Result) Video() *Stream {
	return r.first("video")
}

// Audio returns the first audio stream, if any.
func (r *Result) Audio() *Stream {
	return r.first("audio")
}

func (r *Result) first(codecType string) *Stream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == codecType {
			return &r.Streams[i]
		}
	}
	return nil
}

type runFunc func(ctx context.Context, bin string, args ...string) (stdout, stderr []byte, err error)

// Prober runs ffprobe. Concurrent probes of the same path share one process.
type Prober struct {
	Bin     string
	Timeout time.Duration

	run   runFunc
	group singleflight.Group
}

// New creates a Prober for the given ffprobe binary.
func New(bin string, timeout time.Duration) *Prober {
	if bin == "" {
		bin = defaultBin
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{Bin: bin, Timeout: timeout, run: execRun}
}

func execRun(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	// #nosec G204 -- binary comes from config, args are fixed
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Probe returns container and stream information for path.
func (p *Prober) Probe(ctx context.Context, path string) (*Result, error) {
	v, err, shared := p.group.Do(path, func() (any, error) {
		return p.probe(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.L().Debug().Str(log.FieldInput, path).Msg("probe result shared")
	}
	return v.(*Result), nil
}

func (p *Prober) probe(ctx context.Context, path string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	stdout, stderr, runErr := p.run(ctx, p.Bin, args...)

	res, parseErr := Parse(stdout)
	if parseErr == nil {
		if runErr != nil {
			// Partial files often exit non-zero with usable JSON.
			log.L().Warn().Err(runErr).
				Str(log.FieldInput, path).
				Str("stderr", truncate(stderr)).
				Msg("ffprobe non-zero exit but JSON accepted")
		}
		return res, nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("ffprobe %s: %w (stderr: %s)", path, runErr, truncate(stderr))
	}
	return nil, fmt.Errorf("ffprobe %s: %w", path, parseErr)
}

// Parse decodes ffprobe -print_format json output.
func Parse(data []byte) (*Result, error) {
	var raw probeData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}

	res := &Result{
		Duration:   parseFloat(raw.Format.Duration),
		FormatName: raw.Format.FormatName,
		BitRate:    parseInt(raw.Format.BitRate),
	}
	for _, s := range raw.Streams {
		if (s.CodecType != "video" && s.CodecType != "audio") || s.CodecName == "" {
			continue
		}
		res.Streams = append(res.Streams, Stream{
			Index:     s.Index,
			CodecType: s.CodecType,
			CodecName: s.CodecName,
			Width:     s.Width,
			Height:    s.Height,
			BitRate:   parseInt(s.BitRate),
			Duration:  parseFloat(s.Duration),
		})
	}
	if len(res.Streams) == 0 {
		return nil, ErrNoStreams
	}
	if res.Duration == 0 {
		for _, s := range res.Streams {
			if s.Duration > res.Duration {
				res.Duration = s.Duration
			}
		}
	}
	return res, nil
}

type probeData struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width,omitempty"`
		Height    int    `json:"height,omitempty"`
		BitRate   string `json:"bit_rate,omitempty"`
		Duration  string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func truncate(b []byte) string {
	if len(b) > maxStderr {
		return string(b[:maxStderr]) + "..."
	}
	return string(b)
}
