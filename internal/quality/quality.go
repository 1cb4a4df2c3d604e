// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package quality derives the renditions a source file can be offered in.
package quality

import (
	"context"
	"fmt"

	"github.com/ManuGH/transcoder/internal/media/model"
	"github.com/ManuGH/transcoder/internal/media/probe"
)

// SourceName names the rendition matching the source resolution.
const SourceName = "source"

const defaultAudioKbps = 128

// Quality is one offered rendition. Bitrates are in kbps.
type Quality struct {
	Name         string `json:"name"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	VideoBitrate int    `json:"video_bitrate,omitempty"`
	AudioBitrate int    `json:"audio_bitrate,omitempty"`
}

// VideoProfile converts q to an encoder profile, nil for audio-only sources.
func (q Quality) VideoProfile() *model.VideoProfile {
	if q.VideoBitrate <= 0 {
		return nil
	}
	return &model.VideoProfile{Width: q.Width, Height: q.Height, Bitrate: q.VideoBitrate}
}

// AudioProfile converts q to an encoder profile, nil when the source has no audio.
func (q Quality) AudioProfile() *model.AudioProfile {
	if q.AudioBitrate <= 0 {
		return nil
	}
	return &model.AudioProfile{Bitrate: q.AudioBitrate}
}

type rung struct {
	height   int
	min, max int // kbps
}

var ladder = []rung{
	{height: 2160, min: 8000, max: 20000},
	{height: 1440, min: 5000, max: 12000},
	{height: 1080, min: 2000, max: 8000},
	{height: 720, min: 1000, max: 4000},
	{height: 480, min: 500, max: 2000},
	{height: 360, min: 300, max: 1000},
	{height: 240, min: 200, max: 600},
}

// Prober answers quality requests.
type Prober interface {
	Qualities(ctx context.Context, path string) ([]Quality, error)
}

// MediaProber is the probe dependency.
type MediaProber interface {
	Probe(ctx context.Context, path string) (*probe.Result, error)
}

// LadderProber builds qualities from a fixed resolution ladder.
type LadderProber struct {
	probe MediaProber
}

// NewLadderProber creates a Prober backed by p.
func NewLadderProber(p MediaProber) *LadderProber {
	return &LadderProber{probe: p}
}

// Qualities probes path and returns the source rendition followed by every
// ladder rung strictly below the source height, highest first.
func (l *LadderProber) Qualities(ctx context.Context, path string) ([]Quality, error) {
	res, err := l.probe.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("quality probe: %w", err)
	}
	return Ladder(res), nil
}

// Ladder computes the qualities for an already probed source.
func Ladder(res *probe.Result) []Quality {
	audio := 0
	if a := res.Audio(); a != nil {
		audio = defaultAudioKbps
		if a.BitRate > 0 && a.BitRate/1000 < audio {
			audio = a.BitRate / 1000
		}
	}

	v := res.Video()
	if v == nil || v.Height <= 0 {
		return []Quality{{Name: SourceName, AudioBitrate: audio}}
	}

	srcKbps := v.BitRate / 1000
	if srcKbps <= 0 {
		srcKbps = estimateKbps(v.Height)
	}
	out := []Quality{{
		Name:         SourceName,
		Width:        v.Width,
		Height:       v.Height,
		VideoBitrate: srcKbps,
		AudioBitrate: audio,
	}}

	srcPixels := float64(v.Width * v.Height)
	for _, r := range ladder {
		if r.height >= v.Height {
			continue
		}
		width := scaledWidth(v.Width, v.Height, r.height)
		kbps := srcKbps
		if srcPixels > 0 {
			kbps = int(float64(srcKbps) * float64(width*r.height) / srcPixels)
		}
		out = append(out, Quality{
			Name:         fmt.Sprintf("%dp", r.height),
			Width:        width,
			Height:       r.height,
			VideoBitrate: clamp(kbps, r.min, r.max),
			AudioBitrate: audio,
		})
	}
	return out
}

// scaledWidth keeps the aspect ratio and rounds up to an even width.
func scaledWidth(srcW, srcH, height int) int {
	if srcW <= 0 || srcH <= 0 {
		return 0
	}
	w := int(float64(height) * float64(srcW) / float64(srcH))
	if w%2 != 0 {
		w++
	}
	return w
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func estimateKbps(height int) int {
	switch {
	case height >= 2160:
		return 15000
	case height >= 1080:
		return 5000
	case height >= 720:
		return 2500
	case height >= 480:
		return 1200
	default:
		return 800
	}
}
