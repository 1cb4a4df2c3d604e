// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package model holds the value types describing a transcode: profiles,
// options and the segment layout shared by the encoder and the playlists.
package model

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
)

// Mode selects the encoder output strategy.
type Mode string

const (
	ModeSegmented Mode = "segmented"
	ModeABR       Mode = "abr"
	ModeDASH      Mode = "dash"
	ModeRemux     Mode = "remux"
	ModeDirect    Mode = "direct"
)

// ParseMode maps a wire value to a Mode. Empty selects ModeSegmented.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeSegmented, nil
	case ModeSegmented, ModeABR, ModeDASH, ModeRemux, ModeDirect:
		return m, nil
	default:
		return "", &ValidationError{Field: "mode", Value: raw, Reason: "unknown mode"}
	}
}

// Segment layout limits. A source split into more than MaxSegments chunks is
// rejected rather than materialised.
const (
	MinSegmentDuration = 0.1
	MaxSegments        = 100_000
)

// TranscodeOptions is the immutable description of one encoder run.
// Copies returned by the With* helpers never share slices with the receiver.
type TranscodeOptions struct {
	Input         string
	OutputDir     string
	Prefix        string
	SegmentOffset int
	SegmentTimes  []float64
	// Position is the seek position in seconds; nil starts at the first break.
	Position   *float64
	Video      *VideoProfile
	Audio      *AudioProfile
	DirectPlay bool
	Mode       Mode

	// Renditions feeds the multi-profile DASH strategy; empty falls back to
	// the single Video/Audio pair.
	Renditions []Rendition
	// SegmentDuration is the nominal HLS/DASH segment length for ABR and DASH.
	SegmentDuration float64
}

// Rendition pairs an audio and a video profile. Either may be nil.
type Rendition struct {
	Audio *AudioProfile
	Video *VideoProfile
}

// Validate checks the structural requirements shared by every mode.
func (o TranscodeOptions) Validate() error {
	if strings.TrimSpace(o.Input) == "" {
		return fmt.Errorf("%w: input is required", ErrInvalidOptions)
	}
	if o.DirectPlay || o.Mode == ModeDirect {
		return nil
	}
	if strings.TrimSpace(o.OutputDir) == "" {
		return fmt.Errorf("%w: output is required", ErrInvalidOptions)
	}
	if o.Video != nil {
		if err := o.Video.Validate(); err != nil {
			return err
		}
	}
	if o.Audio != nil {
		if err := o.Audio.Validate(); err != nil {
			return err
		}
	}
	for _, r := range o.Renditions {
		if r.Video != nil {
			if err := r.Video.Validate(); err != nil {
				return err
			}
		}
		if r.Audio != nil {
			if err := r.Audio.Validate(); err != nil {
				return err
			}
		}
	}
	if o.SegmentOffset < 0 {
		return fmt.Errorf("%w: negative segment offset %d", ErrInvalidOptions, o.SegmentOffset)
	}
	if len(o.SegmentTimes) > MaxSegments+1 {
		return fmt.Errorf("%w: %d segment times exceed the limit of %d", ErrInvalidOptions, len(o.SegmentTimes), MaxSegments+1)
	}
	for i, t := range o.SegmentTimes {
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return fmt.Errorf("%w: segment time %d is not a finite non-negative number", ErrInvalidOptions, i)
		}
	}
	if o.Position != nil && (math.IsNaN(*o.Position) || math.IsInf(*o.Position, 0)) {
		return fmt.Errorf("%w: position is not a finite number", ErrInvalidOptions)
	}
	for i := 1; i < len(o.SegmentTimes); i++ {
		if o.SegmentTimes[i] <= o.SegmentTimes[i-1] {
			return fmt.Errorf("%w: segment times must be strictly increasing (index %d)", ErrInvalidOptions, i)
		}
	}
	return nil
}

// StartTime is the seek position if set, otherwise the first break time.
func (o TranscodeOptions) StartTime() float64 {
	if o.Position != nil {
		return *o.Position
	}
	if len(o.SegmentTimes) > 0 {
		return o.SegmentTimes[0]
	}
	return 0
}

// EndTime is the last break time, or 0 when no break times are known.
func (o TranscodeOptions) EndTime() float64 {
	if len(o.SegmentTimes) == 0 {
		return 0
	}
	return o.SegmentTimes[len(o.SegmentTimes)-1]
}

// SeekTo returns a copy positioned at t. The position is snapped down to the
// nearest break time and SegmentOffset is set to that break's index, so the
// encoder resumes numbering exactly where the variant playlist expects. The
// last break is never chosen: at least one segment always remains.
func (o TranscodeOptions) SeekTo(t float64) TranscodeOptions {
	out := o.clone()
	if len(out.SegmentTimes) < 2 {
		pos := t
		out.Position = &pos
		return out
	}
	idx := 0
	for i := 0; i < len(out.SegmentTimes)-1; i++ {
		if out.SegmentTimes[i] <= t {
			idx = i
		}
	}
	pos := out.SegmentTimes[idx]
	out.Position = &pos
	out.SegmentOffset = idx
	return out
}

// WithDirectPlay returns a copy with the direct-play flag set.
func (o TranscodeOptions) WithDirectPlay(direct bool) TranscodeOptions {
	out := o.clone()
	out.DirectPlay = direct
	return out
}

func (o TranscodeOptions) clone() TranscodeOptions {
	out := o
	out.SegmentTimes = slices.Clone(o.SegmentTimes)
	out.Renditions = slices.Clone(o.Renditions)
	if o.Position != nil {
		p := *o.Position
		out.Position = &p
	}
	if o.Video != nil {
		v := *o.Video
		out.Video = &v
	}
	if o.Audio != nil {
		a := *o.Audio
		out.Audio = &a
	}
	return out
}

// EffectivePrefix returns Prefix, falling back to the input base name.
func (o TranscodeOptions) EffectivePrefix() string {
	if o.Prefix != "" {
		return o.Prefix
	}
	base := filepath.Base(o.Input)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// BreakTimes turns segment durations into cumulative break times starting
// at zero: [4, 4, 2] -> [0, 4, 8, 10].
func BreakTimes(durations []float64) []float64 {
	out := make([]float64, 0, len(durations)+1)
	t := 0.0
	out = append(out, t)
	for _, d := range durations {
		t += d
		out = append(out, t)
	}
	return out
}

// SegmentPattern is the encoder-side file pattern for a rendition prefix.
func SegmentPattern(prefix, ext string) string {
	return prefix + "_%05d" + ext
}

// SegmentName is the concrete file name of segment index for a prefix.
func SegmentName(prefix string, index int, ext string) string {
	return fmt.Sprintf("%s_%05d%s", prefix, index, ext)
}
