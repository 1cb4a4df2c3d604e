// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"fmt"
	"strconv"
	"strings"
)

// VideoProfile describes one video rendition. Width or Height may be zero,
// in which case the other dimension drives an aspect-preserving scale.
type VideoProfile struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Bitrate int    `json:"bitrate"` // kbps
	Codec   string `json:"codec,omitempty"`
}

// AudioProfile describes one audio rendition.
type AudioProfile struct {
	Bitrate int `json:"bitrate"` // kbps
}

// Resolution is an explicit output size override.
type Resolution struct {
	Width  int
	Height int
}

// HasScale reports whether at least one dimension is known.
func (v VideoProfile) HasScale() bool {
	return v.Width > 0 || v.Height > 0
}

// WithResolution returns a copy whose dimensions are replaced by r.
func (v VideoProfile) WithResolution(r Resolution) VideoProfile {
	v.Width = r.Width
	v.Height = r.Height
	return v
}

// Name is the deterministic rendition identifier used for playlist and
// segment file names. It embeds size and bitrate so renditions sharing a
// directory never collide.
func (v VideoProfile) Name() string {
	return fmt.Sprintf("video_%dx%d_%dk", v.Width, v.Height, v.Bitrate)
}

// Name is the deterministic rendition identifier for an audio rendition.
func (a AudioProfile) Name() string {
	return fmt.Sprintf("audio_%dk", a.Bitrate)
}

// Validate rejects negative or missing values.
func (v VideoProfile) Validate() error {
	if v.Width < 0 {
		return &ValidationError{Field: "video_profile.width", Value: strconv.Itoa(v.Width), Reason: "must not be negative"}
	}
	if v.Height < 0 {
		return &ValidationError{Field: "video_profile.height", Value: strconv.Itoa(v.Height), Reason: "must not be negative"}
	}
	if v.Bitrate <= 0 {
		return &ValidationError{Field: "video_profile.bitrate", Value: strconv.Itoa(v.Bitrate), Reason: "must be positive"}
	}
	return nil
}

// Validate rejects a missing or negative bitrate.
func (a AudioProfile) Validate() error {
	if a.Bitrate <= 0 {
		return &ValidationError{Field: "audio_profile.bitrate", Value: strconv.Itoa(a.Bitrate), Reason: "must be positive"}
	}
	return nil
}

// ParseKbps parses a bitrate in kbps. Accepted forms: "2800", "2800k",
// "2.8M". Anything else is a ValidationError, never a silent zero.
func ParseKbps(field, raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, &ValidationError{Field: field, Value: raw, Reason: "empty"}
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1000
		s = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ValidationError{Field: field, Value: raw, Reason: "not a number"}
	}
	kbps := int(f * mult)
	if kbps <= 0 {
		return 0, &ValidationError{Field: field, Value: raw, Reason: "must be positive"}
	}
	return kbps, nil
}

// ParseDimension parses a pixel dimension. Empty input yields 0 (unset).
func ParseDimension(field, raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ValidationError{Field: field, Value: raw, Reason: "not an integer"}
	}
	if n < 0 {
		return 0, &ValidationError{Field: field, Value: raw, Reason: "must not be negative"}
	}
	return n, nil
}

// ParseResolution parses "WIDTHxHEIGHT". Either side may be empty ("x720").
func ParseResolution(raw string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return Resolution{}, &ValidationError{Field: "resolution", Value: raw, Reason: "expected WIDTHxHEIGHT"}
	}
	width, err := ParseDimension("resolution.width", w)
	if err != nil {
		return Resolution{}, err
	}
	height, err := ParseDimension("resolution.height", h)
	if err != nil {
		return Resolution{}, err
	}
	if width == 0 && height == 0 {
		return Resolution{}, &ValidationError{Field: "resolution", Value: raw, Reason: "at least one dimension required"}
	}
	return Resolution{Width: width, Height: height}, nil
}
