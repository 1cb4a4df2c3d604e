// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEnoughSegments is returned when fewer than two break times are supplied.
	ErrNotEnoughSegments = errors.New("not enough segments to transcode")
	// ErrInvalidProfile wraps every ValidationError.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrInvalidOptions is returned for structurally incomplete options.
	ErrInvalidOptions = errors.New("invalid transcode options")
)

// ValidationError describes a malformed field in profile or option data.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidProfile).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidProfile
}
