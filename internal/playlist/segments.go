// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package playlist

import (
	"math"

	"github.com/ManuGH/transcoder/internal/media/model"
)

// DefaultSegmentDuration is the nominal segment length in seconds.
const DefaultSegmentDuration = 4.0

// epsilon absorbs floating point residue so 10.0 - 4 - 4 - 2 never yields
// a trailing sub-nanosecond segment.
const epsilon = 1e-9

// SegmentDurations splits total into chunks of segmentDuration. The last
// chunk carries the remainder, so the list sums to total and no element
// exceeds segmentDuration. Non-positive or non-finite inputs, and layouts
// with more than model.MaxSegments chunks, yield nil.
func SegmentDurations(total, segmentDuration float64) []float64 {
	if !(total > 0) || !(segmentDuration > 0) || math.IsInf(total, 0) || math.IsInf(segmentDuration, 0) {
		return nil
	}
	n := math.Ceil(total/segmentDuration - epsilon)
	if n > model.MaxSegments {
		return nil
	}
	out := make([]float64, 0, int(n)+1)
	remaining := total
	for remaining > epsilon {
		d := min(remaining, segmentDuration)
		out = append(out, d)
		remaining -= d
	}
	return out
}

// BreakTimes returns the encoder break times matching SegmentDurations, so
// encoded segments line up with the rendered variant playlists.
func BreakTimes(total, segmentDuration float64) []float64 {
	d := SegmentDurations(total, segmentDuration)
	if len(d) == 0 {
		return nil
	}
	return model.BreakTimes(d)
}
