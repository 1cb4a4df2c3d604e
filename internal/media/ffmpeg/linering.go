// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"strings"
	"sync"
)

const defaultRingSize = 64

// LineRing keeps the last N encoder stderr lines for exit diagnostics.
type LineRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLineRing creates a LineRing holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = defaultRingSize
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Add records one line. Blank lines are ignored.
func (r *LineRing) Add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Write implements io.Writer, splitting p on newlines.
func (r *LineRing) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		r.Add(line)
	}
	return len(p), nil
}

// LastN returns up to n of the most recent lines, oldest first.
func (r *LineRing) LastN(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	start := 0
	if r.full {
		count = len(r.lines)
		start = r.next
	}
	if n > count {
		n = count
	}
	out := make([]string, 0, n)
	for i := count - n; i < count; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
