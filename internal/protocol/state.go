// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"encoding/json"
	"time"

	"github.com/ManuGH/transcoder/internal/quality"
)

// Status tags a session state event.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	// StatusExited: the encoder finished on its own.
	StatusExited Status = "exited"
	// StatusFailed: the encoder failed to spawn, exited non-zero or was killed by the watchdog.
	StatusFailed Status = "failed"
	// StatusError: the command itself was rejected.
	StatusError Status = "error"
	// StatusSegment: a new output segment is complete.
	StatusSegment Status = "segment"
)

// StateEvent is published on the state channel.
type StateEvent struct {
	SessionID     string    `json:"session_id"`
	Status        Status    `json:"status"`
	Command       Type      `json:"command,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Position      *float64  `json:"position,omitempty"`
	Segment       string    `json:"segment,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	At            time.Time `json:"at"`
}

// QualityReply answers a quality command on the command channel.
type QualityReply struct {
	SessionID string            `json:"session_id"`
	Qualities []quality.Quality `json:"qualities"`
}

// Encode marshals a reply or event for publishing.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
