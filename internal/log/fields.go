// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService       = "service"
	FieldVersion       = "version"
	FieldComponent     = "component"
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"

	// Protocol fields
	FieldCommand = "command"
	FieldChannel = "channel"
	FieldEvent   = "event"

	// Process fields
	FieldPID      = "pid"
	FieldExitCode = "exit_code"
	FieldReason   = "reason"
	FieldArgs     = "args"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Media fields
	FieldInput     = "input"
	FieldOutput    = "output"
	FieldPosition  = "position"
	FieldMode      = "mode"
	FieldRendition = "rendition"
	FieldPath      = "path"
)
