// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup reaps encoder process trees. Commands are started as
// process-group leaders so a stop reaches every child ffmpeg may fork.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/transcoder/internal/log"
	"github.com/ManuGH/transcoder/internal/metrics"
)

// ErrKillFailed is returned when a process group survives SIGKILL past the timeout.
var ErrKillFailed = errors.New("kill operation failed")

// Terminate stops the process group led by cmd. It sends SIGTERM, waits up to
// grace for exited to close, escalates to SIGKILL and then waits up to timeout.
// exited must be closed by whoever owns cmd.Wait. Safe on nil or unstarted commands.
func Terminate(cmd *exec.Cmd, exited <-chan struct{}, grace, timeout time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	log.L().Debug().Int(log.FieldPID, pid).Msg("sending SIGTERM to process group")
	metrics.IncProcTerminate("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}

	log.L().Warn().Int(log.FieldPID, pid).Dur("grace", grace).Msg("SIGTERM grace period exceeded, sending SIGKILL to process group")
	metrics.IncProcTerminate("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))

	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
		return ErrKillFailed
	}
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, syscall.ESRCH), errors.Is(err, errProcessDone):
		return "esrch"
	default:
		return "error"
	}
}
