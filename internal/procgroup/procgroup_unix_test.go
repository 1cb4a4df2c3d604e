// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build linux

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGroup(t *testing.T, script string) (*exec.Cmd, chan struct{}) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	Set(cmd)
	require.NoError(t, cmd.Start())

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	return cmd, exited
}

// groupAlive reports whether any non-zombie process is still in group pgid.
// kill(-pgid, 0) alone also succeeds for zombies nobody has reaped yet,
// which happens when an orphan is reparented to an init that never waits.
func groupAlive(pgid int) bool {
	stats, _ := filepath.Glob("/proc/[0-9]*/stat")
	for _, path := range stats {
		data, err := os.ReadFile(path)
		if err != nil {
			continue // exited while scanning
		}
		state, pgrp, ok := parseStat(string(data))
		if ok && pgrp == pgid && state != "Z" && state != "X" {
			return true
		}
	}
	return false
}

// parseStat extracts the state and process group from /proc/<pid>/stat.
// The command name may contain spaces, so fields are counted after its
// closing parenthesis.
func parseStat(stat string) (state string, pgrp int, ok bool) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return "", 0, false
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) < 3 {
		return "", 0, false
	}
	pgrp, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, false
	}
	return fields[0], pgrp, true
}

func TestParseStat(t *testing.T) {
	state, pgrp, ok := parseStat("4242 (sleep 10) Z 1 4240 4240 0 -1 4194560")
	require.True(t, ok)
	assert.Equal(t, "Z", state)
	assert.Equal(t, 4240, pgrp)

	_, _, ok = parseStat("garbage")
	assert.False(t, ok)
}

func TestSet_MakesGroupLeader(t *testing.T) {
	cmd, exited := startGroup(t, "sleep 10")
	defer func() { _ = Kill(cmd, syscall.SIGKILL); <-exited }()

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pgid)
}

func TestTerminate_SIGTERMReapsTree(t *testing.T) {
	cmd, exited := startGroup(t, "sleep 10 & sleep 10")
	pgid := cmd.Process.Pid
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, Terminate(cmd, exited, 2*time.Second, 2*time.Second))

	// The orphaned background sleep may linger as a zombie; only live
	// members count.
	require.Eventually(t, func() bool { return !groupAlive(pgid) }, time.Second, 20*time.Millisecond)
}

func TestTerminate_EscalatesToSIGKILL(t *testing.T) {
	cmd, exited := startGroup(t, "trap '' TERM; while true; do sleep 1; done")
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, Terminate(cmd, exited, 100*time.Millisecond, 2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	select {
	case <-exited:
	default:
		t.Fatal("process still running after Terminate returned")
	}
}

func TestTerminate_AlreadyExited(t *testing.T) {
	cmd, exited := startGroup(t, "exit 0")
	<-exited

	assert.NoError(t, Terminate(cmd, exited, 50*time.Millisecond, 50*time.Millisecond))
}

func TestTerminate_NilCommand(t *testing.T) {
	assert.NoError(t, Terminate(nil, nil, time.Millisecond, time.Millisecond))
	assert.NoError(t, Terminate(exec.Command("true"), nil, time.Millisecond, time.Millisecond))
}

func TestSignalResult(t *testing.T) {
	assert.Equal(t, "sent", signalResult(nil))
	assert.Equal(t, "esrch", signalResult(syscall.ESRCH))
	assert.Equal(t, "error", signalResult(errors.New("boom")))
}
