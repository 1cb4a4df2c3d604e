// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package validate

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_AccumulatesErrors(t *testing.T) {
	v := New()
	v.NotEmpty("a", " ")
	v.OneOf("driver", "kafka", []string{"redis", "memory"})
	v.PositiveFloat("segments.duration", 0)
	require.False(t, v.IsValid())

	err := v.Err()
	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Errors(), 3)
	assert.Contains(t, err.Error(), "validation failed for driver")
	assert.Contains(t, err.Error(), "; ")
}

func TestValidator_ValidHasNoError(t *testing.T) {
	v := New()
	v.NotEmpty("a", "x")
	v.OneOf("driver", "redis", []string{"redis", "memory"})
	v.NonNegative("db", 0)
	v.PositiveDuration("kill", time.Second)
	v.NonNegativeDuration("max", 0)
	v.Distinct("channels", "a", "b")
	v.ListenAddr("metrics", "")
	v.ListenAddr("metrics", ":9464")
	v.ListenAddr("metrics", "127.0.0.1:0")
	assert.True(t, v.IsValid())
	assert.NoError(t, v.Err())
}

func TestValidator_Durations(t *testing.T) {
	v := New()
	v.PositiveDuration("kill", 0)
	v.NonNegativeDuration("max", -time.Second)
	assert.Len(t, v.Errors(), 2)
}

func TestValidator_PositiveFloat(t *testing.T) {
	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		v := New()
		v.PositiveFloat("segments.duration", bad)
		assert.False(t, v.IsValid(), "%v", bad)
	}
	v := New()
	v.PositiveFloat("segments.duration", 0.5)
	assert.True(t, v.IsValid())
}

func TestValidator_Distinct(t *testing.T) {
	v := New()
	v.Distinct("channels", "x", "x")
	assert.False(t, v.IsValid())

	v = New()
	v.Distinct("channels", "", "")
	assert.True(t, v.IsValid(), "empty values are checked elsewhere")
}

func TestValidator_ListenAddr(t *testing.T) {
	for _, addr := range []string{"9464", "host:port", ":99999"} {
		v := New()
		v.ListenAddr("metrics", addr)
		assert.False(t, v.IsValid(), addr)
	}
}

func TestValidator_Directory(t *testing.T) {
	dir := t.TempDir()

	v := New()
	v.Directory("root", filepath.Join(dir, "new", "nested"))
	assert.True(t, v.IsValid())
	assert.DirExists(t, filepath.Join(dir, "new", "nested"))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	v = New()
	v.Directory("root", file)
	assert.False(t, v.IsValid())

	v = New()
	v.Directory("root", "")
	assert.False(t, v.IsValid())
}
