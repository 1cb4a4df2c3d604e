// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncCommand_DefaultsUnknownType(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("unknown", "ignored"))
	IncCommand("", "ignored")
	assert.Equal(t, before+1, testutil.ToFloat64(CommandsTotal.WithLabelValues("unknown", "ignored")))
}

func TestIncBusDropReason_NormalisesLabels(t *testing.T) {
	before := testutil.ToFloat64(BusDroppedTotal.WithLabelValues("unknown", "unknown"))
	IncBusDropReason("", "")
	assert.Equal(t, before+1, testutil.ToFloat64(BusDroppedTotal.WithLabelValues("unknown", "unknown")))
}

func TestRecordEncoderExit(t *testing.T) {
	before := testutil.ToFloat64(EncoderExitTotal.WithLabelValues("clean"))
	RecordEncoderExit("clean", 3*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(EncoderExitTotal.WithLabelValues("clean")))
}
