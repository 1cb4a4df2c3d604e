// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithCorrelationID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		id   string
	}{
		{name: "nil context", ctx: nil, id: "cid-1"},
		{name: "background context", ctx: context.Background(), id: "cid-2"},
		{name: "empty id", ctx: context.Background(), id: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithCorrelationID(tt.ctx, tt.id)
			assert.Equal(t, tt.id, CorrelationIDFromContext(ctx))
		})
	}
}

func TestCorrelationAndSessionIDFromContext_MissingValues(t *testing.T) {
	assert.Empty(t, CorrelationIDFromContext(context.TODO()))
	assert.Empty(t, SessionIDFromContext(context.Background()))
}

func TestWithContext_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithCorrelationID(context.Background(), "cid-42")
	ctx = ContextWithSessionID(ctx, "sess-7")

	l := WithContext(ctx, logger)
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cid-42", entry[FieldCorrelationID])
	assert.Equal(t, "sess-7", entry[FieldSessionID])
}

func TestWithContext_NoFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	l := WithContext(context.Background(), logger)
	l.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, FieldCorrelationID)
	assert.NotContains(t, entry, FieldSessionID)
}
