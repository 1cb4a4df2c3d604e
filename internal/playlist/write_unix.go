// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !windows

package playlist

import (
	"context"
	"fmt"
	"io"

	"github.com/google/renameio/v2"

	xglog "github.com/ManuGH/transcoder/internal/log"
)

// writeFile replaces path atomically and durably: readers polling the
// output directory see either the previous playlist or the complete new one.
func writeFile(ctx context.Context, path string, render func(io.Writer) error) error {
	logger := xglog.WithComponentFromContext(ctx, "playlist")

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending playlist file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Str(xglog.FieldPath, path).Msg("cleanup pending playlist file")
		}
	}()

	if err := render(pendingFile); err != nil {
		return fmt.Errorf("write playlist data: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace playlist file: %w", err)
	}
	return nil
}
