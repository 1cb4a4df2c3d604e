// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build windows

package playlist

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// writeFile writes through a temp file and rename; renameio does not
// support Windows.
func writeFile(_ context.Context, path string, render func(io.Writer) error) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".playlist-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp playlist file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := render(tmpFile); err != nil {
		return fmt.Errorf("write playlist data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp playlist file: %w", err)
	}
	tmpFile = nil
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename playlist file: %w", err)
	}
	return nil
}
