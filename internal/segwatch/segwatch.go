// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package segwatch reports encoder segments as they become complete on disk.
package segwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Segment is one completed segment file.
type Segment struct {
	Name  string
	Index int
}

// Watcher observes an output directory for segments named prefix_NNNNN<ext>.
// A segment counts as complete once its successor appears, or on Flush
// after a clean encoder exit.
type Watcher struct {
	dir     string
	prefix  string
	ext     string
	onReady func(Segment)
	logger  zerolog.Logger

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	pending  *Segment
	reported int
}

// New starts watching dir, creating it if needed. onReady is called from
// the Run goroutine, and from Flush.
func New(logger zerolog.Logger, dir, prefix, ext string, onReady func(Segment)) (*Watcher, error) {
	// #nosec G301 -- served by an external web server
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		prefix:   prefix,
		ext:      ext,
		onReady:  onReady,
		logger:   logger,
		fsw:      fsw,
		reported: -1,
	}, nil
}

// Run consumes filesystem events until ctx is done. The underlying watcher
// is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fsw.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if idx, ok := w.parse(filepath.Base(event.Name)); ok {
				w.observe(Segment{Name: filepath.Base(event.Name), Index: idx})
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

// Close releases the watcher without running it.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Flush reports the newest pending segment. Call it only when the encoder
// finished cleanly; after a kill the last segment is truncated.
func (w *Watcher) Flush() {
	w.mu.Lock()
	seg := w.pending
	w.pending = nil
	if seg != nil {
		w.reported = seg.Index
	}
	w.mu.Unlock()
	if seg != nil {
		w.onReady(*seg)
	}
}

func (w *Watcher) observe(seg Segment) {
	var ready []Segment
	w.mu.Lock()
	switch {
	case seg.Index <= w.reported:
	case w.pending == nil:
		w.pending = &seg
	case seg.Index > w.pending.Index:
		ready = append(ready, *w.pending)
		w.reported = w.pending.Index
		w.pending = &seg
	}
	w.mu.Unlock()

	for _, s := range ready {
		w.onReady(s)
	}
}

func (w *Watcher) parse(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, w.prefix+"_")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, w.ext)
	if !ok || digits == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
