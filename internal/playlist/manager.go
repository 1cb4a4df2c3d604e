// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package playlist renders HLS master and media playlists for a source file
// ahead of (or alongside) the encoder writing the segments they reference.
package playlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/transcoder/internal/log"
	"github.com/ManuGH/transcoder/internal/media/model"
	"github.com/ManuGH/transcoder/internal/media/probe"
	"github.com/ManuGH/transcoder/internal/metrics"
)

// ErrGenerate wraps every failure of Create. A failed call never removes a
// playlist that existed before it.
var ErrGenerate = errors.New("manifest generation failed")

const (
	defaultVideoKbps = 2500
	defaultAudioKbps = 128
)

// Prober supplies stream metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*probe.Result, error)
}

// Manager creates playlist sets on disk.
type Manager struct {
	prober Prober
}

// NewManager creates a Manager probing through p.
func NewManager(p Prober) *Manager {
	return &Manager{prober: p}
}

// Create probes input once and writes the master playlist plus one media
// playlist per distinct video and audio rendition into outputDir. With no
// renditions they are derived from the probed streams. segmentDuration <= 0
// selects DefaultSegmentDuration. The result maps rendition names (and
// MasterName) to file paths.
func (m *Manager) Create(ctx context.Context, input, outputDir string, renditions []model.Rendition, segmentDuration float64) (map[string]string, error) {
	start := time.Now()
	paths, err := m.create(ctx, input, outputDir, renditions, segmentDuration)
	if err != nil {
		metrics.ObserveManifest("error", time.Since(start))
		return nil, fmt.Errorf("%w: %s: %w", ErrGenerate, input, err)
	}
	metrics.ObserveManifest("ok", time.Since(start))
	return paths, nil
}

func (m *Manager) create(ctx context.Context, input, outputDir string, renditions []model.Rendition, segmentDuration float64) (map[string]string, error) {
	res, err := m.prober.Probe(ctx, input)
	if err != nil {
		return nil, err
	}
	return Write(ctx, res, outputDir, renditions, segmentDuration)
}

// Write renders the playlist set for already probed metadata. All
// playlists are rendered before the first one is written. If writing fails
// part way, files this call created are removed again and files it
// replaced keep their new content.
func Write(ctx context.Context, res *probe.Result, outputDir string, renditions []model.Rendition, segmentDuration float64) (map[string]string, error) {
	if res == nil || res.Duration <= 0 {
		return nil, errors.New("source duration unknown")
	}
	if segmentDuration <= 0 {
		segmentDuration = DefaultSegmentDuration
	}
	if len(renditions) == 0 {
		renditions = DeriveRenditions(res)
	}
	if len(renditions) == 0 {
		return nil, errors.New("no renditions")
	}
	for _, r := range renditions {
		if r.Video != nil {
			if err := r.Video.Validate(); err != nil {
				return nil, err
			}
		}
		if r.Audio != nil {
			if err := r.Audio.Validate(); err != nil {
				return nil, err
			}
		}
	}

	durations := SegmentDurations(res.Duration, segmentDuration)
	if len(durations) == 0 {
		return nil, fmt.Errorf("cannot split %gs into segments of %gs", res.Duration, segmentDuration)
	}

	// #nosec G301 -- served by an external web server
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	// Render everything before writing any playlist so a failed render
	// leaves a previously written set intact.
	var files []pendingPlaylist
	rendered := make(map[string]bool)
	stage := func(name string, render func(io.Writer) error) error {
		var buf bytes.Buffer
		if err := render(&buf); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		rendered[name] = true
		files = append(files, pendingPlaylist{name: name, path: filepath.Join(outputDir, PlaylistFile(name)), data: buf.Bytes()})
		return nil
	}
	for _, r := range renditions {
		for _, name := range renditionNames(r) {
			if rendered[name] {
				continue
			}
			if err := stage(name, func(w io.Writer) error { return WriteVariant(w, name, durations) }); err != nil {
				return nil, err
			}
		}
	}
	// Master last: its presence marks a complete set.
	if err := stage(MasterName, func(w io.Writer) error { return WriteMaster(w, renditions) }); err != nil {
		return nil, err
	}

	logger := log.WithComponentFromContext(ctx, "playlist")
	paths := make(map[string]string, len(files))
	var created []string
	ok := false
	defer func() {
		if ok {
			return
		}
		// Only files this call introduced are removed; replaced ones keep
		// their new content.
		for _, p := range created {
			_ = os.Remove(p)
		}
	}()

	for _, f := range files {
		_, statErr := os.Lstat(f.path)
		if err := writeFile(ctx, f.path, f.write); err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		if errors.Is(statErr, fs.ErrNotExist) {
			created = append(created, f.path)
		}
		paths[f.name] = f.path
	}

	ok = true
	logger.Info().
		Str(log.FieldOutput, outputDir).
		Int("renditions", len(renditions)).
		Int("segments", len(durations)).
		Msg("playlists written")
	return paths, nil
}

type pendingPlaylist struct {
	name string
	path string
	data []byte
}

func (p pendingPlaylist) write(w io.Writer) error {
	_, err := w.Write(p.data)
	return err
}

func renditionNames(r model.Rendition) []string {
	var names []string
	if r.Video != nil {
		names = append(names, r.Video.Name())
	}
	if r.Audio != nil {
		names = append(names, r.Audio.Name())
	}
	return names
}

// DeriveRenditions builds one rendition per concrete video stream, each
// paired with the first audio stream. Audio-only sources yield one
// rendition per audio stream.
func DeriveRenditions(res *probe.Result) []model.Rendition {
	var videos []model.VideoProfile
	var audios []model.AudioProfile
	for _, s := range res.Streams {
		switch s.CodecType {
		case "video":
			kbps := s.BitRate / 1000
			if kbps <= 0 {
				kbps = defaultVideoKbps
			}
			videos = append(videos, model.VideoProfile{Width: s.Width, Height: s.Height, Bitrate: kbps})
		case "audio":
			kbps := s.BitRate / 1000
			if kbps <= 0 {
				kbps = defaultAudioKbps
			}
			audios = append(audios, model.AudioProfile{Bitrate: kbps})
		}
	}

	var out []model.Rendition
	if len(videos) == 0 {
		for i := range audios {
			out = append(out, model.Rendition{Audio: &audios[i]})
		}
		return out
	}
	for i := range videos {
		r := model.Rendition{Video: &videos[i]}
		if len(audios) > 0 {
			r.Audio = &audios[0]
		}
		out = append(out, r)
	}
	return out
}
