// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/ManuGH/transcoder/internal/config"
	"github.com/ManuGH/transcoder/internal/media/model"
	"github.com/ManuGH/transcoder/internal/media/probe"
	"github.com/ManuGH/transcoder/internal/playlist"
)

const manifestTimeout = 2 * time.Minute

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func runManifestCLI(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transcoder manifest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		input, output, ffprobeBin string
		segment                   float64
		videos, audios            listFlag
	)
	fs.StringVar(&input, "input", "", "source media file")
	fs.StringVar(&output, "output", "", "directory receiving the playlists")
	fs.Float64Var(&segment, "segment", config.DefaultSegmentDuration, "nominal segment duration in seconds")
	fs.StringVar(&ffprobeBin, "ffprobe", config.ParseString(config.EnvFFprobeBin, config.DefaultFFprobeBin), "ffprobe binary")
	fs.Var(&videos, "video", "video rendition WIDTHxHEIGHT@KBPS (repeatable)")
	fs.Var(&audios, "audio", "audio rendition bitrate in kbps (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(input) == "" || strings.TrimSpace(output) == "" {
		fmt.Fprintln(stderr, "Error: -input and -output are required")
		fs.Usage()
		return 2
	}

	renditions, err := parseRenditions(videos, audios)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), manifestTimeout)
	defer cancel()

	mgr := playlist.NewManager(probe.New(ffprobeBin, 0))
	paths, err := mgr.Create(ctx, input, output, renditions, segment)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printPaths(stdout, paths)
	return 0
}

// parseRenditions pairs the i-th video with the i-th audio profile. Videos
// beyond the audio list reuse the last audio; surplus audios become
// audio-only renditions. No flags at all means "derive from the source".
func parseRenditions(videos, audios []string) ([]model.Rendition, error) {
	if len(videos) == 0 && len(audios) == 0 {
		return nil, nil
	}
	audioProfiles := make([]*model.AudioProfile, 0, len(audios))
	for _, raw := range audios {
		kbps, err := model.ParseKbps("audio", raw)
		if err != nil {
			return nil, err
		}
		audioProfiles = append(audioProfiles, &model.AudioProfile{Bitrate: kbps})
	}

	out := make([]model.Rendition, 0, max(len(videos), len(audios)))
	for i, raw := range videos {
		v, err := parseVideoProfile(raw)
		if err != nil {
			return nil, err
		}
		r := model.Rendition{Video: v}
		switch {
		case i < len(audioProfiles):
			r.Audio = audioProfiles[i]
		case len(audioProfiles) > 0:
			r.Audio = audioProfiles[len(audioProfiles)-1]
		}
		out = append(out, r)
	}
	for i := len(videos); i < len(audioProfiles); i++ {
		out = append(out, model.Rendition{Audio: audioProfiles[i]})
	}
	return out, nil
}

// parseVideoProfile parses "WIDTHxHEIGHT@KBPS".
func parseVideoProfile(raw string) (*model.VideoProfile, error) {
	res, rate, ok := strings.Cut(strings.TrimSpace(raw), "@")
	if !ok {
		return nil, fmt.Errorf("video %q: expected WIDTHxHEIGHT@KBPS", raw)
	}
	r, err := model.ParseResolution(res)
	if err != nil {
		return nil, err
	}
	kbps, err := model.ParseKbps("video", rate)
	if err != nil {
		return nil, err
	}
	v := &model.VideoProfile{Width: r.Width, Height: r.Height, Bitrate: kbps}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func printPaths(w io.Writer, paths map[string]string) {
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, paths[name])
	}
}
