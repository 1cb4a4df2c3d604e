// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ManuGH/transcoder/internal/media/model"
)

const (
	defaultSegmentDuration = 4.0
	segmentExt             = ".ts"
	// segmentTimeDelta tolerates keyframes landing a hair before the break.
	segmentTimeDelta = "0.05"
)

// Invocation is a fully formed encoder command line. Args never go through a shell.
type Invocation struct {
	Mode      model.Mode
	Args      []string
	OutputDir string
	// Output is the primary output: segment pattern, playlist, manifest or container.
	Output string
}

// Builder translates TranscodeOptions into encoder invocations.
// The zero value is ready to use.
type Builder struct {
	// DisableProgress drops the -progress pipe the watchdog relies on.
	DisableProgress bool
}

// NewBuilder creates a Builder that emits progress output for the watchdog.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build selects the output strategy from opts and returns the invocation.
// override, when non-nil, replaces the video profile dimensions.
// Configuration errors are returned before anything is spawned.
func (b *Builder) Build(opts model.TranscodeOptions, override *model.Resolution) (Invocation, error) {
	if err := opts.Validate(); err != nil {
		return Invocation{}, err
	}
	if override != nil && opts.Video != nil {
		v := opts.Video.WithResolution(*override)
		opts.Video = &v
	}

	if opts.DirectPlay || opts.Mode == model.ModeDirect {
		return b.directPlay(opts), nil
	}

	switch opts.Mode {
	case model.ModeRemux:
		return b.remux(opts), nil
	case model.ModeABR:
		return b.abr(opts)
	case model.ModeDASH:
		return b.dash(opts)
	default:
		return b.segmented(opts)
	}
}

func (b *Builder) baseArgs() []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-y",
	}
	if !b.DisableProgress {
		args = append(args, "-progress", "pipe:1")
	}
	return args
}

// segmented emits one MPEG-TS file per break interval via the segment muxer.
func (b *Builder) segmented(opts model.TranscodeOptions) (Invocation, error) {
	if len(opts.SegmentTimes) < 2 {
		return Invocation{}, fmt.Errorf("%w: got %d break times, need at least 2", model.ErrNotEnoughSegments, len(opts.SegmentTimes))
	}
	if opts.Video == nil && opts.Audio == nil {
		return Invocation{}, fmt.Errorf("%w: video or audio profile required", model.ErrInvalidOptions)
	}

	start := opts.StartTime()
	end := opts.EndTime()
	if start >= end {
		return Invocation{}, fmt.Errorf("%w: start %.3f is not before end %.3f", model.ErrNotEnoughSegments, start, end)
	}
	prefix := opts.EffectivePrefix()
	output := filepath.Join(opts.OutputDir, model.SegmentPattern(prefix, segmentExt))

	args := b.baseArgs()
	if start > 0 {
		args = append(args, "-ss", formatSeconds(start))
	}
	args = append(args,
		"-i", opts.Input,
		"-to", formatSeconds(end),
		"-copyts",
		"-start_at_zero",
		"-muxdelay", "0",
	)
	args = append(args, mapArgs(opts.Video, opts.Audio)...)
	args = append(args, videoArgs(opts.Video, forceKeyframes(opts.SegmentTimes, 0))...)
	args = append(args, audioArgs(opts.Audio)...)

	args = append(args,
		"-f", "segment",
		"-segment_format", "mpegts",
		"-segment_time_delta", segmentTimeDelta,
		"-segment_start_number", strconv.Itoa(opts.SegmentOffset),
	)
	if cuts := cutTimes(opts.SegmentTimes, start, end); len(cuts) > 0 {
		args = append(args, "-segment_times", formatTimes(cuts))
	}
	args = append(args, output)

	return Invocation{Mode: model.ModeSegmented, Args: args, OutputDir: opts.OutputDir, Output: output}, nil
}

// abr emits a single-rendition VOD HLS stream: one playlist plus its segments.
func (b *Builder) abr(opts model.TranscodeOptions) (Invocation, error) {
	if opts.Video == nil && opts.Audio == nil {
		return Invocation{}, fmt.Errorf("%w: video or audio profile required", model.ErrInvalidOptions)
	}
	segDur := segmentDuration(opts)
	prefix := opts.EffectivePrefix()
	playlist := filepath.Join(opts.OutputDir, prefix+".m3u8")

	args := b.baseArgs()
	if start := opts.StartTime(); start > 0 {
		args = append(args, "-ss", formatSeconds(start))
	}
	args = append(args, "-i", opts.Input)
	args = append(args, mapArgs(opts.Video, opts.Audio)...)
	args = append(args, videoArgs(opts.Video, forceKeyframes(opts.SegmentTimes, segDur))...)
	args = append(args, audioArgs(opts.Audio)...)
	args = append(args,
		"-f", "hls",
		"-hls_time", formatSeconds(segDur),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments+temp_file",
		"-start_number", strconv.Itoa(opts.SegmentOffset),
		"-hls_segment_filename", filepath.Join(opts.OutputDir, model.SegmentPattern(prefix, segmentExt)),
		playlist,
	)
	return Invocation{Mode: model.ModeABR, Args: args, OutputDir: opts.OutputDir, Output: playlist}, nil
}

// dash maps one video and one audio stream per rendition pair into a single
// DASH muxer with timeline and template addressing.
func (b *Builder) dash(opts model.TranscodeOptions) (Invocation, error) {
	renditions := opts.Renditions
	if len(renditions) == 0 {
		renditions = []model.Rendition{{Audio: opts.Audio, Video: opts.Video}}
	}
	segDur := segmentDuration(opts)
	prefix := opts.EffectivePrefix()
	manifest := filepath.Join(opts.OutputDir, prefix+".mpd")

	args := b.baseArgs()
	if start := opts.StartTime(); start > 0 {
		args = append(args, "-ss", formatSeconds(start))
	}
	args = append(args, "-i", opts.Input)

	var maps, codecs []string
	vIdx, aIdx := 0, 0
	for _, r := range renditions {
		if r.Video != nil {
			maps = append(maps, "-map", "0:v:0")
			n := strconv.Itoa(vIdx)
			codecs = append(codecs, "-c:v:"+n, videoEncoder(r.Video.Codec))
			if r.Video.HasScale() {
				codecs = append(codecs, "-filter:v:"+n, scaleFilter(*r.Video))
			}
			codecs = append(codecs, "-b:v:"+n, kbps(r.Video.Bitrate))
			vIdx++
		}
		if r.Audio != nil {
			maps = append(maps, "-map", "0:a:0")
			n := strconv.Itoa(aIdx)
			codecs = append(codecs, "-c:a:"+n, "aac", "-b:a:"+n, kbps(r.Audio.Bitrate), "-ac:a:"+n, "2")
			aIdx++
		}
	}
	if vIdx == 0 && aIdx == 0 {
		return Invocation{}, fmt.Errorf("%w: dash needs at least one profile", model.ErrInvalidOptions)
	}

	var sets []string
	if vIdx > 0 {
		sets = append(sets, fmt.Sprintf("id=%d,streams=v", len(sets)))
		codecs = append(codecs, "-pix_fmt", "yuv420p", "-force_key_frames", genericKeyframeExpr(segDur))
	}
	if aIdx > 0 {
		sets = append(sets, fmt.Sprintf("id=%d,streams=a", len(sets)))
	}

	args = append(args, maps...)
	args = append(args, codecs...)
	args = append(args,
		"-f", "dash",
		"-seg_duration", formatSeconds(segDur),
		"-use_timeline", "1",
		"-use_template", "1",
		"-adaptation_sets", strings.Join(sets, " "),
		"-init_seg_name", prefix+"_init_$RepresentationID$.m4s",
		"-media_seg_name", prefix+"_chunk_$RepresentationID$_$Number%05d$.m4s",
		manifest,
	)
	return Invocation{Mode: model.ModeDASH, Args: args, OutputDir: opts.OutputDir, Output: manifest}, nil
}

// remux copies every stream into an MP4 named after the input.
func (b *Builder) remux(opts model.TranscodeOptions) Invocation {
	base := filepath.Base(opts.Input)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + ".mp4"
	dir := opts.OutputDir
	if dir == "" {
		dir = filepath.Dir(opts.Input)
	}
	output := filepath.Join(dir, name)

	args := b.baseArgs()
	args = append(args,
		"-i", opts.Input,
		"-map", "0",
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
	return Invocation{Mode: model.ModeRemux, Args: args, OutputDir: dir, Output: output}
}

// directPlay ignores every profile and copies the first video and audio
// stream into a fragmented MP4 that can be served with byte ranges while it grows.
func (b *Builder) directPlay(opts model.TranscodeOptions) Invocation {
	dir := opts.OutputDir
	if dir == "" {
		dir = filepath.Dir(opts.Input)
	}
	output := filepath.Join(dir, opts.EffectivePrefix()+"_direct.mp4")

	args := b.baseArgs()
	if opts.Position != nil && *opts.Position > 0 {
		args = append(args, "-ss", formatSeconds(*opts.Position))
	}
	args = append(args,
		"-i", opts.Input,
		"-map", "0:v:0?",
		"-map", "0:a:0?",
		"-c", "copy",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4",
		output,
	)
	return Invocation{Mode: model.ModeDirect, Args: args, OutputDir: dir, Output: output}
}

func mapArgs(v *model.VideoProfile, a *model.AudioProfile) []string {
	var args []string
	if v != nil {
		args = append(args, "-map", "0:v:0")
	}
	if a != nil {
		args = append(args, "-map", "0:a:0?")
	}
	return args
}

func videoArgs(v *model.VideoProfile, keyframes string) []string {
	if v == nil {
		return []string{"-vn"}
	}
	encoder := videoEncoder(v.Codec)
	args := []string{"-c:v", encoder}
	if encoder == "copy" {
		return args
	}
	if encoder == "libx265" {
		args = append(args, "-tag:v", "hvc1")
	}
	if v.HasScale() {
		args = append(args, "-vf", scaleFilter(*v))
	}
	args = append(args,
		"-b:v", kbps(v.Bitrate),
		"-maxrate", kbps(v.Bitrate),
		"-bufsize", kbps(v.Bitrate*2),
		"-pix_fmt", "yuv420p",
		"-force_key_frames", keyframes,
	)
	return args
}

func audioArgs(a *model.AudioProfile) []string {
	if a == nil {
		return []string{"-an"}
	}
	return []string{
		"-c:a", "aac",
		"-b:a", kbps(a.Bitrate),
		"-ac", "2",
		"-ar", "48000",
	}
}

// videoEncoder maps a codec tag to an ffmpeg encoder name.
func videoEncoder(codec string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", "h264", "avc", "avc1", "x264":
		return "libx264"
	case "hevc", "h265", "hvc1", "x265":
		return "libx265"
	case "copy":
		return "copy"
	default:
		return codec
	}
}

// scaleFilter preserves aspect ratio: landscape sizes scale by height,
// portrait sizes by width. A single known dimension is used as is.
// Callers must check HasScale first.
func scaleFilter(v model.VideoProfile) string {
	switch {
	case v.Width > 0 && v.Height > 0 && v.Width >= v.Height:
		return fmt.Sprintf("scale=-2:%d", v.Height)
	case v.Width > 0 && v.Height > 0:
		return fmt.Sprintf("scale=%d:-2", v.Width)
	case v.Height > 0:
		return fmt.Sprintf("scale=-2:%d", v.Height)
	default:
		return fmt.Sprintf("scale=%d:-2", v.Width)
	}
}

// forceKeyframes pins keyframes to the break times, or to a periodic
// expression when none are known.
func forceKeyframes(times []float64, fallback float64) string {
	if len(times) == 0 {
		if fallback <= 0 {
			fallback = defaultSegmentDuration
		}
		return genericKeyframeExpr(fallback)
	}
	return formatTimes(times)
}

func genericKeyframeExpr(segDur float64) string {
	return "expr:gte(t,n_forced*" + strconv.FormatFloat(segDur, 'f', -1, 64) + ")"
}

// cutTimes returns the break times strictly inside (start, end): the points
// where the segment muxer must open a new file.
func cutTimes(times []float64, start, end float64) []float64 {
	var out []float64
	for _, t := range times {
		if t > start && t < end {
			out = append(out, t)
		}
	}
	return out
}

func segmentDuration(opts model.TranscodeOptions) float64 {
	if opts.SegmentDuration > 0 {
		return opts.SegmentDuration
	}
	return defaultSegmentDuration
}

// formatTimes serialises times as a comma-joined list with six decimals.
func formatTimes(times []float64) string {
	parts := make([]string, len(times))
	for i, t := range times {
		parts[i] = formatSeconds(t)
	}
	return strings.Join(parts, ",")
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 6, 64)
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
