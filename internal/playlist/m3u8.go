// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package playlist

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/ManuGH/transcoder/internal/media/model"
)

const (
	hlsVersion    = 4
	segmentExt    = ".ts"
	playlistExt   = ".m3u8"
	audioCodec    = "mp4a.40.2"
	audioGroupFmt = "audio-group-%d"
)

// MasterName is the map key and base name of the master playlist.
const MasterName = "master"

// PlaylistFile returns the file name of the playlist for a rendition name.
func PlaylistFile(name string) string {
	return name + playlistExt
}

// audioGroups assigns one group id per distinct audio profile, in order of
// first appearance.
func audioGroups(renditions []model.Rendition) (ids map[string]string, order []model.AudioProfile) {
	ids = make(map[string]string)
	for _, r := range renditions {
		if r.Audio == nil {
			continue
		}
		name := r.Audio.Name()
		if _, ok := ids[name]; ok {
			continue
		}
		ids[name] = fmt.Sprintf(audioGroupFmt, len(order))
		order = append(order, *r.Audio)
	}
	return ids, order
}

// WriteMaster renders the master playlist: one EXT-X-MEDIA entry per
// distinct audio profile and one EXT-X-STREAM-INF entry per rendition pair.
func WriteMaster(w io.Writer, renditions []model.Rendition) error {
	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	fmt.Fprintf(buf, "#EXT-X-VERSION:%d\n", hlsVersion)
	buf.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	groups, audios := audioGroups(renditions)
	for _, a := range audios {
		name := a.Name()
		fmt.Fprintf(buf,
			"#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"%s\",NAME=\"%s\",DEFAULT=YES,AUTOSELECT=YES,URI=\"%s\"\n",
			groups[name], name, PlaylistFile(name))
	}

	for _, r := range renditions {
		var attrs []string
		var codecs []string
		bandwidth := 0
		uri := ""

		if r.Video != nil {
			bandwidth += r.Video.Bitrate
			codecs = append(codecs, videoCodecString(*r.Video))
			uri = PlaylistFile(r.Video.Name())
		}
		if r.Audio != nil {
			bandwidth += r.Audio.Bitrate
			codecs = append(codecs, audioCodec)
			if uri == "" {
				uri = PlaylistFile(r.Audio.Name())
			}
		}
		if uri == "" {
			continue
		}

		attrs = append(attrs, fmt.Sprintf("BANDWIDTH=%d", bandwidth*1000))
		if r.Video != nil && r.Video.Width > 0 && r.Video.Height > 0 {
			attrs = append(attrs, fmt.Sprintf("RESOLUTION=%dx%d", r.Video.Width, r.Video.Height))
		}
		attrs = append(attrs, fmt.Sprintf("CODECS=\"%s\"", strings.Join(codecs, ",")))
		if r.Audio != nil {
			attrs = append(attrs, fmt.Sprintf("AUDIO=\"%s\"", groups[r.Audio.Name()]))
		}
		fmt.Fprintf(buf, "#EXT-X-STREAM-INF:%s\n%s\n", strings.Join(attrs, ","), uri)
	}

	_, err := io.Copy(w, buf)
	return err
}

// WriteVariant renders a VOD media playlist for one rendition. Segment i is
// named prefix_%05d.ts, the same pattern the encoder writes.
func WriteVariant(w io.Writer, prefix string, durations []float64) error {
	if len(durations) == 0 {
		return fmt.Errorf("variant %s: no segments", prefix)
	}
	target := 0.0
	for _, d := range durations {
		target = max(target, d)
	}

	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	fmt.Fprintf(buf, "#EXT-X-VERSION:%d\n", hlsVersion)
	fmt.Fprintf(buf, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	buf.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	buf.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i, d := range durations {
		fmt.Fprintf(buf, "#EXTINF:%.3f,\n%s\n", d, model.SegmentName(prefix, i, segmentExt))
	}
	buf.WriteString("#EXT-X-ENDLIST\n")

	_, err := io.Copy(w, buf)
	return err
}

// videoCodecString returns an RFC 6381 codec tag by output height.
func videoCodecString(v model.VideoProfile) string {
	switch strings.ToLower(v.Codec) {
	case "hevc", "h265", "hvc1", "x265":
		return "hvc1.1.6.L120.90"
	}
	switch {
	case v.Height >= 2160:
		return "avc1.640033"
	case v.Height >= 1080:
		return "avc1.640028"
	case v.Height >= 720:
		return "avc1.64001f"
	case v.Height >= 480:
		return "avc1.64001e"
	default:
		return "avc1.640015"
	}
}
