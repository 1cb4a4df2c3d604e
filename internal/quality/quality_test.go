// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/transcoder/internal/media/probe"
)

type stubProbe struct {
	res *probe.Result
	err error
}

func (s stubProbe) Probe(context.Context, string) (*probe.Result, error) { return s.res, s.err }

func hd() *probe.Result {
	return &probe.Result{
		Duration: 60,
		Streams: []probe.Stream{
			{CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080, BitRate: 6000000},
			{CodecType: "audio", CodecName: "aac", BitRate: 192000},
		},
	}
}

func TestLadder_FiltersBySourceHeight(t *testing.T) {
	qs := Ladder(hd())

	var names []string
	for _, q := range qs {
		names = append(names, q.Name)
		assert.LessOrEqual(t, q.Height, 1080)
		assert.Equal(t, 128, q.AudioBitrate)
	}
	assert.Equal(t, []string{SourceName, "720p", "480p", "360p", "240p"}, names)

	assert.Equal(t, Quality{Name: SourceName, Width: 1920, Height: 1080, VideoBitrate: 6000, AudioBitrate: 128}, qs[0])
	assert.Equal(t, 1280, qs[1].Width)
	assert.Equal(t, 720, qs[1].Height)
	assert.Equal(t, 2666, qs[1].VideoBitrate)
}

func TestLadder_ClampsBitrate(t *testing.T) {
	res := hd()
	res.Streams[0].BitRate = 100000 // 100 kbps source
	qs := Ladder(res)
	require.Greater(t, len(qs), 1)
	assert.Equal(t, 1000, qs[1].VideoBitrate, "720p never drops below its floor")
}

func TestLadder_EstimatesMissingBitrate(t *testing.T) {
	res := hd()
	res.Streams[0].BitRate = 0
	qs := Ladder(res)
	assert.Equal(t, 5000, qs[0].VideoBitrate)
}

func TestLadder_AudioOnly(t *testing.T) {
	res := &probe.Result{Streams: []probe.Stream{{CodecType: "audio", CodecName: "mp3", BitRate: 96000}}}
	qs := Ladder(res)
	require.Len(t, qs, 1)
	assert.Equal(t, Quality{Name: SourceName, AudioBitrate: 96}, qs[0])
	assert.Nil(t, qs[0].VideoProfile())
	require.NotNil(t, qs[0].AudioProfile())
}

func TestLadder_SmallSourceKeepsOnlyLowerRungs(t *testing.T) {
	res := &probe.Result{Streams: []probe.Stream{{CodecType: "video", CodecName: "h264", Width: 640, Height: 360}}}
	qs := Ladder(res)
	require.Len(t, qs, 2)
	assert.Equal(t, "240p", qs[1].Name)
	assert.Equal(t, 0, qs[0].AudioBitrate)
	assert.Nil(t, qs[0].AudioProfile())
}

func TestQuality_VideoProfile(t *testing.T) {
	q := Quality{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128}
	v := q.VideoProfile()
	require.NotNil(t, v)
	assert.Equal(t, "video_1280x720_2800k", v.Name())
	assert.Equal(t, "audio_128k", q.AudioProfile().Name())
}

func TestLadderProber_WrapsProbeError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewLadderProber(stubProbe{err: boom}).Qualities(context.Background(), "/x.mkv")
	assert.ErrorIs(t, err, boom)

	qs, err := NewLadderProber(stubProbe{res: hd()}).Qualities(context.Background(), "/x.mkv")
	require.NoError(t, err)
	assert.Len(t, qs, 5)
}
