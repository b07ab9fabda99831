package packager

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/file"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/mp4"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func TestParseStreamDescriptor(t *testing.T) {
	t.Parallel()

	d, err := ParseStreamDescriptor(
		"input=in.mp4,stream=video,output=v.mp4,segment_template=v_$Number$.m4s," +
			"skip_encryption=1,trick_play_factor=2,bandwidth=2000000,language=en," +
			"hls_name=main,hls_group_id=vid,hls_playlist_name=v.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "in.mp4", d.Input)
	assert.Equal(t, "video", d.Stream)
	assert.Equal(t, "v.mp4", d.Output)
	assert.Equal(t, "v_$Number$.m4s", d.SegmentTemplate)
	assert.True(t, d.SkipEncryption)
	assert.EqualValues(t, 2, d.TrickPlayFactor)
	assert.EqualValues(t, 2000000, d.Bandwidth)
	assert.Equal(t, "en", d.Language)
	assert.Equal(t, "main", d.HLSName)
	assert.Equal(t, "vid", d.HLSGroupID)
	assert.Equal(t, "v.m3u8", d.HLSPlaylistName)
}

func TestParseStreamDescriptorErrors(t *testing.T) {
	t.Parallel()

	cases := []string{
		"stream=video,output=v.mp4",         // missing input
		"input=a,output=v.mp4",              // missing selector
		"input=a,stream=video",              // missing output
		"input=a,stream=video,bogus=1,output=o", // unknown key
		"input=a,stream=video,bandwidth=abc,output=o",
	}
	for _, c := range cases {
		_, err := ParseStreamDescriptor(c)
		assert.Equal(t, status.InvalidArgument, status.CodeOf(err), c)
	}
}

func TestSelectStream(t *testing.T) {
	t.Parallel()

	streams := []*media.StreamInfo{
		{Kind: media.KindVideo, TrackID: 1},
		{Kind: media.KindAudio, TrackID: 2},
	}
	s, err := selectStream(streams, "audio")
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.TrackID)

	s, err = selectStream(streams, "0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.TrackID)

	_, err = selectStream(streams, "text")
	assert.Equal(t, status.NotFound, status.CodeOf(err))
	_, err = selectStream(streams, "9")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

// buildTestInput writes a small fragmented MP4 with one H.264 track to a
// memory file and returns its name.
func buildTestInput(t *testing.T, name string) string {
	t.Helper()
	avcC := []byte{
		0x01, 0x42, 0xE0, 0x1E, 0xFF, 0xE1,
		0x00, 0x08, 0x67, 0x42, 0x00, 0x1E, 0xDA, 0x05, 0x07, 0xC4,
		0x01, 0x00, 0x04, 0x68, 0xCE, 0x3C, 0x80,
	}
	info := &media.StreamInfo{
		Kind: media.KindVideo, TrackID: 1, TimeScale: 90000, Duration: 180000,
		Codec: media.CodecH264, CodecString: "avc1.42E01E", Language: "en",
		ExtraData: avcC,
		Video:     &media.VideoInfo{Width: 320, Height: 240, PixelWidth: 1, PixelHeight: 1, NALULengthSize: 4},
	}
	m := mp4.NewMuxer(mp4.MuxerOptions{Output: "memory://" + name, TempDir: t.TempDir(), SegmentDuration: 2}, event.NopListener{})
	require.NoError(t, m.Process(&media.StreamData{Type: media.DataStreamInfo, Info: info}))
	for i := 0; i < 60; i++ {
		require.NoError(t, m.Process(&media.StreamData{Type: media.DataMediaSample, Sample: &media.MediaSample{
			DTS: int64(i) * 3000, PTS: int64(i) * 3000, Duration: 3000,
			IsKeyFrame: i%30 == 0,
			Data:       []byte{0, 0, 0, 4, 0x65, byte(i), 0x00, 0xFF},
		}}))
	}
	require.NoError(t, m.Process(&media.StreamData{Type: media.DataMediaSample, Sample: media.NewEOSSample()}))
	return "memory://" + name
}

func TestPackagerEndToEnd(t *testing.T) {
	input := buildTestInput(t, "e2e_in.mp4")

	params := PackagingParams{
		MPDOutput:         "memory://e2e.mpd",
		HLSMasterPlaylist: "memory://master.m3u8",
		SegmentDuration:   1,
	}
	descriptors := []StreamDescriptor{{
		Input:           input,
		Stream:          "video",
		Output:          "memory://e2e_init.mp4",
		SegmentTemplate: "memory://e2e_seg_$Number$.m4s",
		Bandwidth:       2000000,
		HLSPlaylistName: "video.m3u8",
	}}

	job, err := New(params, descriptors, nil)
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	// Init segment and both media segments exist.
	init, ok := file.MemoryContents("e2e_init.mp4")
	require.True(t, ok)
	assert.Equal(t, "ftyp", string(init[4:8]))
	_, ok = file.MemoryContents("e2e_seg_1.m4s")
	assert.True(t, ok)
	_, ok = file.MemoryContents("e2e_seg_2.m4s")
	assert.True(t, ok)

	mpdOut, ok := file.MemoryContents("e2e.mpd")
	require.True(t, ok)
	mpdText := string(mpdOut)
	assert.Contains(t, mpdText, `codecs="avc1.42E01E"`)
	assert.Contains(t, mpdText, `media="e2e_seg_$Number$.m4s"`)
	assert.Contains(t, mpdText, `startNumber="1"`)

	master, ok := file.MemoryContents("master.m3u8")
	require.True(t, ok)
	assert.Contains(t, string(master), "#EXT-X-STREAM-INF:")
	assert.Contains(t, string(master), "video.m3u8")

	playlist, ok := file.MemoryContents("video.m3u8")
	require.True(t, ok)
	text := string(playlist)
	assert.Contains(t, text, "#EXT-X-ENDLIST")
	assert.Equal(t, 2, strings.Count(text, "#EXTINF:"))
}

func TestPackagerRequiresDescriptors(t *testing.T) {
	t.Parallel()

	_, err := New(PackagingParams{}, nil, nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}
