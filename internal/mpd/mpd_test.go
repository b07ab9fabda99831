package mpd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/media"
)

func TestElementSerialize(t *testing.T) {
	t.Parallel()

	root := NewElement("MPD")
	root.SetAttr("type", "static")
	period := root.Add(NewElement("Period"))
	period.SetAttr("id", "0")
	period.Add(NewElement("BaseURL")).Text = "a<b.mp4"

	out := root.Serialize()
	assert.Contains(t, out, `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, out, `<MPD type="static">`)
	assert.Contains(t, out, `<BaseURL>a&lt;b.mp4</BaseURL>`)
	assert.Contains(t, out, "</MPD>")
}

func videoInfo(width, height uint32) *media.StreamInfo {
	return &media.StreamInfo{
		Kind: media.KindVideo, TrackID: 1, TimeScale: 1000,
		Codec: media.CodecH264, CodecString: "avc1.42E01E", Language: "und",
		Video: &media.VideoInfo{Width: width, Height: height, PixelWidth: 1, PixelHeight: 1},
	}
}

func audioInfo(lang string) *media.StreamInfo {
	return &media.StreamInfo{
		Kind: media.KindAudio, TrackID: 2, TimeScale: 44100,
		Codec: media.CodecAAC, CodecString: "mp4a.40.2", Language: lang,
		Audio: &media.AudioInfo{NumChannels: 2, SamplingFrequency: 44100},
	}
}

func TestAdaptationSetGrouping(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Options{Type: Static})
	b.AddRepresentation(videoInfo(1280, 720), 2000000, RepresentationOutput{Media: "v720.mp4"})
	b.AddRepresentation(videoInfo(1920, 1080), 4000000, RepresentationOutput{Media: "v1080.mp4"})
	b.AddRepresentation(audioInfo("en"), 128000, RepresentationOutput{Media: "en.mp4"})
	b.AddRepresentation(audioInfo("fr"), 128000, RepresentationOutput{Media: "fr.mp4"})

	// Same codec family and language share a set; audio languages split into
	// sets with distinct group ids.
	require.Len(t, b.sets, 3)
	assert.Len(t, b.sets[0].Representations, 2)
	assert.EqualValues(t, 1, b.sets[1].Group)
	assert.EqualValues(t, 2, b.sets[2].Group)
}

func TestStaticMPDOutput(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Options{Type: Static, MinBufferTimeSeconds: 2})
	rep := b.AddRepresentation(videoInfo(1280, 720), 2000000, RepresentationOutput{
		Media: "video.mp4",
		Ranges: event.MediaRanges{
			HasInit: true, InitStart: 0, InitEnd: 999,
			HasIndex: true, IndexStart: 1000, IndexEnd: 1199,
		},
	})
	b.OnSampleDuration(rep, 33)
	b.SetMediaDuration(30)

	out, err := b.Build()
	require.NoError(t, err)
	assert.Contains(t, out, `xmlns="urn:mpeg:DASH:schema:MPD:2011"`)
	assert.Contains(t, out, `xmlns:cenc="urn:mpeg:cenc:2013"`)
	assert.Contains(t, out, `profiles="urn:mpeg:dash:profile:isoff-on-demand:2011"`)
	assert.Contains(t, out, `type="static"`)
	assert.Contains(t, out, `mediaPresentationDuration="PT30.000S"`)
	assert.Contains(t, out, `indexRange="1000-1199"`)
	assert.Contains(t, out, `range="0-999"`)
	assert.Contains(t, out, `codecs="avc1.42E01E"`)
	assert.Contains(t, out, `width="1280"`)
}

func TestDynamicSlidingWindow(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Options{Type: Dynamic, TimeShiftBufferDepth: 25})
	rep := b.AddRepresentation(videoInfo(1280, 720), 2000000, RepresentationOutput{
		InitSegment:     "init.mp4",
		SegmentTemplate: "seg_$Number$.m4s",
	})
	// 10 segments of 10 s at a 1000 Hz timescale.
	for i := 0; i < 10; i++ {
		b.OnNewSegment(rep, int64(i)*10000, 10000, 1000)
	}

	out, err := b.Build()
	require.NoError(t, err)
	assert.Contains(t, out, `type="dynamic"`)
	assert.Contains(t, out, `profiles="urn:mpeg:dash:profile:isoff-live:2011"`)
	assert.Contains(t, out, `timeShiftBufferDepth="PT25.000S"`)

	// Segments with start >= 60 s remain, startNumber advanced to 7.
	assert.Contains(t, out, `startNumber="7"`)
	assert.Contains(t, out, `t="60000"`)
	assert.NotContains(t, out, `t="50000"`)
	assert.NotContains(t, out, `t="0"`)
	// The retained run is compressed into a single repeated S element.
	assert.Contains(t, out, `r="3"`)
}

func TestSegmentAlignmentLatchesFalse(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Options{Type: Dynamic})
	r1 := b.AddRepresentation(videoInfo(1280, 720), 1, RepresentationOutput{SegmentTemplate: "a_$Number$.m4s"})
	r2 := b.AddRepresentation(videoInfo(1920, 1080), 2, RepresentationOutput{SegmentTemplate: "b_$Number$.m4s"})

	b.OnNewSegment(r1, 0, 10000, 1)
	b.OnNewSegment(r2, 0, 10000, 1)
	require.True(t, b.sets[0].segmentAligned())

	b.OnNewSegment(r1, 10000, 10000, 1)
	b.OnNewSegment(r2, 10500, 9500, 1)
	assert.False(t, b.sets[0].segmentAligned())

	// Latched: later agreement does not clear it.
	b.OnNewSegment(r1, 20000, 10000, 1)
	b.OnNewSegment(r2, 20000, 10000, 1)
	assert.False(t, b.sets[0].segmentAligned())

	out, err := b.Build()
	require.NoError(t, err)
	assert.Contains(t, out, `segmentAlignment="false"`)
}

func TestContentProtectionOutput(t *testing.T) {
	t.Parallel()

	info := videoInfo(1280, 720)
	kid := make([]byte, 16)
	kid[0] = 0xAB
	info.DRM = &media.DRMInfo{
		Scheme:       media.SchemeCenc,
		DefaultKeyID: kid,
		Systems: []media.ProtectionSystemInfo{{
			SystemID: []byte{0xED, 0xEF, 0x8B, 0xA9, 0x79, 0xD6, 0x4A, 0xCE, 0xA3, 0xC8, 0x27, 0xDC, 0xD5, 0x1D, 0x21, 0xED},
			PsshBox:  []byte{0, 0, 0, 8, 'p', 's', 's', 'h'},
		}},
	}
	b := NewBuilder(Options{Type: Static})
	b.AddRepresentation(info, 1, RepresentationOutput{Media: "v.mp4"})
	out, err := b.Build()
	require.NoError(t, err)
	assert.Contains(t, out, `schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc"`)
	assert.Contains(t, out, `cenc:default_KID="ab000000-0000-0000-0000-000000000000"`)
	assert.Contains(t, out, `schemeIdUri="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"`)
	assert.True(t, strings.Contains(out, "<cenc:pssh>"))
}
