package hls

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/media"
)

func TestMediaPlaylistVOD(t *testing.T) {
	t.Parallel()

	p := NewMediaPlaylist("video.m3u8", VOD)
	p.SetMediaInfo(&media.StreamInfo{
		Kind: media.KindVideo, TimeScale: 90000, CodecString: "avc1.42E01E",
		Video: &media.VideoInfo{Width: 1280, Height: 720},
	}, 90000)
	p.SetInitSegment("init.mp4")
	p.AddSegment("seg_1.m4s", 0, 90000*6)
	p.AddSegment("seg_2.m4s", 90000*6, 90000*4+45000) // 4.5 s

	out := p.Build()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-VERSION:6", lines[1])
	assert.Equal(t, "#EXT-X-TARGETDURATION:6", lines[2])
	assert.Equal(t, "#EXT-X-PLAYLIST-TYPE:VOD", lines[3])
	assert.Contains(t, out, `#EXT-X-MAP:URI="init.mp4"`)
	assert.Contains(t, out, "#EXTINF:6.000,\nseg_1.m4s")
	assert.Contains(t, out, "#EXTINF:4.500,\nseg_2.m4s")
	assert.Equal(t, "#EXT-X-ENDLIST", lines[len(lines)-1])
}

func TestMediaPlaylistLiveHasNoEndlist(t *testing.T) {
	t.Parallel()

	p := NewMediaPlaylist("a.m3u8", Live)
	p.timescale = 1000
	p.AddSegment("s1.m4s", 0, 6000)
	out := p.Build()
	assert.NotContains(t, out, "#EXT-X-ENDLIST")
	assert.NotContains(t, out, "#EXT-X-PLAYLIST-TYPE")
}

func TestKeyRotationTags(t *testing.T) {
	t.Parallel()

	p := NewMediaPlaylist("v.m3u8", VOD)
	p.timescale = 1000
	// Clear lead first, then encryption begins: the key entry is preceded
	// by a discontinuity.
	p.AddSegment("s1.m4s", 0, 4000)
	kid := make([]byte, 16)
	iv := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	p.AddKey(media.SchemeCenc, kid, iv, nil)
	p.AddSegment("s2.m4s", 4000, 4000)

	out := p.Build()
	di := strings.Index(out, "#EXT-X-DISCONTINUITY\n")
	ki := strings.Index(out, "#EXT-X-KEY:")
	require.Greater(t, di, 0)
	require.Greater(t, ki, di, "discontinuity precedes the key")
	assert.Contains(t, out, "METHOD=SAMPLE-AES-CTR")
	assert.Contains(t, out, "IV=0x0000000000000001")

	// cbcs maps to SAMPLE-AES.
	p2 := NewMediaPlaylist("a.m3u8", VOD)
	p2.timescale = 1000
	p2.AddKey(media.SchemeCbcs, kid, nil, nil)
	assert.Contains(t, p2.Build(), "METHOD=SAMPLE-AES")
}

func TestSlidingWindowRetainsHeadKey(t *testing.T) {
	t.Parallel()

	p := NewMediaPlaylist("v.m3u8", Live)
	p.timescale = 1000
	kid := make([]byte, 16)
	p.AddKey(media.SchemeCenc, kid, nil, nil)
	for i := 0; i < 10; i++ {
		p.AddSegment("s.m4s", int64(i)*10000, 10000)
		p.SlideWindow(25)
	}

	out := p.Build()
	// Cutoff is 90-25=65 s: segments ending at 70, 80, 90 and 100 remain.
	assert.Equal(t, 4, strings.Count(out, "#EXTINF:"))
	assert.Contains(t, out, "#EXT-X-KEY:", "key before the removed head is retained")
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:")
}

func TestMasterPlaylistAudioGroups(t *testing.T) {
	t.Parallel()

	video := NewMediaPlaylist("video.m3u8", VOD)
	video.Kind = media.KindVideo
	video.Codec = "avc1.42E01E"
	video.Bandwidth = 2000000
	video.Width = 1280
	video.Height = 720

	en := NewMediaPlaylist("audio_en.m3u8", VOD)
	en.Kind = media.KindAudio
	en.Codec = "mp4a.40.2"
	en.Bandwidth = 128000
	en.Language = "en"
	en.GroupID = "audio"
	en.StreamName = "english"
	en.Channels = 2

	fr := NewMediaPlaylist("audio_fr.m3u8", VOD)
	fr.Kind = media.KindAudio
	fr.Codec = "mp4a.40.2"
	fr.Bandwidth = 96000
	fr.Language = "fr"
	fr.GroupID = "audio"
	fr.StreamName = "french"
	fr.Channels = 2

	master := &MasterPlaylist{DefaultLanguage: "en"}
	out := master.Build([]*MediaPlaylist{video, en, fr})

	mediaLines := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "#EXT-X-MEDIA:TYPE=AUDIO") {
			mediaLines++
			if strings.Contains(line, `LANGUAGE="en"`) {
				assert.Contains(t, line, "DEFAULT=YES,AUTOSELECT=YES")
			}
			if strings.Contains(line, `LANGUAGE="fr"`) {
				assert.Contains(t, line, "AUTOSELECT=YES")
				assert.NotContains(t, line, "DEFAULT=YES")
			}
			assert.Contains(t, line, `CHANNELS="2"`)
		}
	}
	assert.Equal(t, 2, mediaLines)

	// BANDWIDTH is video + the highest-bandwidth audio in the group.
	assert.Contains(t, out, "BANDWIDTH=2128000")
	assert.Contains(t, out, `CODECS="avc1.42E01E,mp4a.40.2"`)
	assert.Contains(t, out, "RESOLUTION=1280x720")
	assert.Contains(t, out, `AUDIO="audio"`)
}
