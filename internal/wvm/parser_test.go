package wvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/media"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xDA, 0x05, 0x07, 0xC4}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func packHeader() []byte {
	buf := make([]byte, 14)
	buf[2] = 0x01
	buf[3] = 0xBA
	buf[4] = 0x44 // '01' marker bits
	buf[13] = 0xF8
	return buf
}

func pes(streamID uint8, pts int64, es []byte) []byte {
	header := []byte{
		0, 0, 1, streamID,
		byte((len(es) + 8) >> 8), byte(len(es) + 8),
		0x80, 0x80, 0x05,
		byte(0x21 | (pts>>29)&0x0E),
		byte(pts >> 22),
		byte(0x01 | (pts>>14)&0xFE),
		byte(pts >> 7),
		byte(0x01 | (pts<<1)&0xFE),
	}
	return append(header, es...)
}

func privateStream(assetID uint32) []byte {
	return []byte{
		0, 0, 1, 0xBD, 0x00, 0x04,
		byte(assetID >> 24), byte(assetID >> 16), byte(assetID >> 8), byte(assetID),
	}
}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

type fakeKeys struct {
	fetchedAsset uint32
}

func (f *fakeKeys) FetchByAssetID(assetID uint32) error {
	f.fetchedAsset = assetID
	return nil
}

func (f *fakeKeys) FetchByPSSH([]byte) error { return nil }

func (f *fakeKeys) Key([]byte) ([]byte, error) { return make([]byte, 16), nil }

func TestParseWVM(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	keys := &fakeKeys{}
	var infos []*media.StreamInfo
	samples := map[uint32][]*media.MediaSample{}
	p.Init(media.ParserCallbacks{
		OnStreams: func(s []*media.StreamInfo) { infos = append(infos, s...) },
		OnSample: func(trackID uint32, s *media.MediaSample) bool {
			samples[trackID] = append(samples[trackID], s)
			return true
		},
	}, keys)

	adts := []byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x40, 0xFC, 0xAA, 0xBB, 0xCC}
	var doc []byte
	doc = append(doc, packHeader()...)
	doc = append(doc, privateStream(0xDEAD0001)...)
	doc = append(doc, pes(0xE0, 0, annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84, 0xF5, 0xAA}))...)
	doc = append(doc, pes(0xC0, 0, adts)...)
	doc = append(doc, packHeader()...)
	doc = append(doc, pes(0xE0, 3000, annexB([]byte{0x41, 0x9A, 0x11}))...)

	require.NoError(t, p.Parse(doc))
	require.NoError(t, p.Flush())

	assert.EqualValues(t, 0xDEAD0001, keys.fetchedAsset)
	require.Len(t, infos, 2)
	assert.Equal(t, media.KindVideo, infos[0].Kind)
	assert.Equal(t, media.KindAudio, infos[1].Kind)

	require.Len(t, samples[1], 2)
	assert.True(t, samples[1][0].IsKeyFrame)
	assert.False(t, samples[1][1].IsKeyFrame)
	require.Len(t, samples[2], 1)
	assert.EqualValues(t, 1024*90000/44100, samples[2][0].Duration)
}
