package mpegts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/media"
)

// buildPacket frames payload in one transport packet, stuffing the
// remainder into the adaptation field so the payload stays exact.
func buildPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	if len(payload) >= 184 {
		buf[3] = 0x10 | cc&0x0F
		copy(buf[4:], payload[:184])
		return buf
	}
	buf[3] = 0x30 | cc&0x0F
	afLen := 183 - len(payload)
	buf[4] = byte(afLen)
	if afLen > 0 {
		buf[5] = 0x00
		for i := 6; i < 5+afLen; i++ {
			buf[i] = 0xFF
		}
	}
	copy(buf[5+afLen:], payload)
	return buf
}

func TestParsePacket(t *testing.T) {
	t.Parallel()

	pkt, err := ParsePacket(buildPacket(0x100, 3, true, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.EqualValues(t, 0x100, pkt.Header.PID)
	assert.EqualValues(t, 3, pkt.Header.ContinuityCounter)
	assert.True(t, pkt.Header.PayloadUnitStartIndicator)
	assert.True(t, pkt.Header.HasPayload)
	assert.True(t, pkt.Header.HasAdaptationField)
	assert.Equal(t, []byte{1, 2, 3}, pkt.Payload)

	_, err = ParsePacket([]byte{0x47})
	assert.Error(t, err)
	bad := buildPacket(1, 0, false, nil)
	bad[0] = 0x48
	_, err = ParsePacket(bad)
	assert.Error(t, err)
}

func crcPlaceholder() []byte { return []byte{0xDE, 0xAD, 0xBE, 0xEF} }

func buildPATSection(pmtPID uint16) []byte {
	body := []byte{
		0x00,       // table id
		0xB0, 0x0D, // section syntax + length (13)
		0x00, 0x01, // transport stream id
		0xC1, 0x00, 0x00, // version/current + section numbers
		0x00, 0x01, // program number 1
		byte(0xE0 | pmtPID>>8), byte(pmtPID),
	}
	return append(body, crcPlaceholder()...)
}

func buildPMTSection(streams []PMTStream) []byte {
	var es []byte
	for _, s := range streams {
		es = append(es,
			s.StreamType,
			byte(0xE0|s.ElementaryPID>>8), byte(s.ElementaryPID),
			0xF0, 0x00, // ES info length 0
		)
	}
	length := 9 + len(es) + 4
	body := []byte{
		0x02,
		byte(0xB0 | length>>8), byte(length),
		0x00, 0x01,
		0xC1, 0x00, 0x00,
		0xE1, 0x00, // PCR PID
		0xF0, 0x00, // program info length
	}
	body = append(body, es...)
	return append(body, crcPlaceholder()...)
}

func TestParsePATAndPMT(t *testing.T) {
	t.Parallel()

	programs, err := ParsePAT(buildPATSection(0x1000))
	require.NoError(t, err)
	require.Len(t, programs, 1)
	assert.EqualValues(t, 0x1000, programs[0].ProgramMapPID)

	streams, err := ParsePMT(buildPMTSection([]PMTStream{
		{StreamType: StreamTypeH264, ElementaryPID: 0x100},
		{StreamType: StreamTypeADTSAAC, ElementaryPID: 0x101},
	}))
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.EqualValues(t, StreamTypeH264, streams[0].StreamType)
	assert.EqualValues(t, 0x101, streams[1].ElementaryPID)
}

// buildPES wraps an elementary payload with a PES header carrying pts.
func buildPES(streamID uint8, pts int64, es []byte) []byte {
	header := []byte{
		0, 0, 1, streamID,
		0, 0, // length (0: unbounded, video style)
		0x80, 0x80, 0x05, // flags: PTS only, header length 5
		byte(0x21 | (pts>>29)&0x0E),
		byte(pts >> 22),
		byte(0x01 | (pts>>14)&0xFE),
		byte(pts >> 7),
		byte(0x01 | (pts<<1)&0xFE),
	}
	return append(header, es...)
}

func TestParsePESWithPTS(t *testing.T) {
	t.Parallel()

	pes, err := ParsePES(buildPES(0xE0, 90000, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.EqualValues(t, 90000, pes.PTS)
	assert.Equal(t, []byte{1, 2, 3}, pes.Data)
}

func TestSplitADTS(t *testing.T) {
	t.Parallel()

	// One complete 7+3 byte frame followed by a truncated header.
	frame := []byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x40, 0xFC, 0xAA, 0xBB, 0xCC}
	data := append(append([]byte{}, frame...), 0xFF, 0xF1)
	frames, rest := SplitADTS(data)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, frames[0].Payload)
	assert.EqualValues(t, 44100, frames[0].SampleRate)
	assert.EqualValues(t, 2, frames[0].ChannelConfig)
	assert.Equal(t, []byte{0xFF, 0xF1}, rest)

	asc := ASCFromADTS(frames[0])
	assert.Equal(t, []byte{0x12, 0x10}, asc)
}

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xDA, 0x05, 0x07, 0xC4}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func TestParserEndToEndH264(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	var infos []*media.StreamInfo
	samples := map[uint32][]*media.MediaSample{}
	p.Init(media.ParserCallbacks{
		OnStreams: func(s []*media.StreamInfo) { infos = append(infos, s...) },
		OnSample: func(trackID uint32, s *media.MediaSample) bool {
			samples[trackID] = append(samples[trackID], s)
			return true
		},
	}, nil)

	const videoPID = 0x100
	var ts []byte
	ts = append(ts, buildPacket(0, 0, true, append([]byte{0}, buildPATSection(0x1000)...))...)
	ts = append(ts, buildPacket(0x1000, 0, true, append([]byte{0}, buildPMTSection([]PMTStream{
		{StreamType: StreamTypeH264, ElementaryPID: videoPID},
	})...))...)

	// Two access units: an IDR (with parameter sets) and a non-IDR.
	au1 := annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84, 0xF5, 0xAA})
	au2 := annexB([]byte{0x41, 0x9A, 0x00, 0x11})
	ts = append(ts, buildPacket(videoPID, 0, true, buildPES(0xE0, 0, au1))...)
	ts = append(ts, buildPacket(videoPID, 1, true, buildPES(0xE0, 3000, au2))...)

	require.NoError(t, p.Parse(ts))
	require.NoError(t, p.Flush())

	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, media.CodecH264, info.Codec)
	assert.Equal(t, "avc1.42001E", info.CodecString)
	assert.EqualValues(t, 320, info.Video.Width)
	assert.EqualValues(t, TimeScale, info.TimeScale)

	got := samples[videoPID]
	require.Len(t, got, 2)
	assert.True(t, got[0].IsKeyFrame)
	assert.False(t, got[1].IsKeyFrame)
	assert.EqualValues(t, 3000, got[1].DTS)
	// Parameter sets are stripped; the payload is length-prefixed.
	assert.Equal(t, []byte{0, 0, 0, 5, 0x65, 0x88, 0x84, 0xF5, 0xAA}, got[0].Data)
}
