package codecs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNALUReaderLengthPrefixed(t *testing.T) {
	t.Parallel()

	sample := []byte{
		0, 0, 0, 2, 0x65, 0xAA,
		0, 0, 0, 3, 0x41, 0xBB, 0xCC,
	}
	r, err := NewNALUReader(4, sample)
	require.NoError(t, err)

	n, err := r.Advance()
	require.NoError(t, err)
	assert.EqualValues(t, AVCNALSliceIDR, n.AVCType())
	assert.Equal(t, []byte{0x65, 0xAA}, n.Data)

	n, err = r.Advance()
	require.NoError(t, err)
	assert.EqualValues(t, AVCNALSliceNonIDR, n.AVCType())

	n, err = r.Advance()
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNALUReaderAnnexB(t *testing.T) {
	t.Parallel()

	stream := []byte{
		0, 0, 0, 1, 0x67, 0x42,
		0, 0, 1, 0x68, 0xCE,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	r, err := NewNALUReader(0, stream)
	require.NoError(t, err)

	var types []uint8
	for {
		n, err := r.Advance()
		require.NoError(t, err)
		if n == nil {
			break
		}
		types = append(types, n.AVCType())
	}
	assert.Equal(t, []uint8{AVCNALSPS, AVCNALPPS, AVCNALSliceIDR}, types)
}

func TestNALUReaderTruncated(t *testing.T) {
	t.Parallel()

	r, err := NewNALUReader(4, []byte{0, 0, 0, 9, 0x65})
	require.NoError(t, err)
	_, err = r.Advance()
	assert.Error(t, err)
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x02},
		{0x00, 0x00},
		{0x41, 0x00, 0x00, 0x03, 0x00, 0x00, 0x01},
		{0xFF, 0xFE},
		{},
	}
	for _, in := range inputs {
		escaped := EscapeNALData(in)
		// No start-code pattern survives escaping.
		assert.NotContains(t, string(escaped), string([]byte{0, 0, 1}))
		assert.Equal(t, in, UnescapeRBSP(escaped), "input %x", in)
	}
}

func TestByteStreamConverter(t *testing.T) {
	t.Parallel()

	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	conv := &ByteStreamConverter{LengthSize: 4, ParamSets: [][]byte{sps, pps}}

	sample := []byte{0, 0, 0, 2, 0x65, 0xAA}
	out, err := conv.Convert(sample, true)
	require.NoError(t, err)

	want := bytes.Join([][]byte{
		{}, {0x09, 0xF0}, sps, pps, {0x65, 0xAA},
	}, []byte{0, 0, 0, 1})
	assert.Equal(t, want, out)

	// Non-key frames omit parameter sets; in-band AUD/SPS/PPS are dropped.
	sample = []byte{0, 0, 0, 4, 0x67, 0x42, 0x00, 0x1E, 0, 0, 0, 2, 0x41, 0xBB}
	out, err = conv.Convert(sample, false)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0, 0, 0, 1, 0x09, 0xF0}, 0, 0, 0, 1, 0x41, 0xBB), out)
}

// Hand-built 320x240 baseline SPS and matching PPS.
var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xDA, 0x05, 0x07, 0xC4}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func TestParseAVCSPS(t *testing.T) {
	t.Parallel()

	sps, err := ParseAVCSPS(testSPS)
	require.NoError(t, err)
	assert.EqualValues(t, 66, sps.ProfileIDC)
	assert.EqualValues(t, 30, sps.LevelIDC)
	assert.EqualValues(t, 320, sps.Width)
	assert.EqualValues(t, 240, sps.Height)
	assert.True(t, sps.FrameMbsOnly)
	assert.EqualValues(t, 2, sps.PicOrderCntType)
	assert.EqualValues(t, 1, sps.SARWidth)
	assert.EqualValues(t, 1, sps.SARHeight)
}

func TestParseAVCPPS(t *testing.T) {
	t.Parallel()

	pps, err := ParseAVCPPS(testPPS)
	require.NoError(t, err)
	assert.False(t, pps.EntropyCodingMode)
	assert.True(t, pps.DeblockingFilterControlPresent)
	assert.EqualValues(t, 1, pps.NumRefIdxL0DefaultActive)
	assert.False(t, pps.WeightedPred)
}

func TestAVCDecoderConfigRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := &AVCDecoderConfig{
		Version:              1,
		ProfileIndication:    0x42,
		ProfileCompatibility: 0xE0,
		LevelIndication:      0x1E,
		LengthSize:           4,
		SPS:                  [][]byte{testSPS},
		PPS:                  [][]byte{testPPS},
	}
	data := cfg.Serialize()
	got, err := ParseAVCDecoderConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, "avc1.42E01E", got.CodecString())
	assert.Equal(t, data, got.Serialize())
}

func TestAVCSliceHeaderSize(t *testing.T) {
	t.Parallel()

	cfg := &AVCDecoderConfig{
		Version: 1, ProfileIndication: 0x42, LevelIndication: 0x1E, LengthSize: 4,
		SPS: [][]byte{testSPS}, PPS: [][]byte{testPPS},
	}
	p, err := NewAVCSliceHeaderParser(cfg)
	require.NoError(t, err)

	// IDR slice: 20 header bits -> 3 RBSP bytes -> 4 with the NAL header.
	idr := &NALU{Data: []byte{0x65, 0x88, 0x84, 0xF5, 0xAA}}
	size, err := p.HeaderSize(idr)
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	_, err = p.HeaderSize(&NALU{Data: []byte{0x67, 0x42}})
	assert.Error(t, err)
}

func TestHEVCDecoderConfigRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := &HEVCDecoderConfig{
		Version:              1,
		GeneralProfileIDC:    1,
		GeneralProfileCompat: 0x60000000,
		GeneralTier:          0,
		GeneralLevelIDC:      93,
		GeneralConstraintFlags: 0xB00000000000,
		ChromaFormat:         1,
		NumTemporalLayers:    1,
		TemporalIDNested:     1,
		LengthSize:           4,
		NALArrays: []HEVCNALArray{
			{Completeness: true, NALType: HEVCNALVPS, Units: [][]byte{{0x40, 0x01, 0x0C}}},
			{Completeness: true, NALType: HEVCNALSPS, Units: [][]byte{{0x42, 0x01, 0x01}}},
		},
	}
	data := cfg.Serialize()
	got, err := ParseHEVCDecoderConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, "hvc1.1.6.L93.B0", got.CodecString())
}

func TestVPCodecConfigRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := &VPCodecConfig{
		Profile: 0, Level: 10, BitDepth: 8, ChromaSubsampling: 1,
		ColourPrimaries: 2, TransferCharacter: 2, MatrixCoefficients: 2,
	}
	got, err := ParseVPCodecConfig(cfg.Serialize())
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, "vp09.00.10.08.01.02.02.02.00", got.CodecString())
}

func TestParseVP9SuperframeSizes(t *testing.T) {
	t.Parallel()

	// Two frames (10 and 20 bytes) with a one-byte-size index.
	frame := append(bytes.Repeat([]byte{1}, 10), bytes.Repeat([]byte{2}, 20)...)
	frame = append(frame, 0xC1, 10, 20, 0xC1)
	sizes, err := ParseVP9SuperframeSizes(frame)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 24}, sizes)

	// A plain frame is one subsample.
	sizes, err = ParseVP9SuperframeSizes(bytes.Repeat([]byte{3}, 17))
	require.NoError(t, err)
	assert.Equal(t, []uint32{17}, sizes)
}

func TestAACAudioSpecificConfig(t *testing.T) {
	t.Parallel()

	// AAC-LC 44.1 kHz stereo.
	lc, err := ParseAACAudioSpecificConfig([]byte{0x12, 0x10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, lc.ObjectType)
	assert.EqualValues(t, 44100, lc.Frequency)
	assert.EqualValues(t, 2, lc.ChannelConfig)
	assert.Equal(t, "mp4a.40.2", lc.CodecString())
	assert.EqualValues(t, 44100, lc.OutputFrequency())

	// HE-AAC: SBR explicit, 24 kHz core, 48 kHz extension, mono.
	he, err := ParseAACAudioSpecificConfig([]byte{0x2B, 0x09, 0x88})
	require.NoError(t, err)
	assert.True(t, he.SBR)
	assert.False(t, he.PS)
	assert.EqualValues(t, 24000, he.Frequency)
	assert.EqualValues(t, 48000, he.OutputFrequency())
	assert.Equal(t, "mp4a.40.5", he.CodecString())
}

func TestADTSHeader(t *testing.T) {
	t.Parallel()

	lc, err := ParseAACAudioSpecificConfig([]byte{0x12, 0x10})
	require.NoError(t, err)
	h, err := lc.ADTSHeader(100)
	require.NoError(t, err)
	require.Len(t, h, 7)
	assert.EqualValues(t, 0xFF, h[0])
	assert.EqualValues(t, 0xF1, h[1])
	// Frame length field covers header + payload.
	frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
	assert.Equal(t, 107, frameLen)
}

func TestOpusPacketDuration(t *testing.T) {
	t.Parallel()

	// CELT FB 20 ms, code 0: one frame.
	d, err := OpusPacketDuration([]byte{0xFC, 0x00})
	require.NoError(t, err)
	assert.EqualValues(t, 960, d)

	// Code 1: two equal frames.
	d, err = OpusPacketDuration([]byte{0xFD, 0x00})
	require.NoError(t, err)
	assert.EqualValues(t, 1920, d)

	// SILK NB 10 ms, code 3 with 3 frames.
	d, err = OpusPacketDuration([]byte{0x03, 0x03})
	require.NoError(t, err)
	assert.EqualValues(t, 1440, d)

	_, err = OpusPacketDuration(nil)
	assert.Error(t, err)
}
