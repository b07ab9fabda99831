package crypto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/codecs"
	"github.com/3QSDN/shaka-packager/internal/keysource"
	"github.com/3QSDN/shaka-packager/internal/media"
)

// Hand-built 320x240 baseline parameter sets (see the codecs tests).
var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xDA, 0x05, 0x07, 0xC4}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

// rotatingSource hands out a distinct key per crypto period.
type rotatingSource struct {
	requested []uint32
}

func (r *rotatingSource) Capabilities() keysource.Capability { return keysource.CapKeyRotation }
func (r *rotatingSource) Fetch(keysource.FetchRequest) error { return nil }
func (r *rotatingSource) UUID() string                       { return "test" }
func (r *rotatingSource) SystemName() string                 { return "Test" }

func (r *rotatingSource) Key(sel keysource.Selector) (*keysource.EncryptionKey, error) {
	period := uint32(0)
	switch sel.Kind {
	case keysource.SelectByCryptoPeriod:
		period = sel.CryptoPeriodIndex
		r.requested = append(r.requested, period)
	case keysource.SelectByKeyID:
		if len(sel.KeyID) == 16 {
			period = binary.BigEndian.Uint32(sel.KeyID)
		}
	}
	keyID := make([]byte, 16)
	key := make([]byte, 16)
	binary.BigEndian.PutUint32(keyID, period)
	binary.BigEndian.PutUint32(key, period+100)
	iv := make([]byte, 8)
	binary.BigEndian.PutUint32(iv, period+7)
	return &keysource.EncryptionKey{KeyID: keyID, Key: key, IV: iv}, nil
}

// collector records everything a stage dispatches downstream.
type collector struct {
	data    []*media.StreamData
	flushed bool
}

func (c *collector) Process(d *media.StreamData) error {
	c.data = append(c.data, d)
	return nil
}

func (c *collector) Flush() error {
	c.flushed = true
	return nil
}

func (c *collector) samples() []*media.MediaSample {
	var out []*media.MediaSample
	for _, d := range c.data {
		if d.Type == media.DataMediaSample {
			out = append(out, d.Sample)
		}
	}
	return out
}

func audioInfo() *media.StreamInfo {
	return &media.StreamInfo{
		Kind: media.KindAudio, TrackID: 2, TimeScale: 44100,
		Codec: media.CodecAAC, CodecString: "mp4a.40.2", Language: "en",
		ExtraData: []byte{0x12, 0x10},
		Audio:     &media.AudioInfo{NumChannels: 2, SamplingFrequency: 44100},
	}
}

func audioSample(dts int64, size int) *media.MediaSample {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(dts + int64(i))
	}
	return &media.MediaSample{DTS: dts, PTS: dts, Duration: 1024, IsKeyFrame: true, Data: data}
}

func TestEncryptDecryptRoundTripAudio(t *testing.T) {
	t.Parallel()

	src := &rotatingSource{}
	enc, err := NewEncryptor(src, EncryptionOptions{Scheme: media.SchemeCenc})
	require.NoError(t, err)
	sink := &collector{}
	enc.SetNext(sink)

	require.NoError(t, enc.Process(&media.StreamData{Type: media.DataStreamInfo, Info: audioInfo()}))

	var originals [][]byte
	for i := 0; i < 5; i++ {
		s := audioSample(int64(i)*1024, 100+i*17)
		originals = append(originals, append([]byte(nil), s.Data...))
		require.NoError(t, enc.Process(&media.StreamData{Type: media.DataMediaSample, Sample: s}))
	}

	encrypted := sink.samples()
	require.Len(t, encrypted, 5)
	for i, s := range encrypted {
		require.NotNil(t, s.Config, "sample %d", i)
		assert.Len(t, s.Config.PerSampleIV, 8)
		assert.NotEqual(t, originals[i], s.Data, "payload must change")
		assert.Len(t, s.Data, len(originals[i]), "payload length unchanged")
	}

	// Decrypt through the symmetric stage.
	dec := NewDecryptor(keyLookup{src})
	out := &collector{}
	dec.SetNext(out)
	require.NoError(t, dec.Process(&media.StreamData{Type: media.DataStreamInfo, Info: audioInfo()}))
	for _, s := range encrypted {
		require.NoError(t, dec.Process(&media.StreamData{Type: media.DataMediaSample, Sample: s}))
	}
	decrypted := out.samples()
	require.Len(t, decrypted, 5)
	for i, s := range decrypted {
		assert.Equal(t, originals[i], s.Data, "sample %d", i)
		assert.Nil(t, s.Config)
	}
}

type keyLookup struct{ src keysource.KeySource }

func (k keyLookup) Key(keyID []byte) ([]byte, error) {
	key, err := k.src.Key(keysource.Selector{Kind: keysource.SelectByKeyID, KeyID: keyID})
	if err != nil {
		return nil, err
	}
	return key.Key, nil
}

func TestClearLeadAndRotation(t *testing.T) {
	t.Parallel()

	// 10 s of video at 1 fps with a key frame every second, clear lead 4 s,
	// crypto period 2 s.
	info := &media.StreamInfo{
		Kind: media.KindVideo, TrackID: 1, TimeScale: 1000,
		Codec: media.CodecVP9, CodecString: "vp09.00.10.08",
		Video: &media.VideoInfo{Width: 320, Height: 240},
	}
	src := &rotatingSource{}
	enc, err := NewEncryptor(src, EncryptionOptions{
		Scheme:              media.SchemeCenc,
		ClearLeadSeconds:    4,
		CryptoPeriodSeconds: 2,
	})
	require.NoError(t, err)
	sink := &collector{}
	enc.SetNext(sink)

	require.NoError(t, enc.Process(&media.StreamData{Type: media.DataStreamInfo, Info: info}))
	for i := 0; i < 10; i++ {
		s := &media.MediaSample{
			DTS: int64(i) * 1000, PTS: int64(i) * 1000, Duration: 1000,
			IsKeyFrame: true,
			Data:       bytes.Repeat([]byte{byte(i)}, 64),
		}
		require.NoError(t, enc.Process(&media.StreamData{Type: media.DataMediaSample, Sample: s}))
	}

	var rotations int
	periodByDTS := map[int64]uint32{}
	var lastKID []byte
	for _, d := range sink.data {
		switch d.Type {
		case media.DataEncryptionConfig:
			rotations++
			lastKID = d.Config.KeyID
		case media.DataMediaSample:
			if d.Sample.Config != nil {
				periodByDTS[d.Sample.DTS] = binary.BigEndian.Uint32(d.Sample.Config.KeyID)
				assert.Equal(t, lastKID, d.Sample.Config.KeyID)
			}
		}
	}

	// Samples [0,4) clear; [4,6) period 2, [6,8) period 3, [8,10) period 4.
	for i := 0; i < 4; i++ {
		_, ok := periodByDTS[int64(i)*1000]
		assert.False(t, ok, "sample at %ds must stay clear", i)
	}
	for i := 4; i < 10; i++ {
		period, ok := periodByDTS[int64(i)*1000]
		require.True(t, ok, "sample at %ds must be protected", i)
		assert.EqualValues(t, i/2, period, "sample at %ds", i)
	}
	assert.Equal(t, 3, rotations, "one key announcement per crypto period")
}

func TestSubsampleLayoutAVC(t *testing.T) {
	t.Parallel()

	// Sample: one non-slice NAL (SEI) and one IDR slice whose header is 3
	// RBSP bytes (see the slice parser tests).
	sei := []byte{0x06, 0x01, 0x02}
	idr := []byte{0x65, 0x88, 0x84, 0xF5, 0xAA, 0xBB, 0xCC}
	var sample []byte
	for _, nal := range [][]byte{sei, idr} {
		sample = append(sample, 0, 0, 0, byte(len(nal)))
		sample = append(sample, nal...)
	}

	cfg := &codecs.AVCDecoderConfig{
		Version: 1, ProfileIndication: 0x42, LevelIndication: 0x1E, LengthSize: 4,
		SPS: [][]byte{testSPS}, PPS: [][]byte{testPPS},
	}
	parser, err := codecs.NewAVCSliceHeaderParser(cfg)
	require.NoError(t, err)

	info := &media.StreamInfo{
		Kind: media.KindVideo, Codec: media.CodecH264,
		Video: &media.VideoInfo{NALULengthSize: 4},
	}
	subs, err := BuildSubsamples(info, sample, parser)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	// Clear: 4+3 (SEI) + 4 (length) + 4 (slice header) = 15; cipher: rest.
	assert.EqualValues(t, 15, subs[0].ClearBytes)
	assert.EqualValues(t, 3, subs[0].CipherBytes)
	assert.EqualValues(t, len(sample), uint64(subs[0].ClearBytes)+uint64(subs[0].CipherBytes))
}

func TestSubsampleLayoutVP9Superframe(t *testing.T) {
	t.Parallel()

	frame := append(bytes.Repeat([]byte{1}, 20), bytes.Repeat([]byte{2}, 36)...)
	frame = append(frame, 0xC1, 20, 36, 0xC1)
	info := &media.StreamInfo{Kind: media.KindVideo, Codec: media.CodecVP9, Video: &media.VideoInfo{}}
	subs, err := BuildSubsamples(info, frame, nil)
	require.NoError(t, err)
	var total uint64
	for _, s := range subs {
		total += uint64(s.ClearBytes) + uint64(s.CipherBytes)
		assert.Zero(t, s.CipherBytes%16, "cipher regions are block aligned")
	}
	assert.EqualValues(t, len(frame), total)
}

func TestApplyToCipherRegionsValidation(t *testing.T) {
	t.Parallel()

	data := make([]byte, 10)
	err := applyToCipherRegions(data, []media.Subsample{{ClearBytes: 4, CipherBytes: 100}}, func([]byte) {})
	assert.Error(t, err)
	err = applyToCipherRegions(data, []media.Subsample{{ClearBytes: 4, CipherBytes: 2}}, func([]byte) {})
	assert.Error(t, err, "layout must cover the whole sample")
	err = applyToCipherRegions(data, []media.Subsample{{ClearBytes: 4, CipherBytes: 6}}, func(region []byte) {
		assert.Len(t, region, 6)
	})
	assert.NoError(t, err)
}
