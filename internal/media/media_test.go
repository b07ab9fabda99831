package media

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/file"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func TestDetectContainer(t *testing.T) {
	t.Parallel()

	tsBuf := make([]byte, 188*5)
	for i := 0; i < 5; i++ {
		tsBuf[i*188] = 0x47
	}

	tests := []struct {
		name string
		buf  []byte
		want Container
	}{
		{"mp4 ftyp", []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p'}, ContainerMP4},
		{"mp4 moof", []byte{0, 0, 0, 0x10, 'm', 'o', 'o', 'f'}, ContainerMP4},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0, 0, 0, 0}, ContainerWebM},
		{"ts", tsBuf, ContainerMPEG2TS},
		{"wvm", []byte{0x00, 0x00, 0x01, 0xBA, 0x44}, ContainerWVM},
		{"webvtt", []byte("WEBVTT\n\n"), ContainerWebVTT},
		{"webvtt bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("WEBVTT")...), ContainerWebVTT},
		{"garbage", []byte{1, 2, 3, 4, 5, 6, 7, 8}, ContainerUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, DetectContainer(tc.buf))
		})
	}
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "en", NormalizeLanguage("eng"))
	assert.Equal(t, "en", NormalizeLanguage("en-US"))
	assert.Equal(t, "fr", NormalizeLanguage("fra"))
	assert.Equal(t, "und", NormalizeLanguage(""))
}

func TestEncryptionConfigTotalBytes(t *testing.T) {
	t.Parallel()

	c := &EncryptionConfig{Subsamples: []Subsample{{ClearBytes: 5, CipherBytes: 32}, {ClearBytes: 2, CipherBytes: 16}}}
	assert.EqualValues(t, 55, c.TotalBytes())
}

func TestStreamPushRun(t *testing.T) {
	t.Parallel()

	s := NewStream(4)
	ctx := context.Background()
	var got []*StreamData
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, HandlerFunc(func(d *StreamData) error {
			got = append(got, d)
			return nil
		}))
	}()

	require.NoError(t, s.Push(ctx, &StreamData{Type: DataStreamInfo}))
	require.NoError(t, s.Push(ctx, &StreamData{Type: DataMediaSample, Sample: NewEOSSample()}))
	s.Close()
	require.NoError(t, <-done)
	require.Len(t, got, 2)
	assert.True(t, got[1].Sample.IsEOS())
}

func TestStreamPushCancelled(t *testing.T) {
	t.Parallel()

	s := NewStream(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Push(ctx, &StreamData{}))
	cancel()
	err := s.Push(ctx, &StreamData{})
	assert.True(t, status.IsCode(err, status.Cancelled))
}

// stubParser emits one video track and a fixed number of samples, one per
// Parse call after init, to exercise the demuxer loop.
type stubParser struct {
	cb      ParserCallbacks
	parsed  int
	samples int
}

func (p *stubParser) Init(cb ParserCallbacks, _ KeyFetcher) { p.cb = cb }

func (p *stubParser) Parse(data []byte) error {
	p.parsed++
	if p.parsed == 1 {
		// One early sample before stream info to exercise the queue.
		p.cb.OnSample(1, &MediaSample{DTS: 0, PTS: 0, IsKeyFrame: true, Data: []byte{0xAA}})
		p.cb.OnStreams([]*StreamInfo{{
			Kind: KindVideo, TrackID: 1, TimeScale: 90000, Codec: CodecH264,
			CodecString: "avc1.42E01E", Language: "und",
			Video: &VideoInfo{Width: 1280, Height: 720, NALULengthSize: 4},
		}})
		return nil
	}
	if p.samples < 2 {
		p.samples++
		p.cb.OnSample(1, &MediaSample{DTS: int64(p.samples) * 3000, PTS: int64(p.samples) * 3000, Data: []byte{0xBB}})
	}
	return nil
}

func (p *stubParser) Flush() error { return nil }

func TestDemuxerEndToEnd(t *testing.T) {
	RegisterParser(ContainerMP4, func() Parser { return &stubParser{} })
	src := append([]byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p'}, bytes.Repeat([]byte{0}, 4*1024*1024+100)...)
	require.NoError(t, file.WriteAll("memory://in.mp4", src))

	d := NewDemuxer("memory://in.mp4", nil)
	ctx := context.Background()
	require.NoError(t, d.Initialize(ctx))
	require.Len(t, d.Streams(), 1)
	assert.Equal(t, ContainerMP4, d.Container())

	out := NewStream(64)
	require.NoError(t, d.Attach(1, 0, out))

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	var infos, samples, eos int
	require.NoError(t, out.Run(ctx, HandlerFunc(func(sd *StreamData) error {
		switch sd.Type {
		case DataStreamInfo:
			infos++
		case DataMediaSample:
			if sd.Sample.IsEOS() {
				eos++
				out.Close()
			} else {
				samples++
			}
		}
		return nil
	})))
	require.NoError(t, <-runErr)
	assert.Equal(t, 1, infos)
	assert.Equal(t, 3, samples) // 1 queued + 2 live
	assert.Equal(t, 1, eos)
}

func TestDemuxerUnknownContainer(t *testing.T) {
	require.NoError(t, file.WriteAll("memory://bad.bin", []byte{9, 9, 9, 9, 9, 9, 9, 9}))
	d := NewDemuxer("memory://bad.bin", nil)
	err := d.Initialize(context.Background())
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestDemuxerAttachUnknownTrack(t *testing.T) {
	RegisterParser(ContainerMP4, func() Parser { return &stubParser{} })
	src := append([]byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p'}, make([]byte, 64)...)
	require.NoError(t, file.WriteAll("memory://in2.mp4", src))

	d := NewDemuxer("memory://in2.mp4", nil)
	require.NoError(t, d.Initialize(context.Background()))
	err := d.Attach(42, 0, NewStream(1))
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}
