package mp4

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/file"
	"github.com/3QSDN/shaka-packager/internal/media"
)

// makeSamples builds count video samples, key frames every gop, 3000 ticks
// (30 fps at 90 kHz) apart.
func makeSamples(count, gop int) []*media.MediaSample {
	var out []*media.MediaSample
	for i := 0; i < count; i++ {
		out = append(out, &media.MediaSample{
			DTS:        int64(i) * 3000,
			PTS:        int64(i) * 3000,
			Duration:   3000,
			IsKeyFrame: i%gop == 0,
			// A single 4-byte-length-prefixed IDR/non-IDR NAL unit.
			Data: []byte{0, 0, 0, 4, 0x65, byte(i), byte(i >> 8), 0xFF},
		})
	}
	return out
}

func TestFragmenterInvariants(t *testing.T) {
	t.Parallel()

	f := NewFragmenter(videoStreamInfo())
	samples := makeSamples(30, 30)
	var wantDuration int64
	var wantSize int
	for _, s := range samples {
		require.NoError(t, f.AddSample(s))
		wantDuration += s.Duration
		wantSize += len(s.Data)
	}
	assert.Equal(t, wantDuration, f.FragmentDuration())

	frag, err := f.FinalizeFragment()
	require.NoError(t, err)
	assert.Len(t, frag.MdatData, wantSize)

	// Sum of trun entries matches the fragment totals.
	run := frag.Traf.Runs[0]
	var gotDuration int64
	var gotSize int
	for _, e := range run.Entries {
		d := e.Duration
		if run.Flags&TrunSampleDurationPresent == 0 {
			d = frag.Traf.Header.DefaultSampleDuration
		}
		sz := e.Size
		if run.Flags&TrunSampleSizePresent == 0 {
			sz = frag.Traf.Header.DefaultSampleSize
		}
		gotDuration += int64(d)
		gotSize += int(sz)
	}
	assert.Equal(t, wantDuration, gotDuration)
	assert.Equal(t, wantSize, gotSize)

	// Equal durations and sizes rose into tfhd defaults; the lone key frame
	// flag moved into first-sample-flags.
	assert.NotZero(t, frag.Traf.Header.Flags&TfhdDefaultSampleDurationPresent)
	assert.NotZero(t, frag.Traf.Header.Flags&TfhdDefaultSampleSizePresent)
	assert.NotZero(t, run.Flags&TrunFirstSampleFlagsPresent)
	assert.Equal(t, SampleFlagSync, run.FirstSampleFlags)

	assert.True(t, frag.Reference.StartsWithSAP)
	assert.EqualValues(t, 1, frag.Reference.SAPType)
	assert.True(t, f.Empty())
}

func TestFragmenterEncryptedAux(t *testing.T) {
	t.Parallel()

	f := NewFragmenter(videoStreamInfo())
	kid := make([]byte, 16)
	kid[0] = 1
	f.SetBaseKeyID(kid)
	s := makeSamples(2, 2)
	for i, sample := range s {
		sample.Config = &media.EncryptionConfig{
			Scheme:      media.SchemeCenc,
			PerSampleIV: []byte{0, 0, 0, 0, 0, 0, 0, byte(i)},
			KeyID:       kid,
			Subsamples:  []media.Subsample{{ClearBytes: 5, CipherBytes: 3}},
		}
		require.NoError(t, f.AddSample(sample))
	}
	frag, err := f.FinalizeFragment()
	require.NoError(t, err)
	require.NotNil(t, frag.Traf.Senc)
	require.NotNil(t, frag.Traf.Saiz)
	require.NotNil(t, frag.Traf.Saio)
	assert.Nil(t, frag.Traf.Sgpd, "no rotation, no sample groups")
	assert.Len(t, frag.Traf.Senc.Entries, 2)
	// 8-byte IV + 2-byte count + one 6-byte subsample.
	assert.EqualValues(t, 16, frag.Traf.Saiz.DefaultSampleInfoSize)
}

func TestFragmenterKeyRotationGroups(t *testing.T) {
	t.Parallel()

	f := NewFragmenter(videoStreamInfo())
	baseKID := make([]byte, 16)
	rotatedKID := make([]byte, 16)
	rotatedKID[15] = 7
	f.SetBaseKeyID(baseKID)
	s := makeSamples(2, 1)
	for _, sample := range s {
		sample.Config = &media.EncryptionConfig{
			Scheme:      media.SchemeCenc,
			PerSampleIV: make([]byte, 8),
			KeyID:       rotatedKID,
			Subsamples:  []media.Subsample{{ClearBytes: 5, CipherBytes: 3}},
		}
		require.NoError(t, f.AddSample(sample))
	}
	frag, err := f.FinalizeFragment()
	require.NoError(t, err)
	require.NotNil(t, frag.Traf.Sgpd)
	require.NotNil(t, frag.Traf.Sbgp)
	require.Len(t, frag.Traf.Sgpd.CencEntries, 1)
	assert.Equal(t, rotatedKID, frag.Traf.Sgpd.CencEntries[0].KeyID)
	require.Len(t, frag.Traf.Sbgp.Entries, 1)
	assert.EqualValues(t, 2, frag.Traf.Sbgp.Entries[0].SampleCount)
	assert.EqualValues(t, 0x10001, frag.Traf.Sbgp.Entries[0].GroupDescriptionIndex)
}

func TestFinalizeAndMarshalOffsets(t *testing.T) {
	t.Parallel()

	f := NewFragmenter(videoStreamInfo())
	for _, s := range makeSamples(4, 4) {
		require.NoError(t, f.AddSample(s))
	}
	frag, err := f.FinalizeFragment()
	require.NoError(t, err)

	moof := &MovieFragment{SequenceNumber: 1, Tracks: []*TrackFragment{frag.Traf}}
	raw := moof.FinalizeAndMarshal()

	// Data offset points at the first mdat payload byte.
	assert.EqualValues(t, len(raw)+8, frag.Traf.Runs[0].DataOffset)

	h, err := ReadBoxHeader(raw)
	require.NoError(t, err)
	require.Equal(t, "moof", h.Type)
	got, err := UnmarshalMovieFragment(raw[h.HeaderSize:], nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.SequenceNumber)
	require.Len(t, got.Tracks, 1)
	assert.Equal(t, frag.Traf.DecodeTime, got.Tracks[0].DecodeTime)
}

type capturingListener struct {
	event.NopListener
	segments []string
	ranges   event.MediaRanges
	duration float64
	ended    bool
}

func (c *capturingListener) OnNewSegment(name string, start, duration int64, size uint64) {
	c.segments = append(c.segments, fmt.Sprintf("%s@%d+%d", name, start, duration))
}

func (c *capturingListener) OnMediaEnd(ranges event.MediaRanges, duration float64) {
	c.ranges = ranges
	c.duration = duration
	c.ended = true
}

func runMuxer(t *testing.T, opts MuxerOptions, listener event.MuxerListener, samples []*media.MediaSample) {
	t.Helper()
	m := NewMuxer(opts, listener)
	require.NoError(t, m.Process(&media.StreamData{Type: media.DataStreamInfo, Info: videoStreamInfo()}))
	for _, s := range samples {
		require.NoError(t, m.Process(&media.StreamData{Type: media.DataMediaSample, Sample: s}))
	}
	require.NoError(t, m.Process(&media.StreamData{Type: media.DataMediaSample, Sample: media.NewEOSSample()}))
}

func TestSingleSegmentLayout(t *testing.T) {
	listener := &capturingListener{}
	runMuxer(t, MuxerOptions{
		Output:          "memory://out.mp4",
		TempDir:         t.TempDir(),
		SegmentDuration: 1,
	}, listener, makeSamples(60, 30)) // 2 seconds, keyframes each second

	require.True(t, listener.ended)
	out, ok := file.MemoryContents("out.mp4")
	require.True(t, ok)

	// Layout: ftyp || moov || sidx || fragments.
	h, err := ReadBoxHeader(out)
	require.NoError(t, err)
	require.Equal(t, "ftyp", h.Type)
	ftypEnd := h.Size

	h, err = ReadBoxHeader(out[ftypEnd:])
	require.NoError(t, err)
	require.Equal(t, "moov", h.Type)
	moovEnd := ftypEnd + h.Size

	h, err = ReadBoxHeader(out[moovEnd:])
	require.NoError(t, err)
	require.Equal(t, "sidx", h.Type)
	sidxEnd := moovEnd + h.Size

	h, err = ReadBoxHeader(out[sidxEnd:])
	require.NoError(t, err)
	assert.Equal(t, "moof", h.Type)

	// Ranges match the layout.
	assert.True(t, listener.ranges.HasInit)
	assert.EqualValues(t, 0, listener.ranges.InitStart)
	assert.EqualValues(t, moovEnd-1, listener.ranges.InitEnd)
	assert.True(t, listener.ranges.HasIndex)
	assert.EqualValues(t, moovEnd, listener.ranges.IndexStart)
	assert.EqualValues(t, sidxEnd-1, listener.ranges.IndexEnd)
	assert.InDelta(t, 2.0, listener.duration, 0.001)

	// The sidx references exactly cover the fragment bytes.
	sidx, err := UnmarshalSidx(out[moovEnd+8 : sidxEnd])
	require.NoError(t, err)
	var refTotal uint64
	for _, r := range sidx.References {
		refTotal += uint64(r.ReferencedSize)
	}
	assert.EqualValues(t, uint64(len(out))-sidxEnd, refTotal)
}

func TestSingleSegmentDeterministic(t *testing.T) {
	for _, name := range []string{"det1.mp4", "det2.mp4"} {
		listener := &capturingListener{}
		runMuxer(t, MuxerOptions{
			Output:          "memory://" + name,
			TempDir:         t.TempDir(),
			SegmentDuration: 1,
		}, listener, makeSamples(60, 30))
	}
	a, _ := file.MemoryContents("det1.mp4")
	b, _ := file.MemoryContents("det2.mp4")
	assert.Equal(t, a, b, "identical inputs remux to identical bytes")
}

func TestMultiSegmentOutput(t *testing.T) {
	listener := &capturingListener{}
	runMuxer(t, MuxerOptions{
		Output:          "memory://init.mp4",
		SegmentTemplate: "memory://seg_$Number$.m4s",
		SegmentDuration: 1,
	}, listener, makeSamples(60, 30))

	init, ok := file.MemoryContents("init.mp4")
	require.True(t, ok)
	h, err := ReadBoxHeader(init)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", h.Type)

	require.Len(t, listener.segments, 2)
	assert.Equal(t, "memory://seg_1.m4s@0+90000", listener.segments[0])
	assert.Equal(t, "memory://seg_2.m4s@90000+90000", listener.segments[1])

	seg, ok := file.MemoryContents("seg_1.m4s")
	require.True(t, ok)
	h, err = ReadBoxHeader(seg)
	require.NoError(t, err)
	assert.Equal(t, "styp", h.Type)
}

func TestRemuxThroughParser(t *testing.T) {
	listener := &capturingListener{}
	runMuxer(t, MuxerOptions{
		Output:          "memory://remux.mp4",
		TempDir:         t.TempDir(),
		SegmentDuration: 2,
	}, listener, makeSamples(60, 30))

	out, ok := file.MemoryContents("remux.mp4")
	require.True(t, ok)

	p := &Parser{}
	var infos []*media.StreamInfo
	var samples []*media.MediaSample
	p.Init(media.ParserCallbacks{
		OnStreams: func(s []*media.StreamInfo) { infos = s },
		OnSample: func(trackID uint32, s *media.MediaSample) bool {
			samples = append(samples, s)
			return true
		},
	}, nil)
	// Feed in small chunks to exercise resumable parsing.
	for pos := 0; pos < len(out); pos += 777 {
		end := pos + 777
		if end > len(out) {
			end = len(out)
		}
		require.NoError(t, p.Parse(out[pos:end]))
	}
	require.NoError(t, p.Flush())

	require.Len(t, infos, 1)
	assert.Equal(t, media.CodecH264, infos[0].Codec)
	assert.EqualValues(t, 90000, infos[0].TimeScale)
	require.Len(t, samples, 60)
	for i, s := range samples {
		assert.EqualValues(t, int64(i)*3000, s.DTS, "sample %d", i)
		assert.EqualValues(t, 3000, s.Duration)
		assert.Equal(t, i%30 == 0, s.IsKeyFrame)
	}
}
