package cue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

type recorder struct {
	mu   sync.Mutex
	data []*media.StreamData
}

func (r *recorder) Process(d *media.StreamData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, d)
	return nil
}

func (r *recorder) Flush() error { return nil }

func (r *recorder) types() []media.StreamDataType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []media.StreamDataType
	for _, d := range r.data {
		out = append(out, d.Type)
	}
	return out
}

func videoInfo() *media.StreamInfo {
	return &media.StreamInfo{Kind: media.KindVideo, TimeScale: 1000, Video: &media.VideoInfo{}}
}

func audioInfo() *media.StreamInfo {
	return &media.StreamInfo{Kind: media.KindAudio, TimeScale: 1000, Audio: &media.AudioInfo{}}
}

func TestVideoPromotesCueAtKeyFrame(t *testing.T) {
	t.Parallel()

	q := NewSyncPointQueue([]float64{2.5}, 1)
	h := NewHandler(q)
	sink := &recorder{}
	h.SetNext(sink)

	require.NoError(t, h.Process(&media.StreamData{Type: media.DataStreamInfo, Info: videoInfo()}))
	for i := 0; i < 6; i++ {
		require.NoError(t, h.Process(&media.StreamData{Type: media.DataMediaSample, Sample: &media.MediaSample{
			DTS: int64(i) * 1000, PTS: int64(i) * 1000, Duration: 1000,
			IsKeyFrame: i%3 == 0, Data: []byte{1},
		}}))
	}

	// Hint at 2.5 s promotes at the key frame at 3 s: cue lands right
	// before that sample.
	var cueIdx, sampleAt3 int
	for i, d := range sink.data {
		if d.Type == media.DataCueEvent {
			cueIdx = i
			assert.Equal(t, 3.0, d.Cue.TimeInSeconds)
		}
		if d.Type == media.DataMediaSample && d.Sample.PTS == 3000 {
			sampleAt3 = i
		}
	}
	assert.Equal(t, sampleAt3-1, cueIdx)

	// Promotion is visible to waiting streams.
	actual, err := q.WaitForPromotion(2.5)
	require.NoError(t, err)
	assert.Equal(t, 3.0, actual)
}

func TestAudioFollowsPromotedCue(t *testing.T) {
	t.Parallel()

	q := NewSyncPointQueue([]float64{2.0}, 1)
	video := NewHandler(q)
	vSink := &recorder{}
	video.SetNext(vSink)
	audio := NewHandler(q)
	aSink := &recorder{}
	audio.SetNext(aSink)

	require.NoError(t, video.Process(&media.StreamData{Type: media.DataStreamInfo, Info: videoInfo()}))
	require.NoError(t, audio.Process(&media.StreamData{Type: media.DataStreamInfo, Info: audioInfo()}))

	// The audio stream reaches the hint first and blocks; promote from
	// another goroutine via the video stream.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if err := audio.Process(&media.StreamData{Type: media.DataMediaSample, Sample: &media.MediaSample{
				DTS: int64(i) * 1000, PTS: int64(i) * 1000, Duration: 1000, IsKeyFrame: true, Data: []byte{2},
			}}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	require.NoError(t, video.Process(&media.StreamData{Type: media.DataMediaSample, Sample: &media.MediaSample{
		DTS: 2200, PTS: 2200, Duration: 1000, IsKeyFrame: true, Data: []byte{1},
	}}))
	require.NoError(t, <-done)

	// Audio: samples with midpoint < 2.2 land before the cue.
	var afterCue bool
	for _, d := range aSink.data {
		switch d.Type {
		case media.DataCueEvent:
			afterCue = true
			assert.Equal(t, 2.2, d.Cue.TimeInSeconds)
		case media.DataMediaSample:
			mid := float64(d.Sample.PTS+d.Sample.Duration/2) / 1000
			if afterCue {
				assert.GreaterOrEqual(t, mid, 2.2)
			} else {
				assert.Less(t, mid, 2.2)
			}
		}
	}
	assert.True(t, afterCue, "cue must be dispatched")
}

func TestTextSplitsExactlyAtCue(t *testing.T) {
	t.Parallel()

	// No video stream: text promotes at the exact hint.
	q := NewSyncPointQueue([]float64{5.0}, 0)
	h := NewHandler(q)
	sink := &recorder{}
	h.SetNext(sink)

	info := &media.StreamInfo{Kind: media.KindText, TimeScale: 1000, Text: &media.TextInfo{}}
	require.NoError(t, h.Process(&media.StreamData{Type: media.DataStreamInfo, Info: info}))
	require.NoError(t, h.Process(&media.StreamData{Type: media.DataTextSample, Text: &media.TextSample{
		StartTime: 4000, EndTime: 7000, Payload: "spanning",
	}}))

	types := sink.types()
	require.Equal(t, []media.StreamDataType{
		media.DataStreamInfo, media.DataTextSample, media.DataCueEvent, media.DataTextSample,
	}, types)
	head := sink.data[1].Text
	tail := sink.data[3].Text
	assert.EqualValues(t, 4000, head.StartTime)
	assert.EqualValues(t, 5000, head.EndTime)
	assert.EqualValues(t, 5000, tail.StartTime)
	assert.EqualValues(t, 7000, tail.EndTime)
}

func TestBufferCapFailsBadlyMultiplexedStreams(t *testing.T) {
	t.Parallel()

	q := NewSyncPointQueue([]float64{0.0001}, 1)
	h := NewHandler(q)
	h.SetNext(&recorder{})
	require.NoError(t, h.Process(&media.StreamData{Type: media.DataStreamInfo, Info: audioInfo()}))

	// Fill the buffer directly; the next sample over the cap must fail.
	for i := 0; i < maxBufferedSamples; i++ {
		h.buffered = append(h.buffered, &media.StreamData{Type: media.DataMediaSample, Sample: &media.MediaSample{}})
	}
	err := h.Process(&media.StreamData{Type: media.DataMediaSample, Sample: &media.MediaSample{
		DTS: 10000, PTS: 10000, Duration: 1000, Data: []byte{1},
	}})
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.Contains(t, err.Error(), "not properly multiplexed")
}

func TestCancellationReleasesWaiters(t *testing.T) {
	t.Parallel()

	q := NewSyncPointQueue([]float64{1}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := q.WaitForPromotion(1)
		done <- err
	}()
	q.Cancel()
	err := <-done
	assert.Equal(t, status.Cancelled, status.CodeOf(err))
}
