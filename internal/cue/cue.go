// Package cue aligns ad-cue break points across every output stream: video
// streams promote a cue hint to the presentation time of the first key frame
// at or past it, and the other streams split on the promoted time.
package cue

import (
	"sync"

	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// maxBufferedSamples bounds how far a stream may run ahead of the promoting
// stream before the source is declared badly multiplexed.
const maxBufferedSamples = 1000

// SyncPointQueue coordinates cue promotion between the per-stream handlers.
type SyncPointQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	hints     []float64
	promoted  map[float64]float64 // hint -> actual time in seconds
	cancelled bool
	// Streams allowed to promote; when no video stream exists every stream
	// may promote.
	promoters int
}

// NewSyncPointQueue returns a queue over the given cue hints (seconds,
// ascending). promoters is the number of video streams.
func NewSyncPointQueue(hints []float64, promoters int) *SyncPointQueue {
	q := &SyncPointQueue{
		hints:     append([]float64(nil), hints...),
		promoted:  map[float64]float64{},
		promoters: promoters,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// CanPromote reports whether non-video streams may promote (no video stream
// participates).
func (q *SyncPointQueue) CanPromote() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.promoters == 0
}

// NextHint returns the first hint strictly greater than after, or false.
func (q *SyncPointQueue) NextHint(after float64) (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range q.hints {
		if h > after {
			return h, true
		}
	}
	return 0, false
}

// PromoteAt records the actual time for hint; the first promotion wins.
func (q *SyncPointQueue) PromoteAt(hint, actual float64) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.promoted[hint]; ok {
		return t
	}
	q.promoted[hint] = actual
	q.cond.Broadcast()
	return actual
}

// WaitForPromotion blocks until hint is promoted or the queue is cancelled.
func (q *SyncPointQueue) WaitForPromotion(hint float64) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if t, ok := q.promoted[hint]; ok {
			return t, nil
		}
		if q.cancelled {
			return 0, status.ErrCancelled
		}
		q.cond.Wait()
	}
}

// Cancel releases every blocked handler with CANCELLED.
func (q *SyncPointQueue) Cancel() {
	q.mu.Lock()
	q.cancelled = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Handler is the per-stream cue alignment stage.
type Handler struct {
	media.BaseHandler
	queue *SyncPointQueue

	info     *media.StreamInfo
	hint     float64
	hasHint  bool
	buffered []*media.StreamData
}

// NewHandler returns a handler sharing queue with its sibling streams.
func NewHandler(queue *SyncPointQueue) *Handler {
	h := &Handler{queue: queue}
	h.hint, h.hasHint = queue.NextHint(-1)
	return h
}

// Process implements media.Handler.
func (h *Handler) Process(d *media.StreamData) error {
	switch d.Type {
	case media.DataStreamInfo:
		h.info = d.Info
		return h.Dispatch(d)
	case media.DataMediaSample:
		if d.Sample.IsEOS() {
			if err := h.flushBuffered(); err != nil {
				return err
			}
			return h.Dispatch(d)
		}
		return h.onSample(d)
	case media.DataTextSample:
		return h.onTextSample(d)
	default:
		return h.Dispatch(d)
	}
}

// Flush implements media.Handler.
func (h *Handler) Flush() error {
	if err := h.flushBuffered(); err != nil {
		return err
	}
	return h.FlushDown()
}

func (h *Handler) seconds(ticks int64) float64 {
	return float64(ticks) / float64(h.info.TimeScale)
}

func (h *Handler) dispatchCue(streamIndex int, timeInSeconds float64) error {
	return h.Dispatch(&media.StreamData{
		StreamIndex: streamIndex,
		Type:        media.DataCueEvent,
		Cue:         &media.CueEvent{TimeInSeconds: timeInSeconds},
	})
}

func (h *Handler) onSample(d *media.StreamData) error {
	if !h.hasHint {
		return h.Dispatch(d)
	}
	s := d.Sample
	isVideo := h.info.Kind == media.KindVideo

	if isVideo {
		if s.IsKeyFrame && h.seconds(s.PTS) >= h.hint {
			actual := h.queue.PromoteAt(h.hint, h.seconds(s.PTS))
			if err := h.dispatchCue(d.StreamIndex, actual); err != nil {
				return err
			}
			h.hint, h.hasHint = h.queue.NextHint(h.hint)
		}
		return h.Dispatch(d)
	}

	// Audio: buffer once the sample midpoint reaches the hint, then block
	// for the promoted time and split around it.
	midpoint := h.seconds(s.PTS + s.Duration/2)
	if midpoint < h.hint {
		return h.Dispatch(d)
	}
	if h.queue.CanPromote() {
		actual := h.queue.PromoteAt(h.hint, h.seconds(s.PTS))
		if err := h.dispatchCue(d.StreamIndex, actual); err != nil {
			return err
		}
		h.hint, h.hasHint = h.queue.NextHint(h.hint)
		return h.Dispatch(d)
	}
	if len(h.buffered) >= maxBufferedSamples {
		return status.New(status.InvalidArgument, "streams are not properly multiplexed")
	}
	h.buffered = append(h.buffered, d)
	actual, err := h.queue.WaitForPromotion(h.hint)
	if err != nil {
		return err
	}
	return h.flushAroundCue(d.StreamIndex, actual)
}

func (h *Handler) onTextSample(d *media.StreamData) error {
	if !h.hasHint {
		return h.Dispatch(d)
	}
	t := d.Text
	if h.seconds(t.EndTime) <= h.hint {
		return h.Dispatch(d)
	}
	if h.queue.CanPromote() {
		actual := h.queue.PromoteAt(h.hint, h.hint)
		if err := h.splitTextAt(d, actual); err != nil {
			return err
		}
		h.hint, h.hasHint = h.queue.NextHint(h.hint)
		return nil
	}
	if len(h.buffered) >= maxBufferedSamples {
		return status.New(status.InvalidArgument, "streams are not properly multiplexed")
	}
	h.buffered = append(h.buffered, d)
	actual, err := h.queue.WaitForPromotion(h.hint)
	if err != nil {
		return err
	}
	return h.flushAroundCue(d.StreamIndex, actual)
}

// flushAroundCue drains the buffer placing the cue at the promoted time:
// audio samples land on the side holding their midpoint, text samples are
// cut exactly at the boundary.
func (h *Handler) flushAroundCue(streamIndex int, actual float64) error {
	buffered := h.buffered
	h.buffered = nil
	cueSent := false
	for _, d := range buffered {
		switch d.Type {
		case media.DataMediaSample:
			midpoint := h.seconds(d.Sample.PTS + d.Sample.Duration/2)
			if !cueSent && midpoint >= actual {
				if err := h.dispatchCue(streamIndex, actual); err != nil {
					return err
				}
				cueSent = true
			}
			if err := h.Dispatch(d); err != nil {
				return err
			}
		case media.DataTextSample:
			if err := h.splitTextAt(d, actual); err != nil {
				return err
			}
			cueSent = true
		}
	}
	if !cueSent {
		if err := h.dispatchCue(streamIndex, actual); err != nil {
			return err
		}
	}
	h.hint, h.hasHint = h.queue.NextHint(h.hint)
	return nil
}

// splitTextAt cuts a text sample at the cue boundary, dispatching the cue
// between the halves.
func (h *Handler) splitTextAt(d *media.StreamData, actual float64) error {
	t := d.Text
	cut := int64(actual * float64(h.info.TimeScale))
	if t.StartTime >= cut {
		if err := h.dispatchCue(d.StreamIndex, actual); err != nil {
			return err
		}
		return h.Dispatch(d)
	}
	if t.EndTime <= cut {
		if err := h.Dispatch(d); err != nil {
			return err
		}
		return h.dispatchCue(d.StreamIndex, actual)
	}
	head := *t
	head.EndTime = cut
	tail := *t
	tail.StartTime = cut
	if err := h.Dispatch(&media.StreamData{StreamIndex: d.StreamIndex, Type: media.DataTextSample, Text: &head}); err != nil {
		return err
	}
	if err := h.dispatchCue(d.StreamIndex, actual); err != nil {
		return err
	}
	return h.Dispatch(&media.StreamData{StreamIndex: d.StreamIndex, Type: media.DataTextSample, Text: &tail})
}

// flushBuffered releases any samples held past an unpromoted hint, used at
// end of stream when no promotion will arrive.
func (h *Handler) flushBuffered() error {
	buffered := h.buffered
	h.buffered = nil
	for _, d := range buffered {
		if err := h.Dispatch(d); err != nil {
			return err
		}
	}
	return nil
}
