package media

import (
	"context"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// DefaultStreamCapacity bounds the channel between a producer (demuxer)
// thread and a consumer (muxer) thread.
const DefaultStreamCapacity = 100

// Stream is the bounded one-directional queue connecting a producer stage to
// a consumer goroutine.
type Stream struct {
	ch chan *StreamData
}

// NewStream returns a stream with the given capacity (0 means default).
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &Stream{ch: make(chan *StreamData, capacity)}
}

// Push enqueues d, blocking for back-pressure. Returns CANCELLED when ctx
// ends first.
func (s *Stream) Push(ctx context.Context, d *StreamData) error {
	select {
	case s.ch <- d:
		return nil
	case <-ctx.Done():
		return status.ErrCancelled
	}
}

// Close signals end of stream to the consumer.
func (s *Stream) Close() { close(s.ch) }

// Run drains the stream into handler until it closes, then flushes. Returns
// CANCELLED when ctx ends first.
func (s *Stream) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case d, ok := <-s.ch:
			if !ok {
				return handler.Flush()
			}
			if err := handler.Process(d); err != nil {
				return err
			}
		case <-ctx.Done():
			return status.ErrCancelled
		}
	}
}
