package media

import "github.com/3QSDN/shaka-packager/internal/status"

// StreamDataType tags the active member of a StreamData.
type StreamDataType int

const (
	DataStreamInfo StreamDataType = iota
	DataMediaSample
	DataTextSample
	DataSegmentInfo
	DataCueEvent
	// DataEncryptionConfig announces a new key taking effect; the segmenter
	// closes the current segment before applying it.
	DataEncryptionConfig
)

func (t StreamDataType) String() string {
	switch t {
	case DataStreamInfo:
		return "stream_info"
	case DataMediaSample:
		return "media_sample"
	case DataTextSample:
		return "text_sample"
	case DataSegmentInfo:
		return "segment_info"
	case DataCueEvent:
		return "cue_event"
	case DataEncryptionConfig:
		return "encryption_config"
	}
	return "unknown"
}

// StreamData is the tagged record exchanged between pipeline stages. Exactly
// one payload field matching Type is set. StreamIndex identifies the output
// stream the record belongs to.
type StreamData struct {
	StreamIndex int
	Type        StreamDataType

	Info    *StreamInfo
	Sample  *MediaSample
	Text    *TextSample
	Segment *SegmentInfo
	Cue     *CueEvent
	Config  *EncryptionConfig
}

// Handler is a push-based pipeline stage. Process receives records in
// arrival order on a single goroutine; Flush signals end of stream after the
// last record.
type Handler interface {
	Process(d *StreamData) error
	Flush() error
}

// HandlerFunc adapts a function to a Handler with a no-op Flush.
type HandlerFunc func(d *StreamData) error

func (f HandlerFunc) Process(d *StreamData) error { return f(d) }
func (f HandlerFunc) Flush() error                { return nil }

// ChainableHandler is a Handler that forwards its output to a downstream
// Handler installed with SetNext.
type ChainableHandler interface {
	Handler
	SetNext(next Handler)
}

// Chain wires stages so each forwards into the following one, terminating in
// sink. It returns the first stage (or sink when stages is empty).
func Chain(sink Handler, stages ...ChainableHandler) Handler {
	next := sink
	for i := len(stages) - 1; i >= 0; i-- {
		stages[i].SetNext(next)
		next = stages[i]
	}
	return next
}

// BaseHandler supplies the SetNext plumbing and forwarding helpers that
// chainable stages embed.
type BaseHandler struct {
	next Handler
}

// SetNext installs the downstream stage.
func (b *BaseHandler) SetNext(next Handler) { b.next = next }

// Dispatch forwards d downstream.
func (b *BaseHandler) Dispatch(d *StreamData) error {
	if b.next == nil {
		return status.New(status.InvalidArgument, "pipeline stage has no downstream")
	}
	return b.next.Process(d)
}

// FlushDown forwards the end-of-stream signal downstream.
func (b *BaseHandler) FlushDown() error {
	if b.next == nil {
		return status.New(status.InvalidArgument, "pipeline stage has no downstream")
	}
	return b.next.Flush()
}
