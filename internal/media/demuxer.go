package media

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/3QSDN/shaka-packager/internal/file"
	"github.com/3QSDN/shaka-packager/internal/status"
)

const (
	probeSize = 64 * 1024
	chunkSize = 2 * 1024 * 1024
	// Samples a parser may emit before its stream-info event; more than
	// this means the source is badly interleaved.
	maxQueuedSamples = 10000
)

type queuedSample struct {
	trackID uint32
	sample  *MediaSample
	text    *TextSample
}

// Demuxer probes a source, drives the matching container parser, and pushes
// per-track records into attached output streams.
type Demuxer struct {
	log    *slog.Logger
	name   string
	f      file.File
	parser Parser
	keys   KeyFetcher

	container   Container
	streams     []*StreamInfo
	initialized bool
	queued      []queuedSample
	parseErr    error

	// trackID -> output
	outputs map[uint32]*demuxOutput
	cancel  atomic.Bool
	ctx     context.Context
	buf     []byte
}

type demuxOutput struct {
	streamIndex int
	stream      *Stream
}

// NewDemuxer returns a demuxer for the named resource. keys may be nil for
// clear sources.
func NewDemuxer(name string, keys KeyFetcher) *Demuxer {
	return &Demuxer{
		log:     slog.With("component", "demuxer", "input", name),
		name:    name,
		keys:    keys,
		outputs: map[uint32]*demuxOutput{},
		buf:     make([]byte, chunkSize),
	}
}

// Cancel requests a prompt stop; the read loop observes it at the top of the
// next iteration.
func (d *Demuxer) Cancel() { d.cancel.Store(true) }

// Streams returns the stream descriptions. Valid after Initialize.
func (d *Demuxer) Streams() []*StreamInfo { return d.streams }

// Container returns the detected container format. Valid after Initialize.
func (d *Demuxer) Container() Container { return d.container }

// Initialize opens the source, detects its container from the first 64 KiB
// and parses until every track is described. Samples seen before that are
// queued (bounded) and delivered when outputs attach.
func (d *Demuxer) Initialize(ctx context.Context) error {
	d.ctx = ctx
	f, err := file.Open(d.name, "r")
	if err != nil {
		return err
	}
	d.f = f

	probe := make([]byte, probeSize)
	n, err := f.Read(probe)
	if err != nil && !status.IsCode(err, status.EndOfStream) {
		return err
	}
	probe = probe[:n]

	d.container = DetectContainer(probe)
	if d.container == ContainerUnknown {
		return status.Newf(status.InvalidArgument, "cannot determine container of %s", d.name)
	}
	d.parser = NewParserFor(d.container)
	if d.parser == nil {
		return status.Newf(status.Unimplemented, "no parser for %s container", d.container)
	}
	d.log.Debug("container detected", "container", d.container.String())

	d.parser.Init(ParserCallbacks{
		OnStreams:    d.onStreams,
		OnSample:     d.onSample,
		OnTextSample: d.onTextSample,
	}, d.keys)

	if err := d.parser.Parse(probe); err != nil {
		return status.Convert(err, status.ParserFailure, "probe parse")
	}
	if d.parseErr != nil {
		return d.parseErr
	}
	// Keep reading until the parser has described every track.
	for !d.initialized {
		if d.cancel.Load() {
			return status.ErrCancelled
		}
		n, err := f.Read(d.buf)
		if n > 0 {
			if perr := d.parser.Parse(d.buf[:n]); perr != nil {
				return status.Convert(perr, status.ParserFailure, "parse")
			}
			if d.parseErr != nil {
				return d.parseErr
			}
		}
		if status.IsCode(err, status.EndOfStream) || (err == nil && n == 0) {
			if err := d.parser.Flush(); err != nil {
				return status.Convert(err, status.ParserFailure, "flush")
			}
			if !d.initialized {
				return status.Newf(status.ParserFailure, "%s ended before stream info", d.name)
			}
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Attach routes trackID to stream under the given downstream stream index.
// Must be called between Initialize and Run.
func (d *Demuxer) Attach(trackID uint32, streamIndex int, stream *Stream) error {
	for _, info := range d.streams {
		if info.TrackID == trackID {
			d.outputs[trackID] = &demuxOutput{streamIndex: streamIndex, stream: stream}
			return nil
		}
	}
	return status.Newf(status.NotFound, "track %d not in %s", trackID, d.name)
}

// Run delivers stream info and queued samples, then parses the rest of the
// source in 2 MiB chunks. On EOF it flushes the parser and pushes an EOS
// sample on every attached track. Cancellation returns CANCELLED.
func (d *Demuxer) Run(ctx context.Context) error {
	d.ctx = ctx
	for trackID, out := range d.outputs {
		info := d.streamInfo(trackID)
		if err := out.stream.Push(ctx, &StreamData{
			StreamIndex: out.streamIndex,
			Type:        DataStreamInfo,
			Info:        info,
		}); err != nil {
			return err
		}
	}
	if err := d.drainQueue(); err != nil {
		return err
	}

	for {
		if d.cancel.Load() {
			return status.ErrCancelled
		}
		n, err := d.f.Read(d.buf)
		if n > 0 {
			if perr := d.parser.Parse(d.buf[:n]); perr != nil {
				return status.Convert(perr, status.ParserFailure, "parse")
			}
			if d.parseErr != nil {
				return d.parseErr
			}
		}
		if status.IsCode(err, status.EndOfStream) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := d.parser.Flush(); err != nil {
		return status.Convert(err, status.ParserFailure, "flush")
	}
	if d.parseErr != nil {
		return d.parseErr
	}

	for _, out := range d.outputs {
		if err := out.stream.Push(ctx, &StreamData{
			StreamIndex: out.streamIndex,
			Type:        DataMediaSample,
			Sample:      NewEOSSample(),
		}); err != nil {
			return err
		}
	}
	return d.f.Close()
}

func (d *Demuxer) streamInfo(trackID uint32) *StreamInfo {
	for _, info := range d.streams {
		if info.TrackID == trackID {
			return info
		}
	}
	return nil
}

func (d *Demuxer) onStreams(streams []*StreamInfo) {
	d.streams = streams
	d.initialized = true
	for _, info := range streams {
		d.log.Info("stream found", "track", info.TrackID, "kind", info.Kind.String(), "codec", info.CodecString)
	}
}

func (d *Demuxer) onSample(trackID uint32, sample *MediaSample) bool {
	if !d.initialized || len(d.outputs) == 0 {
		return d.enqueue(queuedSample{trackID: trackID, sample: sample})
	}
	out, ok := d.outputs[trackID]
	if !ok {
		return true // track not selected
	}
	err := out.stream.Push(d.ctx, &StreamData{
		StreamIndex: out.streamIndex,
		Type:        DataMediaSample,
		Sample:      sample,
	})
	if err != nil {
		d.parseErr = err
		return false
	}
	return true
}

func (d *Demuxer) onTextSample(trackID uint32, sample *TextSample) bool {
	if !d.initialized || len(d.outputs) == 0 {
		return d.enqueue(queuedSample{trackID: trackID, text: sample})
	}
	out, ok := d.outputs[trackID]
	if !ok {
		return true
	}
	err := out.stream.Push(d.ctx, &StreamData{
		StreamIndex: out.streamIndex,
		Type:        DataTextSample,
		Text:        sample,
	})
	if err != nil {
		d.parseErr = err
		return false
	}
	return true
}

func (d *Demuxer) enqueue(q queuedSample) bool {
	if len(d.queued) >= maxQueuedSamples {
		d.parseErr = status.Newf(status.OutOfRange,
			"over %d samples queued before stream info; source is badly interleaved", maxQueuedSamples)
		return false
	}
	d.queued = append(d.queued, q)
	return true
}

func (d *Demuxer) drainQueue() error {
	for _, q := range d.queued {
		out, ok := d.outputs[q.trackID]
		if !ok {
			continue
		}
		sd := &StreamData{StreamIndex: out.streamIndex}
		if q.sample != nil {
			sd.Type = DataMediaSample
			sd.Sample = q.sample
		} else {
			sd.Type = DataTextSample
			sd.Text = q.text
		}
		if err := out.stream.Push(d.ctx, sd); err != nil {
			return err
		}
	}
	d.queued = nil
	return nil
}
