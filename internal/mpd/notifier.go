package mpd

import (
	"log/slog"
	"sync"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/file"
	"github.com/3QSDN/shaka-packager/internal/media"
)

// Notifier owns the MPD builder and writes the manifest: on every segment
// for dynamic presentations, at Flush for static ones.
type Notifier struct {
	mu         sync.Mutex
	builder    *Builder
	outputPath string
	dynamic    bool
	log        *slog.Logger
	failed     bool
}

// NewNotifier returns a notifier writing the MPD to outputPath.
func NewNotifier(opts Options, outputPath string) *Notifier {
	return &Notifier{
		builder:    NewBuilder(opts),
		outputPath: outputPath,
		dynamic:    opts.Type == Dynamic,
		log:        slog.With("component", "mpd_notifier", "output", outputPath),
	}
}

// Failed reports whether any representation failed; the manifest is never
// written in that case.
func (n *Notifier) Failed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failed
}

// SetFailed marks the presentation bad.
func (n *Notifier) SetFailed() {
	n.mu.Lock()
	n.failed = true
	n.mu.Unlock()
}

// Flush writes the manifest.
func (n *Notifier) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writeLocked()
}

func (n *Notifier) writeLocked() error {
	if n.failed {
		return nil
	}
	doc, err := n.builder.Build()
	if err != nil {
		return err
	}
	out, err := file.OpenAtomic(n.outputPath)
	if err != nil {
		return err
	}
	if _, err := out.Write([]byte(doc)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// NewListener returns the muxer listener for one representation.
func (n *Notifier) NewListener(bandwidth uint32, output RepresentationOutput) event.MuxerListener {
	return &listener{notifier: n, bandwidth: bandwidth, output: output}
}

type listener struct {
	event.NopListener
	notifier  *Notifier
	bandwidth uint32
	output    RepresentationOutput
	rep       *Representation
}

func (l *listener) OnMediaStart(info *media.StreamInfo, timeScale uint32) {
	n := l.notifier
	n.mu.Lock()
	defer n.mu.Unlock()
	l.rep = n.builder.AddRepresentation(info, l.bandwidth, l.output)
	l.rep.timescale = timeScale
}

func (l *listener) OnSampleDurationReady(duration uint32) {
	n := l.notifier
	n.mu.Lock()
	defer n.mu.Unlock()
	if l.rep != nil {
		n.builder.OnSampleDuration(l.rep, duration)
	}
}

func (l *listener) OnNewSegment(fileName string, startTime, duration int64, size uint64) {
	n := l.notifier
	n.mu.Lock()
	if l.rep != nil {
		n.builder.OnNewSegment(l.rep, startTime, duration, size)
	}
	dynamic := n.dynamic
	n.mu.Unlock()
	if dynamic {
		if err := n.Flush(); err != nil {
			n.log.Error("manifest update failed", "error", err)
		}
	}
}

func (l *listener) OnMediaEnd(ranges event.MediaRanges, durationSeconds float64) {
	n := l.notifier
	n.mu.Lock()
	defer n.mu.Unlock()
	if l.rep != nil {
		l.rep.Output.Ranges = ranges
	}
	n.builder.SetMediaDuration(durationSeconds)
}
