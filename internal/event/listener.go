// Package event defines the observer interface between muxers and manifest
// generators, plus the fan-out listener that feeds several generators from
// one muxer.
package event

import "github.com/3QSDN/shaka-packager/internal/media"

// MediaRanges carries the byte ranges of the init and index sections of a
// single-file (on-demand) output.
type MediaRanges struct {
	HasInit    bool
	InitStart  uint64
	InitEnd    uint64
	HasIndex   bool
	IndexStart uint64
	IndexEnd   uint64
}

// MuxerListener observes one muxer's output. Callbacks arrive serialized on
// the owning muxer goroutine.
type MuxerListener interface {
	// OnMediaStart fires once the init segment is written.
	OnMediaStart(info *media.StreamInfo, timeScale uint32)
	// OnSampleDurationReady reports the typical sample duration once known.
	OnSampleDurationReady(sampleDuration uint32)
	// OnEncryptionInfoReady announces the key in effect; initial is true for
	// the pre-rotation announcement.
	OnEncryptionInfoReady(initial bool, scheme media.ProtectionScheme, keyID, iv []byte, systems []media.ProtectionSystemInfo)
	// OnEncryptionStart fires when the first protected sample is about to be
	// written (after any clear lead).
	OnEncryptionStart()
	// OnNewSegment fires for every finished segment in multi-segment mode.
	OnNewSegment(fileName string, startTime, duration int64, segmentFileSize uint64)
	// OnCueEvent fires when an ad cue lands in the output timeline.
	OnCueEvent(timeInSeconds float64)
	// OnMediaEnd fires once after the last segment.
	OnMediaEnd(ranges MediaRanges, durationSeconds float64)
}

// NopListener implements MuxerListener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) OnMediaStart(*media.StreamInfo, uint32) {}
func (NopListener) OnSampleDurationReady(uint32)           {}
func (NopListener) OnEncryptionInfoReady(bool, media.ProtectionScheme, []byte, []byte, []media.ProtectionSystemInfo) {
}
func (NopListener) OnEncryptionStart()                      {}
func (NopListener) OnNewSegment(string, int64, int64, uint64) {}
func (NopListener) OnCueEvent(float64)                      {}
func (NopListener) OnMediaEnd(MediaRanges, float64)         {}

// CombinedListener fans every callback out to a set of listeners.
type CombinedListener struct {
	listeners []MuxerListener
}

// NewCombinedListener returns a listener dispatching to all of ls.
func NewCombinedListener(ls ...MuxerListener) *CombinedListener {
	return &CombinedListener{listeners: ls}
}

// Add appends another listener.
func (c *CombinedListener) Add(l MuxerListener) { c.listeners = append(c.listeners, l) }

func (c *CombinedListener) OnMediaStart(info *media.StreamInfo, timeScale uint32) {
	for _, l := range c.listeners {
		l.OnMediaStart(info, timeScale)
	}
}

func (c *CombinedListener) OnSampleDurationReady(d uint32) {
	for _, l := range c.listeners {
		l.OnSampleDurationReady(d)
	}
}

func (c *CombinedListener) OnEncryptionInfoReady(initial bool, scheme media.ProtectionScheme, keyID, iv []byte, systems []media.ProtectionSystemInfo) {
	for _, l := range c.listeners {
		l.OnEncryptionInfoReady(initial, scheme, keyID, iv, systems)
	}
}

func (c *CombinedListener) OnEncryptionStart() {
	for _, l := range c.listeners {
		l.OnEncryptionStart()
	}
}

func (c *CombinedListener) OnNewSegment(name string, startTime, duration int64, size uint64) {
	for _, l := range c.listeners {
		l.OnNewSegment(name, startTime, duration, size)
	}
}

func (c *CombinedListener) OnCueEvent(t float64) {
	for _, l := range c.listeners {
		l.OnCueEvent(t)
	}
}

func (c *CombinedListener) OnMediaEnd(ranges MediaRanges, duration float64) {
	for _, l := range c.listeners {
		l.OnMediaEnd(ranges, duration)
	}
}
