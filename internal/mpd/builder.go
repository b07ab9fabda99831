package mpd

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// Type selects the MPD profile.
type Type int

const (
	// Static is on-demand (isoff-on-demand profile).
	Static Type = iota
	// Dynamic is live (isoff-live profile).
	Dynamic
)

// Options configures one MPD.
type Options struct {
	Type                 Type
	MinBufferTimeSeconds float64
	// TimeShiftBufferDepth in seconds; > 0 enables the sliding window for
	// dynamic MPDs.
	TimeShiftBufferDepth  float64
	AvailabilityStartTime string // dynamic only
	BaseURL               string
}

// RepresentationOutput carries the file layout of one representation.
type RepresentationOutput struct {
	// Single-file (on-demand) output.
	Media  string
	Ranges event.MediaRanges
	// Multi-segment output.
	InitSegment     string
	SegmentTemplate string
}

// Representation is one rendition inside an adaptation set.
type Representation struct {
	ID        uint32
	Info      *media.StreamInfo
	Bandwidth uint32
	Output    RepresentationOutput

	timescale   uint32
	segments    []media.SegmentInfo // run-length compressed
	startNumber uint32

	sampleDuration uint32
}

// frameRate returns the "num/den" frame rate derived from the reported
// sample duration.
func (r *Representation) frameRate() string {
	if r.sampleDuration == 0 || r.Info.Kind != media.KindVideo {
		return ""
	}
	return fmt.Sprintf("%d/%d", r.timescale, r.sampleDuration)
}

// AddNewSegment records one finished segment with run-length compression.
func (r *Representation) AddNewSegment(startTime, duration int64, _ uint64) {
	n := len(r.segments)
	if n > 0 {
		last := &r.segments[n-1]
		expectedStart := last.StartTime + last.Duration*int64(last.Repeat+1)
		if last.Duration == duration && expectedStart == startTime {
			last.Repeat++
			return
		}
	}
	r.segments = append(r.segments, media.SegmentInfo{StartTime: startTime, Duration: duration})
}

// applyWindow drops segments outside the time-shift window and advances
// startNumber by the number dropped.
func (r *Representation) applyWindow(depthSeconds float64) {
	if depthSeconds <= 0 || len(r.segments) == 0 {
		return
	}
	last := r.segments[len(r.segments)-1]
	latestStart := last.StartTime + last.Duration*int64(last.Repeat)
	cutoff := latestStart - int64(depthSeconds*float64(r.timescale))

	var out []media.SegmentInfo
	for _, s := range r.segments {
		for rep := 0; rep <= s.Repeat; rep++ {
			start := s.StartTime + s.Duration*int64(rep)
			if start+s.Duration < cutoff {
				r.startNumber++
				continue
			}
			if n := len(out); n > 0 && out[n-1].Duration == s.Duration &&
				out[n-1].StartTime+out[n-1].Duration*int64(out[n-1].Repeat+1) == start {
				out[n-1].Repeat++
			} else {
				out = append(out, media.SegmentInfo{StartTime: start, Duration: s.Duration})
			}
		}
	}
	r.segments = out
}

// AdaptationSet groups interchangeable representations.
type AdaptationSet struct {
	ID          uint32
	ContentType string
	Language    string
	Group       uint32 // audio only; 0 means unset
	Codecs      string // codec family, e.g. "avc1"
	Protected   bool
	DRM         []media.ProtectionSystemInfo
	DefaultKID  []byte
	Scheme      media.ProtectionScheme

	Representations []*Representation

	// Segment alignment is latched false on the first observed mismatch.
	alignmentLatchedFalse bool
	segmentStarts         map[uint32][]int64
}

func codecFamily(codecString string) string {
	if i := strings.IndexByte(codecString, '.'); i > 0 {
		return codecString[:i]
	}
	return codecString
}

func (a *AdaptationSet) matches(info *media.StreamInfo) bool {
	if a.ContentType != info.Kind.String() {
		return false
	}
	if a.Language != info.Language {
		return false
	}
	if a.Protected != (info.DRM != nil) {
		return false
	}
	if a.Protected && info.DRM != nil && hex.EncodeToString(a.DefaultKID) != hex.EncodeToString(info.DRM.DefaultKeyID) {
		return false
	}
	return a.Codecs == codecFamily(info.CodecString)
}

// onNewSegment tracks per-representation segment starts for the alignment
// flag.
func (a *AdaptationSet) onNewSegment(repID uint32, startTime int64) {
	if a.alignmentLatchedFalse {
		return
	}
	if a.segmentStarts == nil {
		a.segmentStarts = map[uint32][]int64{}
	}
	a.segmentStarts[repID] = append(a.segmentStarts[repID], startTime)
	idx := len(a.segmentStarts[repID]) - 1
	for _, starts := range a.segmentStarts {
		if idx < len(starts) && starts[idx] != startTime {
			a.alignmentLatchedFalse = true
			return
		}
	}
}

func (a *AdaptationSet) segmentAligned() bool {
	return !a.alignmentLatchedFalse
}

// Builder accumulates representations and renders the MPD.
type Builder struct {
	opts Options

	sets      []*AdaptationSet
	nextSetID uint32
	nextRepID uint32
	nextGroup uint32
	durationS float64
}

// NewBuilder returns an MPD builder.
func NewBuilder(opts Options) *Builder {
	if opts.MinBufferTimeSeconds <= 0 {
		opts.MinBufferTimeSeconds = 2
	}
	return &Builder{opts: opts, nextGroup: 1}
}

// AddRepresentation routes the stream into a matching adaptation set,
// opening a new one when none fits.
func (b *Builder) AddRepresentation(info *media.StreamInfo, bandwidth uint32, output RepresentationOutput) *Representation {
	var set *AdaptationSet
	for _, s := range b.sets {
		if s.matches(info) {
			set = s
			break
		}
	}
	if set == nil {
		b.nextSetID++
		set = &AdaptationSet{
			ID:          b.nextSetID,
			ContentType: info.Kind.String(),
			Language:    info.Language,
			Codecs:      codecFamily(info.CodecString),
			Protected:   info.DRM != nil,
		}
		if info.DRM != nil {
			set.DRM = info.DRM.Systems
			set.DefaultKID = info.DRM.DefaultKeyID
			set.Scheme = info.DRM.Scheme
		}
		if info.Kind == media.KindAudio {
			set.Group = b.nextGroup
			b.nextGroup++
		}
		b.sets = append(b.sets, set)
	}
	b.nextRepID++
	rep := &Representation{
		ID:        b.nextRepID,
		Info:      info,
		Bandwidth: bandwidth,
		Output:    output,
		timescale: info.TimeScale,
	}
	set.Representations = append(set.Representations, rep)
	return rep
}

// SetMediaDuration records the presentation duration in seconds.
func (b *Builder) SetMediaDuration(seconds float64) {
	if seconds > b.durationS {
		b.durationS = seconds
	}
}

// OnNewSegment records segment timing for a representation.
func (b *Builder) OnNewSegment(rep *Representation, startTime, duration int64, size uint64) {
	rep.AddNewSegment(startTime, duration, size)
	for _, set := range b.sets {
		for _, r := range set.Representations {
			if r == rep {
				set.onNewSegment(rep.ID, startTime)
			}
		}
	}
}

// OnSampleDuration records the typical sample duration for frame rates.
func (b *Builder) OnSampleDuration(rep *Representation, duration uint32) {
	rep.sampleDuration = duration
}

func formatDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("PT%.3fS", seconds)
}

// Build renders the MPD document.
func (b *Builder) Build() (string, error) {
	if len(b.sets) == 0 {
		return "", status.New(status.InvalidArgument, "no representations to describe")
	}

	root := NewElement("MPD")
	root.SetAttr("xmlns", "urn:mpeg:DASH:schema:MPD:2011")
	root.SetAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	root.SetAttr("xmlns:cenc", "urn:mpeg:cenc:2013")
	root.SetAttr("xsi:schemaLocation", "urn:mpeg:DASH:schema:MPD:2011 DASH-MPD.xsd")
	root.SetAttr("minBufferTime", formatDuration(b.opts.MinBufferTimeSeconds))

	if b.opts.Type == Dynamic {
		root.SetAttr("type", "dynamic")
		root.SetAttr("profiles", "urn:mpeg:dash:profile:isoff-live:2011")
		if b.opts.AvailabilityStartTime != "" {
			root.SetAttr("availabilityStartTime", b.opts.AvailabilityStartTime)
		}
		if b.opts.TimeShiftBufferDepth > 0 {
			root.SetAttr("timeShiftBufferDepth", formatDuration(b.opts.TimeShiftBufferDepth))
		}
	} else {
		root.SetAttr("type", "static")
		root.SetAttr("profiles", "urn:mpeg:dash:profile:isoff-on-demand:2011")
		root.SetAttr("mediaPresentationDuration", formatDuration(b.durationS))
	}

	if b.opts.BaseURL != "" {
		root.Add(NewElement("BaseURL")).Text = b.opts.BaseURL
	}

	period := root.Add(NewElement("Period"))
	period.SetAttr("id", "0")
	if b.opts.Type == Static {
		period.SetAttr("duration", formatDuration(b.durationS))
	}

	for _, set := range b.sets {
		period.Add(b.buildAdaptationSet(set))
	}
	return root.Serialize(), nil
}

func (b *Builder) buildAdaptationSet(set *AdaptationSet) *Element {
	e := NewElement("AdaptationSet")
	e.SetAttr("id", fmt.Sprintf("%d", set.ID))
	e.SetAttr("contentType", set.ContentType)
	if set.Language != "" && set.Language != "und" {
		e.SetAttr("lang", set.Language)
	}
	if set.Group > 0 {
		e.SetAttr("group", fmt.Sprintf("%d", set.Group))
	}
	e.SetAttr("segmentAlignment", fmt.Sprintf("%t", set.segmentAligned()))

	if set.ContentType == "video" {
		var maxW, maxH uint32
		var par string
		for _, rep := range set.Representations {
			v := rep.Info.Video
			if v == nil {
				continue
			}
			if v.Width > maxW {
				maxW = v.Width
			}
			if v.Height > maxH {
				maxH = v.Height
			}
			if par == "" && v.Height > 0 {
				parW := uint64(v.Width) * uint64(v.PixelWidth)
				parH := uint64(v.Height) * uint64(v.PixelHeight)
				g := gcd(parW, parH)
				if g > 0 {
					par = fmt.Sprintf("%d:%d", parW/g, parH/g)
				}
			}
		}
		if maxW > 0 {
			e.SetAttr("maxWidth", fmt.Sprintf("%d", maxW))
			e.SetAttr("maxHeight", fmt.Sprintf("%d", maxH))
		}
		if par != "" {
			e.SetAttr("par", par)
		}
	}

	if set.Protected {
		mp4Protection := NewElement("ContentProtection")
		mp4Protection.SetAttr("schemeIdUri", "urn:mpeg:dash:mp4protection:2011")
		mp4Protection.SetAttr("value", string(set.Scheme))
		if len(set.DefaultKID) == 16 {
			mp4Protection.SetAttr("cenc:default_KID", uuidFormat(set.DefaultKID))
		}
		e.Add(mp4Protection)
		for _, sys := range set.DRM {
			cp := NewElement("ContentProtection")
			cp.SetAttr("schemeIdUri", "urn:uuid:"+uuidFormat(sys.SystemID))
			if len(sys.PsshBox) > 0 {
				pssh := NewElement("cenc:pssh")
				pssh.Text = base64.StdEncoding.EncodeToString(sys.PsshBox)
				cp.Add(pssh)
			}
			e.Add(cp)
		}
	}

	for _, rep := range set.Representations {
		e.Add(b.buildRepresentation(rep))
	}
	return e
}

func (b *Builder) buildRepresentation(rep *Representation) *Element {
	e := NewElement("Representation")
	e.SetAttr("id", fmt.Sprintf("%d", rep.ID))
	e.SetAttr("bandwidth", fmt.Sprintf("%d", rep.Bandwidth))
	e.SetAttr("codecs", rep.Info.CodecString)
	switch rep.Info.Kind {
	case media.KindVideo:
		e.SetAttr("mimeType", "video/mp4")
		v := rep.Info.Video
		e.SetAttr("width", fmt.Sprintf("%d", v.Width))
		e.SetAttr("height", fmt.Sprintf("%d", v.Height))
		if fr := rep.frameRate(); fr != "" {
			e.SetAttr("frameRate", fr)
		}
		if v.PixelWidth > 0 {
			e.SetAttr("sar", fmt.Sprintf("%d:%d", v.PixelWidth, v.PixelHeight))
		}
	case media.KindAudio:
		e.SetAttr("mimeType", "audio/mp4")
		a := rep.Info.Audio
		e.SetAttr("audioSamplingRate", fmt.Sprintf("%d", a.SamplingFrequency))
		acc := NewElement("AudioChannelConfiguration")
		acc.SetAttr("schemeIdUri", "urn:mpeg:dash:23003:3:audio_channel_configuration:2011")
		acc.SetAttr("value", fmt.Sprintf("%d", a.NumChannels))
		e.Add(acc)
	case media.KindText:
		e.SetAttr("mimeType", "application/mp4")
	}

	if rep.Output.SegmentTemplate != "" {
		rep.applyWindowForBuild(b.opts)
		st := NewElement("SegmentTemplate")
		st.SetAttr("timescale", fmt.Sprintf("%d", rep.timescale))
		st.SetAttr("initialization", rep.Output.InitSegment)
		st.SetAttr("media", rep.Output.SegmentTemplate)
		st.SetAttr("startNumber", fmt.Sprintf("%d", rep.startNumber+1))
		timeline := NewElement("SegmentTimeline")
		for _, s := range rep.segments {
			se := NewElement("S")
			se.SetAttr("t", fmt.Sprintf("%d", s.StartTime))
			se.SetAttr("d", fmt.Sprintf("%d", s.Duration))
			if s.Repeat > 0 {
				se.SetAttr("r", fmt.Sprintf("%d", s.Repeat))
			}
			timeline.Add(se)
		}
		st.Add(timeline)
		e.Add(st)
	} else {
		e.Add(NewElement("BaseURL")).Text = rep.Output.Media
		if rep.Output.Ranges.HasIndex {
			sb := NewElement("SegmentBase")
			sb.SetAttr("indexRange", fmt.Sprintf("%d-%d", rep.Output.Ranges.IndexStart, rep.Output.Ranges.IndexEnd))
			sb.SetAttr("timescale", fmt.Sprintf("%d", rep.timescale))
			if rep.Output.Ranges.HasInit {
				init := NewElement("Initialization")
				init.SetAttr("range", fmt.Sprintf("%d-%d", rep.Output.Ranges.InitStart, rep.Output.Ranges.InitEnd))
				sb.Add(init)
			}
			e.Add(sb)
		}
	}
	return e
}

// applyWindowForBuild applies the live sliding window before rendering.
func (r *Representation) applyWindowForBuild(opts Options) {
	if opts.Type == Dynamic {
		r.applyWindow(opts.TimeShiftBufferDepth)
	}
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func uuidFormat(id []byte) string {
	if len(id) != 16 {
		return hex.EncodeToString(id)
	}
	h := hex.EncodeToString(id)
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}
