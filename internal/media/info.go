// Package media defines the typed records that flow through the packaging
// pipeline (stream descriptions, samples, segment and cue events), the
// container parser interface, and the demuxer that drives parsers from a
// byte source.
package media

import (
	"fmt"

	"golang.org/x/text/language"
)

// StreamKind classifies an elementary stream.
type StreamKind int

const (
	KindUnknown StreamKind = iota
	KindVideo
	KindAudio
	KindText
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	}
	return "unknown"
}

// Codec identifies the coded format of a stream.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
	CodecVP8
	CodecVP9
	CodecAAC
	CodecOpus
	CodecVorbis
	CodecText
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	case CodecAAC:
		return "aac"
	case CodecOpus:
		return "opus"
	case CodecVorbis:
		return "vorbis"
	case CodecText:
		return "text"
	}
	return "unknown"
}

// VideoInfo holds the video-only portion of a StreamInfo.
type VideoInfo struct {
	Width           uint32
	Height          uint32
	PixelWidth      uint32
	PixelHeight     uint32
	NALULengthSize  uint8 // 0, 1, 2 or 4; 0 for non-NALU codecs
	TrickPlayFactor uint32
}

// AudioInfo holds the audio-only portion of a StreamInfo.
type AudioInfo struct {
	SampleBits        uint32
	NumChannels       uint32
	SamplingFrequency uint32
	MaxBitrate        uint32
	AvgBitrate        uint32
}

// TextInfo holds the text-only portion of a StreamInfo.
type TextInfo struct {
	Width       uint32
	Height      uint32
	CodecConfig []byte
}

// StreamInfo describes one elementary stream. A parser emits it exactly once
// per track; it is immutable afterwards and shared read-only downstream.
type StreamInfo struct {
	Kind        StreamKind
	TrackID     uint32
	TimeScale   uint32
	Duration    uint64 // in TimeScale ticks; 0 when unknown
	Codec       Codec
	CodecString string
	Language    string // BCP-47 shortest form
	Encrypted   bool
	ExtraData   []byte // codec-private configuration record

	Video *VideoInfo
	Audio *AudioInfo
	Text  *TextInfo

	// DRM is set by the encryptor when the output is protected; the muxer
	// builds tenc and pssh from it.
	DRM *DRMInfo
}

// ProtectionSystemInfo carries one DRM system's pssh box.
type ProtectionSystemInfo struct {
	SystemID []byte // 16 bytes
	PsshBox  []byte // complete pssh box including header
}

// DRMInfo describes the protection applied to an output stream.
type DRMInfo struct {
	Scheme          ProtectionScheme
	DefaultKeyID    []byte
	PerSampleIVSize uint8
	ConstantIV      []byte // cbcs only
	Systems         []ProtectionSystemInfo
}

func (s *StreamInfo) String() string {
	return fmt.Sprintf("track %d %s %s timescale=%d", s.TrackID, s.Kind, s.CodecString, s.TimeScale)
}

// Clone returns a deep copy, used when the same source track feeds several
// outputs (e.g. trick-play renditions).
func (s *StreamInfo) Clone() *StreamInfo {
	out := *s
	out.ExtraData = append([]byte(nil), s.ExtraData...)
	if s.Video != nil {
		v := *s.Video
		out.Video = &v
	}
	if s.Audio != nil {
		a := *s.Audio
		out.Audio = &a
	}
	if s.Text != nil {
		t := *s.Text
		t.CodecConfig = append([]byte(nil), s.Text.CodecConfig...)
		out.Text = &t
	}
	if s.DRM != nil {
		d := *s.DRM
		out.DRM = &d
	}
	return &out
}

// NormalizeLanguage reduces tag to its BCP-47 shortest form ("eng" -> "en").
// Unparseable tags pass through unchanged; empty becomes "und".
func NormalizeLanguage(tag string) string {
	if tag == "" {
		return "und"
	}
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	base, conf := t.Base()
	if conf == language.No {
		return tag
	}
	return base.String()
}
