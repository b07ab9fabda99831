// Package hls renders HLS media and master playlists (RFC 8216, version 6)
// from muxer events, including key rotation tags and the live sliding
// window.
package hls

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/3QSDN/shaka-packager/internal/media"
)

// PlaylistType selects the playlist lifecycle model.
type PlaylistType int

const (
	// Live playlists have no type tag and no end tag.
	Live PlaylistType = iota
	// VOD playlists are immutable and end with EXT-X-ENDLIST.
	VOD
	// Event playlists only grow.
	Event
)

const version = 6

type entryKind int

const (
	entrySegment entryKind = iota
	entryKey
	entryDiscontinuity
)

type entry struct {
	kind entryKind

	// Segment.
	uri      string
	start    int64
	duration int64 // ticks

	// Key.
	method        string
	keyURI        string
	iv            string
	keyFormat     string
	keyFormatVers string
}

// MediaPlaylist renders one track's playlist.
type MediaPlaylist struct {
	// Name is the playlist path relative to the master playlist.
	Name string
	// Track metadata for the master playlist.
	Kind       media.StreamKind
	GroupID    string
	StreamName string
	Language   string
	Channels   uint32
	Bandwidth  uint32
	Codec      string
	Width      uint32
	Height     uint32

	Type      PlaylistType
	timescale uint32
	initURI   string

	entries               []entry
	mediaSequence         uint64
	discontinuitySequence uint64
	maxDurationSeconds    float64
	hadClearSegments      bool
	encrypted             bool
}

// NewMediaPlaylist returns a playlist named name.
func NewMediaPlaylist(name string, playlistType PlaylistType) *MediaPlaylist {
	return &MediaPlaylist{Name: name, Type: playlistType, timescale: 1}
}

// SetMediaInfo installs the track description once the muxer starts.
func (p *MediaPlaylist) SetMediaInfo(info *media.StreamInfo, timescale uint32) {
	p.Kind = info.Kind
	p.Language = info.Language
	p.Codec = info.CodecString
	p.timescale = timescale
	if info.Video != nil {
		p.Width = info.Video.Width
		p.Height = info.Video.Height
	}
	if info.Audio != nil {
		p.Channels = info.Audio.NumChannels
	}
}

// SetInitSegment sets the EXT-X-MAP URI.
func (p *MediaPlaylist) SetInitSegment(uri string) { p.initURI = uri }

// AddSegment appends one media segment.
func (p *MediaPlaylist) AddSegment(uri string, startTime, duration int64) {
	p.entries = append(p.entries, entry{kind: entrySegment, uri: uri, start: startTime, duration: duration})
	if s := float64(duration) / float64(p.timescale); s > p.maxDurationSeconds {
		p.maxDurationSeconds = s
	}
	if !p.encrypted {
		p.hadClearSegments = true
	}
}

// AddKey appends an EXT-X-KEY entry, preceded by a discontinuity when clear
// segments were already listed.
func (p *MediaPlaylist) AddKey(scheme media.ProtectionScheme, keyID, iv []byte, systems []media.ProtectionSystemInfo) {
	if p.hadClearSegments && !p.encrypted {
		p.entries = append(p.entries, entry{kind: entryDiscontinuity})
	}
	p.encrypted = true

	method := "SAMPLE-AES-CTR"
	if scheme == media.SchemeCbcs {
		method = "SAMPLE-AES"
	}
	uri := ""
	keyFormat := "identity"
	if len(systems) > 0 {
		uri = "data:text/plain;base64," + base64.StdEncoding.EncodeToString(systems[0].PsshBox)
		keyFormat = "urn:uuid:" + uuidFormat(systems[0].SystemID)
	} else if len(keyID) > 0 {
		uri = "data:text/plain;base64," + base64.StdEncoding.EncodeToString(keyID)
	}
	e := entry{
		kind:          entryKey,
		method:        method,
		keyURI:        uri,
		keyFormat:     keyFormat,
		keyFormatVers: "1",
	}
	if len(iv) > 0 {
		e.iv = "0x" + strings.ToUpper(hex.EncodeToString(iv))
	}
	p.entries = append(p.entries, e)
}

// AddDiscontinuity appends an explicit discontinuity marker.
func (p *MediaPlaylist) AddDiscontinuity() {
	p.entries = append(p.entries, entry{kind: entryDiscontinuity})
}

// TargetDuration returns ceil of the longest segment duration in seconds.
func (p *MediaPlaylist) TargetDuration() int {
	return int(math.Ceil(p.maxDurationSeconds))
}

// MaxBandwidth returns the advertised bandwidth.
func (p *MediaPlaylist) MaxBandwidth() uint32 { return p.Bandwidth }

// SlideWindow removes segments outside the time-shift window. Key entries
// directly preceding the new head are retained since they describe the key
// in effect.
func (p *MediaPlaylist) SlideWindow(depthSeconds float64) {
	if depthSeconds <= 0 {
		return
	}
	var latest int64
	hasSegment := false
	for _, e := range p.entries {
		if e.kind == entrySegment {
			latest = e.start
			hasSegment = true
		}
	}
	if !hasSegment {
		return
	}
	cutoff := latest - int64(depthSeconds*float64(p.timescale))

	// Find the first segment to keep.
	firstKeep := -1
	for i, e := range p.entries {
		if e.kind == entrySegment && e.start+e.duration > cutoff {
			firstKeep = i
			break
		}
	}
	if firstKeep <= 0 {
		return
	}
	var kept []entry
	var lastKey *entry
	for i := 0; i < firstKeep; i++ {
		e := p.entries[i]
		switch e.kind {
		case entrySegment:
			p.mediaSequence++
		case entryDiscontinuity:
			p.discontinuitySequence++
		case entryKey:
			key := e
			lastKey = &key
		}
	}
	if lastKey != nil {
		kept = append(kept, *lastKey)
	}
	kept = append(kept, p.entries[firstKeep:]...)
	p.entries = kept
}

// Build renders the playlist.
func (p *MediaPlaylist) Build() string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	fmt.Fprintf(&sb, "#EXT-X-VERSION:%d\n", version)
	fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%d\n", p.TargetDuration())
	switch p.Type {
	case VOD:
		sb.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	case Event:
		sb.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	}
	if p.mediaSequence > 0 {
		fmt.Fprintf(&sb, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.mediaSequence)
	}
	if p.discontinuitySequence > 0 {
		fmt.Fprintf(&sb, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", p.discontinuitySequence)
	}
	if p.initURI != "" {
		fmt.Fprintf(&sb, "#EXT-X-MAP:URI=%q\n", p.initURI)
	}
	for _, e := range p.entries {
		switch e.kind {
		case entrySegment:
			fmt.Fprintf(&sb, "#EXTINF:%.3f,\n%s\n", float64(e.duration)/float64(p.timescale), e.uri)
		case entryDiscontinuity:
			sb.WriteString("#EXT-X-DISCONTINUITY\n")
		case entryKey:
			sb.WriteString("#EXT-X-KEY:METHOD=" + e.method)
			if e.keyURI != "" {
				fmt.Fprintf(&sb, ",URI=%q", e.keyURI)
			}
			if e.iv != "" {
				sb.WriteString(",IV=" + e.iv)
			}
			fmt.Fprintf(&sb, ",KEYFORMAT=%q,KEYFORMATVERSIONS=%q", e.keyFormat, e.keyFormatVers)
			sb.WriteString("\n")
		}
	}
	if p.Type == VOD {
		sb.WriteString("#EXT-X-ENDLIST\n")
	}
	return sb.String()
}

func uuidFormat(id []byte) string {
	if len(id) != 16 {
		return hex.EncodeToString(id)
	}
	h := hex.EncodeToString(id)
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}
