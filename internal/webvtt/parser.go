// Package webvtt implements the WebVTT text input parser as a line-oriented
// state machine emitting timed-text samples.
package webvtt

import (
	"strconv"
	"strings"

	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func init() {
	media.RegisterParser(media.ContainerWebVTT, func() media.Parser { return &Parser{} })
}

// TimeScale is milliseconds, the native WebVTT resolution.
const TimeScale = 1000

const trackID = 1

type state int

const (
	stateHeader state = iota
	stateMetadata
	stateCueIdentifierOrTimingOrComment
	stateCueTiming
	stateCuePayload
	stateComment
	stateError
)

// Parser is the WebVTT media parser.
type Parser struct {
	cb media.ParserCallbacks

	leftover string
	st       state
	emitted  bool

	header []string // style/region blocks kept as codec config

	cueID       string
	cueStart    int64
	cueEnd      int64
	cueSettings string
	cuePayload  []string
}

// Init implements media.Parser.
func (p *Parser) Init(cb media.ParserCallbacks, _ media.KeyFetcher) {
	p.cb = cb
	p.st = stateHeader
}

// Parse implements media.Parser.
func (p *Parser) Parse(data []byte) error {
	if p.st == stateError {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	text := p.leftover + string(data)
	lines := strings.Split(text, "\n")
	p.leftover = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		if err := p.handleLine(strings.TrimSuffix(line, "\r")); err != nil {
			p.st = stateError
			return err
		}
	}
	return nil
}

// Flush implements media.Parser.
func (p *Parser) Flush() error {
	if p.st == stateError {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	if p.leftover != "" {
		if err := p.handleLine(strings.TrimSuffix(p.leftover, "\r")); err != nil {
			return err
		}
		p.leftover = ""
	}
	if p.st == stateCuePayload {
		if err := p.emitCue(); err != nil {
			return err
		}
	}
	if !p.emitted {
		p.emitStream()
	}
	return nil
}

func (p *Parser) handleLine(line string) error {
	switch p.st {
	case stateHeader:
		header := strings.TrimPrefix(line, "\ufeff")
		if !strings.HasPrefix(header, "WEBVTT") {
			return status.New(status.ParserFailure, "missing WEBVTT header")
		}
		p.st = stateMetadata
		return nil
	case stateMetadata:
		if line == "" {
			p.st = stateCueIdentifierOrTimingOrComment
			return nil
		}
		p.header = append(p.header, line)
		return nil
	case stateCueIdentifierOrTimingOrComment:
		switch {
		case line == "":
			return nil
		case strings.HasPrefix(line, "NOTE"):
			p.st = stateComment
			return nil
		case strings.HasPrefix(line, "STYLE") || strings.HasPrefix(line, "REGION"):
			p.header = append(p.header, line)
			p.st = stateComment // skip the block body
			return nil
		case strings.Contains(line, "-->"):
			return p.parseTiming(line)
		default:
			p.cueID = line
			p.st = stateCueTiming
			return nil
		}
	case stateCueTiming:
		if !strings.Contains(line, "-->") {
			return status.Newf(status.ParserFailure, "expected cue timing, got %q", line)
		}
		return p.parseTiming(line)
	case stateCuePayload:
		if line == "" {
			if err := p.emitCue(); err != nil {
				return err
			}
			p.st = stateCueIdentifierOrTimingOrComment
			return nil
		}
		p.cuePayload = append(p.cuePayload, line)
		return nil
	case stateComment:
		if line == "" {
			p.st = stateCueIdentifierOrTimingOrComment
		}
		return nil
	}
	return status.New(status.ParserFailure, "bad parser state")
}

func (p *Parser) parseTiming(line string) error {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return status.Newf(status.ParserFailure, "bad cue timing %q", line)
	}
	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return err
	}
	rest := strings.TrimSpace(parts[1])
	endStr, settings := rest, ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		endStr, settings = rest[:i], strings.TrimSpace(rest[i+1:])
	}
	end, err := parseTimestamp(endStr)
	if err != nil {
		return err
	}
	if end <= start {
		return status.Newf(status.ParserFailure, "cue ends at %d before start %d", end, start)
	}
	if !p.emitted {
		p.emitStream()
	}
	p.cueStart = start
	p.cueEnd = end
	p.cueSettings = settings
	p.cuePayload = nil
	p.st = stateCuePayload
	return nil
}

// parseTimestamp parses [hh:]mm:ss.mmm into milliseconds.
func parseTimestamp(s string) (int64, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, status.Newf(status.ParserFailure, "bad timestamp %q", s)
	}
	secParts := strings.SplitN(parts[len(parts)-1], ".", 2)
	if len(secParts) != 2 || len(secParts[1]) != 3 {
		return 0, status.Newf(status.ParserFailure, "bad timestamp %q", s)
	}
	var hours, minutes int64
	var err error
	if len(parts) == 3 {
		if hours, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0, status.Newf(status.ParserFailure, "bad timestamp %q", s)
		}
	}
	if minutes, err = strconv.ParseInt(parts[len(parts)-2], 10, 64); err != nil || minutes > 59 {
		return 0, status.Newf(status.ParserFailure, "bad timestamp %q", s)
	}
	seconds, err := strconv.ParseInt(secParts[0], 10, 64)
	if err != nil || seconds > 59 {
		return 0, status.Newf(status.ParserFailure, "bad timestamp %q", s)
	}
	millis, err := strconv.ParseInt(secParts[1], 10, 64)
	if err != nil {
		return 0, status.Newf(status.ParserFailure, "bad timestamp %q", s)
	}
	return ((hours*60+minutes)*60+seconds)*1000 + millis, nil
}

func (p *Parser) emitStream() {
	info := &media.StreamInfo{
		Kind:        media.KindText,
		TrackID:     trackID,
		TimeScale:   TimeScale,
		Codec:       media.CodecText,
		CodecString: "wvtt",
		Language:    "und",
		Text:        &media.TextInfo{CodecConfig: []byte(strings.Join(append([]string{"WEBVTT"}, p.header...), "\n"))},
	}
	p.emitted = true
	if p.cb.OnStreams != nil {
		p.cb.OnStreams([]*media.StreamInfo{info})
	}
}

func (p *Parser) emitCue() error {
	sample := &media.TextSample{
		ID:        p.cueID,
		StartTime: p.cueStart,
		EndTime:   p.cueEnd,
		Settings:  p.cueSettings,
		Payload:   strings.Join(p.cuePayload, "\n"),
	}
	p.cueID = ""
	p.cuePayload = nil
	if p.cb.OnTextSample != nil && !p.cb.OnTextSample(trackID, sample) {
		return status.New(status.Cancelled, "text sample callback cancelled parsing")
	}
	return nil
}
