package webm

import (
	"github.com/3QSDN/shaka-packager/internal/codecs"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func init() {
	media.RegisterParser(media.ContainerWebM, func() media.Parser { return &Parser{} })
}

// Hard fallback durations (in stream ticks at the 1 ms default scale) when
// neither BlockDuration nor a decodable packet duration is available.
const (
	defaultVideoDurationMs = 33
	defaultAudioDurationMs = 20
)

type webmTrack struct {
	number          uint64
	trackType       uint64
	codecID         string
	codecPrivate    []byte
	defaultDuration uint64 // ns
	language        string
	width, height   uint64
	samplingFreq    float64
	channels        uint64
	bitDepth        uint64
	encrypted       bool

	info    *media.StreamInfo
	pending *media.MediaSample // held back until the next block fixes duration
	lastDur int64
}

// Parser is the WebM media parser.
type Parser struct {
	cb media.ParserCallbacks

	buf []byte

	timecodeScale uint64 // ns per tick
	timescale     uint32 // ticks per second
	tracks        map[uint64]*webmTrack
	clusterTime   int64
	inSegment     bool
	inCluster     bool
	emitted       bool
	failed        bool
}

// Init implements media.Parser.
func (p *Parser) Init(cb media.ParserCallbacks, _ media.KeyFetcher) {
	p.cb = cb
	p.tracks = map[uint64]*webmTrack{}
	p.timecodeScale = 1000000 // 1 ms default
}

// Parse implements media.Parser.
func (p *Parser) Parse(data []byte) error {
	if p.failed {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	p.buf = append(p.buf, data...)
	if err := p.run(); err != nil {
		p.failed = true
		return err
	}
	return nil
}

// Flush implements media.Parser.
func (p *Parser) Flush() error {
	if p.failed {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	for _, t := range p.tracks {
		if t.pending != nil {
			if t.pending.Duration == 0 {
				t.pending.Duration = p.fallbackDuration(t)
			}
			if err := p.deliver(t, t.pending); err != nil {
				return err
			}
			t.pending = nil
		}
	}
	return nil
}

// run consumes complete top-level and in-cluster elements from the buffer.
func (p *Parser) run() error {
	for {
		id, size, headerLen, ok := p.peekElement()
		if !ok {
			return nil
		}
		// Master elements entered without requiring their full payload.
		switch id {
		case IDSegment:
			p.inSegment = true
			p.buf = p.buf[headerLen:]
			continue
		case IDCluster:
			p.inCluster = true
			p.clusterTime = 0
			p.buf = p.buf[headerLen:]
			continue
		}

		if size == sizeUnknown {
			return status.Newf(status.ParserFailure, "unexpected unknown-size element 0x%X", id)
		}
		if uint64(len(p.buf)) < uint64(headerLen)+size {
			return nil // wait for more input
		}
		payload := p.buf[headerLen : uint64(headerLen)+size]
		if err := p.handleElement(id, payload); err != nil {
			return err
		}
		p.buf = p.buf[uint64(headerLen)+size:]
	}
}

func (p *Parser) peekElement() (id uint64, size uint64, headerLen int, ok bool) {
	idVal, idLen, ok := readVint(p.buf, true)
	if !ok {
		return 0, 0, 0, false
	}
	sizeVal, sizeLen, ok := readVint(p.buf[idLen:], false)
	if !ok {
		return 0, 0, 0, false
	}
	if isUnknownSize(sizeVal, sizeLen) {
		sizeVal = sizeUnknown
	}
	return idVal, sizeVal, idLen + sizeLen, true
}

func (p *Parser) handleElement(id uint64, payload []byte) error {
	switch id {
	case IDEBMLHeader:
		return nil
	case IDInfo:
		return p.handleInfo(payload)
	case IDTracks:
		if err := p.handleTracks(payload); err != nil {
			return err
		}
		return p.emitStreams()
	case IDTimecode:
		p.clusterTime = int64(ebmlUint(payload))
		return nil
	case IDSimpleBlock:
		return p.handleBlock(payload, -1)
	case IDBlockGroup:
		return p.handleBlockGroup(payload)
	}
	return nil
}

func (p *Parser) handleInfo(payload []byte) error {
	return walkChildren(payload, func(id uint64, data []byte) error {
		if id == IDTimecodeScale {
			p.timecodeScale = ebmlUint(data)
			if p.timecodeScale == 0 {
				return status.New(status.ParserFailure, "zero TimecodeScale")
			}
		}
		return nil
	})
}

func walkChildren(payload []byte, fn func(id uint64, data []byte) error) error {
	for len(payload) > 0 {
		id, idLen, ok := readVint(payload, true)
		if !ok {
			return status.New(status.ParserFailure, "truncated EBML child id")
		}
		size, sizeLen, ok := readVint(payload[idLen:], false)
		if !ok || uint64(len(payload)) < uint64(idLen+sizeLen)+size {
			return status.New(status.ParserFailure, "truncated EBML child")
		}
		if err := fn(id, payload[idLen+sizeLen:uint64(idLen+sizeLen)+size]); err != nil {
			return err
		}
		payload = payload[uint64(idLen+sizeLen)+size:]
	}
	return nil
}

func (p *Parser) handleTracks(payload []byte) error {
	return walkChildren(payload, func(id uint64, data []byte) error {
		if id != IDTrackEntry {
			return nil
		}
		t := &webmTrack{language: "und"}
		err := walkChildren(data, func(cid uint64, cdata []byte) error {
			switch cid {
			case IDTrackNumber:
				t.number = ebmlUint(cdata)
			case IDTrackType:
				t.trackType = ebmlUint(cdata)
			case IDCodecID:
				t.codecID = string(cdata)
			case IDCodecPrivate:
				t.codecPrivate = append([]byte(nil), cdata...)
			case IDDefaultDuration:
				t.defaultDuration = ebmlUint(cdata)
			case IDLanguage:
				t.language = string(cdata)
			case IDContentEncodings:
				t.encrypted = true
			case IDVideo:
				return walkChildren(cdata, func(vid uint64, vdata []byte) error {
					switch vid {
					case IDPixelWidth:
						t.width = ebmlUint(vdata)
					case IDPixelHeight:
						t.height = ebmlUint(vdata)
					}
					return nil
				})
			case IDAudio:
				return walkChildren(cdata, func(aid uint64, adata []byte) error {
					switch aid {
					case IDSamplingFreq:
						f, err := ebmlFloat(adata)
						if err != nil {
							return err
						}
						t.samplingFreq = f
					case IDChannels:
						t.channels = ebmlUint(adata)
					case IDBitDepth:
						t.bitDepth = ebmlUint(adata)
					}
					return nil
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.tracks[t.number] = t
		return nil
	})
}

func (p *Parser) emitStreams() error {
	if p.emitted {
		return nil
	}
	p.timescale = uint32(1e9 / float64(p.timecodeScale))
	var infos []*media.StreamInfo
	for _, t := range p.tracks {
		info, err := p.buildInfo(t)
		if err != nil {
			return err
		}
		if info == nil {
			continue
		}
		t.info = info
		infos = append(infos, info)
	}
	if len(infos) == 0 {
		return status.New(status.ParserFailure, "no supported tracks in WebM source")
	}
	p.emitted = true
	if p.cb.OnStreams != nil {
		p.cb.OnStreams(infos)
	}
	return nil
}

func (p *Parser) buildInfo(t *webmTrack) (*media.StreamInfo, error) {
	info := &media.StreamInfo{
		TrackID:   uint32(t.number),
		TimeScale: p.timescale,
		Language:  media.NormalizeLanguage(t.language),
		Encrypted: t.encrypted,
	}
	switch t.codecID {
	case "V_VP9":
		cfg := &codecs.VPCodecConfig{
			Profile: 0, Level: 10, BitDepth: 8, ChromaSubsampling: 1,
			ColourPrimaries: 2, TransferCharacter: 2, MatrixCoefficients: 2,
		}
		info.Kind = media.KindVideo
		info.Codec = media.CodecVP9
		info.CodecString = cfg.CodecString()
		// vpcC payload with its full-box header, matching the MP4 form.
		info.ExtraData = append([]byte{0x01, 0, 0, 0}, cfg.Serialize()...)
		info.Video = &media.VideoInfo{
			Width: uint32(t.width), Height: uint32(t.height),
			PixelWidth: 1, PixelHeight: 1,
		}
	case "V_VP8":
		info.Kind = media.KindVideo
		info.Codec = media.CodecVP8
		info.CodecString = "vp8"
		info.Video = &media.VideoInfo{
			Width: uint32(t.width), Height: uint32(t.height),
			PixelWidth: 1, PixelHeight: 1,
		}
	case "A_OPUS":
		dops, err := opusHeadToDops(t.codecPrivate)
		if err != nil {
			return nil, err
		}
		info.Kind = media.KindAudio
		info.Codec = media.CodecOpus
		info.CodecString = "opus"
		info.ExtraData = dops
		freq := uint32(48000)
		info.Audio = &media.AudioInfo{
			SampleBits:        uint32(t.bitDepth),
			NumChannels:       uint32(t.channels),
			SamplingFrequency: freq,
		}
	case "A_VORBIS":
		info.Kind = media.KindAudio
		info.Codec = media.CodecVorbis
		info.CodecString = "vorbis"
		info.ExtraData = t.codecPrivate
		info.Audio = &media.AudioInfo{
			SampleBits:        uint32(t.bitDepth),
			NumChannels:       uint32(t.channels),
			SamplingFrequency: uint32(t.samplingFreq),
		}
	default:
		// Unsupported tracks are skipped rather than failing the source.
		return nil, nil
	}
	return info, nil
}

// opusHeadToDops converts the WebM OpusHead private data into the dOps box
// payload used in MP4.
func opusHeadToDops(head []byte) ([]byte, error) {
	if len(head) < 19 || string(head[0:8]) != "OpusHead" {
		return nil, status.New(status.ParserFailure, "bad OpusHead")
	}
	channels := head[9]
	preSkip := uint16(head[11])<<8 | uint16(head[10]) // OpusHead is little-endian
	rate := uint32(head[15])<<24 | uint32(head[14])<<16 | uint32(head[13])<<8 | uint32(head[12])
	gain := uint16(head[17])<<8 | uint16(head[16])
	family := head[18]
	out := []byte{
		0, // version
		channels,
		byte(preSkip >> 8), byte(preSkip),
		byte(rate >> 24), byte(rate >> 16), byte(rate >> 8), byte(rate),
		byte(gain >> 8), byte(gain),
		family,
	}
	if family != 0 {
		if len(head) < 21+int(channels) {
			return nil, status.New(status.ParserFailure, "truncated OpusHead channel mapping")
		}
		out = append(out, head[19], head[20])
		out = append(out, head[21:21+int(channels)]...)
	}
	return out, nil
}

func (p *Parser) handleBlockGroup(payload []byte) error {
	var block []byte
	var blockDuration int64 = -1
	err := walkChildren(payload, func(id uint64, data []byte) error {
		switch id {
		case IDBlock:
			block = data
		case IDBlockDuration:
			blockDuration = int64(ebmlUint(data))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if block == nil {
		return nil
	}
	return p.handleBlock(block, blockDuration)
}

func (p *Parser) handleBlock(data []byte, blockDuration int64) error {
	trackNum, n, ok := readVint(data, false)
	if !ok || len(data) < n+3 {
		return status.New(status.ParserFailure, "truncated block header")
	}
	t, found := p.tracks[trackNum]
	if !found || t.info == nil {
		return nil
	}
	relTime := int16(uint16(data[n])<<8 | uint16(data[n+1]))
	flags := data[n+2]
	if flags&0x06 != 0 {
		return status.New(status.Unimplemented, "laced WebM blocks not supported")
	}
	payload := data[n+3:]
	keyFrame := flags&0x80 != 0
	if t.trackType == 2 { // audio blocks always sync
		keyFrame = true
	}
	ts := p.clusterTime + int64(relTime)

	duration := int64(0)
	switch {
	case t.codecID == "A_OPUS" && !t.encrypted:
		// Prefer the encoded duration; BlockDuration is the fallback for
		// opaque (encrypted) payloads.
		if d48, err := codecs.OpusPacketDuration(payload); err == nil {
			duration = int64(float64(d48) / 48000 * float64(p.timescale))
		} else if blockDuration >= 0 {
			duration = blockDuration
		}
	case blockDuration >= 0:
		duration = blockDuration
	case t.defaultDuration > 0:
		duration = int64(t.defaultDuration) / int64(p.timecodeScale)
	}

	sample := &media.MediaSample{
		DTS:        ts,
		PTS:        ts,
		Duration:   duration,
		IsKeyFrame: keyFrame,
		Data:       append([]byte(nil), payload...),
	}

	// One-block lookahead so a missing duration becomes the inter-sample
	// delta.
	if t.pending != nil {
		if t.pending.Duration == 0 {
			t.pending.Duration = sample.DTS - t.pending.DTS
		}
		t.lastDur = t.pending.Duration
		if err := p.deliver(t, t.pending); err != nil {
			return err
		}
	}
	t.pending = sample
	return nil
}

func (p *Parser) fallbackDuration(t *webmTrack) int64 {
	if t.lastDur > 0 {
		return t.lastDur
	}
	ms := int64(defaultAudioDurationMs)
	if t.trackType == 1 {
		ms = defaultVideoDurationMs
	}
	return ms * int64(p.timescale) / 1000
}

func (p *Parser) deliver(t *webmTrack, s *media.MediaSample) error {
	if p.cb.OnSample == nil {
		return nil
	}
	if !p.cb.OnSample(uint32(t.number), s) {
		return status.New(status.Cancelled, "sample callback cancelled parsing")
	}
	return nil
}
