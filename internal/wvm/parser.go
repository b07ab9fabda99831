// Package wvm implements the legacy WVM input parser, an MPEG-2 program
// stream derivative whose content keys are fetched by asset id. Scrambled
// PES payloads are decrypted inline once the key source resolves the asset.
package wvm

import (
	"github.com/3QSDN/shaka-packager/internal/aes"
	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/codecs"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/mpegts"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func init() {
	media.RegisterParser(media.ContainerWVM, func() media.Parser { return &Parser{} })
}

// TimeScale is the 90 kHz program stream clock.
const TimeScale = 90000

const (
	packStartCode    = 0xBA
	systemHeaderCode = 0xBB
	programEndCode   = 0xB9
	privateStream1   = 0xBD
	videoTrackID     = 1
	audioTrackID     = 2
)

// Parser is the WVM media parser.
type Parser struct {
	cb   media.ParserCallbacks
	keys media.KeyFetcher

	buf    []byte
	failed bool

	assetID      uint32
	assetFetched bool
	contentKey   []byte

	video esTrack
	audio esTrack

	emitted bool
}

type esTrack struct {
	info     *media.StreamInfo
	sps, pps []byte
	adtsRest []byte
	pending  []*media.MediaSample
	lastDTS  int64
	hasDTS   bool
}

// Init implements media.Parser.
func (p *Parser) Init(cb media.ParserCallbacks, keys media.KeyFetcher) {
	p.cb = cb
	p.keys = keys
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
	if !p.emitted {
		if err := p.emitStreams(); err != nil {
			return err
		}
	}
	for _, t := range []*esTrack{&p.video, &p.audio} {
		if err := p.drainPending(t); err != nil {
			return err
		}
	}
	return nil
}

// run consumes complete program stream units from the buffer.
func (p *Parser) run() error {
	for {
		// Find the next start code.
		i := 0
		for i+4 <= len(p.buf) {
			if p.buf[i] == 0 && p.buf[i+1] == 0 && p.buf[i+2] == 1 {
				break
			}
			i++
		}
		p.buf = p.buf[i:]
		if len(p.buf) < 6 {
			return nil
		}
		code := p.buf[3]
		switch {
		case code == packStartCode:
			if len(p.buf) < 14 {
				return nil
			}
			stuffing := int(p.buf[13] & 0x07)
			if len(p.buf) < 14+stuffing {
				return nil
			}
			p.buf = p.buf[14+stuffing:]
		case code == programEndCode:
			p.buf = p.buf[4:]
		case code == systemHeaderCode:
			length := int(p.buf[4])<<8 | int(p.buf[5])
			if len(p.buf) < 6+length {
				return nil
			}
			p.buf = p.buf[6+length:]
		default:
			length := int(p.buf[4])<<8 | int(p.buf[5])
			total := 6 + length
			if len(p.buf) < total {
				return nil
			}
			if err := p.handlePES(p.buf[:total]); err != nil {
				return err
			}
			p.buf = p.buf[total:]
		}
	}
}

func (p *Parser) handlePES(raw []byte) error {
	streamID := raw[3]
	if streamID == privateStream1 {
		return p.handlePrivate(raw[6:])
	}
	scrambled := raw[6]>>4&0x03 != 0
	if scrambled {
		// Clear the scrambling control bits so the standard PES parse
		// applies, then decrypt the payload below.
		raw = append([]byte(nil), raw...)
		raw[6] &^= 0x30
	}
	pes, err := mpegts.ParsePES(raw)
	if err != nil {
		return err
	}
	if scrambled {
		if err := p.decrypt(pes.Data); err != nil {
			return err
		}
	}
	switch {
	case streamID >= 0xE0 && streamID <= 0xEF:
		return p.handleVideo(pes)
	case streamID >= 0xC0 && streamID <= 0xDF:
		return p.handleAudio(pes)
	}
	return nil
}

// handlePrivate reads the asset index carried in private stream 1 and
// triggers the key fetch.
func (p *Parser) handlePrivate(payload []byte) error {
	if p.assetFetched || len(payload) < 4 {
		return nil
	}
	p.assetID = uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	p.assetFetched = true
	if p.keys == nil {
		return nil
	}
	if err := p.keys.FetchByAssetID(p.assetID); err != nil {
		return status.Convert(err, status.EncryptionFailure, "fetch asset keys")
	}
	return nil
}

func (p *Parser) decrypt(data []byte) error {
	if p.keys == nil {
		return status.New(status.EncryptionFailure, "scrambled source but no key source")
	}
	if p.contentKey == nil {
		key, err := p.keys.Key(nil) // asset keyset holds a single key
		if err != nil {
			return status.Convert(err, status.EncryptionFailure, "resolve asset key")
		}
		p.contentKey = key
	}
	aligned := len(data) &^ 15
	if aligned == 0 {
		return nil
	}
	iv := make([]byte, 16)
	cbc, err := aes.NewCBC(p.contentKey, iv)
	if err != nil {
		return err
	}
	return cbc.DecryptNoPad(data[:aligned])
}

func (p *Parser) handleVideo(pes *mpegts.PES) error {
	r, err := codecs.NewNALUReader(0, pes.Data)
	if err != nil {
		return err
	}
	w := bits.NewBufferWriter(len(pes.Data) + 16)
	keyFrame := false
	for {
		nalu, err := r.Advance()
		if err != nil {
			return err
		}
		if nalu == nil {
			break
		}
		switch nalu.AVCType() {
		case codecs.AVCNALSPS:
			p.video.sps = append([]byte(nil), nalu.Data...)
			continue
		case codecs.AVCNALPPS:
			p.video.pps = append([]byte(nil), nalu.Data...)
			continue
		case codecs.AVCNALAUD:
			continue
		case codecs.AVCNALSliceIDR:
			keyFrame = true
		}
		w.AppendInt(uint32(len(nalu.Data)))
		w.AppendBytes(nalu.Data)
	}
	if w.Size() == 0 {
		return nil
	}
	if p.video.info == nil && p.video.sps != nil && p.video.pps != nil {
		sps, err := codecs.ParseAVCSPS(p.video.sps)
		if err != nil {
			return err
		}
		cfg := &codecs.AVCDecoderConfig{
			Version:              1,
			ProfileIndication:    sps.ProfileIDC,
			ProfileCompatibility: sps.ConstraintFlags,
			LevelIndication:      sps.LevelIDC,
			LengthSize:           4,
			SPS:                  [][]byte{p.video.sps},
			PPS:                  [][]byte{p.video.pps},
		}
		p.video.info = &media.StreamInfo{
			Kind:        media.KindVideo,
			TrackID:     videoTrackID,
			TimeScale:   TimeScale,
			Codec:       media.CodecH264,
			CodecString: cfg.CodecString(),
			Language:    "und",
			ExtraData:   cfg.Serialize(),
			Video: &media.VideoInfo{
				Width: sps.Width, Height: sps.Height,
				PixelWidth: sps.SARWidth, PixelHeight: sps.SARHeight,
				NALULengthSize: 4,
			},
		}
	}
	dts := pes.DTS
	if dts < 0 {
		dts = pes.PTS
	}
	return p.emitSample(&p.video, videoTrackID, &media.MediaSample{
		DTS: dts, PTS: pes.PTS, IsKeyFrame: keyFrame,
		Data: append([]byte(nil), w.Bytes()...),
	})
}

func (p *Parser) handleAudio(pes *mpegts.PES) error {
	data := append(p.audio.adtsRest, pes.Data...)
	frames, rest := mpegts.SplitADTS(data)
	p.audio.adtsRest = append([]byte(nil), rest...)
	if len(frames) == 0 {
		return nil
	}
	if p.audio.info == nil {
		asc := mpegts.ASCFromADTS(frames[0])
		parsed, err := codecs.ParseAACAudioSpecificConfig(asc)
		if err != nil {
			return err
		}
		p.audio.info = &media.StreamInfo{
			Kind:        media.KindAudio,
			TrackID:     audioTrackID,
			TimeScale:   TimeScale,
			Codec:       media.CodecAAC,
			CodecString: parsed.CodecString(),
			Language:    "und",
			ExtraData:   asc,
			Audio: &media.AudioInfo{
				SampleBits:        16,
				NumChannels:       uint32(frames[0].ChannelConfig),
				SamplingFrequency: frames[0].SampleRate,
			},
		}
	}
	base := pes.PTS
	if base < 0 {
		base = p.audio.lastDTS
	}
	for i, f := range frames {
		duration := int64(1024) * TimeScale / int64(f.SampleRate)
		dts := base + int64(i)*duration
		err := p.emitSample(&p.audio, audioTrackID, &media.MediaSample{
			DTS: dts, PTS: dts, Duration: duration, IsKeyFrame: true,
			Data: append([]byte(nil), f.Payload...),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) emitSample(t *esTrack, trackID uint32, s *media.MediaSample) error {
	if t.hasDTS && s.DTS <= t.lastDTS {
		return nil
	}
	t.lastDTS = s.DTS
	t.hasDTS = true
	if !p.emitted {
		t.pending = append(t.pending, s)
		if p.video.info != nil && p.audio.info != nil {
			return p.emitStreams()
		}
		return nil
	}
	return p.deliver(trackID, s)
}

func (p *Parser) emitStreams() error {
	var infos []*media.StreamInfo
	if p.video.info != nil {
		infos = append(infos, p.video.info)
	}
	if p.audio.info != nil {
		infos = append(infos, p.audio.info)
	}
	if len(infos) == 0 {
		return status.New(status.ParserFailure, "no supported streams in WVM source")
	}
	p.emitted = true
	if p.cb.OnStreams != nil {
		p.cb.OnStreams(infos)
	}
	if err := p.drainPending(&p.video); err != nil {
		return err
	}
	return p.drainPending(&p.audio)
}

func (p *Parser) drainPending(t *esTrack) error {
	if t.info == nil {
		t.pending = nil
		return nil
	}
	trackID := uint32(videoTrackID)
	if t == &p.audio {
		trackID = audioTrackID
	}
	for _, s := range t.pending {
		if err := p.deliver(trackID, s); err != nil {
			return err
		}
	}
	t.pending = nil
	return nil
}

func (p *Parser) deliver(trackID uint32, s *media.MediaSample) error {
	if p.cb.OnSample == nil {
		return nil
	}
	if !p.cb.OnSample(trackID, s) {
		return status.New(status.Cancelled, "sample callback cancelled parsing")
	}
	return nil
}
