package mpegts

import (
	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/codecs"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func init() {
	media.RegisterParser(media.ContainerMPEG2TS, func() media.Parser { return &Parser{} })
}

// TimeScale is the transport stream clock rate.
const TimeScale = 90000

// Parser is the MPEG-2 TS media parser. Track ids are elementary PIDs.
type Parser struct {
	cb media.ParserCallbacks

	leftover []byte
	pmtPIDs  map[uint16]bool
	streams  map[uint16]*esStream

	streamsEmitted bool
	failed         bool
}

type esStream struct {
	pid        uint16
	streamType uint8
	info       *media.StreamInfo
	pesBuf     []byte
	havePES    bool

	// H.26x parameter sets collected from the byte stream.
	sps, pps, vps []byte

	// AAC leftover between PES packets.
	adtsRest []byte

	// Samples held until the stream set is announced.
	pending []*media.MediaSample

	lastDTS int64
	hasDTS  bool
}

// Init implements media.Parser.
func (p *Parser) Init(cb media.ParserCallbacks, _ media.KeyFetcher) {
	p.cb = cb
	p.pmtPIDs = map[uint16]bool{}
	p.streams = map[uint16]*esStream{}
}

// Parse implements media.Parser.
func (p *Parser) Parse(data []byte) error {
	if p.failed {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	buf := append(p.leftover, data...)
	pos := 0
	for pos+PacketSize <= len(buf) {
		if buf[pos] != syncByte {
			// Resynchronize on the next sync byte.
			pos++
			continue
		}
		pkt, err := ParsePacket(buf[pos : pos+PacketSize])
		if err != nil {
			p.failed = true
			return err
		}
		if err := p.handlePacket(pkt); err != nil {
			p.failed = true
			return err
		}
		pos += PacketSize
	}
	p.leftover = append([]byte(nil), buf[pos:]...)
	return nil
}

// Flush implements media.Parser.
func (p *Parser) Flush() error {
	if p.failed {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	for _, es := range p.streams {
		if err := p.flushPES(es); err != nil {
			p.failed = true
			return err
		}
	}
	if !p.streamsEmitted {
		p.emitStreams()
	}
	for _, es := range p.streams {
		if err := p.drainPending(es); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) handlePacket(pkt *Packet) error {
	if pkt.Header.TransportErrorIndicator || !pkt.Header.HasPayload {
		return nil
	}
	pid := pkt.Header.PID
	switch {
	case pid == 0:
		return p.handlePSI(pkt, true)
	case p.pmtPIDs[pid]:
		return p.handlePSI(pkt, false)
	default:
		es, ok := p.streams[pid]
		if !ok {
			return nil
		}
		return p.handleES(es, pkt)
	}
}

func (p *Parser) handlePSI(pkt *Packet, isPAT bool) error {
	payload := pkt.Payload
	if !pkt.Header.PayloadUnitStartIndicator || len(payload) < 1 {
		return nil // multi-packet sections are not produced by our sources
	}
	pointer := int(payload[0])
	if 1+pointer >= len(payload) {
		return nil
	}
	section := payload[1+pointer:]
	if isPAT {
		programs, err := ParsePAT(section)
		if err != nil {
			return err
		}
		for _, prog := range programs {
			p.pmtPIDs[prog.ProgramMapPID] = true
		}
		return nil
	}
	streams, err := ParsePMT(section)
	if err != nil {
		return err
	}
	for _, s := range streams {
		if _, ok := p.streams[s.ElementaryPID]; ok {
			continue
		}
		switch s.StreamType {
		case StreamTypeH264, StreamTypeH265, StreamTypeADTSAAC:
			p.streams[s.ElementaryPID] = &esStream{pid: s.ElementaryPID, streamType: s.StreamType}
		}
	}
	return nil
}

func (p *Parser) handleES(es *esStream, pkt *Packet) error {
	if pkt.Header.PayloadUnitStartIndicator {
		if err := p.flushPES(es); err != nil {
			return err
		}
		es.havePES = true
	}
	if es.havePES {
		es.pesBuf = append(es.pesBuf, pkt.Payload...)
	}
	return nil
}

func (p *Parser) flushPES(es *esStream) error {
	if !es.havePES || len(es.pesBuf) == 0 {
		es.pesBuf = nil
		return nil
	}
	pes, err := ParsePES(es.pesBuf)
	es.pesBuf = nil
	if err != nil {
		return err
	}
	switch es.streamType {
	case StreamTypeH264:
		return p.handleH26x(es, pes, false)
	case StreamTypeH265:
		return p.handleH26x(es, pes, true)
	case StreamTypeADTSAAC:
		return p.handleAAC(es, pes)
	}
	return nil
}

func (p *Parser) handleH26x(es *esStream, pes *PES, isHEVC bool) error {
	r, err := codecs.NewNALUReader(0, pes.Data)
	if err != nil {
		return err
	}
	w := bits.NewBufferWriter(len(pes.Data) + 64)
	isKeyFrame := false
	for {
		nalu, err := r.Advance()
		if err != nil {
			return err
		}
		if nalu == nil {
			break
		}
		if isHEVC {
			switch t := nalu.HEVCType(); {
			case t == codecs.HEVCNALVPS:
				es.vps = append([]byte(nil), nalu.Data...)
				continue
			case t == codecs.HEVCNALSPS:
				es.sps = append([]byte(nil), nalu.Data...)
				continue
			case t == codecs.HEVCNALPPS:
				es.pps = append([]byte(nil), nalu.Data...)
				continue
			case t == codecs.HEVCNALAUD:
				continue
			case t >= codecs.HEVCNALBLAWLP && t <= 23:
				isKeyFrame = true
			}
		} else {
			switch nalu.AVCType() {
			case codecs.AVCNALSPS:
				es.sps = append([]byte(nil), nalu.Data...)
				continue
			case codecs.AVCNALPPS:
				es.pps = append([]byte(nil), nalu.Data...)
				continue
			case codecs.AVCNALAUD:
				continue
			case codecs.AVCNALSliceIDR:
				isKeyFrame = true
			}
		}
		w.AppendInt(uint32(len(nalu.Data)))
		w.AppendBytes(nalu.Data)
	}
	if w.Size() == 0 {
		return nil
	}
	if es.info == nil && es.sps != nil && es.pps != nil {
		if err := p.buildVideoInfo(es, isHEVC); err != nil {
			return err
		}
	}

	dts := pes.DTS
	if dts < 0 {
		dts = pes.PTS
	}
	pts := pes.PTS
	if pts < 0 {
		pts = dts
	}
	sample := &media.MediaSample{
		DTS:        dts,
		PTS:        pts,
		IsKeyFrame: isKeyFrame,
		Data:       append([]byte(nil), w.Bytes()...),
	}
	return p.emitSample(es, sample)
}

func (p *Parser) buildVideoInfo(es *esStream, isHEVC bool) error {
	if isHEVC {
		sps, err := codecs.ParseHEVCSPS(es.sps)
		if err != nil {
			return err
		}
		cfg := hvcCFromParameterSets(es.vps, es.sps, es.pps)
		es.info = &media.StreamInfo{
			Kind:        media.KindVideo,
			TrackID:     uint32(es.pid),
			TimeScale:   TimeScale,
			Codec:       media.CodecH265,
			CodecString: cfg.CodecString(),
			Language:    "und",
			ExtraData:   cfg.Serialize(),
			Video: &media.VideoInfo{
				Width: sps.Width, Height: sps.Height,
				PixelWidth: sps.SARWidth, PixelHeight: sps.SARHeight,
				NALULengthSize: 4,
			},
		}
		return nil
	}
	sps, err := codecs.ParseAVCSPS(es.sps)
	if err != nil {
		return err
	}
	cfg := &codecs.AVCDecoderConfig{
		Version:              1,
		ProfileIndication:    sps.ProfileIDC,
		ProfileCompatibility: sps.ConstraintFlags,
		LevelIndication:      sps.LevelIDC,
		LengthSize:           4,
		SPS:                  [][]byte{es.sps},
		PPS:                  [][]byte{es.pps},
	}
	es.info = &media.StreamInfo{
		Kind:        media.KindVideo,
		TrackID:     uint32(es.pid),
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
	return nil
}

// hvcCFromParameterSets builds an hvcC record, reading the profile tier
// level fields straight from the SPS.
func hvcCFromParameterSets(vps, sps, pps []byte) *codecs.HEVCDecoderConfig {
	cfg := &codecs.HEVCDecoderConfig{
		Version:           1,
		ChromaFormat:      1,
		NumTemporalLayers: 1,
		TemporalIDNested:  1,
		LengthSize:        4,
	}
	rbsp := codecs.UnescapeRBSP(sps[2:])
	if len(rbsp) >= 13 {
		cfg.GeneralProfileSpace = rbsp[1] >> 6
		cfg.GeneralTier = rbsp[1] >> 5 & 1
		cfg.GeneralProfileIDC = rbsp[1] & 0x1F
		cfg.GeneralProfileCompat = uint32(rbsp[2])<<24 | uint32(rbsp[3])<<16 | uint32(rbsp[4])<<8 | uint32(rbsp[5])
		for i := 0; i < 6; i++ {
			cfg.GeneralConstraintFlags = cfg.GeneralConstraintFlags<<8 | uint64(rbsp[6+i])
		}
		cfg.GeneralLevelIDC = rbsp[12]
	}
	if vps != nil {
		cfg.NALArrays = append(cfg.NALArrays, codecs.HEVCNALArray{
			Completeness: true, NALType: codecs.HEVCNALVPS, Units: [][]byte{vps},
		})
	}
	cfg.NALArrays = append(cfg.NALArrays,
		codecs.HEVCNALArray{Completeness: true, NALType: codecs.HEVCNALSPS, Units: [][]byte{sps}},
		codecs.HEVCNALArray{Completeness: true, NALType: codecs.HEVCNALPPS, Units: [][]byte{pps}},
	)
	return cfg
}

func (p *Parser) handleAAC(es *esStream, pes *PES) error {
	data := append(es.adtsRest, pes.Data...)
	frames, rest := SplitADTS(data)
	es.adtsRest = append([]byte(nil), rest...)
	if len(frames) == 0 {
		return nil
	}
	if es.info == nil {
		asc := ASCFromADTS(frames[0])
		parsed, err := codecs.ParseAACAudioSpecificConfig(asc)
		if err != nil {
			return err
		}
		es.info = &media.StreamInfo{
			Kind:        media.KindAudio,
			TrackID:     uint32(es.pid),
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
		base = es.lastDTS
	}
	for i, f := range frames {
		duration := int64(1024) * TimeScale / int64(f.SampleRate)
		dts := base + int64(i)*duration
		sample := &media.MediaSample{
			DTS:        dts,
			PTS:        dts,
			Duration:   duration,
			IsKeyFrame: true,
			Data:       append([]byte(nil), f.Payload...),
		}
		if err := p.emitSample(es, sample); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) emitSample(es *esStream, s *media.MediaSample) error {
	// Out-of-order or repeated timestamps are dropped rather than failing
	// the whole stream.
	if es.hasDTS && s.DTS <= es.lastDTS {
		return nil
	}
	es.lastDTS = s.DTS
	es.hasDTS = true

	if !p.streamsEmitted {
		es.pending = append(es.pending, s)
		return p.maybeEmitStreams()
	}
	if es.info == nil {
		return nil
	}
	return p.deliver(es, s)
}

// maybeEmitStreams announces the stream set once every discovered stream is
// fully described.
func (p *Parser) maybeEmitStreams() error {
	if len(p.streams) == 0 {
		return nil
	}
	for _, es := range p.streams {
		if es.info == nil {
			return nil
		}
	}
	p.emitStreams()
	for _, es := range p.streams {
		if err := p.drainPending(es); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) emitStreams() {
	var infos []*media.StreamInfo
	for _, es := range p.streams {
		if es.info != nil {
			infos = append(infos, es.info)
		}
	}
	p.streamsEmitted = true
	if p.cb.OnStreams != nil && len(infos) > 0 {
		p.cb.OnStreams(infos)
	}
}

func (p *Parser) drainPending(es *esStream) error {
	if es.info == nil {
		es.pending = nil
		return nil
	}
	for _, s := range es.pending {
		if err := p.deliver(es, s); err != nil {
			return err
		}
	}
	es.pending = nil
	return nil
}

func (p *Parser) deliver(es *esStream, s *media.MediaSample) error {
	if p.cb.OnSample == nil {
		return nil
	}
	if !p.cb.OnSample(uint32(es.pid), s) {
		return status.New(status.Cancelled, "sample callback cancelled parsing")
	}
	return nil
}
