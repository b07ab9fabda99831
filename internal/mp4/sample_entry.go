package mp4

import (
	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// SampleEntry is one stsd entry. Codec configuration travels as the raw
// payload of the codec box (avcC/hvcC/vpcC/dOps/vttC, or the
// DecoderSpecificInfo for esds) so it round-trips bit-exactly.
type SampleEntry struct {
	Format string // avc1, hvc1, vp09, mp4a, Opus, wvtt; encv/enca when protected
	Kind   media.StreamKind

	// Video.
	Width       uint16
	Height      uint16
	PixelWidth  uint32 // pasp; 0 when absent
	PixelHeight uint32

	// Audio.
	ChannelCount uint16
	SampleSize   uint16
	SampleRate   uint32
	MaxBitrate   uint32 // esds only
	AvgBitrate   uint32

	CodecConfigType string // "avcC", "hvcC", "vpcC", "esds", "dOps", "vttC"
	CodecConfig     []byte

	Sinf *ProtectionSchemeInfo // non-nil for encv/enca
}

// ProtectionSchemeInfo is sinf with its frma/schm/schi children.
type ProtectionSchemeInfo struct {
	DataFormat    string // original sample entry format
	SchemeType    string // cenc, cbcs, ...
	SchemeVersion uint32
	Tenc          TrackEncryption
}

// TrackEncryption is tenc.
type TrackEncryption struct {
	DefaultIsProtected     bool
	DefaultPerSampleIVSize uint8
	DefaultKID             []byte // 16 bytes
	DefaultCryptByteBlock  uint8
	DefaultSkipByteBlock   uint8
	DefaultConstantIV      []byte
}

func (t *TrackEncryption) marshal() []byte {
	w := bits.NewBufferWriter(32)
	version := uint8(0)
	if t.DefaultCryptByteBlock > 0 || t.DefaultSkipByteBlock > 0 {
		version = 1
	}
	w.AppendInt(uint8(0)) // reserved
	if version == 1 {
		w.AppendInt(t.DefaultCryptByteBlock<<4 | t.DefaultSkipByteBlock&0x0F)
	} else {
		w.AppendInt(uint8(0))
	}
	if t.DefaultIsProtected {
		w.AppendInt(uint8(1))
	} else {
		w.AppendInt(uint8(0))
	}
	w.AppendInt(t.DefaultPerSampleIVSize)
	w.AppendBytes(t.DefaultKID)
	if t.DefaultIsProtected && t.DefaultPerSampleIVSize == 0 {
		w.AppendInt(uint8(len(t.DefaultConstantIV)))
		w.AppendBytes(t.DefaultConstantIV)
	}
	return WrapFullBox("tenc", version, 0, w.Bytes())
}

func unmarshalTenc(payload []byte) (TrackEncryption, error) {
	r := bits.NewBufferReader(payload)
	var t TrackEncryption
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return t, err
	}
	var b uint8
	if !r.Read1(&b) { // reserved
		return t, status.New(status.ParserFailure, "truncated tenc")
	}
	if !r.Read1(&b) {
		return t, status.New(status.ParserFailure, "truncated tenc")
	}
	if version == 1 {
		t.DefaultCryptByteBlock = b >> 4
		t.DefaultSkipByteBlock = b & 0x0F
	}
	if !r.Read1(&b) {
		return t, status.New(status.ParserFailure, "truncated tenc")
	}
	t.DefaultIsProtected = b != 0
	if !r.Read1(&t.DefaultPerSampleIVSize) {
		return t, status.New(status.ParserFailure, "truncated tenc")
	}
	t.DefaultKID = make([]byte, 16)
	if !r.ReadBytes(t.DefaultKID) {
		return t, status.New(status.ParserFailure, "truncated tenc kid")
	}
	if t.DefaultIsProtected && t.DefaultPerSampleIVSize == 0 {
		var ivSize uint8
		if !r.Read1(&ivSize) {
			return t, status.New(status.ParserFailure, "truncated tenc constant iv")
		}
		t.DefaultConstantIV = make([]byte, ivSize)
		if !r.ReadBytes(t.DefaultConstantIV) {
			return t, status.New(status.ParserFailure, "truncated tenc constant iv")
		}
	}
	return t, nil
}

func (p *ProtectionSchemeInfo) marshal() []byte {
	w := bits.NewBufferWriter(64)
	w.AppendBytes(WrapBox("frma", []byte(p.DataFormat)))
	schm := bits.NewBufferWriter(8)
	schm.AppendString(p.SchemeType)
	schm.AppendInt(p.SchemeVersion)
	w.AppendBytes(WrapFullBox("schm", 0, 0, schm.Bytes()))
	w.AppendBytes(WrapBox("schi", p.Tenc.marshal()))
	return WrapBox("sinf", w.Bytes())
}

func unmarshalSinf(payload []byte) (*ProtectionSchemeInfo, error) {
	children, err := SplitChildren(payload)
	if err != nil {
		return nil, err
	}
	p := &ProtectionSchemeInfo{}
	if frma := FindChild(children, "frma"); len(frma) >= 4 {
		p.DataFormat = string(frma[0:4])
	}
	if schm := FindChild(children, "schm"); len(schm) >= 12 {
		p.SchemeType = string(schm[4:8])
		p.SchemeVersion = uint32(schm[8])<<24 | uint32(schm[9])<<16 | uint32(schm[10])<<8 | uint32(schm[11])
	}
	if schi := FindChild(children, "schi"); schi != nil {
		schiChildren, err := SplitChildren(schi)
		if err != nil {
			return nil, err
		}
		if tenc := FindChild(schiChildren, "tenc"); tenc != nil {
			if p.Tenc, err = unmarshalTenc(tenc); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Marshal emits the sample entry box.
func (e *SampleEntry) Marshal() []byte {
	switch e.Kind {
	case media.KindVideo:
		return e.marshalVisual()
	case media.KindAudio:
		return e.marshalAudio()
	default:
		return e.marshalText()
	}
}

func (e *SampleEntry) marshalVisual() []byte {
	w := bits.NewBufferWriter(128)
	for i := 0; i < 6; i++ { // reserved
		w.AppendInt(uint8(0))
	}
	w.AppendInt(uint16(1)) // data_reference_index
	w.AppendInt(uint16(0)) // pre_defined
	w.AppendInt(uint16(0)) // reserved
	for i := 0; i < 3; i++ {
		w.AppendInt(uint32(0)) // pre_defined
	}
	w.AppendInt(e.Width)
	w.AppendInt(e.Height)
	w.AppendInt(uint32(0x00480000)) // horizresolution 72dpi
	w.AppendInt(uint32(0x00480000))
	w.AppendInt(uint32(0))
	w.AppendInt(uint16(1)) // frame_count
	for i := 0; i < 32; i++ {
		w.AppendInt(uint8(0)) // compressorname
	}
	w.AppendInt(uint16(0x0018)) // depth
	w.AppendInt(int16(-1))      // pre_defined
	if e.CodecConfigType != "" {
		w.AppendBytes(WrapBox(e.CodecConfigType, e.CodecConfig))
	}
	if e.PixelWidth > 0 && e.PixelHeight > 0 && (e.PixelWidth != 1 || e.PixelHeight != 1) {
		pasp := bits.NewBufferWriter(8)
		pasp.AppendInt(e.PixelWidth)
		pasp.AppendInt(e.PixelHeight)
		w.AppendBytes(WrapBox("pasp", pasp.Bytes()))
	}
	if e.Sinf != nil {
		w.AppendBytes(e.Sinf.marshal())
	}
	return WrapBox(e.Format, w.Bytes())
}

func (e *SampleEntry) marshalAudio() []byte {
	w := bits.NewBufferWriter(64)
	for i := 0; i < 6; i++ {
		w.AppendInt(uint8(0))
	}
	w.AppendInt(uint16(1)) // data_reference_index
	w.AppendInt(uint64(0)) // reserved
	w.AppendInt(e.ChannelCount)
	w.AppendInt(e.SampleSize)
	w.AppendInt(uint32(0))         // pre_defined + reserved
	w.AppendInt(e.SampleRate << 16) // 16.16
	switch e.CodecConfigType {
	case "esds":
		w.AppendBytes(WrapFullBox("esds", 0, 0, marshalESDescriptor(e.CodecConfig, e.MaxBitrate, e.AvgBitrate)))
	case "":
	default:
		w.AppendBytes(WrapBox(e.CodecConfigType, e.CodecConfig))
	}
	if e.Sinf != nil {
		w.AppendBytes(e.Sinf.marshal())
	}
	return WrapBox(e.Format, w.Bytes())
}

func (e *SampleEntry) marshalText() []byte {
	w := bits.NewBufferWriter(32)
	for i := 0; i < 6; i++ {
		w.AppendInt(uint8(0))
	}
	w.AppendInt(uint16(1))
	if e.CodecConfigType != "" {
		w.AppendBytes(WrapBox(e.CodecConfigType, e.CodecConfig))
	}
	return WrapBox(e.Format, w.Bytes())
}

// marshalESDescriptor builds the ES_Descriptor chain for AAC: ES tag,
// DecoderConfig with object type 0x40, DecoderSpecificInfo carrying asc, and
// the standard SLConfig.
func marshalESDescriptor(asc []byte, maxBitrate, avgBitrate uint32) []byte {
	writeTag := func(w *bits.BufferWriter, tag uint8, payload []byte) {
		w.AppendInt(tag)
		size := len(payload)
		// Expandable size, 7 bits per byte.
		var lens []byte
		for {
			lens = append([]byte{byte(size & 0x7F)}, lens...)
			size >>= 7
			if size == 0 {
				break
			}
		}
		for i := 0; i < len(lens)-1; i++ {
			w.AppendInt(lens[i] | 0x80)
		}
		w.AppendInt(lens[len(lens)-1])
		w.AppendBytes(payload)
	}

	dsi := bits.NewBufferWriter(len(asc) + 8)
	writeTag(dsi, 0x05, asc)

	dcd := bits.NewBufferWriter(32)
	dcd.AppendInt(uint8(0x40)) // objectTypeIndication: MPEG-4 audio
	dcd.AppendInt(uint8(0x15)) // streamType audio, upStream 0, reserved 1
	dcd.AppendNBytes(0, 3)     // bufferSizeDB
	dcd.AppendInt(maxBitrate)
	dcd.AppendInt(avgBitrate)
	dcd.AppendBytes(dsi.Bytes())

	es := bits.NewBufferWriter(64)
	es.AppendInt(uint16(0)) // ES_ID
	es.AppendInt(uint8(0))  // flags
	writeTagged := bits.NewBufferWriter(64)
	writeTagged.AppendBytes(es.Bytes())
	writeTag(writeTagged, 0x04, dcd.Bytes())
	writeTag(writeTagged, 0x06, []byte{0x02})

	out := bits.NewBufferWriter(96)
	writeTag(out, 0x03, writeTagged.Bytes())
	return out.Bytes()
}

// parseESDescriptor extracts the DecoderSpecificInfo and bitrates from an
// esds payload (after the full-box header).
func parseESDescriptor(data []byte) (asc []byte, maxBitrate, avgBitrate uint32, err error) {
	readTag := func(r *bits.BufferReader) (uint8, []byte, bool) {
		var tag uint8
		if !r.Read1(&tag) {
			return 0, nil, false
		}
		size := 0
		for i := 0; i < 4; i++ {
			var b uint8
			if !r.Read1(&b) {
				return 0, nil, false
			}
			size = size<<7 | int(b&0x7F)
			if b&0x80 == 0 {
				break
			}
		}
		payload := make([]byte, size)
		if !r.ReadBytes(payload) {
			return 0, nil, false
		}
		return tag, payload, true
	}

	r := bits.NewBufferReader(data)
	tag, payload, ok := readTag(r)
	if !ok || tag != 0x03 {
		return nil, 0, 0, status.New(status.ParserFailure, "bad ES descriptor")
	}
	er := bits.NewBufferReader(payload)
	var esID uint16
	var esFlags uint8
	if !er.Read2(&esID) || !er.Read1(&esFlags) {
		return nil, 0, 0, status.New(status.ParserFailure, "bad ES descriptor")
	}
	if esFlags&0x80 != 0 {
		er.SkipBytes(2) // dependsOn_ES_ID
	}
	if esFlags&0x40 != 0 {
		var urlLen uint8
		er.Read1(&urlLen)
		er.SkipBytes(int(urlLen))
	}
	if esFlags&0x20 != 0 {
		er.SkipBytes(2) // OCR_ES_ID
	}
	for {
		tag, payload, ok = readTag(er)
		if !ok {
			break
		}
		if tag != 0x04 {
			continue
		}
		dr := bits.NewBufferReader(payload)
		var objType, streamType uint8
		var bufSize uint32
		if !dr.Read1(&objType) || !dr.Read1(&streamType) || !dr.Read3(&bufSize) ||
			!dr.Read4(&maxBitrate) || !dr.Read4(&avgBitrate) {
			return nil, 0, 0, status.New(status.ParserFailure, "bad DecoderConfigDescriptor")
		}
		if dsiTag, dsi, ok := readTag(dr); ok && dsiTag == 0x05 {
			asc = dsi
		}
		return asc, maxBitrate, avgBitrate, nil
	}
	return nil, 0, 0, status.New(status.ParserFailure, "esds missing DecoderConfigDescriptor")
}

// UnmarshalSampleEntry parses one stsd entry given its format and payload.
func UnmarshalSampleEntry(format string, payload []byte, kind media.StreamKind) (*SampleEntry, error) {
	e := &SampleEntry{Format: format, Kind: kind}
	r := bits.NewBufferReader(payload)
	switch kind {
	case media.KindVideo:
		if !r.SkipBytes(24) { // reserved through pre_defined
			return nil, status.New(status.ParserFailure, "truncated visual sample entry")
		}
		if !r.Read2(&e.Width) || !r.Read2(&e.Height) {
			return nil, status.New(status.ParserFailure, "truncated visual sample entry")
		}
		if !r.SkipBytes(50) {
			return nil, status.New(status.ParserFailure, "truncated visual sample entry")
		}
	case media.KindAudio:
		if !r.SkipBytes(16) {
			return nil, status.New(status.ParserFailure, "truncated audio sample entry")
		}
		if !r.Read2(&e.ChannelCount) || !r.Read2(&e.SampleSize) {
			return nil, status.New(status.ParserFailure, "truncated audio sample entry")
		}
		if !r.SkipBytes(4) {
			return nil, status.New(status.ParserFailure, "truncated audio sample entry")
		}
		var rate32 uint32
		if !r.Read4(&rate32) {
			return nil, status.New(status.ParserFailure, "truncated audio sample entry")
		}
		e.SampleRate = rate32 >> 16
	default:
		if !r.SkipBytes(8) {
			return nil, status.New(status.ParserFailure, "truncated text sample entry")
		}
	}

	children, err := SplitChildren(payload[r.Pos():])
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		switch c.Type {
		case "avcC", "hvcC", "vpcC", "dOps", "vttC":
			e.CodecConfigType = c.Type
			e.CodecConfig = c.Payload
		case "esds":
			if len(c.Payload) < 4 {
				return nil, status.New(status.ParserFailure, "truncated esds")
			}
			asc, maxBr, avgBr, err := parseESDescriptor(c.Payload[4:])
			if err != nil {
				return nil, err
			}
			e.CodecConfigType = "esds"
			e.CodecConfig = asc
			e.MaxBitrate = maxBr
			e.AvgBitrate = avgBr
		case "pasp":
			if len(c.Payload) >= 8 {
				e.PixelWidth = uint32(c.Payload[0])<<24 | uint32(c.Payload[1])<<16 | uint32(c.Payload[2])<<8 | uint32(c.Payload[3])
				e.PixelHeight = uint32(c.Payload[4])<<24 | uint32(c.Payload[5])<<16 | uint32(c.Payload[6])<<8 | uint32(c.Payload[7])
			}
		case "sinf":
			sinf, err := unmarshalSinf(c.Payload)
			if err != nil {
				return nil, err
			}
			e.Sinf = sinf
		}
	}
	return e, nil
}

// IsProtected reports whether the entry is an encv/enca wrapper.
func (e *SampleEntry) IsProtected() bool {
	return e.Format == "encv" || e.Format == "enca"
}

// UnprotectedFormat returns the original format for protected entries.
func (e *SampleEntry) UnprotectedFormat() string {
	if e.IsProtected() && e.Sinf != nil && e.Sinf.DataFormat != "" {
		return e.Sinf.DataFormat
	}
	return e.Format
}
