package codecs

import (
	"fmt"
	"math/bits"
	"strings"

	pbits "github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// HEVCDecoderConfig is the hvcC record carried in MP4 sample entries.
type HEVCDecoderConfig struct {
	Version                 uint8
	GeneralProfileSpace     uint8
	GeneralTier             uint8
	GeneralProfileIDC       uint8
	GeneralProfileCompat    uint32
	GeneralConstraintFlags  uint64 // 48 bits
	GeneralLevelIDC         uint8
	MinSpatialSegmentation  uint16
	ParallelismType         uint8
	ChromaFormat            uint8
	BitDepthLumaMinus8      uint8
	BitDepthChromaMinus8    uint8
	AvgFrameRate            uint16
	ConstantFrameRate       uint8
	NumTemporalLayers       uint8
	TemporalIDNested        uint8
	LengthSize              uint8
	NALArrays               []HEVCNALArray
}

// HEVCNALArray is one parameter set array inside hvcC.
type HEVCNALArray struct {
	Completeness bool
	NALType      uint8
	Units        [][]byte
}

// ParseHEVCDecoderConfig parses an hvcC payload.
func ParseHEVCDecoderConfig(data []byte) (*HEVCDecoderConfig, error) {
	r := pbits.NewBufferReader(data)
	c := &HEVCDecoderConfig{}
	var b uint8
	if !r.Read1(&c.Version) || !r.Read1(&b) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.GeneralProfileSpace = b >> 6
	c.GeneralTier = (b >> 5) & 1
	c.GeneralProfileIDC = b & 0x1F
	if !r.Read4(&c.GeneralProfileCompat) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	var hi uint16
	var lo uint32
	if !r.Read2(&hi) || !r.Read4(&lo) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.GeneralConstraintFlags = uint64(hi)<<32 | uint64(lo)
	if !r.Read1(&c.GeneralLevelIDC) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	var u16 uint16
	if !r.Read2(&u16) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.MinSpatialSegmentation = u16 & 0x0FFF
	if !r.Read1(&b) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.ParallelismType = b & 0x03
	if !r.Read1(&b) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.ChromaFormat = b & 0x03
	if !r.Read1(&b) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.BitDepthLumaMinus8 = b & 0x07
	if !r.Read1(&b) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.BitDepthChromaMinus8 = b & 0x07
	if !r.Read2(&c.AvgFrameRate) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	if !r.Read1(&b) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	c.ConstantFrameRate = b >> 6
	c.NumTemporalLayers = (b >> 3) & 0x07
	c.TemporalIDNested = (b >> 2) & 1
	c.LengthSize = b&0x03 + 1
	var numArrays uint8
	if !r.Read1(&numArrays) {
		return nil, status.New(status.ParserFailure, "truncated hvcC")
	}
	for i := 0; i < int(numArrays); i++ {
		if !r.Read1(&b) {
			return nil, status.New(status.ParserFailure, "truncated hvcC array")
		}
		arr := HEVCNALArray{Completeness: b&0x80 != 0, NALType: b & 0x3F}
		var numUnits uint16
		if !r.Read2(&numUnits) {
			return nil, status.New(status.ParserFailure, "truncated hvcC array")
		}
		for j := 0; j < int(numUnits); j++ {
			var size uint16
			if !r.Read2(&size) {
				return nil, status.New(status.ParserFailure, "truncated hvcC unit")
			}
			unit := make([]byte, size)
			if !r.ReadBytes(unit) {
				return nil, status.New(status.ParserFailure, "truncated hvcC unit")
			}
			arr.Units = append(arr.Units, unit)
		}
		c.NALArrays = append(c.NALArrays, arr)
	}
	return c, nil
}

// Serialize emits the hvcC payload.
func (c *HEVCDecoderConfig) Serialize() []byte {
	w := pbits.NewBufferWriter(128)
	w.AppendInt(c.Version)
	w.AppendInt(c.GeneralProfileSpace<<6 | c.GeneralTier<<5 | c.GeneralProfileIDC&0x1F)
	w.AppendInt(c.GeneralProfileCompat)
	w.AppendNBytes(c.GeneralConstraintFlags, 6)
	w.AppendInt(c.GeneralLevelIDC)
	w.AppendInt(uint16(0xF000 | c.MinSpatialSegmentation&0x0FFF))
	w.AppendInt(uint8(0xFC | c.ParallelismType&0x03))
	w.AppendInt(uint8(0xFC | c.ChromaFormat&0x03))
	w.AppendInt(uint8(0xF8 | c.BitDepthLumaMinus8&0x07))
	w.AppendInt(uint8(0xF8 | c.BitDepthChromaMinus8&0x07))
	w.AppendInt(c.AvgFrameRate)
	w.AppendInt(c.ConstantFrameRate<<6 | (c.NumTemporalLayers&0x07)<<3 | (c.TemporalIDNested&1)<<2 | (c.LengthSize-1)&0x03)
	w.AppendInt(uint8(len(c.NALArrays)))
	for _, arr := range c.NALArrays {
		b := arr.NALType & 0x3F
		if arr.Completeness {
			b |= 0x80
		}
		w.AppendInt(b)
		w.AppendInt(uint16(len(arr.Units)))
		for _, u := range arr.Units {
			w.AppendInt(uint16(len(u)))
			w.AppendBytes(u)
		}
	}
	return w.Bytes()
}

// CodecString returns the RFC 6381 / ISO 14496-15 form, e.g. "hvc1.1.6.L93.B0".
func (c *HEVCDecoderConfig) CodecString() string {
	var sb strings.Builder
	sb.WriteString("hvc1.")
	switch c.GeneralProfileSpace {
	case 1:
		sb.WriteByte('A')
	case 2:
		sb.WriteByte('B')
	case 3:
		sb.WriteByte('C')
	}
	fmt.Fprintf(&sb, "%d.", c.GeneralProfileIDC)
	fmt.Fprintf(&sb, "%X.", bits.Reverse32(c.GeneralProfileCompat))
	if c.GeneralTier == 0 {
		sb.WriteByte('L')
	} else {
		sb.WriteByte('H')
	}
	fmt.Fprintf(&sb, "%d", c.GeneralLevelIDC)
	constraint := c.GeneralConstraintFlags
	var parts []string
	for i := 5; i >= 0; i-- {
		parts = append(parts, fmt.Sprintf("%X", byte(constraint>>(8*uint(i)))))
	}
	for len(parts) > 0 && parts[len(parts)-1] == "0" {
		parts = parts[:len(parts)-1]
	}
	for _, p := range parts {
		sb.WriteByte('.')
		sb.WriteString(p)
	}
	return sb.String()
}

// ParamSets returns VPS, SPS then PPS units in emission order.
func (c *HEVCDecoderConfig) ParamSets() [][]byte {
	var vps, sps, pps [][]byte
	for _, arr := range c.NALArrays {
		switch arr.NALType {
		case HEVCNALVPS:
			vps = append(vps, arr.Units...)
		case HEVCNALSPS:
			sps = append(sps, arr.Units...)
		case HEVCNALPPS:
			pps = append(pps, arr.Units...)
		}
	}
	out := append([][]byte{}, vps...)
	out = append(out, sps...)
	return append(out, pps...)
}
