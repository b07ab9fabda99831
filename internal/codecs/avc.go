package codecs

import (
	"fmt"

	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// AVCDecoderConfig is the avcC record carried in MP4 sample entries.
type AVCDecoderConfig struct {
	Version              uint8
	ProfileIndication    uint8
	ProfileCompatibility uint8
	LevelIndication      uint8
	LengthSize           uint8
	SPS                  [][]byte
	PPS                  [][]byte
}

// ParseAVCDecoderConfig parses an avcC payload.
func ParseAVCDecoderConfig(data []byte) (*AVCDecoderConfig, error) {
	r := bits.NewBufferReader(data)
	c := &AVCDecoderConfig{}
	var lengthSizeMinusOne, numSPS uint8
	if !r.Read1(&c.Version) || !r.Read1(&c.ProfileIndication) ||
		!r.Read1(&c.ProfileCompatibility) || !r.Read1(&c.LevelIndication) ||
		!r.Read1(&lengthSizeMinusOne) || !r.Read1(&numSPS) {
		return nil, status.New(status.ParserFailure, "truncated avcC")
	}
	c.LengthSize = lengthSizeMinusOne&0x03 + 1
	numSPS &= 0x1F
	for i := 0; i < int(numSPS); i++ {
		var size uint16
		if !r.Read2(&size) {
			return nil, status.New(status.ParserFailure, "truncated avcC sps")
		}
		sps := make([]byte, size)
		if !r.ReadBytes(sps) {
			return nil, status.New(status.ParserFailure, "truncated avcC sps")
		}
		c.SPS = append(c.SPS, sps)
	}
	var numPPS uint8
	if !r.Read1(&numPPS) {
		return nil, status.New(status.ParserFailure, "truncated avcC")
	}
	for i := 0; i < int(numPPS); i++ {
		var size uint16
		if !r.Read2(&size) {
			return nil, status.New(status.ParserFailure, "truncated avcC pps")
		}
		pps := make([]byte, size)
		if !r.ReadBytes(pps) {
			return nil, status.New(status.ParserFailure, "truncated avcC pps")
		}
		c.PPS = append(c.PPS, pps)
	}
	return c, nil
}

// Serialize emits the avcC payload.
func (c *AVCDecoderConfig) Serialize() []byte {
	w := bits.NewBufferWriter(64)
	w.AppendInt(c.Version)
	w.AppendInt(c.ProfileIndication)
	w.AppendInt(c.ProfileCompatibility)
	w.AppendInt(c.LevelIndication)
	w.AppendInt(uint8(0xFC | (c.LengthSize-1)&0x03))
	w.AppendInt(uint8(0xE0 | uint8(len(c.SPS))&0x1F))
	for _, sps := range c.SPS {
		w.AppendInt(uint16(len(sps)))
		w.AppendBytes(sps)
	}
	w.AppendInt(uint8(len(c.PPS)))
	for _, pps := range c.PPS {
		w.AppendInt(uint16(len(pps)))
		w.AppendBytes(pps)
	}
	return w.Bytes()
}

// CodecString returns the RFC 6381 form, e.g. "avc1.42E01E".
func (c *AVCDecoderConfig) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", c.ProfileIndication, c.ProfileCompatibility, c.LevelIndication)
}

// ParamSets returns SPS then PPS, the emission order for byte-stream output.
func (c *AVCDecoderConfig) ParamSets() [][]byte {
	var out [][]byte
	out = append(out, c.SPS...)
	out = append(out, c.PPS...)
	return out
}

// AVCSPS carries the sequence parameter set fields needed for dimensions and
// slice-header parsing.
type AVCSPS struct {
	ProfileIDC                     uint8
	ConstraintFlags                uint8
	LevelIDC                       uint8
	ID                             uint64
	ChromaFormatIDC                uint64
	SeparateColourPlane            bool
	Log2MaxFrameNumMinus4          uint64
	PicOrderCntType                uint64
	Log2MaxPicOrderCntLsbMinus4    uint64
	DeltaPicOrderAlwaysZero        bool
	NumRefFramesInPicOrderCntCycle uint64
	FrameMbsOnly                   bool
	Width                          uint32
	Height                         uint32
	SARWidth                       uint32
	SARHeight                      uint32
}

var sarTable = [17][2]uint32{
	{0, 0}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11},
	{20, 11}, {32, 11}, {80, 33}, {18, 11}, {15, 11}, {64, 33},
	{160, 99}, {4, 3}, {3, 2}, {2, 1},
}

func skipScalingList(r *bits.BitReader, size int) bool {
	lastScale, nextScale := int64(8), int64(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			var delta int64
			if !r.ReadSE(&delta) {
				return false
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return true
}

// ParseAVCSPS parses an SPS NAL unit (including its header byte).
func ParseAVCSPS(nal []byte) (*AVCSPS, error) {
	if len(nal) < 4 {
		return nil, status.New(status.ParserFailure, "SPS too short")
	}
	rbsp := UnescapeRBSP(nal[1:])
	r := bits.NewBitReader(rbsp)
	sps := &AVCSPS{}

	var v uint64
	if !r.ReadBits(8, &v) {
		return nil, status.New(status.ParserFailure, "SPS too short")
	}
	sps.ProfileIDC = uint8(v)
	if !r.ReadBits(8, &v) {
		return nil, status.New(status.ParserFailure, "SPS too short")
	}
	sps.ConstraintFlags = uint8(v)
	if !r.ReadBits(8, &v) {
		return nil, status.New(status.ParserFailure, "SPS too short")
	}
	sps.LevelIDC = uint8(v)
	if !r.ReadUE(&sps.ID) {
		return nil, status.New(status.ParserFailure, "SPS too short")
	}

	sps.ChromaFormatIDC = 1
	switch sps.ProfileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		if !r.ReadUE(&sps.ChromaFormatIDC) {
			return nil, status.New(status.ParserFailure, "bad SPS chroma")
		}
		if sps.ChromaFormatIDC == 3 {
			r.ReadBit(&sps.SeparateColourPlane)
		}
		var bd uint64
		r.ReadUE(&bd) // bit_depth_luma_minus8
		r.ReadUE(&bd) // bit_depth_chroma_minus8
		r.SkipBits(1) // qpprime_y_zero_transform_bypass
		var scalingPresent bool
		if !r.ReadBit(&scalingPresent) {
			return nil, status.New(status.ParserFailure, "bad SPS")
		}
		if scalingPresent {
			lists := 8
			if sps.ChromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				var present bool
				if !r.ReadBit(&present) {
					return nil, status.New(status.ParserFailure, "bad SPS scaling list")
				}
				if present {
					size := 16
					if i >= 6 {
						size = 64
					}
					if !skipScalingList(r, size) {
						return nil, status.New(status.ParserFailure, "bad SPS scaling list")
					}
				}
			}
		}
	}

	if !r.ReadUE(&sps.Log2MaxFrameNumMinus4) || !r.ReadUE(&sps.PicOrderCntType) {
		return nil, status.New(status.ParserFailure, "bad SPS")
	}
	switch sps.PicOrderCntType {
	case 0:
		if !r.ReadUE(&sps.Log2MaxPicOrderCntLsbMinus4) {
			return nil, status.New(status.ParserFailure, "bad SPS")
		}
	case 1:
		r.ReadBit(&sps.DeltaPicOrderAlwaysZero)
		var se int64
		r.ReadSE(&se) // offset_for_non_ref_pic
		r.ReadSE(&se) // offset_for_top_to_bottom_field
		if !r.ReadUE(&sps.NumRefFramesInPicOrderCntCycle) {
			return nil, status.New(status.ParserFailure, "bad SPS")
		}
		for i := uint64(0); i < sps.NumRefFramesInPicOrderCntCycle; i++ {
			r.ReadSE(&se)
		}
	}

	var maxRefFrames uint64
	r.ReadUE(&maxRefFrames)
	r.SkipBits(1) // gaps_in_frame_num_value_allowed

	var widthMbs, heightMapUnits uint64
	if !r.ReadUE(&widthMbs) || !r.ReadUE(&heightMapUnits) {
		return nil, status.New(status.ParserFailure, "bad SPS dimensions")
	}
	if !r.ReadBit(&sps.FrameMbsOnly) {
		return nil, status.New(status.ParserFailure, "bad SPS")
	}
	if !sps.FrameMbsOnly {
		r.SkipBits(1) // mb_adaptive_frame_field
	}
	r.SkipBits(1) // direct_8x8_inference

	frameHeightFactor := uint64(2)
	if sps.FrameMbsOnly {
		frameHeightFactor = 1
	}
	width := (widthMbs + 1) * 16
	height := (heightMapUnits + 1) * 16 * frameHeightFactor

	var cropping bool
	r.ReadBit(&cropping)
	if cropping {
		var left, right, top, bottom uint64
		if !r.ReadUE(&left) || !r.ReadUE(&right) || !r.ReadUE(&top) || !r.ReadUE(&bottom) {
			return nil, status.New(status.ParserFailure, "bad SPS cropping")
		}
		cropX, cropY := uint64(1), frameHeightFactor
		if sps.ChromaFormatIDC == 1 {
			cropX, cropY = 2, 2*frameHeightFactor
		} else if sps.ChromaFormatIDC == 2 {
			cropX, cropY = 2, frameHeightFactor
		}
		width -= (left + right) * cropX
		height -= (top + bottom) * cropY
	}
	sps.Width = uint32(width)
	sps.Height = uint32(height)

	sps.SARWidth, sps.SARHeight = 1, 1
	var vuiPresent bool
	r.ReadBit(&vuiPresent)
	if vuiPresent && r.OK() {
		var aspectPresent bool
		r.ReadBit(&aspectPresent)
		if aspectPresent {
			var idc uint64
			r.ReadBits(8, &idc)
			if idc == 255 {
				var w, h uint64
				r.ReadBits(16, &w)
				r.ReadBits(16, &h)
				sps.SARWidth, sps.SARHeight = uint32(w), uint32(h)
			} else if idc >= 1 && idc <= 16 {
				sps.SARWidth, sps.SARHeight = sarTable[idc][0], sarTable[idc][1]
			}
		}
	}
	if !r.OK() {
		return nil, status.New(status.ParserFailure, "SPS overran")
	}
	return sps, nil
}

// AVCPPS carries the picture parameter set fields needed for slice-header
// parsing.
type AVCPPS struct {
	ID                                uint64
	SPSID                             uint64
	EntropyCodingMode                 bool
	BottomFieldPicOrderInFramePresent bool
	NumSliceGroups                    uint64
	NumRefIdxL0DefaultActive          uint64
	NumRefIdxL1DefaultActive          uint64
	WeightedPred                      bool
	WeightedBipredIDC                 uint64
	DeblockingFilterControlPresent    bool
	RedundantPicCntPresent            bool
}

// ParseAVCPPS parses a PPS NAL unit (including its header byte).
func ParseAVCPPS(nal []byte) (*AVCPPS, error) {
	if len(nal) < 2 {
		return nil, status.New(status.ParserFailure, "PPS too short")
	}
	rbsp := UnescapeRBSP(nal[1:])
	r := bits.NewBitReader(rbsp)
	pps := &AVCPPS{}
	if !r.ReadUE(&pps.ID) || !r.ReadUE(&pps.SPSID) {
		return nil, status.New(status.ParserFailure, "PPS too short")
	}
	r.ReadBit(&pps.EntropyCodingMode)
	r.ReadBit(&pps.BottomFieldPicOrderInFramePresent)
	if !r.ReadUE(&pps.NumSliceGroups) {
		return nil, status.New(status.ParserFailure, "bad PPS")
	}
	pps.NumSliceGroups++
	if pps.NumSliceGroups > 1 {
		return nil, status.New(status.Unimplemented, "slice groups not supported")
	}
	if !r.ReadUE(&pps.NumRefIdxL0DefaultActive) || !r.ReadUE(&pps.NumRefIdxL1DefaultActive) {
		return nil, status.New(status.ParserFailure, "bad PPS")
	}
	pps.NumRefIdxL0DefaultActive++
	pps.NumRefIdxL1DefaultActive++
	r.ReadBit(&pps.WeightedPred)
	r.ReadBits(2, &pps.WeightedBipredIDC)
	var se int64
	r.ReadSE(&se) // pic_init_qp_minus26
	r.ReadSE(&se) // pic_init_qs_minus26
	r.ReadSE(&se) // chroma_qp_index_offset
	r.ReadBit(&pps.DeblockingFilterControlPresent)
	r.SkipBits(1) // constrained_intra_pred
	r.ReadBit(&pps.RedundantPicCntPresent)
	if !r.OK() {
		return nil, status.New(status.ParserFailure, "PPS overran")
	}
	return pps, nil
}
