package codecs

import (
	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// AVCSliceHeaderParser computes the byte length of slice headers so the
// encryptor can begin the cipher region exactly after the header. Parameter
// sets come from the decoder configuration; in-band updates are accepted
// through ProcessNALU.
type AVCSliceHeaderParser struct {
	sps map[uint64]*AVCSPS
	pps map[uint64]*AVCPPS
}

// NewAVCSliceHeaderParser seeds the parser from an avcC record.
func NewAVCSliceHeaderParser(config *AVCDecoderConfig) (*AVCSliceHeaderParser, error) {
	p := &AVCSliceHeaderParser{sps: map[uint64]*AVCSPS{}, pps: map[uint64]*AVCPPS{}}
	for _, raw := range config.SPS {
		if err := p.addSPS(raw); err != nil {
			return nil, err
		}
	}
	for _, raw := range config.PPS {
		if err := p.addPPS(raw); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *AVCSliceHeaderParser) addSPS(nal []byte) error {
	sps, err := ParseAVCSPS(nal)
	if err != nil {
		return err
	}
	p.sps[sps.ID] = sps
	return nil
}

func (p *AVCSliceHeaderParser) addPPS(nal []byte) error {
	pps, err := ParseAVCPPS(nal)
	if err != nil {
		return err
	}
	p.pps[pps.ID] = pps
	return nil
}

// ProcessNALU tracks in-band parameter set updates.
func (p *AVCSliceHeaderParser) ProcessNALU(nalu *NALU) error {
	switch nalu.AVCType() {
	case AVCNALSPS:
		return p.addSPS(nalu.Data)
	case AVCNALPPS:
		return p.addPPS(nalu.Data)
	}
	return nil
}

const (
	sliceTypeP = iota
	sliceTypeB
	sliceTypeI
	sliceTypeSP
	sliceTypeSI
)

// HeaderSize returns the slice header length in bytes of the raw (escaped)
// NAL unit, counting the header byte. Only slice NAL units are valid input.
func (p *AVCSliceHeaderParser) HeaderSize(nalu *NALU) (int, error) {
	nalType := nalu.AVCType()
	if nalType != AVCNALSliceNonIDR && nalType != AVCNALSliceIDR && nalType != AVCNALSlicePartA {
		return 0, status.Newf(status.InvalidArgument, "NAL type %d is not a slice", nalType)
	}
	rbsp := UnescapeRBSP(nalu.Data[1:])
	r := bits.NewBitReader(rbsp)

	var firstMb, sliceTypeRaw, ppsID uint64
	if !r.ReadUE(&firstMb) || !r.ReadUE(&sliceTypeRaw) || !r.ReadUE(&ppsID) {
		return 0, status.New(status.ParserFailure, "truncated slice header")
	}
	pps, ok := p.pps[ppsID]
	if !ok {
		return 0, status.Newf(status.ParserFailure, "slice references unknown PPS %d", ppsID)
	}
	sps, ok := p.sps[pps.SPSID]
	if !ok {
		return 0, status.Newf(status.ParserFailure, "PPS references unknown SPS %d", pps.SPSID)
	}
	sliceType := sliceTypeRaw % 5
	isIDR := nalType == AVCNALSliceIDR

	if sps.SeparateColourPlane {
		r.SkipBits(2)
	}
	r.SkipBits(int(sps.Log2MaxFrameNumMinus4) + 4) // frame_num
	fieldPic := false
	if !sps.FrameMbsOnly {
		if !r.ReadBit(&fieldPic) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		if fieldPic {
			r.SkipBits(1) // bottom_field_flag
		}
	}
	var ue uint64
	var se int64
	if isIDR {
		r.ReadUE(&ue) // idr_pic_id
	}
	if sps.PicOrderCntType == 0 {
		r.SkipBits(int(sps.Log2MaxPicOrderCntLsbMinus4) + 4)
		if pps.BottomFieldPicOrderInFramePresent && !fieldPic {
			r.ReadSE(&se) // delta_pic_order_cnt_bottom
		}
	} else if sps.PicOrderCntType == 1 && !sps.DeltaPicOrderAlwaysZero {
		r.ReadSE(&se)
		if pps.BottomFieldPicOrderInFramePresent && !fieldPic {
			r.ReadSE(&se)
		}
	}
	if pps.RedundantPicCntPresent {
		r.ReadUE(&ue) // redundant_pic_cnt
	}

	numRefL0 := pps.NumRefIdxL0DefaultActive
	numRefL1 := pps.NumRefIdxL1DefaultActive
	if sliceType == sliceTypeB {
		r.SkipBits(1) // direct_spatial_mv_pred
	}
	if sliceType == sliceTypeP || sliceType == sliceTypeSP || sliceType == sliceTypeB {
		var override bool
		if !r.ReadBit(&override) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		if override {
			if !r.ReadUE(&numRefL0) {
				return 0, status.New(status.ParserFailure, "truncated slice header")
			}
			numRefL0++
			if sliceType == sliceTypeB {
				if !r.ReadUE(&numRefL1) {
					return 0, status.New(status.ParserFailure, "truncated slice header")
				}
				numRefL1++
			}
		}
	}

	// ref_pic_list_modification
	if sliceType != sliceTypeI && sliceType != sliceTypeSI {
		if !p.skipRefPicListModification(r) {
			return 0, status.New(status.ParserFailure, "bad ref pic list modification")
		}
	}
	if sliceType == sliceTypeB {
		if !p.skipRefPicListModification(r) {
			return 0, status.New(status.ParserFailure, "bad ref pic list modification")
		}
	}

	if (pps.WeightedPred && (sliceType == sliceTypeP || sliceType == sliceTypeSP)) ||
		(pps.WeightedBipredIDC == 1 && sliceType == sliceTypeB) {
		if !p.skipPredWeightTable(r, sps, numRefL0, numRefL1, sliceType == sliceTypeB) {
			return 0, status.New(status.ParserFailure, "bad pred weight table")
		}
	}

	// dec_ref_pic_marking
	if isIDR {
		r.SkipBits(2) // no_output_of_prior_pics, long_term_reference
	} else {
		var adaptive bool
		if !r.ReadBit(&adaptive) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		if adaptive {
			for {
				var op uint64
				if !r.ReadUE(&op) {
					return 0, status.New(status.ParserFailure, "bad ref pic marking")
				}
				if op == 0 {
					break
				}
				switch op {
				case 1, 2, 4, 6:
					r.ReadUE(&ue)
				case 3:
					r.ReadUE(&ue)
					r.ReadUE(&ue)
				}
			}
		}
	}

	if pps.EntropyCodingMode && sliceType != sliceTypeI && sliceType != sliceTypeSI {
		r.ReadUE(&ue) // cabac_init_idc
	}
	r.ReadSE(&se) // slice_qp_delta
	if sliceType == sliceTypeSP || sliceType == sliceTypeSI {
		if sliceType == sliceTypeSP {
			r.SkipBits(1) // sp_for_switch_flag
		}
		r.ReadSE(&se) // slice_qs_delta
	}
	if pps.DeblockingFilterControlPresent {
		var idc uint64
		if !r.ReadUE(&idc) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		if idc != 1 {
			r.ReadSE(&se) // slice_alpha_c0_offset_div2
			r.ReadSE(&se) // slice_beta_offset_div2
		}
	}
	if !r.OK() {
		return 0, status.New(status.ParserFailure, "slice header overran")
	}

	rbspHeaderBytes := (r.BitPos() + 7) / 8
	return escapedLength(nalu.Data[1:], rbspHeaderBytes) + 1, nil
}

func (p *AVCSliceHeaderParser) skipRefPicListModification(r *bits.BitReader) bool {
	var flag bool
	if !r.ReadBit(&flag) {
		return false
	}
	if !flag {
		return true
	}
	for {
		var idc uint64
		if !r.ReadUE(&idc) {
			return false
		}
		if idc == 3 {
			return true
		}
		if idc > 3 {
			return false
		}
		var v uint64
		if !r.ReadUE(&v) {
			return false
		}
	}
}

func (p *AVCSliceHeaderParser) skipPredWeightTable(r *bits.BitReader, sps *AVCSPS, numL0, numL1 uint64, isB bool) bool {
	var ue uint64
	var se int64
	if !r.ReadUE(&ue) { // luma_log2_weight_denom
		return false
	}
	chroma := sps.ChromaFormatIDC != 0 && !sps.SeparateColourPlane
	if chroma {
		if !r.ReadUE(&ue) { // chroma_log2_weight_denom
			return false
		}
	}
	counts := []uint64{numL0}
	if isB {
		counts = append(counts, numL1)
	}
	for _, count := range counts {
		for i := uint64(0); i < count; i++ {
			var lumaFlag bool
			if !r.ReadBit(&lumaFlag) {
				return false
			}
			if lumaFlag {
				if !r.ReadSE(&se) || !r.ReadSE(&se) {
					return false
				}
			}
			if chroma {
				var chromaFlag bool
				if !r.ReadBit(&chromaFlag) {
					return false
				}
				if chromaFlag {
					for j := 0; j < 4; j++ {
						if !r.ReadSE(&se) {
							return false
						}
					}
				}
			}
		}
	}
	return true
}

// escapedLength maps a byte count in the RBSP domain back to the raw NAL
// byte count, accounting for emulation prevention bytes inside the span.
func escapedLength(raw []byte, rbspBytes int) int {
	consumed := 0
	zeros := 0
	for i := 0; i < len(raw); i++ {
		if zeros >= 2 && raw[i] == 0x03 && (i+1 == len(raw) || raw[i+1] <= 0x03) {
			zeros = 0
			continue // EP byte, not part of RBSP
		}
		consumed++
		if raw[i] == 0 {
			zeros++
		} else {
			zeros = 0
		}
		if consumed == rbspBytes {
			return i + 1
		}
	}
	return len(raw)
}
