package codecs

import (
	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// HEVCSPS carries the sequence parameter set fields needed for dimensions
// and slice-segment-header parsing.
type HEVCSPS struct {
	ID                     uint64
	ChromaFormatIDC        uint64
	SeparateColourPlane    bool
	Width                  uint32
	Height                 uint32
	Log2MaxPicOrderCntLsb  uint64
	SampleAdaptiveOffset   bool
	NumShortTermRefPicSets uint64
	ShortTermUsedByCurr    []uint64 // per set: pictures marked used_by_curr
	ShortTermNumDeltaPocs  []uint64
	LongTermRefPicsPresent bool
	NumLongTermRefPicsSPS  uint64
	LtUsedByCurr           []bool
	TemporalMvpEnabled     bool
	PicSizeInCtbsY         uint64
	CtbLog2SizeY           uint64
	SARWidth               uint32
	SARHeight              uint32
}

// HEVCPPS carries the picture parameter set fields needed for
// slice-segment-header parsing.
type HEVCPPS struct {
	ID                              uint64
	SPSID                           uint64
	DependentSliceSegmentsEnabled   bool
	OutputFlagPresent               bool
	NumExtraSliceHeaderBits         uint64
	CabacInitPresent                bool
	NumRefIdxL0DefaultActive        uint64
	NumRefIdxL1DefaultActive        uint64
	CuQpDeltaEnabled                bool
	SliceChromaQpOffsetsPresent     bool
	WeightedPred                    bool
	WeightedBipred                  bool
	TilesEnabled                    bool
	EntropyCodingSyncEnabled        bool
	LoopFilterAcrossSlicesEnabled   bool
	DeblockingFilterControlPresent  bool
	DeblockingFilterOverrideEnabled bool
	DeblockingFilterDisabled        bool
	ListsModificationPresent        bool
	SliceSegmentHeaderExtension     bool
}

func ceilLog2(v uint64) int {
	n := 0
	for (uint64(1) << uint(n)) < v {
		n++
	}
	return n
}

func skipHEVCProfileTierLevel(r *bits.BitReader, maxSubLayersMinus1 uint64) bool {
	// general profile (88 bits) + general_level_idc (8 bits)
	if !r.SkipBits(96) {
		return false
	}
	if maxSubLayersMinus1 == 0 {
		return true
	}
	profilePresent := make([]bool, maxSubLayersMinus1)
	levelPresent := make([]bool, maxSubLayersMinus1)
	for i := uint64(0); i < maxSubLayersMinus1; i++ {
		if !r.ReadBit(&profilePresent[i]) || !r.ReadBit(&levelPresent[i]) {
			return false
		}
	}
	if !r.SkipBits(int(8-maxSubLayersMinus1) * 2) {
		return false
	}
	for i := uint64(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] && !r.SkipBits(88) {
			return false
		}
		if levelPresent[i] && !r.SkipBits(8) {
			return false
		}
	}
	return true
}

// parseShortTermRefPicSet handles the non-predicted form and records how
// many pictures the set holds. Predicted sets (inter_ref_pic_set_prediction)
// are rare outside multi-layer streams and are rejected.
func parseShortTermRefPicSet(r *bits.BitReader, idx uint64, sps *HEVCSPS) error {
	if idx != 0 {
		var predicted bool
		if !r.ReadBit(&predicted) {
			return status.New(status.ParserFailure, "truncated ref pic set")
		}
		if predicted {
			return status.New(status.Unimplemented, "predicted short-term ref pic sets not supported")
		}
	}
	var numNeg, numPos uint64
	if !r.ReadUE(&numNeg) || !r.ReadUE(&numPos) {
		return status.New(status.ParserFailure, "truncated ref pic set")
	}
	var usedByCurr uint64
	for i := uint64(0); i < numNeg+numPos; i++ {
		var delta uint64
		var used bool
		if !r.ReadUE(&delta) || !r.ReadBit(&used) {
			return status.New(status.ParserFailure, "truncated ref pic set")
		}
		if used {
			usedByCurr++
		}
	}
	sps.ShortTermUsedByCurr = append(sps.ShortTermUsedByCurr, usedByCurr)
	sps.ShortTermNumDeltaPocs = append(sps.ShortTermNumDeltaPocs, numNeg+numPos)
	return nil
}

// ParseHEVCSPS parses an SPS NAL unit (including its 2-byte header).
func ParseHEVCSPS(nal []byte) (*HEVCSPS, error) {
	if len(nal) < 4 {
		return nil, status.New(status.ParserFailure, "SPS too short")
	}
	rbsp := UnescapeRBSP(nal[2:])
	r := bits.NewBitReader(rbsp)
	sps := &HEVCSPS{}

	var v uint64
	r.SkipBits(4) // sps_video_parameter_set_id
	var maxSubLayersMinus1 uint64
	if !r.ReadBits(3, &maxSubLayersMinus1) {
		return nil, status.New(status.ParserFailure, "SPS too short")
	}
	r.SkipBits(1) // sps_temporal_id_nesting
	if !skipHEVCProfileTierLevel(r, maxSubLayersMinus1) {
		return nil, status.New(status.ParserFailure, "bad profile_tier_level")
	}
	if !r.ReadUE(&sps.ID) || !r.ReadUE(&sps.ChromaFormatIDC) {
		return nil, status.New(status.ParserFailure, "bad SPS")
	}
	if sps.ChromaFormatIDC == 3 {
		r.ReadBit(&sps.SeparateColourPlane)
	}
	var width, height uint64
	if !r.ReadUE(&width) || !r.ReadUE(&height) {
		return nil, status.New(status.ParserFailure, "bad SPS dimensions")
	}
	var conformance bool
	r.ReadBit(&conformance)
	if conformance {
		var left, right, top, bottom uint64
		if !r.ReadUE(&left) || !r.ReadUE(&right) || !r.ReadUE(&top) || !r.ReadUE(&bottom) {
			return nil, status.New(status.ParserFailure, "bad SPS conformance window")
		}
		subW, subH := uint64(1), uint64(1)
		if sps.ChromaFormatIDC == 1 {
			subW, subH = 2, 2
		} else if sps.ChromaFormatIDC == 2 {
			subW = 2
		}
		width -= (left + right) * subW
		height -= (top + bottom) * subH
	}
	sps.Width = uint32(width)
	sps.Height = uint32(height)

	r.ReadUE(&v) // bit_depth_luma_minus8
	r.ReadUE(&v) // bit_depth_chroma_minus8
	if !r.ReadUE(&v) {
		return nil, status.New(status.ParserFailure, "bad SPS")
	}
	sps.Log2MaxPicOrderCntLsb = v + 4

	var subLayerOrdering bool
	r.ReadBit(&subLayerOrdering)
	start := maxSubLayersMinus1
	if subLayerOrdering {
		start = 0
	}
	for i := start; i <= maxSubLayersMinus1; i++ {
		r.ReadUE(&v) // sps_max_dec_pic_buffering_minus1
		r.ReadUE(&v) // sps_max_num_reorder_pics
		r.ReadUE(&v) // sps_max_latency_increase_plus1
	}

	var log2MinCb, log2DiffCb uint64
	if !r.ReadUE(&log2MinCb) || !r.ReadUE(&log2DiffCb) {
		return nil, status.New(status.ParserFailure, "bad SPS coding block sizes")
	}
	sps.CtbLog2SizeY = log2MinCb + 3 + log2DiffCb
	ctbSize := uint64(1) << sps.CtbLog2SizeY
	widthCtbs := (width + ctbSize - 1) / ctbSize
	heightCtbs := (height + ctbSize - 1) / ctbSize
	sps.PicSizeInCtbsY = widthCtbs * heightCtbs

	r.ReadUE(&v) // log2_min_luma_transform_block_size_minus2
	r.ReadUE(&v) // log2_diff_max_min_luma_transform_block_size
	r.ReadUE(&v) // max_transform_hierarchy_depth_inter
	r.ReadUE(&v) // max_transform_hierarchy_depth_intra

	var scalingListEnabled bool
	r.ReadBit(&scalingListEnabled)
	if scalingListEnabled {
		var dataPresent bool
		r.ReadBit(&dataPresent)
		if dataPresent {
			return nil, status.New(status.Unimplemented, "SPS scaling list data not supported")
		}
	}
	r.SkipBits(1) // amp_enabled
	if !r.ReadBit(&sps.SampleAdaptiveOffset) {
		return nil, status.New(status.ParserFailure, "bad SPS")
	}
	var pcmEnabled bool
	r.ReadBit(&pcmEnabled)
	if pcmEnabled {
		r.SkipBits(8) // sample bit depths
		r.ReadUE(&v)  // log2_min_pcm_luma_coding_block_size_minus3
		r.ReadUE(&v)  // log2_diff_max_min_pcm_luma_coding_block_size
		r.SkipBits(1) // pcm_loop_filter_disabled
	}
	if !r.ReadUE(&sps.NumShortTermRefPicSets) {
		return nil, status.New(status.ParserFailure, "bad SPS")
	}
	for i := uint64(0); i < sps.NumShortTermRefPicSets; i++ {
		if err := parseShortTermRefPicSet(r, i, sps); err != nil {
			return nil, err
		}
	}
	r.ReadBit(&sps.LongTermRefPicsPresent)
	if sps.LongTermRefPicsPresent {
		if !r.ReadUE(&sps.NumLongTermRefPicsSPS) {
			return nil, status.New(status.ParserFailure, "bad SPS")
		}
		for i := uint64(0); i < sps.NumLongTermRefPicsSPS; i++ {
			r.SkipBits(int(sps.Log2MaxPicOrderCntLsb))
			var used bool
			r.ReadBit(&used)
			sps.LtUsedByCurr = append(sps.LtUsedByCurr, used)
		}
	}
	r.ReadBit(&sps.TemporalMvpEnabled)
	r.SkipBits(1) // strong_intra_smoothing_enabled

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

// ParseHEVCPPS parses a PPS NAL unit (including its 2-byte header).
func ParseHEVCPPS(nal []byte) (*HEVCPPS, error) {
	if len(nal) < 3 {
		return nil, status.New(status.ParserFailure, "PPS too short")
	}
	rbsp := UnescapeRBSP(nal[2:])
	r := bits.NewBitReader(rbsp)
	pps := &HEVCPPS{}
	var v uint64
	var se int64
	if !r.ReadUE(&pps.ID) || !r.ReadUE(&pps.SPSID) {
		return nil, status.New(status.ParserFailure, "PPS too short")
	}
	r.ReadBit(&pps.DependentSliceSegmentsEnabled)
	r.ReadBit(&pps.OutputFlagPresent)
	if !r.ReadBits(3, &pps.NumExtraSliceHeaderBits) {
		return nil, status.New(status.ParserFailure, "bad PPS")
	}
	r.SkipBits(1) // sign_data_hiding_enabled
	r.ReadBit(&pps.CabacInitPresent)
	if !r.ReadUE(&pps.NumRefIdxL0DefaultActive) || !r.ReadUE(&pps.NumRefIdxL1DefaultActive) {
		return nil, status.New(status.ParserFailure, "bad PPS")
	}
	pps.NumRefIdxL0DefaultActive++
	pps.NumRefIdxL1DefaultActive++
	r.ReadSE(&se) // init_qp_minus26
	r.SkipBits(1) // constrained_intra_pred
	r.SkipBits(1) // transform_skip_enabled
	r.ReadBit(&pps.CuQpDeltaEnabled)
	if pps.CuQpDeltaEnabled {
		r.ReadUE(&v) // diff_cu_qp_delta_depth
	}
	r.ReadSE(&se) // pps_cb_qp_offset
	r.ReadSE(&se) // pps_cr_qp_offset
	r.ReadBit(&pps.SliceChromaQpOffsetsPresent)
	r.ReadBit(&pps.WeightedPred)
	r.ReadBit(&pps.WeightedBipred)
	r.SkipBits(1) // transquant_bypass_enabled
	r.ReadBit(&pps.TilesEnabled)
	r.ReadBit(&pps.EntropyCodingSyncEnabled)
	if pps.TilesEnabled {
		var numCols, numRows uint64
		if !r.ReadUE(&numCols) || !r.ReadUE(&numRows) {
			return nil, status.New(status.ParserFailure, "bad PPS tiles")
		}
		var uniform bool
		r.ReadBit(&uniform)
		if !uniform {
			for i := uint64(0); i <= numCols; i++ {
				r.ReadUE(&v)
			}
			for i := uint64(0); i <= numRows; i++ {
				r.ReadUE(&v)
			}
		}
		r.SkipBits(1) // loop_filter_across_tiles_enabled
	}
	r.ReadBit(&pps.LoopFilterAcrossSlicesEnabled)
	r.ReadBit(&pps.DeblockingFilterControlPresent)
	if pps.DeblockingFilterControlPresent {
		r.ReadBit(&pps.DeblockingFilterOverrideEnabled)
		r.ReadBit(&pps.DeblockingFilterDisabled)
		if !pps.DeblockingFilterDisabled {
			r.ReadSE(&se) // pps_beta_offset_div2
			r.ReadSE(&se) // pps_tc_offset_div2
		}
	}
	var scalingListPresent bool
	r.ReadBit(&scalingListPresent)
	if scalingListPresent {
		return nil, status.New(status.Unimplemented, "PPS scaling list data not supported")
	}
	r.ReadBit(&pps.ListsModificationPresent)
	r.ReadUE(&v) // log2_parallel_merge_level_minus2
	r.ReadBit(&pps.SliceSegmentHeaderExtension)
	if !r.OK() {
		return nil, status.New(status.ParserFailure, "PPS overran")
	}
	return pps, nil
}

// HEVCSliceHeaderParser computes slice-segment-header byte lengths.
type HEVCSliceHeaderParser struct {
	sps map[uint64]*HEVCSPS
	pps map[uint64]*HEVCPPS
}

// NewHEVCSliceHeaderParser seeds the parser from an hvcC record.
func NewHEVCSliceHeaderParser(config *HEVCDecoderConfig) (*HEVCSliceHeaderParser, error) {
	p := &HEVCSliceHeaderParser{sps: map[uint64]*HEVCSPS{}, pps: map[uint64]*HEVCPPS{}}
	for _, arr := range config.NALArrays {
		for _, unit := range arr.Units {
			nalu := &NALU{Data: unit}
			if err := p.ProcessNALU(nalu); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// ProcessNALU tracks parameter sets; other types are ignored.
func (p *HEVCSliceHeaderParser) ProcessNALU(nalu *NALU) error {
	switch nalu.HEVCType() {
	case HEVCNALSPS:
		sps, err := ParseHEVCSPS(nalu.Data)
		if err != nil {
			return err
		}
		p.sps[sps.ID] = sps
	case HEVCNALPPS:
		pps, err := ParseHEVCPPS(nalu.Data)
		if err != nil {
			return err
		}
		p.pps[pps.ID] = pps
	}
	return nil
}

const (
	hevcSliceB = 0
	hevcSliceP = 1
	hevcSliceI = 2
)

// HeaderSize returns the slice segment header length in bytes of the raw
// (escaped) NAL unit, counting the 2-byte header. Only VCL units are valid.
func (p *HEVCSliceHeaderParser) HeaderSize(nalu *NALU) (int, error) {
	nalType := nalu.HEVCType()
	if !nalu.IsHEVCVCL() {
		return 0, status.Newf(status.InvalidArgument, "NAL type %d is not a slice", nalType)
	}
	rbsp := UnescapeRBSP(nalu.Data[2:])
	r := bits.NewBitReader(rbsp)

	var firstSlice bool
	if !r.ReadBit(&firstSlice) {
		return 0, status.New(status.ParserFailure, "truncated slice header")
	}
	isIRAP := nalType >= HEVCNALBLAWLP && nalType <= 23
	isIDR := nalType == 19 || nalType == 20
	if isIRAP {
		r.SkipBits(1) // no_output_of_prior_pics
	}
	var ppsID uint64
	if !r.ReadUE(&ppsID) {
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

	dependent := false
	if !firstSlice {
		if pps.DependentSliceSegmentsEnabled {
			r.ReadBit(&dependent)
		}
		r.SkipBits(ceilLog2(sps.PicSizeInCtbsY)) // slice_segment_address
	}
	if dependent {
		if !r.OK() {
			return 0, status.New(status.ParserFailure, "slice header overran")
		}
		return escapedLength(nalu.Data[2:], (r.BitPos()+7)/8) + 2, nil
	}

	r.SkipBits(int(pps.NumExtraSliceHeaderBits))
	var sliceType uint64
	if !r.ReadUE(&sliceType) {
		return 0, status.New(status.ParserFailure, "truncated slice header")
	}
	if pps.OutputFlagPresent {
		r.SkipBits(1)
	}
	if sps.SeparateColourPlane {
		r.SkipBits(2)
	}

	var v uint64
	numPicTotalCurr := uint64(0)
	sliceTemporalMvp := false
	if !isIDR {
		r.SkipBits(int(sps.Log2MaxPicOrderCntLsb)) // slice_pic_order_cnt_lsb
		var stFromSPS bool
		if !r.ReadBit(&stFromSPS) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		if !stFromSPS {
			inline := &HEVCSPS{}
			if err := parseShortTermRefPicSet(r, sps.NumShortTermRefPicSets, inline); err != nil {
				return 0, err
			}
			numPicTotalCurr += inline.ShortTermUsedByCurr[0]
		} else if sps.NumShortTermRefPicSets > 1 {
			idx := uint64(0)
			n := ceilLog2(sps.NumShortTermRefPicSets)
			if n > 0 {
				if !r.ReadBits(n, &idx) {
					return 0, status.New(status.ParserFailure, "truncated slice header")
				}
			}
			if idx < uint64(len(sps.ShortTermUsedByCurr)) {
				numPicTotalCurr += sps.ShortTermUsedByCurr[idx]
			}
		} else if len(sps.ShortTermUsedByCurr) == 1 {
			numPicTotalCurr += sps.ShortTermUsedByCurr[0]
		}
		if sps.LongTermRefPicsPresent {
			var numLtSPS, numLtPics uint64
			if sps.NumLongTermRefPicsSPS > 0 {
				if !r.ReadUE(&numLtSPS) {
					return 0, status.New(status.ParserFailure, "truncated slice header")
				}
			}
			if !r.ReadUE(&numLtPics) {
				return 0, status.New(status.ParserFailure, "truncated slice header")
			}
			for i := uint64(0); i < numLtSPS+numLtPics; i++ {
				if i < numLtSPS {
					if sps.NumLongTermRefPicsSPS > 1 {
						r.SkipBits(ceilLog2(sps.NumLongTermRefPicsSPS))
					}
				} else {
					r.SkipBits(int(sps.Log2MaxPicOrderCntLsb))
					var used bool
					r.ReadBit(&used)
					if used {
						numPicTotalCurr++
					}
				}
				var msbPresent bool
				if !r.ReadBit(&msbPresent) {
					return 0, status.New(status.ParserFailure, "truncated slice header")
				}
				if msbPresent {
					r.ReadUE(&v) // delta_poc_msb_cycle_lt
				}
			}
		}
		if sps.TemporalMvpEnabled {
			r.ReadBit(&sliceTemporalMvp)
		}
	}

	if sps.SampleAdaptiveOffset {
		r.SkipBits(1) // slice_sao_luma
		if sps.ChromaFormatIDC != 0 && !sps.SeparateColourPlane {
			r.SkipBits(1) // slice_sao_chroma
		}
	}

	if sliceType == hevcSliceP || sliceType == hevcSliceB {
		numRefL0 := pps.NumRefIdxL0DefaultActive
		numRefL1 := pps.NumRefIdxL1DefaultActive
		var override bool
		if !r.ReadBit(&override) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		if override {
			if !r.ReadUE(&numRefL0) {
				return 0, status.New(status.ParserFailure, "truncated slice header")
			}
			numRefL0++
			if sliceType == hevcSliceB {
				if !r.ReadUE(&numRefL1) {
					return 0, status.New(status.ParserFailure, "truncated slice header")
				}
				numRefL1++
			}
		}
		if pps.ListsModificationPresent && numPicTotalCurr > 1 {
			entryBits := ceilLog2(numPicTotalCurr)
			var modify bool
			if !r.ReadBit(&modify) {
				return 0, status.New(status.ParserFailure, "truncated slice header")
			}
			if modify {
				for i := uint64(0); i < numRefL0; i++ {
					r.SkipBits(entryBits)
				}
			}
			if sliceType == hevcSliceB {
				if !r.ReadBit(&modify) {
					return 0, status.New(status.ParserFailure, "truncated slice header")
				}
				if modify {
					for i := uint64(0); i < numRefL1; i++ {
						r.SkipBits(entryBits)
					}
				}
			}
		}
		if sliceType == hevcSliceB {
			r.SkipBits(1) // mvd_l1_zero
		}
		if pps.CabacInitPresent {
			r.SkipBits(1)
		}
		if sliceTemporalMvp {
			collocatedFromL0 := true
			if sliceType == hevcSliceB {
				var f bool
				if !r.ReadBit(&f) {
					return 0, status.New(status.ParserFailure, "truncated slice header")
				}
				collocatedFromL0 = f
			}
			if (collocatedFromL0 && numRefL0 > 1) || (!collocatedFromL0 && numRefL1 > 1) {
				r.ReadUE(&v) // collocated_ref_idx
			}
		}
		if (pps.WeightedPred && sliceType == hevcSliceP) ||
			(pps.WeightedBipred && sliceType == hevcSliceB) {
			if !skipHEVCPredWeightTable(r, sps, numRefL0, numRefL1, sliceType == hevcSliceB) {
				return 0, status.New(status.ParserFailure, "bad pred weight table")
			}
		}
		r.ReadUE(&v) // five_minus_max_num_merge_cand
	}

	var se int64
	r.ReadSE(&se) // slice_qp_delta
	if pps.SliceChromaQpOffsetsPresent {
		r.ReadSE(&se)
		r.ReadSE(&se)
	}
	deblockingDisabled := pps.DeblockingFilterDisabled
	if pps.DeblockingFilterControlPresent {
		override := false
		if pps.DeblockingFilterOverrideEnabled {
			r.ReadBit(&override)
		}
		if override {
			var disabled bool
			r.ReadBit(&disabled)
			deblockingDisabled = disabled
			if !disabled {
				r.ReadSE(&se)
				r.ReadSE(&se)
			}
		}
	}
	if pps.LoopFilterAcrossSlicesEnabled && (sps.SampleAdaptiveOffset || !deblockingDisabled) {
		r.SkipBits(1) // slice_loop_filter_across_slices_enabled
	}
	if pps.TilesEnabled || pps.EntropyCodingSyncEnabled {
		var numEntryPoints uint64
		if !r.ReadUE(&numEntryPoints) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		if numEntryPoints > 0 {
			var offsetLenMinus1 uint64
			if !r.ReadUE(&offsetLenMinus1) {
				return 0, status.New(status.ParserFailure, "truncated slice header")
			}
			for i := uint64(0); i < numEntryPoints; i++ {
				r.SkipBits(int(offsetLenMinus1) + 1)
			}
		}
	}
	if pps.SliceSegmentHeaderExtension {
		var extLen uint64
		if !r.ReadUE(&extLen) {
			return 0, status.New(status.ParserFailure, "truncated slice header")
		}
		r.SkipBits(int(extLen) * 8)
	}
	if !r.OK() {
		return 0, status.New(status.ParserFailure, "slice header overran")
	}
	return escapedLength(nalu.Data[2:], (r.BitPos()+7)/8) + 2, nil
}

func skipHEVCPredWeightTable(r *bits.BitReader, sps *HEVCSPS, numL0, numL1 uint64, isB bool) bool {
	var v uint64
	var se int64
	if !r.ReadUE(&v) { // luma_log2_weight_denom
		return false
	}
	chroma := sps.ChromaFormatIDC != 0 && !sps.SeparateColourPlane
	if chroma {
		if !r.ReadSE(&se) { // delta_chroma_log2_weight_denom
			return false
		}
	}
	counts := []uint64{numL0}
	if isB {
		counts = append(counts, numL1)
	}
	for _, count := range counts {
		lumaFlags := make([]bool, count)
		chromaFlags := make([]bool, count)
		for i := range lumaFlags {
			if !r.ReadBit(&lumaFlags[i]) {
				return false
			}
		}
		if chroma {
			for i := range chromaFlags {
				if !r.ReadBit(&chromaFlags[i]) {
					return false
				}
			}
		}
		for i := uint64(0); i < count; i++ {
			if lumaFlags[i] {
				if !r.ReadSE(&se) || !r.ReadSE(&se) {
					return false
				}
			}
			if chromaFlags[i] {
				for j := 0; j < 4; j++ {
					if !r.ReadSE(&se) {
						return false
					}
				}
			}
		}
	}
	return true
}
