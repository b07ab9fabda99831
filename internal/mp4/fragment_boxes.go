package mp4

import (
	"math"

	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// tfhd flags.
const (
	TfhdBaseDataOffsetPresent        uint32 = 0x000001
	TfhdDefaultSampleDurationPresent uint32 = 0x000008
	TfhdDefaultSampleSizePresent     uint32 = 0x000010
	TfhdDefaultSampleFlagsPresent    uint32 = 0x000020
	TfhdDefaultBaseIsMoof            uint32 = 0x020000
)

// trun flags.
const (
	TrunDataOffsetPresent       uint32 = 0x000001
	TrunFirstSampleFlagsPresent uint32 = 0x000004
	TrunSampleDurationPresent   uint32 = 0x000100
	TrunSampleSizePresent       uint32 = 0x000200
	TrunSampleFlagsPresent      uint32 = 0x000400
	TrunSampleCTSOffsetPresent  uint32 = 0x000800
)

// SencSubsamplesPresent is the senc flag bit for subsample information.
const SencSubsamplesPresent uint32 = 0x000002

// MovieFragment is moof.
type MovieFragment struct {
	SequenceNumber uint32
	Tracks         []*TrackFragment
}

// TrackFragment is traf.
type TrackFragment struct {
	Header     TrackFragmentHeader
	DecodeTime uint64 // tfdt
	HasTfdt    bool
	Runs       []*TrackFragmentRun
	Saiz       *SampleAuxiliaryInfoSizes
	Saio       *SampleAuxiliaryInfoOffsets
	Senc       *SampleEncryption
	Sbgp       *SampleToGroup
	Sgpd       *SampleGroupDescription
}

// TrackFragmentHeader is tfhd.
type TrackFragmentHeader struct {
	TrackID               uint32
	Flags                 uint32
	BaseDataOffset        uint64
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
	DefaultSampleFlags    uint32
}

// TrunEntry is one trun row.
type TrunEntry struct {
	Duration  uint32
	Size      uint32
	Flags     uint32
	CTSOffset int64
}

// TrackFragmentRun is trun.
type TrackFragmentRun struct {
	Flags            uint32
	DataOffset       int64
	FirstSampleFlags uint32
	Entries          []TrunEntry
}

// SampleAuxiliaryInfoSizes is saiz.
type SampleAuxiliaryInfoSizes struct {
	DefaultSampleInfoSize uint8
	SampleCount           uint32
	Sizes                 []uint8
}

// SampleAuxiliaryInfoOffsets is saio.
type SampleAuxiliaryInfoOffsets struct {
	Offsets []uint64
}

// SencEntry is the CENC auxiliary information of one sample.
type SencEntry struct {
	IV         []byte
	Subsamples []SencSubsample
}

// SencSubsample is one clear/cipher split.
type SencSubsample struct {
	ClearBytes  uint16
	CipherBytes uint32
}

// SampleEncryption is senc.
type SampleEncryption struct {
	PerSampleIVSize uint8 // context from tenc, not stored in the box
	Entries         []SencEntry
}

// SampleToGroup is sbgp.
type SampleToGroup struct {
	GroupingType string
	Entries      []SampleToGroupEntry
}

// SampleToGroupEntry maps a run of samples to a group description.
type SampleToGroupEntry struct {
	SampleCount           uint32
	GroupDescriptionIndex uint32
}

// CencSampleEncryptionInfoEntry is one seig group description.
type CencSampleEncryptionInfoEntry struct {
	IsProtected     bool
	PerSampleIVSize uint8
	KeyID           []byte
}

// SampleGroupDescription is sgpd with grouping type seig.
type SampleGroupDescription struct {
	GroupingType string
	CencEntries  []CencSampleEncryptionInfoEntry
}

// Marshal emits the moof box.
func (m *MovieFragment) Marshal() []byte {
	w := bits.NewBufferWriter(256)
	mfhd := bits.NewBufferWriter(4)
	mfhd.AppendInt(m.SequenceNumber)
	w.AppendBytes(WrapFullBox("mfhd", 0, 0, mfhd.Bytes()))
	for _, t := range m.Tracks {
		w.AppendBytes(t.marshal())
	}
	return WrapBox("moof", w.Bytes())
}

func (t *TrackFragment) marshal() []byte {
	w := bits.NewBufferWriter(256)
	w.AppendBytes(t.Header.marshal())
	if t.HasTfdt {
		w.AppendBytes(marshalTfdt(t.DecodeTime))
	}
	if t.Sbgp != nil {
		w.AppendBytes(t.Sbgp.marshal())
	}
	if t.Sgpd != nil {
		w.AppendBytes(t.Sgpd.marshal())
	}
	if t.Saiz != nil {
		w.AppendBytes(t.Saiz.marshal())
	}
	if t.Saio != nil {
		w.AppendBytes(t.Saio.marshal())
	}
	if t.Senc != nil {
		w.AppendBytes(t.Senc.Marshal())
	}
	for _, run := range t.Runs {
		w.AppendBytes(run.marshal())
	}
	return WrapBox("traf", w.Bytes())
}

func (h *TrackFragmentHeader) marshal() []byte {
	w := bits.NewBufferWriter(32)
	w.AppendInt(h.TrackID)
	if h.Flags&TfhdBaseDataOffsetPresent != 0 {
		w.AppendInt(h.BaseDataOffset)
	}
	if h.Flags&TfhdDefaultSampleDurationPresent != 0 {
		w.AppendInt(h.DefaultSampleDuration)
	}
	if h.Flags&TfhdDefaultSampleSizePresent != 0 {
		w.AppendInt(h.DefaultSampleSize)
	}
	if h.Flags&TfhdDefaultSampleFlagsPresent != 0 {
		w.AppendInt(h.DefaultSampleFlags)
	}
	return WrapFullBox("tfhd", 0, h.Flags, w.Bytes())
}

func (r *TrackFragmentRun) marshal() []byte {
	version := uint8(0)
	for _, e := range r.Entries {
		if e.CTSOffset < 0 {
			version = 1
		}
	}
	w := bits.NewBufferWriter(16 + 16*len(r.Entries))
	w.AppendInt(uint32(len(r.Entries)))
	if r.Flags&TrunDataOffsetPresent != 0 {
		w.AppendInt(int32(r.DataOffset))
	}
	if r.Flags&TrunFirstSampleFlagsPresent != 0 {
		w.AppendInt(r.FirstSampleFlags)
	}
	for _, e := range r.Entries {
		if r.Flags&TrunSampleDurationPresent != 0 {
			w.AppendInt(e.Duration)
		}
		if r.Flags&TrunSampleSizePresent != 0 {
			w.AppendInt(e.Size)
		}
		if r.Flags&TrunSampleFlagsPresent != 0 {
			w.AppendInt(e.Flags)
		}
		if r.Flags&TrunSampleCTSOffsetPresent != 0 {
			if version == 1 {
				w.AppendInt(int32(e.CTSOffset))
			} else {
				w.AppendInt(uint32(e.CTSOffset))
			}
		}
	}
	return WrapFullBox("trun", version, r.Flags, w.Bytes())
}

func (s *SampleAuxiliaryInfoSizes) marshal() []byte {
	w := bits.NewBufferWriter(8 + len(s.Sizes))
	w.AppendInt(s.DefaultSampleInfoSize)
	w.AppendInt(s.SampleCount)
	if s.DefaultSampleInfoSize == 0 {
		w.AppendBytes(s.Sizes)
	}
	return WrapFullBox("saiz", 0, 0, w.Bytes())
}

func (s *SampleAuxiliaryInfoOffsets) marshal() []byte {
	version := uint8(0)
	for _, o := range s.Offsets {
		if o > math.MaxUint32 {
			version = 1
		}
	}
	w := bits.NewBufferWriter(8 + 8*len(s.Offsets))
	w.AppendInt(uint32(len(s.Offsets)))
	for _, o := range s.Offsets {
		if version == 1 {
			w.AppendInt(o)
		} else {
			w.AppendInt(uint32(o))
		}
	}
	return WrapFullBox("saio", version, 0, w.Bytes())
}

// Marshal emits the senc box.
func (s *SampleEncryption) Marshal() []byte {
	flags := uint32(0)
	for _, e := range s.Entries {
		if len(e.Subsamples) > 0 {
			flags |= SencSubsamplesPresent
		}
	}
	w := bits.NewBufferWriter(64)
	w.AppendInt(uint32(len(s.Entries)))
	for _, e := range s.Entries {
		w.AppendBytes(e.IV)
		if flags&SencSubsamplesPresent != 0 {
			w.AppendInt(uint16(len(e.Subsamples)))
			for _, sub := range e.Subsamples {
				w.AppendInt(sub.ClearBytes)
				w.AppendInt(sub.CipherBytes)
			}
		}
	}
	return WrapFullBox("senc", 0, flags, w.Bytes())
}

// UnmarshalSenc parses a senc payload; ivSize comes from tenc.
func UnmarshalSenc(payload []byte, ivSize uint8) (*SampleEncryption, error) {
	r := bits.NewBufferReader(payload)
	_, flags, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	var count uint32
	if !r.Read4(&count) {
		return nil, status.New(status.ParserFailure, "truncated senc")
	}
	s := &SampleEncryption{PerSampleIVSize: ivSize}
	for i := uint32(0); i < count; i++ {
		e := SencEntry{IV: make([]byte, ivSize)}
		if !r.ReadBytes(e.IV) {
			return nil, status.New(status.ParserFailure, "truncated senc iv")
		}
		if flags&SencSubsamplesPresent != 0 {
			var subCount uint16
			if !r.Read2(&subCount) {
				return nil, status.New(status.ParserFailure, "truncated senc")
			}
			for j := uint16(0); j < subCount; j++ {
				var sub SencSubsample
				if !r.Read2(&sub.ClearBytes) || !r.Read4(&sub.CipherBytes) {
					return nil, status.New(status.ParserFailure, "truncated senc subsample")
				}
				e.Subsamples = append(e.Subsamples, sub)
			}
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}

func (s *SampleToGroup) marshal() []byte {
	w := bits.NewBufferWriter(12 + 8*len(s.Entries))
	w.AppendString(s.GroupingType)
	w.AppendInt(uint32(len(s.Entries)))
	for _, e := range s.Entries {
		w.AppendInt(e.SampleCount)
		w.AppendInt(e.GroupDescriptionIndex)
	}
	return WrapFullBox("sbgp", 0, 0, w.Bytes())
}

func unmarshalSbgp(payload []byte) (*SampleToGroup, error) {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	s := &SampleToGroup{}
	gt := make([]byte, 4)
	if !r.ReadBytes(gt) {
		return nil, status.New(status.ParserFailure, "truncated sbgp")
	}
	s.GroupingType = string(gt)
	if version == 1 {
		r.SkipBytes(4) // grouping_type_parameter
	}
	var count uint32
	if !r.Read4(&count) {
		return nil, status.New(status.ParserFailure, "truncated sbgp")
	}
	for i := uint32(0); i < count; i++ {
		var e SampleToGroupEntry
		if !r.Read4(&e.SampleCount) || !r.Read4(&e.GroupDescriptionIndex) {
			return nil, status.New(status.ParserFailure, "truncated sbgp entry")
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}

const seigEntrySize = 20

func (s *SampleGroupDescription) marshal() []byte {
	w := bits.NewBufferWriter(12 + seigEntrySize*len(s.CencEntries))
	w.AppendString(s.GroupingType)
	w.AppendInt(uint32(seigEntrySize)) // default_length
	w.AppendInt(uint32(len(s.CencEntries)))
	for _, e := range s.CencEntries {
		w.AppendInt(uint8(0)) // reserved
		w.AppendInt(uint8(0)) // crypt_byte_block / skip_byte_block
		if e.IsProtected {
			w.AppendInt(uint8(1))
		} else {
			w.AppendInt(uint8(0))
		}
		w.AppendInt(e.PerSampleIVSize)
		w.AppendBytes(e.KeyID)
	}
	return WrapFullBox("sgpd", 1, 0, w.Bytes())
}

func unmarshalSgpd(payload []byte) (*SampleGroupDescription, error) {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	s := &SampleGroupDescription{}
	gt := make([]byte, 4)
	if !r.ReadBytes(gt) {
		return nil, status.New(status.ParserFailure, "truncated sgpd")
	}
	s.GroupingType = string(gt)
	defaultLength := uint32(0)
	if version >= 1 {
		if !r.Read4(&defaultLength) {
			return nil, status.New(status.ParserFailure, "truncated sgpd")
		}
	}
	var count uint32
	if !r.Read4(&count) {
		return nil, status.New(status.ParserFailure, "truncated sgpd")
	}
	if s.GroupingType != "seig" {
		return s, nil
	}
	for i := uint32(0); i < count; i++ {
		length := defaultLength
		if version >= 1 && defaultLength == 0 {
			if !r.Read4(&length) {
				return nil, status.New(status.ParserFailure, "truncated sgpd entry")
			}
		}
		if length < seigEntrySize {
			return nil, status.Newf(status.ParserFailure, "seig entry length %d too small", length)
		}
		var reserved, pattern, protected uint8
		var e CencSampleEncryptionInfoEntry
		if !r.Read1(&reserved) || !r.Read1(&pattern) || !r.Read1(&protected) || !r.Read1(&e.PerSampleIVSize) {
			return nil, status.New(status.ParserFailure, "truncated sgpd entry")
		}
		e.IsProtected = protected != 0
		e.KeyID = make([]byte, 16)
		if !r.ReadBytes(e.KeyID) {
			return nil, status.New(status.ParserFailure, "truncated sgpd entry")
		}
		r.SkipBytes(int(length) - seigEntrySize)
		s.CencEntries = append(s.CencEntries, e)
	}
	return s, nil
}

// UnmarshalMovieFragment parses a moof payload. Senc boxes need the tenc IV
// size; ivSizeByTrack supplies it per track id.
func UnmarshalMovieFragment(payload []byte, ivSizeByTrack map[uint32]uint8) (*MovieFragment, error) {
	children, err := SplitChildren(payload)
	if err != nil {
		return nil, err
	}
	m := &MovieFragment{}
	if mfhd := FindChild(children, "mfhd"); len(mfhd) >= 8 {
		m.SequenceNumber = uint32(mfhd[4])<<24 | uint32(mfhd[5])<<16 | uint32(mfhd[6])<<8 | uint32(mfhd[7])
	}
	for _, traf := range FindChildren(children, "traf") {
		t, err := unmarshalTraf(traf, ivSizeByTrack)
		if err != nil {
			return nil, err
		}
		m.Tracks = append(m.Tracks, t)
	}
	return m, nil
}

func unmarshalTraf(payload []byte, ivSizeByTrack map[uint32]uint8) (*TrackFragment, error) {
	children, err := SplitChildren(payload)
	if err != nil {
		return nil, err
	}
	t := &TrackFragment{}
	tfhd := FindChild(children, "tfhd")
	if tfhd == nil {
		return nil, status.New(status.ParserFailure, "traf missing tfhd")
	}
	if err := t.Header.unmarshal(tfhd); err != nil {
		return nil, err
	}
	if tfdt := FindChild(children, "tfdt"); tfdt != nil {
		r := bits.NewBufferReader(tfdt)
		version, _, err := ReadFullBoxHeader(r)
		if err != nil {
			return nil, err
		}
		t.HasTfdt = true
		if version == 1 {
			if !r.Read8(&t.DecodeTime) {
				return nil, status.New(status.ParserFailure, "truncated tfdt")
			}
		} else {
			var v uint32
			if !r.Read4(&v) {
				return nil, status.New(status.ParserFailure, "truncated tfdt")
			}
			t.DecodeTime = uint64(v)
		}
	}
	for _, trun := range FindChildren(children, "trun") {
		run, err := unmarshalTrun(trun)
		if err != nil {
			return nil, err
		}
		t.Runs = append(t.Runs, run)
	}
	if saiz := FindChild(children, "saiz"); saiz != nil {
		s, err := unmarshalSaiz(saiz)
		if err != nil {
			return nil, err
		}
		t.Saiz = s
	}
	if saio := FindChild(children, "saio"); saio != nil {
		s, err := unmarshalSaio(saio)
		if err != nil {
			return nil, err
		}
		t.Saio = s
	}
	if senc := FindChild(children, "senc"); senc != nil {
		ivSize := ivSizeByTrack[t.Header.TrackID]
		s, err := UnmarshalSenc(senc, ivSize)
		if err != nil {
			return nil, err
		}
		t.Senc = s
	}
	if sbgp := FindChild(children, "sbgp"); sbgp != nil {
		s, err := unmarshalSbgp(sbgp)
		if err != nil {
			return nil, err
		}
		t.Sbgp = s
	}
	if sgpd := FindChild(children, "sgpd"); sgpd != nil {
		s, err := unmarshalSgpd(sgpd)
		if err != nil {
			return nil, err
		}
		t.Sgpd = s
	}
	return t, nil
}

func (h *TrackFragmentHeader) unmarshal(payload []byte) error {
	r := bits.NewBufferReader(payload)
	_, flags, err := ReadFullBoxHeader(r)
	if err != nil {
		return err
	}
	h.Flags = flags
	if !r.Read4(&h.TrackID) {
		return status.New(status.ParserFailure, "truncated tfhd")
	}
	if flags&TfhdBaseDataOffsetPresent != 0 {
		if !r.Read8(&h.BaseDataOffset) {
			return status.New(status.ParserFailure, "truncated tfhd")
		}
	}
	if flags&0x000002 != 0 { // sample-description-index-present
		r.SkipBytes(4)
	}
	if flags&TfhdDefaultSampleDurationPresent != 0 {
		if !r.Read4(&h.DefaultSampleDuration) {
			return status.New(status.ParserFailure, "truncated tfhd")
		}
	}
	if flags&TfhdDefaultSampleSizePresent != 0 {
		if !r.Read4(&h.DefaultSampleSize) {
			return status.New(status.ParserFailure, "truncated tfhd")
		}
	}
	if flags&TfhdDefaultSampleFlagsPresent != 0 {
		if !r.Read4(&h.DefaultSampleFlags) {
			return status.New(status.ParserFailure, "truncated tfhd")
		}
	}
	return nil
}

func unmarshalTrun(payload []byte) (*TrackFragmentRun, error) {
	r := bits.NewBufferReader(payload)
	version, flags, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	run := &TrackFragmentRun{Flags: flags}
	var count uint32
	if !r.Read4(&count) {
		return nil, status.New(status.ParserFailure, "truncated trun")
	}
	if flags&TrunDataOffsetPresent != 0 {
		var v int32
		if !r.Read4s(&v) {
			return nil, status.New(status.ParserFailure, "truncated trun")
		}
		run.DataOffset = int64(v)
	}
	if flags&TrunFirstSampleFlagsPresent != 0 {
		if !r.Read4(&run.FirstSampleFlags) {
			return nil, status.New(status.ParserFailure, "truncated trun")
		}
	}
	for i := uint32(0); i < count; i++ {
		var e TrunEntry
		if flags&TrunSampleDurationPresent != 0 {
			if !r.Read4(&e.Duration) {
				return nil, status.New(status.ParserFailure, "truncated trun entry")
			}
		}
		if flags&TrunSampleSizePresent != 0 {
			if !r.Read4(&e.Size) {
				return nil, status.New(status.ParserFailure, "truncated trun entry")
			}
		}
		if flags&TrunSampleFlagsPresent != 0 {
			if !r.Read4(&e.Flags) {
				return nil, status.New(status.ParserFailure, "truncated trun entry")
			}
		}
		if flags&TrunSampleCTSOffsetPresent != 0 {
			if version == 0 {
				var v uint32
				if !r.Read4(&v) {
					return nil, status.New(status.ParserFailure, "truncated trun entry")
				}
				e.CTSOffset = int64(v)
			} else {
				var v int32
				if !r.Read4s(&v) {
					return nil, status.New(status.ParserFailure, "truncated trun entry")
				}
				e.CTSOffset = int64(v)
			}
		}
		run.Entries = append(run.Entries, e)
	}
	return run, nil
}

func unmarshalSaiz(payload []byte) (*SampleAuxiliaryInfoSizes, error) {
	r := bits.NewBufferReader(payload)
	_, flags, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	if flags&1 != 0 {
		r.SkipBytes(8) // aux_info_type + parameter
	}
	s := &SampleAuxiliaryInfoSizes{}
	if !r.Read1(&s.DefaultSampleInfoSize) || !r.Read4(&s.SampleCount) {
		return nil, status.New(status.ParserFailure, "truncated saiz")
	}
	if s.DefaultSampleInfoSize == 0 {
		s.Sizes = make([]uint8, s.SampleCount)
		if !r.ReadBytes(s.Sizes) {
			return nil, status.New(status.ParserFailure, "truncated saiz sizes")
		}
	}
	return s, nil
}

func unmarshalSaio(payload []byte) (*SampleAuxiliaryInfoOffsets, error) {
	r := bits.NewBufferReader(payload)
	version, flags, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	if flags&1 != 0 {
		r.SkipBytes(8)
	}
	var count uint32
	if !r.Read4(&count) {
		return nil, status.New(status.ParserFailure, "truncated saio")
	}
	s := &SampleAuxiliaryInfoOffsets{}
	for i := uint32(0); i < count; i++ {
		var v uint64
		if version == 1 {
			if !r.Read8(&v) {
				return nil, status.New(status.ParserFailure, "truncated saio")
			}
		} else {
			var v32 uint32
			if !r.Read4(&v32) {
				return nil, status.New(status.ParserFailure, "truncated saio")
			}
			v = uint64(v32)
		}
		s.Offsets = append(s.Offsets, v)
	}
	return s, nil
}

// SegmentReference is one sidx reference.
type SegmentReference struct {
	ReferenceType      bool // true: references another sidx
	ReferencedSize     uint32
	SubsegmentDuration uint32
	StartsWithSAP      bool
	SAPType            uint8
	SAPDeltaTime       uint32

	// Bookkeeping, not serialized.
	EarliestPresentationTime uint64
	FirstSAPTime             uint64
	HasSAPTime               bool
}

// SegmentIndex is sidx.
type SegmentIndex struct {
	ReferenceID              uint32
	Timescale                uint32
	EarliestPresentationTime uint64
	FirstOffset              uint64
	References               []SegmentReference
}

// Marshal emits the sidx box.
func (s *SegmentIndex) Marshal() []byte {
	version := uint8(0)
	if !fits32(s.EarliestPresentationTime) || !fits32(s.FirstOffset) {
		version = 1
	}
	w := bits.NewBufferWriter(32 + 12*len(s.References))
	w.AppendInt(s.ReferenceID)
	w.AppendInt(s.Timescale)
	if version == 1 {
		w.AppendInt(s.EarliestPresentationTime)
		w.AppendInt(s.FirstOffset)
	} else {
		w.AppendInt(uint32(s.EarliestPresentationTime))
		w.AppendInt(uint32(s.FirstOffset))
	}
	w.AppendInt(uint16(0)) // reserved
	w.AppendInt(uint16(len(s.References)))
	for _, ref := range s.References {
		first := ref.ReferencedSize & 0x7FFFFFFF
		if ref.ReferenceType {
			first |= 0x80000000
		}
		w.AppendInt(first)
		w.AppendInt(ref.SubsegmentDuration)
		last := ref.SAPDeltaTime & 0x0FFFFFFF
		last |= uint32(ref.SAPType&0x07) << 28
		if ref.StartsWithSAP {
			last |= 0x80000000
		}
		w.AppendInt(last)
	}
	return WrapFullBox("sidx", version, 0, w.Bytes())
}

// UnmarshalSidx parses a sidx payload.
func UnmarshalSidx(payload []byte) (*SegmentIndex, error) {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	s := &SegmentIndex{}
	if !r.Read4(&s.ReferenceID) || !r.Read4(&s.Timescale) {
		return nil, status.New(status.ParserFailure, "truncated sidx")
	}
	if version == 1 {
		if !r.Read8(&s.EarliestPresentationTime) || !r.Read8(&s.FirstOffset) {
			return nil, status.New(status.ParserFailure, "truncated sidx")
		}
	} else {
		var ept, fo uint32
		if !r.Read4(&ept) || !r.Read4(&fo) {
			return nil, status.New(status.ParserFailure, "truncated sidx")
		}
		s.EarliestPresentationTime = uint64(ept)
		s.FirstOffset = uint64(fo)
	}
	var reserved, count uint16
	if !r.Read2(&reserved) || !r.Read2(&count) {
		return nil, status.New(status.ParserFailure, "truncated sidx")
	}
	for i := uint16(0); i < count; i++ {
		var first, dur, last uint32
		if !r.Read4(&first) || !r.Read4(&dur) || !r.Read4(&last) {
			return nil, status.New(status.ParserFailure, "truncated sidx reference")
		}
		s.References = append(s.References, SegmentReference{
			ReferenceType:      first&0x80000000 != 0,
			ReferencedSize:     first & 0x7FFFFFFF,
			SubsegmentDuration: dur,
			StartsWithSAP:      last&0x80000000 != 0,
			SAPType:            uint8(last >> 28 & 0x07),
			SAPDeltaTime:       last & 0x0FFFFFFF,
		})
	}
	return s, nil
}
