package mp4

import (
	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// UnmarshalMovie parses a moov payload.
func UnmarshalMovie(payload []byte) (*Movie, error) {
	children, err := SplitChildren(payload)
	if err != nil {
		return nil, err
	}
	m := &Movie{}
	mvhd := FindChild(children, "mvhd")
	if mvhd == nil {
		return nil, status.New(status.ParserFailure, "moov missing mvhd")
	}
	if err := m.Header.unmarshal(mvhd); err != nil {
		return nil, err
	}
	for _, trak := range FindChildren(children, "trak") {
		t, err := unmarshalTrack(trak)
		if err != nil {
			return nil, err
		}
		m.Tracks = append(m.Tracks, t)
	}
	if mvex := FindChild(children, "mvex"); mvex != nil {
		ext, err := unmarshalMovieExtends(mvex)
		if err != nil {
			return nil, err
		}
		m.Extends = ext
	}
	for _, pssh := range FindChildren(children, "pssh") {
		p, err := UnmarshalPssh(pssh)
		if err != nil {
			return nil, err
		}
		m.Pssh = append(m.Pssh, *p)
	}
	return m, nil
}

func (h *MovieHeader) unmarshal(payload []byte) error {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return err
	}
	if version == 1 {
		var t uint64
		if !r.Read8(&t) || !r.Read8(&t) || !r.Read4(&h.Timescale) || !r.Read8(&h.Duration) {
			return status.New(status.ParserFailure, "truncated mvhd")
		}
	} else {
		var t, d uint32
		if !r.Read4(&t) || !r.Read4(&t) || !r.Read4(&h.Timescale) || !r.Read4(&d) {
			return status.New(status.ParserFailure, "truncated mvhd")
		}
		h.Duration = uint64(d)
	}
	// rate(4) volume(2) reserved(10) matrix(36) pre_defined(24)
	if !r.SkipBytes(76) || !r.Read4(&h.NextTrackID) {
		return status.New(status.ParserFailure, "truncated mvhd")
	}
	return nil
}

func unmarshalTrack(payload []byte) (*Track, error) {
	children, err := SplitChildren(payload)
	if err != nil {
		return nil, err
	}
	t := &Track{}
	tkhd := FindChild(children, "tkhd")
	if tkhd == nil {
		return nil, status.New(status.ParserFailure, "trak missing tkhd")
	}
	if err := t.Header.unmarshal(tkhd); err != nil {
		return nil, err
	}
	if edts := FindChild(children, "edts"); edts != nil {
		edtsChildren, err := SplitChildren(edts)
		if err != nil {
			return nil, err
		}
		if elst := FindChild(edtsChildren, "elst"); elst != nil {
			if t.EditList, err = unmarshalEditList(elst); err != nil {
				return nil, err
			}
		}
	}
	mdia := FindChild(children, "mdia")
	if mdia == nil {
		return nil, status.New(status.ParserFailure, "trak missing mdia")
	}
	if err := t.Media.unmarshal(mdia); err != nil {
		return nil, err
	}
	return t, nil
}

func (h *TrackHeader) unmarshal(payload []byte) error {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return err
	}
	if version == 1 {
		var t uint64
		var reserved uint32
		if !r.Read8(&t) || !r.Read8(&t) || !r.Read4(&h.TrackID) ||
			!r.Read4(&reserved) || !r.Read8(&h.Duration) {
			return status.New(status.ParserFailure, "truncated tkhd")
		}
	} else {
		var t, d, reserved uint32
		if !r.Read4(&t) || !r.Read4(&t) || !r.Read4(&h.TrackID) ||
			!r.Read4(&reserved) || !r.Read4(&d) {
			return status.New(status.ParserFailure, "truncated tkhd")
		}
		h.Duration = uint64(d)
	}
	// reserved(8) layer(2) alternate_group(2)
	if !r.SkipBytes(12) {
		return status.New(status.ParserFailure, "truncated tkhd")
	}
	if !r.Read2(&h.Volume) {
		return status.New(status.ParserFailure, "truncated tkhd")
	}
	// reserved(2) matrix(36)
	if !r.SkipBytes(38) {
		return status.New(status.ParserFailure, "truncated tkhd")
	}
	var w32, h32 uint32
	if !r.Read4(&w32) || !r.Read4(&h32) {
		return status.New(status.ParserFailure, "truncated tkhd")
	}
	h.Width = w32 >> 16
	h.Height = h32 >> 16
	return nil
}

func unmarshalEditList(payload []byte) ([]EditListEntry, error) {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	var count uint32
	if !r.Read4(&count) {
		return nil, status.New(status.ParserFailure, "truncated elst")
	}
	out := make([]EditListEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e EditListEntry
		if version == 1 {
			if !r.Read8(&e.SegmentDuration) || !r.Read8s(&e.MediaTime) {
				return nil, status.New(status.ParserFailure, "truncated elst entry")
			}
		} else {
			var d uint32
			var mt int32
			if !r.Read4(&d) || !r.Read4s(&mt) {
				return nil, status.New(status.ParserFailure, "truncated elst entry")
			}
			e.SegmentDuration = uint64(d)
			e.MediaTime = int64(mt)
		}
		var pad uint16
		if !r.Read2(&e.MediaRate) || !r.Read2(&pad) {
			return nil, status.New(status.ParserFailure, "truncated elst entry")
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Media) unmarshal(payload []byte) error {
	children, err := SplitChildren(payload)
	if err != nil {
		return err
	}
	mdhd := FindChild(children, "mdhd")
	if mdhd == nil {
		return status.New(status.ParserFailure, "mdia missing mdhd")
	}
	if err := m.Header.unmarshal(mdhd); err != nil {
		return err
	}
	hdlr := FindChild(children, "hdlr")
	if len(hdlr) < 12 {
		return status.New(status.ParserFailure, "mdia missing hdlr")
	}
	m.HandlerType = string(hdlr[8:12])
	minf := FindChild(children, "minf")
	if minf == nil {
		return status.New(status.ParserFailure, "mdia missing minf")
	}
	minfChildren, err := SplitChildren(minf)
	if err != nil {
		return err
	}
	stbl := FindChild(minfChildren, "stbl")
	if stbl == nil {
		return status.New(status.ParserFailure, "minf missing stbl")
	}
	return m.SampleTable.unmarshal(stbl, KindFromHandler(m.HandlerType))
}

func (h *MediaHeader) unmarshal(payload []byte) error {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return err
	}
	if version == 1 {
		var t uint64
		if !r.Read8(&t) || !r.Read8(&t) || !r.Read4(&h.Timescale) || !r.Read8(&h.Duration) {
			return status.New(status.ParserFailure, "truncated mdhd")
		}
	} else {
		var t, d uint32
		if !r.Read4(&t) || !r.Read4(&t) || !r.Read4(&h.Timescale) || !r.Read4(&d) {
			return status.New(status.ParserFailure, "truncated mdhd")
		}
		h.Duration = uint64(d)
	}
	var lang uint16
	if !r.Read2(&lang) {
		return status.New(status.ParserFailure, "truncated mdhd")
	}
	h.Language = unpackLanguage(lang)
	return nil
}

func (s *SampleTable) unmarshal(payload []byte, kind media.StreamKind) error {
	children, err := SplitChildren(payload)
	if err != nil {
		return err
	}

	if stsd := FindChild(children, "stsd"); stsd != nil {
		r := bits.NewBufferReader(stsd)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var count uint32
		if !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated stsd")
		}
		entries, err := SplitChildren(stsd[r.Pos():])
		if err != nil {
			return err
		}
		for _, c := range entries {
			e, err := UnmarshalSampleEntry(c.Type, c.Payload, kind)
			if err != nil {
				return err
			}
			s.Descriptions = append(s.Descriptions, e)
		}
	}

	if stts := FindChild(children, "stts"); stts != nil {
		r := bits.NewBufferReader(stts)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var count uint32
		if !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated stts")
		}
		for i := uint32(0); i < count; i++ {
			var e TimeToSampleEntry
			if !r.Read4(&e.SampleCount) || !r.Read4(&e.SampleDelta) {
				return status.New(status.ParserFailure, "truncated stts entry")
			}
			s.TimeToSample = append(s.TimeToSample, e)
		}
	}

	if ctts := FindChild(children, "ctts"); ctts != nil {
		r := bits.NewBufferReader(ctts)
		version, _, err := ReadFullBoxHeader(r)
		if err != nil {
			return err
		}
		var count uint32
		if !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated ctts")
		}
		for i := uint32(0); i < count; i++ {
			var e CompositionOffsetEntry
			if !r.Read4(&e.SampleCount) {
				return status.New(status.ParserFailure, "truncated ctts entry")
			}
			if version == 1 {
				var v int32
				if !r.Read4s(&v) {
					return status.New(status.ParserFailure, "truncated ctts entry")
				}
				e.SampleOffset = int64(v)
			} else {
				var v uint32
				if !r.Read4(&v) {
					return status.New(status.ParserFailure, "truncated ctts entry")
				}
				e.SampleOffset = int64(v)
			}
			s.CompositionOffset = append(s.CompositionOffset, e)
		}
	}

	if stss := FindChild(children, "stss"); stss != nil {
		s.HasSyncSampleBox = true
		r := bits.NewBufferReader(stss)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var count uint32
		if !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated stss")
		}
		for i := uint32(0); i < count; i++ {
			var n uint32
			if !r.Read4(&n) {
				return status.New(status.ParserFailure, "truncated stss entry")
			}
			s.SyncSamples = append(s.SyncSamples, n)
		}
	}

	if stsc := FindChild(children, "stsc"); stsc != nil {
		r := bits.NewBufferReader(stsc)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var count uint32
		if !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated stsc")
		}
		for i := uint32(0); i < count; i++ {
			var e SampleToChunkEntry
			if !r.Read4(&e.FirstChunk) || !r.Read4(&e.SamplesPerChunk) || !r.Read4(&e.SampleDescriptionIndex) {
				return status.New(status.ParserFailure, "truncated stsc entry")
			}
			s.SampleToChunk = append(s.SampleToChunk, e)
		}
	}

	if stsz := FindChild(children, "stsz"); stsz != nil {
		r := bits.NewBufferReader(stsz)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var constSize, count uint32
		if !r.Read4(&constSize) || !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated stsz")
		}
		for i := uint32(0); i < count; i++ {
			size := constSize
			if constSize == 0 {
				if !r.Read4(&size) {
					return status.New(status.ParserFailure, "truncated stsz entry")
				}
			}
			s.SampleSizes = append(s.SampleSizes, size)
		}
	} else if stz2 := FindChild(children, "stz2"); stz2 != nil {
		r := bits.NewBufferReader(stz2)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var fieldInfo, count uint32
		if !r.Read4(&fieldInfo) || !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated stz2")
		}
		fieldSize := fieldInfo & 0xFF
		switch fieldSize {
		case 8:
			for i := uint32(0); i < count; i++ {
				var v uint8
				if !r.Read1(&v) {
					return status.New(status.ParserFailure, "truncated stz2 entry")
				}
				s.SampleSizes = append(s.SampleSizes, uint32(v))
			}
		case 16:
			for i := uint32(0); i < count; i++ {
				var v uint16
				if !r.Read2(&v) {
					return status.New(status.ParserFailure, "truncated stz2 entry")
				}
				s.SampleSizes = append(s.SampleSizes, uint32(v))
			}
		default:
			return status.Newf(status.Unimplemented, "stz2 field size %d", fieldSize)
		}
	}

	if stco := FindChild(children, "stco"); stco != nil {
		r := bits.NewBufferReader(stco)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var count uint32
		if !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated stco")
		}
		for i := uint32(0); i < count; i++ {
			var v uint32
			if !r.Read4(&v) {
				return status.New(status.ParserFailure, "truncated stco entry")
			}
			s.ChunkOffsets = append(s.ChunkOffsets, uint64(v))
		}
	} else if co64 := FindChild(children, "co64"); co64 != nil {
		r := bits.NewBufferReader(co64)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return err
		}
		var count uint32
		if !r.Read4(&count) {
			return status.New(status.ParserFailure, "truncated co64")
		}
		for i := uint32(0); i < count; i++ {
			var v uint64
			if !r.Read8(&v) {
				return status.New(status.ParserFailure, "truncated co64 entry")
			}
			s.ChunkOffsets = append(s.ChunkOffsets, v)
		}
	}
	return nil
}

func unmarshalMovieExtends(payload []byte) (*MovieExtends, error) {
	children, err := SplitChildren(payload)
	if err != nil {
		return nil, err
	}
	m := &MovieExtends{}
	if mehd := FindChild(children, "mehd"); mehd != nil {
		r := bits.NewBufferReader(mehd)
		version, _, err := ReadFullBoxHeader(r)
		if err != nil {
			return nil, err
		}
		if version == 1 {
			if !r.Read8(&m.Duration) {
				return nil, status.New(status.ParserFailure, "truncated mehd")
			}
		} else {
			var d uint32
			if !r.Read4(&d) {
				return nil, status.New(status.ParserFailure, "truncated mehd")
			}
			m.Duration = uint64(d)
		}
	}
	for _, trex := range FindChildren(children, "trex") {
		r := bits.NewBufferReader(trex)
		if _, _, err := ReadFullBoxHeader(r); err != nil {
			return nil, err
		}
		var t TrackExtends
		var descIdx uint32
		if !r.Read4(&t.TrackID) || !r.Read4(&descIdx) ||
			!r.Read4(&t.DefaultSampleDuration) || !r.Read4(&t.DefaultSampleSize) || !r.Read4(&t.DefaultSampleFlags) {
			return nil, status.New(status.ParserFailure, "truncated trex")
		}
		m.Tracks = append(m.Tracks, t)
	}
	return m, nil
}
