package mp4

import (
	"math"

	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// FileType is ftyp/styp.
type FileType struct {
	MajorBrand   string
	MinorVersion uint32
	Brands       []string
}

// Marshal emits the box under the given fourcc ("ftyp" or "styp").
func (f *FileType) Marshal(fourcc string) []byte {
	w := bits.NewBufferWriter(16 + 4*len(f.Brands))
	w.AppendString(f.MajorBrand)
	w.AppendInt(f.MinorVersion)
	for _, b := range f.Brands {
		w.AppendString(b)
	}
	return WrapBox(fourcc, w.Bytes())
}

// UnmarshalFileType parses an ftyp/styp payload.
func UnmarshalFileType(payload []byte) (*FileType, error) {
	if len(payload) < 8 {
		return nil, status.New(status.ParserFailure, "truncated ftyp")
	}
	f := &FileType{
		MajorBrand:   string(payload[0:4]),
		MinorVersion: uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7]),
	}
	for rest := payload[8:]; len(rest) >= 4; rest = rest[4:] {
		f.Brands = append(f.Brands, string(rest[0:4]))
	}
	return f, nil
}

// Movie is the moov tree, reduced to the fields the packager uses.
type Movie struct {
	Header  MovieHeader
	Tracks  []*Track
	Extends *MovieExtends
	Pssh    []ProtectionSystemSpecificHeader
}

// MovieHeader is mvhd.
type MovieHeader struct {
	Timescale   uint32
	Duration    uint64
	NextTrackID uint32
}

// MovieExtends is mvex.
type MovieExtends struct {
	Duration uint64 // mehd; 0 means absent
	Tracks   []TrackExtends
}

// TrackExtends is trex.
type TrackExtends struct {
	TrackID               uint32
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
	DefaultSampleFlags    uint32
}

// Track is trak.
type Track struct {
	Header   TrackHeader
	EditList []EditListEntry
	Media    Media
}

// TrackHeader is tkhd.
type TrackHeader struct {
	TrackID  uint32
	Duration uint64
	Width    uint32 // integer pixels; stored as 16.16
	Height   uint32
	Volume   uint16 // 8.8; 0x0100 for audio
}

// EditListEntry is one elst row.
type EditListEntry struct {
	SegmentDuration uint64
	MediaTime       int64
	MediaRate       uint16
}

// Media is mdia.
type Media struct {
	Header      MediaHeader
	HandlerType string // vide, soun, text
	SampleTable SampleTable
}

// MediaHeader is mdhd.
type MediaHeader struct {
	Timescale uint32
	Duration  uint64
	Language  string
}

// SampleTable is stbl, with the fragmented-file case leaving the tables
// empty.
type SampleTable struct {
	Descriptions      []*SampleEntry
	TimeToSample      []TimeToSampleEntry
	CompositionOffset []CompositionOffsetEntry
	SyncSamples       []uint32 // 1-based; nil means every sample syncs
	HasSyncSampleBox  bool
	SampleToChunk     []SampleToChunkEntry
	SampleSizes       []uint32
	ChunkOffsets      []uint64
}

// TimeToSampleEntry is one stts row.
type TimeToSampleEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// CompositionOffsetEntry is one ctts row; offsets are signed (version 1).
type CompositionOffsetEntry struct {
	SampleCount  uint32
	SampleOffset int64
}

// SampleToChunkEntry is one stsc row.
type SampleToChunkEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// ProtectionSystemSpecificHeader is pssh.
type ProtectionSystemSpecificHeader struct {
	SystemID []byte // 16 bytes
	KeyIDs   [][]byte
	Data     []byte
}

// Marshal emits the pssh box, version 1 when key ids are present.
func (p *ProtectionSystemSpecificHeader) Marshal() []byte {
	w := bits.NewBufferWriter(64)
	w.AppendBytes(p.SystemID)
	version := uint8(0)
	if len(p.KeyIDs) > 0 {
		version = 1
	}
	if version == 1 {
		w.AppendInt(uint32(len(p.KeyIDs)))
		for _, kid := range p.KeyIDs {
			w.AppendBytes(kid)
		}
	}
	w.AppendInt(uint32(len(p.Data)))
	w.AppendBytes(p.Data)
	return WrapFullBox("pssh", version, 0, w.Bytes())
}

// UnmarshalPssh parses a pssh payload (after the box header).
func UnmarshalPssh(payload []byte) (*ProtectionSystemSpecificHeader, error) {
	r := bits.NewBufferReader(payload)
	version, _, err := ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	p := &ProtectionSystemSpecificHeader{SystemID: make([]byte, 16)}
	if !r.ReadBytes(p.SystemID) {
		return nil, status.New(status.ParserFailure, "truncated pssh")
	}
	if version > 0 {
		var count uint32
		if !r.Read4(&count) {
			return nil, status.New(status.ParserFailure, "truncated pssh")
		}
		for i := uint32(0); i < count; i++ {
			kid := make([]byte, 16)
			if !r.ReadBytes(kid) {
				return nil, status.New(status.ParserFailure, "truncated pssh key id")
			}
			p.KeyIDs = append(p.KeyIDs, kid)
		}
	}
	var dataSize uint32
	if !r.Read4(&dataSize) {
		return nil, status.New(status.ParserFailure, "truncated pssh")
	}
	p.Data = make([]byte, dataSize)
	if !r.ReadBytes(p.Data) {
		return nil, status.New(status.ParserFailure, "truncated pssh data")
	}
	return p, nil
}

func packLanguage(lang string) uint16 {
	if len(lang) != 3 {
		lang = "und"
	}
	var code uint16
	for i := 0; i < 3; i++ {
		c := lang[i]
		if c < 0x60 || c > 0x7F {
			c = 'u'
		}
		code = code<<5 | uint16(c-0x60)
	}
	return code
}

func unpackLanguage(code uint16) string {
	return string([]byte{
		byte((code>>10)&0x1F) + 0x60,
		byte((code>>5)&0x1F) + 0x60,
		byte(code&0x1F) + 0x60,
	})
}

const (
	// Sample flag words per ISO 14496-12 §8.8.3.
	SampleFlagSync    uint32 = 0x02000000 // depends_on=2 (I-frame)
	SampleFlagNonSync uint32 = 0x01010000 // depends_on=1, non_sync_sample=1
)

// fits32 reports whether v survives a 32-bit field.
func fits32(v uint64) bool { return v <= math.MaxUint32 }

// --- marshalling -----------------------------------------------------------

// Marshal emits the full moov box.
func (m *Movie) Marshal() []byte {
	w := bits.NewBufferWriter(1024)
	w.AppendBytes(m.Header.marshal())
	for _, t := range m.Tracks {
		w.AppendBytes(t.marshal())
	}
	if m.Extends != nil {
		w.AppendBytes(m.Extends.marshal())
	}
	for i := range m.Pssh {
		w.AppendBytes(m.Pssh[i].Marshal())
	}
	return WrapBox("moov", w.Bytes())
}

func (h *MovieHeader) marshal() []byte {
	w := bits.NewBufferWriter(108)
	version := uint8(0)
	if !fits32(h.Duration) {
		version = 1
	}
	if version == 1 {
		w.AppendInt(uint64(0)) // creation_time
		w.AppendInt(uint64(0)) // modification_time
		w.AppendInt(h.Timescale)
		w.AppendInt(h.Duration)
	} else {
		w.AppendInt(uint32(0))
		w.AppendInt(uint32(0))
		w.AppendInt(h.Timescale)
		w.AppendInt(uint32(h.Duration))
	}
	w.AppendInt(uint32(0x00010000)) // rate
	w.AppendInt(uint16(0x0100))    // volume
	w.AppendInt(uint16(0))         // reserved
	w.AppendInt(uint64(0))         // reserved
	// Unity matrix.
	for _, v := range [9]uint32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000} {
		w.AppendInt(v)
	}
	for i := 0; i < 6; i++ { // pre_defined
		w.AppendInt(uint32(0))
	}
	w.AppendInt(h.NextTrackID)
	return WrapFullBox("mvhd", version, 0, w.Bytes())
}

func (t *Track) marshal() []byte {
	w := bits.NewBufferWriter(512)
	w.AppendBytes(t.Header.marshal())
	if len(t.EditList) > 0 {
		w.AppendBytes(WrapBox("edts", marshalEditList(t.EditList)))
	}
	w.AppendBytes(t.Media.marshal())
	return WrapBox("trak", w.Bytes())
}

func (h *TrackHeader) marshal() []byte {
	w := bits.NewBufferWriter(92)
	version := uint8(0)
	if !fits32(h.Duration) {
		version = 1
	}
	// flags: track_enabled | track_in_movie.
	if version == 1 {
		w.AppendInt(uint64(0))
		w.AppendInt(uint64(0))
		w.AppendInt(h.TrackID)
		w.AppendInt(uint32(0)) // reserved
		w.AppendInt(h.Duration)
	} else {
		w.AppendInt(uint32(0))
		w.AppendInt(uint32(0))
		w.AppendInt(h.TrackID)
		w.AppendInt(uint32(0))
		w.AppendInt(uint32(h.Duration))
	}
	w.AppendInt(uint64(0)) // reserved
	w.AppendInt(uint16(0)) // layer
	w.AppendInt(uint16(0)) // alternate_group
	w.AppendInt(h.Volume)
	w.AppendInt(uint16(0)) // reserved
	for _, v := range [9]uint32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000} {
		w.AppendInt(v)
	}
	w.AppendInt(h.Width << 16)
	w.AppendInt(h.Height << 16)
	return WrapFullBox("tkhd", version, 0x000003, w.Bytes())
}

func marshalEditList(entries []EditListEntry) []byte {
	version := uint8(0)
	for _, e := range entries {
		if !fits32(e.SegmentDuration) || e.MediaTime > math.MaxInt32 || e.MediaTime < math.MinInt32 {
			version = 1
		}
	}
	w := bits.NewBufferWriter(16 * len(entries))
	w.AppendInt(uint32(len(entries)))
	for _, e := range entries {
		if version == 1 {
			w.AppendInt(e.SegmentDuration)
			w.AppendInt(e.MediaTime)
		} else {
			w.AppendInt(uint32(e.SegmentDuration))
			w.AppendInt(int32(e.MediaTime))
		}
		w.AppendInt(e.MediaRate)
		w.AppendInt(uint16(0))
	}
	return WrapFullBox("elst", version, 0, w.Bytes())
}

func (m *Media) marshal() []byte {
	w := bits.NewBufferWriter(512)
	w.AppendBytes(m.Header.marshal())
	w.AppendBytes(marshalHandler(m.HandlerType))
	w.AppendBytes(m.marshalMinf())
	return WrapBox("mdia", w.Bytes())
}

func (h *MediaHeader) marshal() []byte {
	w := bits.NewBufferWriter(32)
	version := uint8(0)
	if !fits32(h.Duration) {
		version = 1
	}
	if version == 1 {
		w.AppendInt(uint64(0))
		w.AppendInt(uint64(0))
		w.AppendInt(h.Timescale)
		w.AppendInt(h.Duration)
	} else {
		w.AppendInt(uint32(0))
		w.AppendInt(uint32(0))
		w.AppendInt(h.Timescale)
		w.AppendInt(uint32(h.Duration))
	}
	w.AppendInt(packLanguage(h.Language))
	w.AppendInt(uint16(0)) // pre_defined
	return WrapFullBox("mdhd", version, 0, w.Bytes())
}

func marshalHandler(handlerType string) []byte {
	w := bits.NewBufferWriter(32)
	w.AppendInt(uint32(0)) // pre_defined
	w.AppendString(handlerType)
	for i := 0; i < 3; i++ {
		w.AppendInt(uint32(0))
	}
	w.AppendInt(uint8(0)) // empty name
	return WrapFullBox("hdlr", 0, 0, w.Bytes())
}

func (m *Media) marshalMinf() []byte {
	w := bits.NewBufferWriter(512)
	switch m.HandlerType {
	case "vide":
		vmhd := bits.NewBufferWriter(8)
		vmhd.AppendInt(uint16(0)) // graphicsmode
		for i := 0; i < 3; i++ {
			vmhd.AppendInt(uint16(0)) // opcolor
		}
		w.AppendBytes(WrapFullBox("vmhd", 0, 1, vmhd.Bytes()))
	case "soun":
		smhd := bits.NewBufferWriter(4)
		smhd.AppendInt(uint16(0)) // balance
		smhd.AppendInt(uint16(0))
		w.AppendBytes(WrapFullBox("smhd", 0, 0, smhd.Bytes()))
	default:
		w.AppendBytes(WrapFullBox("nmhd", 0, 0, nil))
	}
	// dinf/dref with one self-contained url entry.
	url := WrapFullBox("url ", 0, 1, nil)
	dref := bits.NewBufferWriter(16)
	dref.AppendInt(uint32(1))
	dref.AppendBytes(url)
	w.AppendBytes(WrapBox("dinf", WrapFullBox("dref", 0, 0, dref.Bytes())))
	w.AppendBytes(m.SampleTable.marshal())
	return WrapBox("minf", w.Bytes())
}

func (s *SampleTable) marshal() []byte {
	w := bits.NewBufferWriter(1024)

	stsd := bits.NewBufferWriter(256)
	stsd.AppendInt(uint32(len(s.Descriptions)))
	for _, d := range s.Descriptions {
		stsd.AppendBytes(d.Marshal())
	}
	w.AppendBytes(WrapFullBox("stsd", 0, 0, stsd.Bytes()))

	stts := bits.NewBufferWriter(8 * len(s.TimeToSample))
	stts.AppendInt(uint32(len(s.TimeToSample)))
	for _, e := range s.TimeToSample {
		stts.AppendInt(e.SampleCount)
		stts.AppendInt(e.SampleDelta)
	}
	w.AppendBytes(WrapFullBox("stts", 0, 0, stts.Bytes()))

	if len(s.CompositionOffset) > 0 {
		version := uint8(0)
		for _, e := range s.CompositionOffset {
			if e.SampleOffset < 0 {
				version = 1
			}
		}
		ctts := bits.NewBufferWriter(8 * len(s.CompositionOffset))
		ctts.AppendInt(uint32(len(s.CompositionOffset)))
		for _, e := range s.CompositionOffset {
			ctts.AppendInt(e.SampleCount)
			if version == 1 {
				ctts.AppendInt(int32(e.SampleOffset))
			} else {
				ctts.AppendInt(uint32(e.SampleOffset))
			}
		}
		w.AppendBytes(WrapFullBox("ctts", version, 0, ctts.Bytes()))
	}

	if s.HasSyncSampleBox {
		stss := bits.NewBufferWriter(4 * len(s.SyncSamples))
		stss.AppendInt(uint32(len(s.SyncSamples)))
		for _, n := range s.SyncSamples {
			stss.AppendInt(n)
		}
		w.AppendBytes(WrapFullBox("stss", 0, 0, stss.Bytes()))
	}

	stsc := bits.NewBufferWriter(12 * len(s.SampleToChunk))
	stsc.AppendInt(uint32(len(s.SampleToChunk)))
	for _, e := range s.SampleToChunk {
		stsc.AppendInt(e.FirstChunk)
		stsc.AppendInt(e.SamplesPerChunk)
		stsc.AppendInt(e.SampleDescriptionIndex)
	}
	w.AppendBytes(WrapFullBox("stsc", 0, 0, stsc.Bytes()))

	w.AppendBytes(s.marshalSampleSizes())
	w.AppendBytes(s.marshalChunkOffsets())
	return WrapBox("stbl", w.Bytes())
}

// marshalSampleSizes picks stsz with a single size when every sample has the
// same size, else stz2 with 16-bit fields when every size fits 16 bits, else
// stsz with a full size table.
func (s *SampleTable) marshalSampleSizes() []byte {
	constSize := uint32(0)
	if len(s.SampleSizes) > 0 {
		constSize = s.SampleSizes[0]
		for _, v := range s.SampleSizes[1:] {
			if v != constSize {
				constSize = 0
				break
			}
		}
	}
	if constSize != 0 {
		w := bits.NewBufferWriter(8)
		w.AppendInt(constSize)
		w.AppendInt(uint32(len(s.SampleSizes)))
		return WrapFullBox("stsz", 0, 0, w.Bytes())
	}
	maxSize := uint32(0)
	for _, v := range s.SampleSizes {
		if v > maxSize {
			maxSize = v
		}
	}
	if maxSize <= math.MaxUint16 && len(s.SampleSizes) > 0 {
		w := bits.NewBufferWriter(8 + 2*len(s.SampleSizes))
		w.AppendInt(uint32(16)) // reserved(24) + field_size(8)
		w.AppendInt(uint32(len(s.SampleSizes)))
		for _, v := range s.SampleSizes {
			w.AppendInt(uint16(v))
		}
		return WrapFullBox("stz2", 0, 0, w.Bytes())
	}
	w := bits.NewBufferWriter(8 + 4*len(s.SampleSizes))
	w.AppendInt(uint32(0))
	w.AppendInt(uint32(len(s.SampleSizes)))
	for _, v := range s.SampleSizes {
		w.AppendInt(v)
	}
	return WrapFullBox("stsz", 0, 0, w.Bytes())
}

// marshalChunkOffsets picks stco, or co64 when the last offset needs it.
func (s *SampleTable) marshalChunkOffsets() []byte {
	needs64 := len(s.ChunkOffsets) > 0 && !fits32(s.ChunkOffsets[len(s.ChunkOffsets)-1])
	if needs64 {
		w := bits.NewBufferWriter(4 + 8*len(s.ChunkOffsets))
		w.AppendInt(uint32(len(s.ChunkOffsets)))
		for _, v := range s.ChunkOffsets {
			w.AppendInt(v)
		}
		return WrapFullBox("co64", 0, 0, w.Bytes())
	}
	w := bits.NewBufferWriter(4 + 4*len(s.ChunkOffsets))
	w.AppendInt(uint32(len(s.ChunkOffsets)))
	for _, v := range s.ChunkOffsets {
		w.AppendInt(uint32(v))
	}
	return WrapFullBox("stco", 0, 0, w.Bytes())
}

func (m *MovieExtends) marshal() []byte {
	w := bits.NewBufferWriter(64)
	if m.Duration > 0 {
		mehd := bits.NewBufferWriter(8)
		version := uint8(0)
		if !fits32(m.Duration) {
			version = 1
			mehd.AppendInt(m.Duration)
		} else {
			mehd.AppendInt(uint32(m.Duration))
		}
		w.AppendBytes(WrapFullBox("mehd", version, 0, mehd.Bytes()))
	}
	for _, t := range m.Tracks {
		trex := bits.NewBufferWriter(20)
		trex.AppendInt(t.TrackID)
		trex.AppendInt(uint32(1)) // default_sample_description_index
		trex.AppendInt(t.DefaultSampleDuration)
		trex.AppendInt(t.DefaultSampleSize)
		trex.AppendInt(t.DefaultSampleFlags)
		w.AppendBytes(WrapFullBox("trex", 0, 0, trex.Bytes()))
	}
	return WrapBox("mvex", w.Bytes())
}

// KindFromHandler maps an mdia handler type to a stream kind.
func KindFromHandler(handler string) media.StreamKind {
	switch handler {
	case "vide":
		return media.KindVideo
	case "soun":
		return media.KindAudio
	case "text", "subt", "sbtl":
		return media.KindText
	}
	return media.KindUnknown
}
