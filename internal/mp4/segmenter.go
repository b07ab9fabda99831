package mp4

import (
	"fmt"
	"strings"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/file"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// FinalizeAndMarshal patches the trun data offsets and saio offsets, then
// serializes the moof. Offsets assume the mdat immediately follows the moof
// (default-base-is-moof).
func (m *MovieFragment) FinalizeAndMarshal() []byte {
	total := len(m.Marshal())
	pos := 8 + 16 // moof header + mfhd
	for _, t := range m.Tracks {
		if t.Saio != nil && t.Senc != nil {
			inner := 8 + len(t.Header.marshal())
			if t.HasTfdt {
				inner += len(marshalTfdt(t.DecodeTime))
			}
			if t.Sbgp != nil {
				inner += len(t.Sbgp.marshal())
			}
			if t.Sgpd != nil {
				inner += len(t.Sgpd.marshal())
			}
			if t.Saiz != nil {
				inner += len(t.Saiz.marshal())
			}
			inner += len(t.Saio.marshal())
			// senc header + full box + sample count precede the first IV.
			t.Saio.Offsets = []uint64{uint64(pos + inner + 16)}
		}
		for _, run := range t.Runs {
			if run.Flags&TrunDataOffsetPresent != 0 {
				run.DataOffset = int64(total) + 8
			}
		}
		pos += len(t.marshal())
	}
	return m.Marshal()
}

func marshalTfdt(decodeTime uint64) []byte {
	w := make([]byte, 0, 8)
	if !fits32(decodeTime) {
		for i := 7; i >= 0; i-- {
			w = append(w, byte(decodeTime>>(8*uint(i))))
		}
		return WrapFullBox("tfdt", 1, 0, w)
	}
	for i := 3; i >= 0; i-- {
		w = append(w, byte(decodeTime>>(8*uint(i))))
	}
	return WrapFullBox("tfdt", 0, 0, w)
}

// ExpandSegmentTemplate substitutes $Number$, $Time$ and $Bandwidth$ tokens,
// including printf-style width specifiers like $Number%05d$. "$$" escapes a
// literal dollar sign.
func ExpandSegmentTemplate(template string, number uint32, time uint64, bandwidth uint32) string {
	var sb strings.Builder
	for i := 0; i < len(template); {
		if template[i] != '$' {
			sb.WriteByte(template[i])
			i++
			continue
		}
		end := strings.IndexByte(template[i+1:], '$')
		if end < 0 {
			sb.WriteString(template[i:])
			break
		}
		token := template[i+1 : i+1+end]
		i += end + 2
		name, format := token, "%d"
		if p := strings.IndexByte(token, '%'); p >= 0 {
			name, format = token[:p], token[p:]
		}
		switch name {
		case "":
			sb.WriteByte('$')
		case "Number":
			sb.WriteString(fmt.Sprintf(format, number))
		case "Time":
			sb.WriteString(fmt.Sprintf(format, time))
		case "Bandwidth":
			sb.WriteString(fmt.Sprintf(format, bandwidth))
		default:
			sb.WriteString("$" + token + "$")
		}
	}
	return sb.String()
}

// mergeReferences collapses a segment's fragment references into the single
// subsegment reference recorded in the sidx. The first known SAP type wins.
func mergeReferences(refs []SegmentReference) SegmentReference {
	merged := refs[0]
	for _, r := range refs[1:] {
		merged.ReferencedSize += r.ReferencedSize
		merged.SubsegmentDuration += r.SubsegmentDuration
		if !merged.HasSAPTime && r.HasSAPTime {
			merged.HasSAPTime = true
			merged.FirstSAPTime = r.FirstSAPTime
			merged.StartsWithSAP = true
			merged.SAPType = r.SAPType
		}
	}
	if merged.HasSAPTime {
		merged.SAPDeltaTime = uint32(merged.FirstSAPTime - merged.EarliestPresentationTime)
	}
	return merged
}

// Segmenter writes fragments into segments: one output file with a merged
// sidx (single-segment mode) or a template-named file per segment
// (multi-segment mode).
type Segmenter interface {
	Initialize(ftyp, moov []byte, timescale uint32) error
	// AddFragment appends serialized moof+mdat bytes and their reference to
	// the open segment.
	AddFragment(fragment []byte, ref SegmentReference) error
	// FinalizeSegment closes the open segment, returning the written file
	// name (empty in single-segment mode) and its size.
	FinalizeSegment(startTime, duration int64) (name string, size uint64, err error)
	// Finalize completes the output and returns the init/index ranges when
	// the mode has them.
	Finalize() (event.MediaRanges, error)
}

// SingleSegmentSegmenter streams fragments into a temp file and rewrites the
// final output as ftyp+moov+sidx+fragments once all references are known.
type SingleSegmentSegmenter struct {
	output   string
	tempDir  string
	header   []byte // ftyp+moov
	sidx     *SegmentIndex
	temp     file.File
	tempPath string
	segRefs  []SegmentReference
}

// NewSingleSegmentSegmenter writes the whole presentation to output.
func NewSingleSegmentSegmenter(output, tempDir string) *SingleSegmentSegmenter {
	return &SingleSegmentSegmenter{output: output, tempDir: tempDir}
}

// Initialize stores the header and opens the temp file.
func (s *SingleSegmentSegmenter) Initialize(ftyp, moov []byte, timescale uint32) error {
	s.header = append(append([]byte(nil), ftyp...), moov...)
	s.sidx = &SegmentIndex{ReferenceID: 1, Timescale: timescale}
	f, path, err := file.NewTemp(s.tempDir, "packager-seg-*.tmp")
	if err != nil {
		return err
	}
	s.temp = f
	s.tempPath = path
	return nil
}

// AddFragment appends the fragment to the temp file.
func (s *SingleSegmentSegmenter) AddFragment(fragment []byte, ref SegmentReference) error {
	if s.temp == nil {
		return status.New(status.InvalidArgument, "segmenter not initialized")
	}
	ref.ReferencedSize = uint32(len(fragment))
	s.segRefs = append(s.segRefs, ref)
	_, err := s.temp.Write(fragment)
	return err
}

// FinalizeSegment merges the open segment's fragment references into one
// sidx subsegment reference.
func (s *SingleSegmentSegmenter) FinalizeSegment(startTime, duration int64) (string, uint64, error) {
	if len(s.segRefs) == 0 {
		return "", 0, status.New(status.InvalidArgument, "no fragments in segment")
	}
	merged := mergeReferences(s.segRefs)
	if len(s.sidx.References) == 0 {
		s.sidx.EarliestPresentationTime = merged.EarliestPresentationTime
	}
	s.sidx.References = append(s.sidx.References, merged)
	size := uint64(merged.ReferencedSize)
	s.segRefs = nil
	return "", size, nil
}

// Finalize writes header+sidx+payload to the output and removes the temp
// file.
func (s *SingleSegmentSegmenter) Finalize() (event.MediaRanges, error) {
	var ranges event.MediaRanges
	if err := s.temp.Close(); err != nil {
		return ranges, err
	}
	out, err := file.Open(s.output, "w")
	if err != nil {
		return ranges, err
	}
	defer out.Close()

	sidxBytes := s.sidx.Marshal()
	if _, err := out.Write(s.header); err != nil {
		return ranges, err
	}
	if _, err := out.Write(sidxBytes); err != nil {
		return ranges, err
	}

	temp, err := file.Open(s.tempPath, "r")
	if err != nil {
		return ranges, err
	}
	defer temp.Close()
	buf := make([]byte, 1024*1024)
	for {
		n, rerr := temp.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return ranges, werr
			}
		}
		if rerr != nil {
			if status.IsCode(rerr, status.EndOfStream) {
				break
			}
			return ranges, rerr
		}
		if n == 0 {
			break
		}
	}
	if err := file.Delete(s.tempPath); err != nil {
		return ranges, err
	}

	ranges = event.MediaRanges{
		HasInit:    true,
		InitStart:  0,
		InitEnd:    uint64(len(s.header)) - 1,
		HasIndex:   true,
		IndexStart: uint64(len(s.header)),
		IndexEnd:   uint64(len(s.header)+len(sidxBytes)) - 1,
	}
	return ranges, nil
}

// Discard drops the temp file after an aborted run.
func (s *SingleSegmentSegmenter) Discard() {
	if s.temp != nil {
		s.temp.Close()
		file.Delete(s.tempPath)
	}
}

// MultiSegmentSegmenter writes an init segment to the output path and each
// media segment into a template-named file prefixed by styp+sidx.
type MultiSegmentSegmenter struct {
	output    string
	template  string
	bandwidth uint32
	timescale uint32

	segNumber uint32
	buf       []byte
	refs      []SegmentReference
}

// NewMultiSegmentSegmenter writes segments named from template.
func NewMultiSegmentSegmenter(output, template string, bandwidth uint32) *MultiSegmentSegmenter {
	return &MultiSegmentSegmenter{output: output, template: template, bandwidth: bandwidth, segNumber: 1}
}

// Initialize writes the init segment.
func (s *MultiSegmentSegmenter) Initialize(ftyp, moov []byte, timescale uint32) error {
	s.timescale = timescale
	out, err := file.Open(s.output, "w")
	if err != nil {
		return err
	}
	if _, err := out.Write(ftyp); err != nil {
		out.Close()
		return err
	}
	if _, err := out.Write(moov); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// AddFragment buffers the fragment for the open segment.
func (s *MultiSegmentSegmenter) AddFragment(fragment []byte, ref SegmentReference) error {
	ref.ReferencedSize = uint32(len(fragment))
	s.refs = append(s.refs, ref)
	s.buf = append(s.buf, fragment...)
	return nil
}

// FinalizeSegment writes styp+sidx+fragments to the next template name.
func (s *MultiSegmentSegmenter) FinalizeSegment(startTime, duration int64) (string, uint64, error) {
	if len(s.refs) == 0 {
		return "", 0, status.New(status.InvalidArgument, "no fragments in segment")
	}
	name := ExpandSegmentTemplate(s.template, s.segNumber, uint64(startTime), s.bandwidth)
	s.segNumber++

	styp := (&FileType{MajorBrand: "msdh", Brands: []string{"msdh", "msix"}}).Marshal("styp")
	sidx := &SegmentIndex{
		ReferenceID:              1,
		Timescale:                s.timescale,
		EarliestPresentationTime: s.refs[0].EarliestPresentationTime,
		References:               s.refs,
	}
	sidxBytes := sidx.Marshal()

	out, err := file.Open(name, "w")
	if err != nil {
		return "", 0, err
	}
	for _, chunk := range [][]byte{styp, sidxBytes, s.buf} {
		if _, err := out.Write(chunk); err != nil {
			out.Close()
			return "", 0, err
		}
	}
	if err := out.Close(); err != nil {
		return "", 0, err
	}
	size := uint64(len(styp) + len(sidxBytes) + len(s.buf))
	s.buf = nil
	s.refs = nil
	return name, size, nil
}

// Finalize is a no-op for multi-segment output.
func (s *MultiSegmentSegmenter) Finalize() (event.MediaRanges, error) {
	return event.MediaRanges{}, nil
}
