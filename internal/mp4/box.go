// Package mp4 implements the ISO-BMFF layer: the box codec, the media
// parser for fragmented and non-fragmented input, and the fragmenter,
// segmenter and muxer producing DASH/HLS-ready output.
package mp4

import (
	"math"

	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// BoxHeader is the parsed size+type prefix of a box.
type BoxHeader struct {
	Size       uint64
	Type       string
	HeaderSize int
}

// ReadBoxHeader parses a box header from buf. A zero Size means the box
// extends to the end of the file (only legal for a top-level mdat).
func ReadBoxHeader(buf []byte) (BoxHeader, error) {
	if len(buf) < 8 {
		return BoxHeader{}, status.New(status.ParserFailure, "truncated box header")
	}
	h := BoxHeader{
		Size:       uint64(buf[0])<<24 | uint64(buf[1])<<16 | uint64(buf[2])<<8 | uint64(buf[3]),
		Type:       string(buf[4:8]),
		HeaderSize: 8,
	}
	if h.Size == 1 {
		if len(buf) < 16 {
			return BoxHeader{}, status.New(status.ParserFailure, "truncated largesize box header")
		}
		h.Size = 0
		for i := 8; i < 16; i++ {
			h.Size = h.Size<<8 | uint64(buf[i])
		}
		h.HeaderSize = 16
	}
	if h.Size != 0 && h.Size < uint64(h.HeaderSize) {
		return BoxHeader{}, status.Newf(status.ParserFailure, "box %q size %d smaller than header", h.Type, h.Size)
	}
	return h, nil
}

// WrapBox prepends the size+type header to payload, switching to largesize
// form when the total exceeds 32 bits.
func WrapBox(fourcc string, payload []byte) []byte {
	size := uint64(len(payload)) + 8
	w := bits.NewBufferWriter(len(payload) + 16)
	if size+8 > math.MaxUint32 {
		w.AppendInt(uint32(1))
		w.AppendString(fourcc)
		w.AppendInt(size + 8)
	} else {
		w.AppendInt(uint32(size))
		w.AppendString(fourcc)
	}
	w.AppendBytes(payload)
	return w.Bytes()
}

// WrapFullBox prepends the full-box header (version+flags) and the box
// header to payload.
func WrapFullBox(fourcc string, version uint8, flags uint32, payload []byte) []byte {
	w := bits.NewBufferWriter(len(payload) + 4)
	w.AppendInt(uint32(version)<<24 | flags&0xFFFFFF)
	w.AppendBytes(payload)
	return WrapBox(fourcc, w.Bytes())
}

// ChildBox is one parsed child of a container box.
type ChildBox struct {
	Type    string
	Payload []byte
}

// SplitChildren parses the children of a container payload.
func SplitChildren(payload []byte) ([]ChildBox, error) {
	var out []ChildBox
	for len(payload) > 0 {
		h, err := ReadBoxHeader(payload)
		if err != nil {
			return nil, err
		}
		if h.Size == 0 {
			h.Size = uint64(len(payload))
		}
		if h.Size > uint64(len(payload)) {
			return nil, status.Newf(status.ParserFailure, "child box %q overruns parent", h.Type)
		}
		out = append(out, ChildBox{Type: h.Type, Payload: payload[h.HeaderSize:h.Size]})
		payload = payload[h.Size:]
	}
	return out, nil
}

// FindChild returns the first child of the given type, or nil.
func FindChild(children []ChildBox, fourcc string) []byte {
	for _, c := range children {
		if c.Type == fourcc {
			return c.Payload
		}
	}
	return nil
}

// FindChildren returns every child of the given type.
func FindChildren(children []ChildBox, fourcc string) [][]byte {
	var out [][]byte
	for _, c := range children {
		if c.Type == fourcc {
			out = append(out, c.Payload)
		}
	}
	return out
}

// ReadFullBoxHeader consumes version and flags from r.
func ReadFullBoxHeader(r *bits.BufferReader) (version uint8, flags uint32, err error) {
	var vf uint32
	if !r.Read4(&vf) {
		return 0, 0, status.New(status.ParserFailure, "truncated full box header")
	}
	return uint8(vf >> 24), vf & 0xFFFFFF, nil
}
