// Package codecs holds the codec configuration records and bitstream
// helpers: avcC/hvcC/vpcC parsing and emission, AAC AudioSpecificConfig and
// ADTS synthesis, Opus packet durations, NAL unit iteration and the
// length-prefixed to Annex B converter.
package codecs

import (
	"bytes"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	AVCNALSliceNonIDR = 1
	AVCNALSlicePartA  = 2
	AVCNALSliceIDR    = 5
	AVCNALSEI         = 6
	AVCNALSPS         = 7
	AVCNALPPS         = 8
	AVCNALAUD         = 9
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1), the ranges that matter here.
const (
	HEVCNALBLAWLP  = 16
	HEVCNALCRANUT  = 21
	HEVCNALVPS     = 32
	HEVCNALSPS     = 33
	HEVCNALPPS     = 34
	HEVCNALAUD     = 35
	HEVCNALPrefSEI = 39
)

// NALU is one NAL unit without its length or start-code prefix. Data
// includes the header byte(s).
type NALU struct {
	Data []byte
}

// AVCType returns the H.264 nal_unit_type.
func (n NALU) AVCType() uint8 {
	if len(n.Data) == 0 {
		return 0
	}
	return n.Data[0] & 0x1F
}

// HEVCType returns the H.265 nal_unit_type.
func (n NALU) HEVCType() uint8 {
	if len(n.Data) == 0 {
		return 0
	}
	return (n.Data[0] >> 1) & 0x3F
}

// IsHEVCVCL reports whether the unit is a coded slice (VCL) in H.265.
func (n NALU) IsHEVCVCL() bool { return n.HEVCType() < 32 }

// HeaderSize returns the NAL header length in bytes: 1 for AVC, 2 for HEVC.
func HeaderSize(codec string) int {
	if codec == "hevc" {
		return 2
	}
	return 1
}

// NALUReader iterates NAL units in either length-prefixed (lengthSize 1, 2
// or 4) or Annex B (lengthSize 0) form.
type NALUReader struct {
	data       []byte
	lengthSize int
}

// NewNALUReader returns a reader over data. lengthSize 0 selects Annex B.
func NewNALUReader(lengthSize uint8, data []byte) (*NALUReader, error) {
	switch lengthSize {
	case 0, 1, 2, 4:
	default:
		return nil, status.Newf(status.InvalidArgument, "bad NALU length size %d", lengthSize)
	}
	r := &NALUReader{data: data, lengthSize: int(lengthSize)}
	if r.lengthSize == 0 {
		r.skipStartCode()
	}
	return r, nil
}

func (r *NALUReader) skipStartCode() {
	for i := 0; i+2 < len(r.data); i++ {
		if r.data[i] != 0 {
			return
		}
		if r.data[i+1] == 0 && r.data[i+2] == 1 {
			r.data = r.data[i+3:]
			return
		}
	}
}

// Advance returns the next NAL unit, or (nil, nil) at the end of the sample.
func (r *NALUReader) Advance() (*NALU, error) {
	if len(r.data) == 0 {
		return nil, nil
	}
	if r.lengthSize == 0 {
		// Annex B: scan for the next start code.
		end := len(r.data)
		next := end
		for i := 0; i+2 < len(r.data); i++ {
			if r.data[i] == 0 && r.data[i+1] == 0 && (r.data[i+2] == 1 || (r.data[i+2] == 0 && i+3 < len(r.data) && r.data[i+3] == 1)) {
				end = i
				if r.data[i+2] == 1 {
					next = i + 3
				} else {
					next = i + 4
				}
				break
			}
		}
		unit := r.data[:end]
		r.data = r.data[next:]
		// Trailing zero bytes before a start code belong to neither unit.
		for len(unit) > 0 && unit[len(unit)-1] == 0 {
			unit = unit[:len(unit)-1]
		}
		if len(unit) == 0 {
			return r.Advance()
		}
		return &NALU{Data: unit}, nil
	}

	if len(r.data) < r.lengthSize {
		return nil, status.New(status.ParserFailure, "truncated NALU length field")
	}
	var size int
	for i := 0; i < r.lengthSize; i++ {
		size = size<<8 | int(r.data[i])
	}
	if size == 0 || size > len(r.data)-r.lengthSize {
		return nil, status.Newf(status.ParserFailure, "NALU size %d exceeds sample", size)
	}
	unit := r.data[r.lengthSize : r.lengthSize+size]
	r.data = r.data[r.lengthSize+size:]
	return &NALU{Data: unit}, nil
}

// UnescapeRBSP removes emulation prevention bytes (00 00 03 -> 00 00) so the
// following bits can be read as RBSP.
func UnescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for i := 0; i < len(data); i++ {
		if zeros >= 2 && data[i] == 0x03 && i+1 < len(data) && data[i+1] <= 0x03 {
			zeros = 0
			continue
		}
		if zeros >= 2 && data[i] == 0x03 && i+1 == len(data) {
			zeros = 0
			continue
		}
		out = append(out, data[i])
		if data[i] == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// EscapeNALData inserts an emulation prevention byte after any 00 00 pair
// followed by a byte <= 0x03, and appends one when the unit ends in a zero
// byte. Encrypted payloads need this before Annex B output since ciphertext
// may contain start-code patterns.
func EscapeNALData(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeros := 0
	for _, b := range data {
		if zeros == 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	if zeros > 0 {
		out = append(out, 0x03)
	}
	return out
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// ByteStreamConverter rewrites length-prefixed video samples into Annex B
// byte-stream form, inserting an access unit delimiter and, before key
// frames, the parameter sets from the decoder configuration.
type ByteStreamConverter struct {
	LengthSize uint8
	IsHEVC     bool
	ParamSets  [][]byte // SPS/PPS (and VPS) in emission order
	// EscapeData re-escapes unit payloads; required when payloads were
	// encrypted after the original escaping.
	EscapeData bool
}

// Convert returns the Annex B form of sample.
func (c *ByteStreamConverter) Convert(sample []byte, isKeyFrame bool) ([]byte, error) {
	var out bytes.Buffer
	// Access unit delimiter.
	if c.IsHEVC {
		out.Write(startCode)
		out.Write([]byte{HEVCNALAUD << 1, 0x01, 0x50})
	} else {
		out.Write(startCode)
		out.Write([]byte{AVCNALAUD, 0xF0})
	}
	if isKeyFrame {
		for _, ps := range c.ParamSets {
			out.Write(startCode)
			out.Write(ps)
		}
	}
	r, err := NewNALUReader(c.LengthSize, sample)
	if err != nil {
		return nil, err
	}
	for {
		nalu, err := r.Advance()
		if err != nil {
			return nil, err
		}
		if nalu == nil {
			break
		}
		// Parameter sets travel separately; drop in-band copies.
		t := nalu.AVCType()
		if c.IsHEVC {
			ht := nalu.HEVCType()
			if ht == HEVCNALVPS || ht == HEVCNALSPS || ht == HEVCNALPPS || ht == HEVCNALAUD {
				continue
			}
		} else if t == AVCNALSPS || t == AVCNALPPS || t == AVCNALAUD {
			continue
		}
		out.Write(startCode)
		if c.EscapeData {
			out.Write(EscapeNALData(nalu.Data))
		} else {
			out.Write(nalu.Data)
		}
	}
	return out.Bytes(), nil
}
