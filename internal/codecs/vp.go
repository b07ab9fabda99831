package codecs

import (
	"fmt"

	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// VPCodecConfig is the vpcC record (VP9 MP4 binding, version 1) and the
// per-field WebM form.
type VPCodecConfig struct {
	Profile            uint8
	Level              uint8
	BitDepth           uint8
	ChromaSubsampling  uint8
	VideoFullRange     bool
	ColourPrimaries    uint8
	TransferCharacter  uint8
	MatrixCoefficients uint8
	CodecInitData      []byte
}

// ParseVPCodecConfig parses a vpcC payload (after the full-box header).
func ParseVPCodecConfig(data []byte) (*VPCodecConfig, error) {
	r := bits.NewBufferReader(data)
	c := &VPCodecConfig{}
	var b uint8
	if !r.Read1(&c.Profile) || !r.Read1(&c.Level) || !r.Read1(&b) ||
		!r.Read1(&c.ColourPrimaries) || !r.Read1(&c.TransferCharacter) || !r.Read1(&c.MatrixCoefficients) {
		return nil, status.New(status.ParserFailure, "truncated vpcC")
	}
	c.BitDepth = b >> 4
	c.ChromaSubsampling = (b >> 1) & 0x07
	c.VideoFullRange = b&1 != 0
	var initSize uint16
	if !r.Read2(&initSize) {
		return nil, status.New(status.ParserFailure, "truncated vpcC")
	}
	if initSize > 0 {
		c.CodecInitData = make([]byte, initSize)
		if !r.ReadBytes(c.CodecInitData) {
			return nil, status.New(status.ParserFailure, "truncated vpcC init data")
		}
	}
	return c, nil
}

// Serialize emits the vpcC payload (after the full-box header).
func (c *VPCodecConfig) Serialize() []byte {
	w := bits.NewBufferWriter(16)
	w.AppendInt(c.Profile)
	w.AppendInt(c.Level)
	b := c.BitDepth<<4 | (c.ChromaSubsampling&0x07)<<1
	if c.VideoFullRange {
		b |= 1
	}
	w.AppendInt(b)
	w.AppendInt(c.ColourPrimaries)
	w.AppendInt(c.TransferCharacter)
	w.AppendInt(c.MatrixCoefficients)
	w.AppendInt(uint16(len(c.CodecInitData)))
	w.AppendBytes(c.CodecInitData)
	return w.Bytes()
}

// CodecString returns the full vp09 form, e.g.
// "vp09.00.10.08.01.02.02.02.00".
func (c *VPCodecConfig) CodecString() string {
	fullRange := 0
	if c.VideoFullRange {
		fullRange = 1
	}
	return fmt.Sprintf("vp09.%02d.%02d.%02d.%02d.%02d.%02d.%02d.%02d",
		c.Profile, c.Level, c.BitDepth, c.ChromaSubsampling,
		c.ColourPrimaries, c.TransferCharacter, c.MatrixCoefficients, fullRange)
}

// ParseVP9SuperframeSizes returns the sizes of the sub-frames of a VP9
// sample. Samples without a superframe index yield one entry covering the
// whole payload. The encryptor gives each sub-frame its own subsample.
func ParseVP9SuperframeSizes(data []byte) ([]uint32, error) {
	if len(data) == 0 {
		return nil, status.New(status.ParserFailure, "empty VP9 sample")
	}
	marker := data[len(data)-1]
	if marker&0xE0 != 0xC0 {
		return []uint32{uint32(len(data))}, nil
	}
	bytesPerSize := int((marker>>3)&0x03) + 1
	frameCount := int(marker&0x07) + 1
	indexSize := 2 + bytesPerSize*frameCount
	if len(data) < indexSize {
		return nil, status.New(status.ParserFailure, "truncated VP9 superframe index")
	}
	if data[len(data)-indexSize] != marker {
		// Not a superframe index after all.
		return []uint32{uint32(len(data))}, nil
	}
	sizes := make([]uint32, 0, frameCount)
	pos := len(data) - indexSize + 1
	var total uint64
	for i := 0; i < frameCount; i++ {
		var size uint32
		for j := bytesPerSize - 1; j >= 0; j-- {
			// Superframe sizes are little-endian.
			size |= uint32(data[pos+j]) << (8 * uint(j))
		}
		pos += bytesPerSize
		sizes = append(sizes, size)
		total += uint64(size)
	}
	if total+uint64(indexSize) != uint64(len(data)) {
		return nil, status.Newf(status.ParserFailure,
			"VP9 superframe sizes sum %d does not match sample size %d", total+uint64(indexSize), len(data))
	}
	// The index itself rides with the last sub-frame.
	sizes[len(sizes)-1] += uint32(indexSize)
	return sizes, nil
}
