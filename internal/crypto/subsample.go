// Package crypto implements the per-track CENC encryptor and decryptor
// pipeline stages: clear-lead and crypto-period state, subsample layout
// construction per codec, and the AES application over sample payloads.
package crypto

import (
	"github.com/3QSDN/shaka-packager/internal/codecs"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

const maxClearBytes = 0xFFFF

// subsampleBuilder accumulates clear runs and flushes (clear, cipher) pairs,
// splitting oversized clear runs into zero-cipher subsamples.
type subsampleBuilder struct {
	subsamples   []media.Subsample
	pendingClear uint64
}

func (b *subsampleBuilder) addClear(n uint64) { b.pendingClear += n }

func (b *subsampleBuilder) addCipher(n uint64) {
	for b.pendingClear > maxClearBytes {
		b.subsamples = append(b.subsamples, media.Subsample{ClearBytes: maxClearBytes})
		b.pendingClear -= maxClearBytes
	}
	b.subsamples = append(b.subsamples, media.Subsample{
		ClearBytes:  uint16(b.pendingClear),
		CipherBytes: uint32(n),
	})
	b.pendingClear = 0
}

func (b *subsampleBuilder) finish() []media.Subsample {
	if b.pendingClear > 0 {
		b.addCipher(0)
	}
	return b.subsamples
}

// sliceHeaderParser is implemented by the AVC and HEVC slice header parsers.
type sliceHeaderParser interface {
	ProcessNALU(nalu *codecs.NALU) error
	HeaderSize(nalu *codecs.NALU) (int, error)
}

// layoutVideoNALUs walks the length-prefixed NAL units of an AVC/HEVC sample
// and protects each slice payload after its parsed header.
func layoutVideoNALUs(data []byte, lengthSize uint8, isSlice func(*codecs.NALU) bool, parser sliceHeaderParser) ([]media.Subsample, error) {
	r, err := codecs.NewNALUReader(lengthSize, data)
	if err != nil {
		return nil, err
	}
	b := &subsampleBuilder{}
	for {
		nalu, err := r.Advance()
		if err != nil {
			return nil, err
		}
		if nalu == nil {
			break
		}
		if err := parser.ProcessNALU(nalu); err != nil {
			return nil, err
		}
		if !isSlice(nalu) {
			b.addClear(uint64(lengthSize) + uint64(len(nalu.Data)))
			continue
		}
		headerSize, err := parser.HeaderSize(nalu)
		if err != nil {
			return nil, err
		}
		if headerSize >= len(nalu.Data) {
			b.addClear(uint64(lengthSize) + uint64(len(nalu.Data)))
			continue
		}
		b.addClear(uint64(lengthSize) + uint64(headerSize))
		b.addCipher(uint64(len(nalu.Data) - headerSize))
	}
	return b.finish(), nil
}

// BuildSubsamples constructs the protection layout for one sample.
func BuildSubsamples(info *media.StreamInfo, data []byte, parser sliceHeaderParser) ([]media.Subsample, error) {
	switch info.Codec {
	case media.CodecH264:
		isSlice := func(n *codecs.NALU) bool {
			t := n.AVCType()
			return t == codecs.AVCNALSliceNonIDR || t == codecs.AVCNALSliceIDR || t == codecs.AVCNALSlicePartA
		}
		return layoutVideoNALUs(data, info.Video.NALULengthSize, isSlice, parser)
	case media.CodecH265:
		isSlice := func(n *codecs.NALU) bool { return n.IsHEVCVCL() }
		return layoutVideoNALUs(data, info.Video.NALULengthSize, isSlice, parser)
	case media.CodecVP9:
		sizes, err := codecs.ParseVP9SuperframeSizes(data)
		if err != nil {
			return nil, err
		}
		if len(sizes) == 1 {
			// Whole-frame sample: no subsample table needed for full-sample
			// protection, but VP9 keeps the partial tail block clear.
			clear := uint64(len(data)) % 16
			b := &subsampleBuilder{}
			b.addCipher(uint64(len(data)) - clear)
			b.addClear(clear)
			return b.finish(), nil
		}
		b := &subsampleBuilder{}
		for _, size := range sizes {
			clear := uint64(size) % 16
			b.addClear(clear)
			b.addCipher(uint64(size) - clear)
		}
		return b.finish(), nil
	case media.CodecAAC, media.CodecOpus, media.CodecVorbis:
		return []media.Subsample{{ClearBytes: 0, CipherBytes: uint32(len(data))}}, nil
	default:
		return nil, status.Newf(status.Unimplemented, "no subsample layout for codec %s", info.Codec)
	}
}

// applyToCipherRegions runs fn over each cipher region of data in order.
func applyToCipherRegions(data []byte, subs []media.Subsample, fn func(region []byte)) error {
	if len(subs) == 0 {
		fn(data)
		return nil
	}
	pos := uint64(0)
	for _, s := range subs {
		pos += uint64(s.ClearBytes)
		end := pos + uint64(s.CipherBytes)
		if end > uint64(len(data)) {
			return status.Newf(status.EncryptionFailure,
				"subsample layout overruns sample: %d > %d", end, len(data))
		}
		if s.CipherBytes > 0 {
			fn(data[pos:end])
		}
		pos = end
	}
	if pos != uint64(len(data)) {
		return status.Newf(status.EncryptionFailure,
			"subsample layout covers %d of %d bytes", pos, len(data))
	}
	return nil
}
