package codecs

import "github.com/3QSDN/shaka-packager/internal/status"

// Frame sizes in 48 kHz samples by TOC config (RFC 6716 §3.1).
var opusFrameSizes = [32]uint32{
	// SILK NB/MB/WB: 10, 20, 40, 60 ms
	480, 960, 1920, 2880,
	480, 960, 1920, 2880,
	480, 960, 1920, 2880,
	// Hybrid: 10, 20 ms
	480, 960,
	480, 960,
	// CELT NB/WB/SWB/FB: 2.5, 5, 10, 20 ms
	120, 240, 480, 960,
	120, 240, 480, 960,
	120, 240, 480, 960,
	120, 240, 480, 960,
}

// OpusPacketDuration returns the duration of an Opus packet in 48 kHz
// samples, decoded from the TOC byte and frame-count code (codes 0-3).
func OpusPacketDuration(packet []byte) (uint64, error) {
	if len(packet) == 0 {
		return 0, status.New(status.ParserFailure, "empty Opus packet")
	}
	toc := packet[0]
	frameSize := uint64(opusFrameSizes[toc>>3])
	var frames uint64
	switch toc & 0x03 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0, status.New(status.ParserFailure, "truncated Opus code-3 packet")
		}
		frames = uint64(packet[1] & 0x3F)
		if frames == 0 {
			return 0, status.New(status.ParserFailure, "Opus code-3 packet with zero frames")
		}
	}
	return frames * frameSize, nil
}
