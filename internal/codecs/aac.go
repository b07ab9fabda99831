package codecs

import (
	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// AAC sample rate index table (ISO 14496-3).
var aacSampleRates = []uint32{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACAudioSpecificConfig is the decoded AudioSpecificConfig from an esds.
type AACAudioSpecificConfig struct {
	ObjectType         uint8
	FrequencyIndex     uint8
	Frequency          uint32
	ChannelConfig      uint8
	SBR                bool
	PS                 bool
	ExtensionFrequency uint32
	raw                []byte
}

// ParseAACAudioSpecificConfig decodes an AudioSpecificConfig payload.
func ParseAACAudioSpecificConfig(data []byte) (*AACAudioSpecificConfig, error) {
	r := bits.NewBitReader(data)
	c := &AACAudioSpecificConfig{raw: append([]byte(nil), data...)}

	readObjectType := func() (uint8, bool) {
		var v uint64
		if !r.ReadBits(5, &v) {
			return 0, false
		}
		if v == 31 {
			var ext uint64
			if !r.ReadBits(6, &ext) {
				return 0, false
			}
			return uint8(ext + 32), true
		}
		return uint8(v), true
	}
	readFrequency := func() (uint8, uint32, bool) {
		var idx uint64
		if !r.ReadBits(4, &idx) {
			return 0, 0, false
		}
		if idx == 15 {
			var freq uint64
			if !r.ReadBits(24, &freq) {
				return 0, 0, false
			}
			return 15, uint32(freq), true
		}
		if int(idx) >= len(aacSampleRates) {
			return 0, 0, false
		}
		return uint8(idx), aacSampleRates[idx], true
	}

	var ok bool
	if c.ObjectType, ok = readObjectType(); !ok {
		return nil, status.New(status.ParserFailure, "truncated AudioSpecificConfig")
	}
	var freqOK bool
	if c.FrequencyIndex, c.Frequency, freqOK = readFrequency(); !freqOK {
		return nil, status.New(status.ParserFailure, "bad sampling frequency")
	}
	var chCfg uint64
	if !r.ReadBits(4, &chCfg) {
		return nil, status.New(status.ParserFailure, "truncated AudioSpecificConfig")
	}
	c.ChannelConfig = uint8(chCfg)

	// Explicit SBR/PS signaling.
	if c.ObjectType == 5 || c.ObjectType == 29 {
		c.SBR = true
		c.PS = c.ObjectType == 29
		if _, c.ExtensionFrequency, ok = readFrequency(); !ok {
			return nil, status.New(status.ParserFailure, "bad extension frequency")
		}
		if c.ObjectType, ok = readObjectType(); !ok {
			return nil, status.New(status.ParserFailure, "truncated AudioSpecificConfig")
		}
	}
	return c, nil
}

// OutputFrequency returns the decoder output rate: the extension rate when
// SBR is signalled explicitly, else the core rate. Implicit SBR upconvert is
// not applied.
func (c *AACAudioSpecificConfig) OutputFrequency() uint32 {
	if c.SBR && c.ExtensionFrequency != 0 {
		return c.ExtensionFrequency
	}
	return c.Frequency
}

// OutputChannels returns 2 for Parametric Stereo mono-core streams, else the
// channel configuration.
func (c *AACAudioSpecificConfig) OutputChannels() uint32 {
	if c.PS && c.ChannelConfig == 1 {
		return 2
	}
	return uint32(c.ChannelConfig)
}

// CodecString returns the RFC 6381 form: "mp4a.40.2" for LC, "mp4a.40.5"
// when SBR applies, "mp4a.40.29" with Parametric Stereo.
func (c *AACAudioSpecificConfig) CodecString() string {
	switch {
	case c.PS:
		return "mp4a.40.29"
	case c.SBR:
		return "mp4a.40.5"
	default:
		return "mp4a.40.2"
	}
}

// ADTSHeader synthesizes the 7-byte ADTS header for a raw AAC frame of
// frameSize bytes, for remuxing into MPEG-2 TS.
func (c *AACAudioSpecificConfig) ADTSHeader(frameSize int) ([]byte, error) {
	if c.FrequencyIndex >= 15 {
		return nil, status.New(status.Unimplemented, "explicit frequency not representable in ADTS")
	}
	profile := c.ObjectType
	if profile == 0 || profile > 4 {
		profile = 2
	}
	totalSize := frameSize + 7
	if totalSize >= 1<<13 {
		return nil, status.Newf(status.InvalidArgument, "AAC frame size %d too large for ADTS", frameSize)
	}
	h := make([]byte, 7)
	h[0] = 0xFF
	h[1] = 0xF1 // MPEG-4, no CRC
	h[2] = (profile-1)<<6 | c.FrequencyIndex<<2 | c.ChannelConfig>>2
	h[3] = (c.ChannelConfig&0x03)<<6 | byte(totalSize>>11)
	h[4] = byte(totalSize >> 3)
	h[5] = byte(totalSize)<<5 | 0x1F
	h[6] = 0xFC
	return h, nil
}

// Serialize returns the raw AudioSpecificConfig bytes.
func (c *AACAudioSpecificConfig) Serialize() []byte {
	return append([]byte(nil), c.raw...)
}
