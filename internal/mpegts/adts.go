package mpegts

// aacSampleRates is the ADTS sampling frequency index table (ISO 14496-3).
var aacSampleRates = [...]uint32{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is a single AAC frame split out of an ADTS byte stream.
type ADTSFrame struct {
	Payload       []byte // raw AAC without the ADTS header
	Profile       uint8  // MPEG-4 audio object type minus 1
	FrequencyIdx  uint8
	SampleRate    uint32
	ChannelConfig uint8
}

// SplitADTS splits an ADTS byte stream into frames, returning any trailing
// partial frame for the next call.
func SplitADTS(data []byte) (frames []ADTSFrame, rest []byte) {
	offset := 0
	for offset < len(data) {
		if len(data)-offset < 7 {
			break
		}
		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++
			continue
		}
		hasCRC := data[offset+1]&0x01 == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}
		freqIdx := (data[offset+2] >> 2) & 0x0F
		if int(freqIdx) >= len(aacSampleRates) {
			offset++
			continue
		}
		profile := (data[offset+2] >> 6) & 0x03
		channelCfg := (data[offset+2]&0x01)<<2 | (data[offset+3]>>6)&0x03
		frameLen := int(data[offset+3]&0x03)<<11 | int(data[offset+4])<<3 | int(data[offset+5]>>5)
		if frameLen < headerSize {
			offset++
			continue
		}
		if offset+frameLen > len(data) {
			break // truncated; wait for more input
		}
		frames = append(frames, ADTSFrame{
			Payload:       data[offset+headerSize : offset+frameLen],
			Profile:       profile,
			FrequencyIdx:  freqIdx,
			SampleRate:    aacSampleRates[freqIdx],
			ChannelConfig: channelCfg,
		})
		offset += frameLen
	}
	return frames, data[offset:]
}

// ASCFromADTS synthesizes the 2-byte AudioSpecificConfig matching an ADTS
// header.
func ASCFromADTS(f ADTSFrame) []byte {
	objectType := f.Profile + 1
	return []byte{
		objectType<<3 | f.FrequencyIdx>>1,
		f.FrequencyIdx<<7 | f.ChannelConfig<<3,
	}
}
