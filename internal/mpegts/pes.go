package mpegts

import "github.com/3QSDN/shaka-packager/internal/status"

// PES carries one reassembled packetized elementary stream unit.
type PES struct {
	StreamID uint8
	PTS      int64 // 90 kHz; -1 when absent
	DTS      int64
	Data     []byte
}

// ParsePES parses a complete PES packet starting at the 00 00 01 prefix.
func ParsePES(payload []byte) (*PES, error) {
	if len(payload) < 6 || payload[0] != 0 || payload[1] != 0 || payload[2] != 1 {
		return nil, status.New(status.ParserFailure, "invalid PES start code")
	}
	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])

	pes := &PES{StreamID: streamID, PTS: -1, DTS: -1}

	// Stream ids without an optional header: padding, private_stream_2,
	// ECM/EMM, DSMCC, H.222.1 type E, directory.
	noHeader := streamID == 0xBE || streamID == 0xBF ||
		streamID == 0xF0 || streamID == 0xF1 ||
		streamID == 0xF2 || streamID == 0xF8 || streamID == 0xFF
	if noHeader {
		if packetLength > 0 && 6+packetLength <= len(payload) {
			pes.Data = payload[6 : 6+packetLength]
		} else {
			pes.Data = payload[6:]
		}
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, status.New(status.ParserFailure, "PES optional header too short")
	}
	ptsDTSFlags := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])
	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	switch ptsDTSFlags {
	case 2:
		if len(payload) >= 14 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.DTS = pes.PTS
		}
	case 3:
		if len(payload) >= 19 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.DTS = parseTimestamp(payload[14:19])
		}
	}

	if packetLength > 0 {
		total := 6 + packetLength
		if total <= len(payload) {
			pes.Data = payload[dataStart:total]
			return pes, nil
		}
	}
	pes.Data = payload[dataStart:]
	return pes, nil
}

// parseTimestamp decodes the 33-bit 90 kHz PTS/DTS field.
func parseTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
