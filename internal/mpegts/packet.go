// Package mpegts implements the MPEG-2 transport stream input parser:
// 188-byte packet framing, PAT/PMT discovery, PES reassembly with PTS/DTS
// extraction, and elementary-stream handlers for H.264/H.265 byte streams
// and AAC in ADTS.
package mpegts

import "github.com/3QSDN/shaka-packager/internal/status"

const (
	// PacketSize is the fixed transport packet size.
	PacketSize = 188
	syncByte   = 0x47
)

// PacketHeader contains the parsed header fields of a transport packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	RandomAccessIndicator     bool
}

// Packet is a parsed 188-byte transport packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// ParsePacket parses one 188-byte transport packet.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, status.Newf(status.ParserFailure, "packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, status.Newf(status.ParserFailure, "invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if p.Header.HasAdaptationField {
		if offset >= PacketSize {
			return p, nil
		}
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			p.Header.RandomAccessIndicator = buf[offset+1]&0x40 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}
	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = buf[offset:]
	}
	return p, nil
}
