package mpegts

import "github.com/3QSDN/shaka-packager/internal/status"

// Stream types from ISO 13818-1 Table 2-34.
const (
	StreamTypeADTSAAC = 0x0F
	StreamTypeH264    = 0x1B
	StreamTypeH265    = 0x24
)

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramNumber uint16
	ProgramMapPID uint16
}

// ParsePAT parses a Program Association Table section (pointer field
// already applied).
func ParsePAT(section []byte) ([]PATProgram, error) {
	if len(section) < 12 {
		return nil, status.New(status.ParserFailure, "PAT section too short")
	}
	if section[0] != 0x00 {
		return nil, status.Newf(status.ParserFailure, "not a PAT section: table id 0x%02X", section[0])
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength - 4 // strip CRC
	if end > len(section) {
		return nil, status.New(status.ParserFailure, "PAT section overruns payload")
	}
	var programs []PATProgram
	for pos := 8; pos+4 <= end; pos += 4 {
		num := uint16(section[pos])<<8 | uint16(section[pos+1])
		pid := uint16(section[pos+2]&0x1F)<<8 | uint16(section[pos+3])
		if num != 0 { // skip the network PID
			programs = append(programs, PATProgram{ProgramNumber: num, ProgramMapPID: pid})
		}
	}
	return programs, nil
}

// PMTStream describes one elementary stream in a PMT.
type PMTStream struct {
	StreamType    uint8
	ElementaryPID uint16
}

// ParsePMT parses a Program Map Table section.
func ParsePMT(section []byte) ([]PMTStream, error) {
	if len(section) < 16 {
		return nil, status.New(status.ParserFailure, "PMT section too short")
	}
	if section[0] != 0x02 {
		return nil, status.Newf(status.ParserFailure, "not a PMT section: table id 0x%02X", section[0])
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength - 4
	if end > len(section) {
		return nil, status.New(status.ParserFailure, "PMT section overruns payload")
	}
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	pos := 12 + programInfoLength
	var streams []PMTStream
	for pos+5 <= end {
		st := section[pos]
		pid := uint16(section[pos+1]&0x1F)<<8 | uint16(section[pos+2])
		esInfoLength := int(section[pos+3]&0x0F)<<8 | int(section[pos+4])
		streams = append(streams, PMTStream{StreamType: st, ElementaryPID: pid})
		pos += 5 + esInfoLength
	}
	return streams, nil
}
