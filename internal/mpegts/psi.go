package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// Program is one PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// walkSections calls fn for each complete section in a PSI payload,
// starting after the pointer field. It reports false if the payload ends
// inside a section.
func walkSections(payload []byte, fn func(section []byte)) bool {
	if len(payload) < 1 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		// section_syntax_indicator is always set on PAT and PMT, so a clear
		// bit here is zero padding.
		if payload[off+1]&0x80 == 0 {
			return true
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			return false
		}
		if fn != nil {
			fn(payload[off:end])
		}
		off = end
	}
	return true
}

func parsePAT(section []byte) ([]Program, error) {
	if len(section) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short (%d bytes)", len(section))
	}
	if err := checkCRC(section); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}

	var progs []Program
	for i := 8; i+4 <= len(section)-4; i += 4 {
		num := uint16(section[i])<<8 | uint16(section[i+1])
		if num == 0 {
			continue // network PID
		}
		progs = append(progs, Program{
			Number: num,
			PMTPID: uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3]),
		})
	}
	return progs, nil
}

func parsePMT(section []byte) ([]ElementaryStream, error) {
	if len(section) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short (%d bytes)", len(section))
	}
	if err := checkCRC(section); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}

	end := len(section) - 4
	off := 12 + (int(section[10]&0x0F)<<8 | int(section[11]))

	var streams []ElementaryStream
	for off+5 <= end {
		streams = append(streams, ElementaryStream{
			StreamType: section[off],
			PID:        uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2]),
		})
		off += 5 + (int(section[off+3]&0x0F)<<8 | int(section[off+4]))
	}
	return streams, nil
}
