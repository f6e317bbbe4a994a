package mpegts

import (
	"errors"
	"fmt"
)

var errNotPES = errors.New("mpegts: missing PES start code")

// PES is a reassembled packetized elementary stream packet. Timestamps are
// 33-bit values on the 90 kHz clock.
type PES struct {
	StreamID uint8
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Data     []byte
}

// TimestampUs converts a 90 kHz timestamp to microseconds.
func TimestampUs(ts int64) int64 {
	return ts * 100 / 9
}

func isPES(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x00 && b[1] == 0x00 && b[2] == 0x01
}

// hasOptionalHeader reports whether the stream ID carries the PES optional
// header. Padding, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E and the
// program stream directory do not.
func hasOptionalHeader(id uint8) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mpegts: PES too short (%d bytes)", len(b))
	}
	if !isPES(b) {
		return nil, errNotPES
	}

	pes := &PES{StreamID: b[3]}
	length := int(b[4])<<8 | int(b[5])
	end := len(b)
	if length > 0 && 6+length < end {
		end = 6 + length
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, fmt.Errorf("mpegts: PES header truncated")
	}

	flags := b[7] >> 6
	start := 9 + int(b[8])
	if start > end {
		start = end
	}

	if flags&0x2 != 0 && len(b) >= 14 {
		pes.PTS = readTimestamp(b[9:14])
		pes.HasPTS = true
	}
	if flags == 0x3 && len(b) >= 19 {
		pes.DTS = readTimestamp(b[14:19])
		pes.HasDTS = true
	}
	pes.Data = b[start:end]
	return pes, nil
}

func readTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
