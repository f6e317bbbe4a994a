// Package mpegts reads MPEG transport streams: PAT/PMT discovery and PES
// reassembly with PTS/DTS extraction.
package mpegts

import "fmt"

const (
	PacketSize = 188
	syncByte   = 0x47

	pidPAT = 0x0000
)

// Stream types carried in the PMT.
const (
	StreamTypeAAC  uint8 = 0x0F
	StreamTypeH264 uint8 = 0x1B
	StreamTypeH265 uint8 = 0x24
)

type header struct {
	pid           uint16
	cc            uint8
	pusi          bool
	tei           bool
	discontinuity bool
	hasPayload    bool
	hasAdaptation bool
}

// packet is one parsed transport packet. payload aliases the read buffer.
type packet struct {
	header
	payload []byte
}

func parsePacket(buf []byte) (packet, error) {
	var p packet
	if len(buf) != PacketSize {
		return p, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return p, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p.tei = buf[1]&0x80 != 0
	p.pusi = buf[1]&0x40 != 0
	p.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.hasAdaptation = buf[3]&0x20 != 0
	p.hasPayload = buf[3]&0x10 != 0
	p.cc = buf[3] & 0x0F

	off := 4
	if p.hasAdaptation {
		afLen := int(buf[off])
		if afLen > 0 {
			p.discontinuity = buf[off+1]&0x80 != 0
		}
		off += 1 + afLen
		if off > PacketSize {
			off = PacketSize
		}
	}
	if p.hasPayload && off < PacketSize {
		p.payload = buf[off:]
	}
	return p, nil
}
