// Package tstest builds synthetic MPEG-TS streams carrying H.264 for tests.
package tstest

import (
	"encoding/binary"

	"github.com/zsiec/replay/internal/mpegts"
)

// Default PIDs used by Stream.
const (
	PMTPID   uint16 = 0x1000
	VideoPID uint16 = 0x100
)

// SPS720p is a real 1280x720 High profile SPS (level 3.1).
var SPS720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

// PPS is a plausible PPS to pair with SPS720p.
var PPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}

// Packetize splits payload into 188-byte TS packets on pid, setting PUSI on
// the first and padding the last with adaptation field stuffing. cc is
// advanced once per packet.
func Packetize(payload []byte, pid uint16, cc *byte) []byte {
	var out []byte
	first := true
	for off := 0; off < len(payload); {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | *cc&0x0F
		*cc = (*cc + 1) & 0x0F

		room := mpegts.PacketSize - 4
		n := len(payload) - off
		if n >= room {
			copy(pkt[4:], payload[off:off+room])
			off += room
			out = append(out, pkt[:]...)
			continue
		}

		stuff := room - n
		pkt[3] |= 0x20
		pkt[4] = byte(stuff - 1)
		if stuff > 1 {
			pkt[5] = 0
			for i := 6; i < 4+stuff; i++ {
				pkt[i] = 0xFF
			}
		}
		copy(pkt[4+stuff:], payload[off:])
		off = len(payload)
		out = append(out, pkt[:]...)
	}
	return out
}

func withCRC(section []byte) []byte {
	return binary.BigEndian.AppendUint32(section, mpegts.CRC32(section))
}

// PAT returns a PAT payload, pointer field included.
func PAT(tsID uint16, progs ...mpegts.Program) []byte {
	length := 5 + 4*len(progs) + 4
	s := []byte{
		0x00, 0xB0 | byte(length>>8)&0x0F, byte(length),
		byte(tsID >> 8), byte(tsID),
		0xC1, 0x00, 0x00,
	}
	for _, p := range progs {
		s = append(s, byte(p.Number>>8), byte(p.Number), 0xE0|byte(p.PMTPID>>8)&0x1F, byte(p.PMTPID))
	}
	return append([]byte{0x00}, withCRC(s)...)
}

// PMT returns a PMT payload, pointer field included.
func PMT(program, pcrPID uint16, streams ...mpegts.ElementaryStream) []byte {
	length := 9 + 5*len(streams) + 4
	s := []byte{
		0x02, 0xB0 | byte(length>>8)&0x0F, byte(length),
		byte(program >> 8), byte(program),
		0xC1, 0x00, 0x00,
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
		0xF0, 0x00,
	}
	for _, es := range streams {
		s = append(s, es.StreamType, 0xE0|byte(es.PID>>8)&0x1F, byte(es.PID), 0xF0, 0x00)
	}
	return append([]byte{0x00}, withCRC(s)...)
}

// Timestamp encodes a 33-bit PES timestamp with the given 4-bit prefix.
func Timestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 0x01,
		byte(ts >> 22),
		byte(ts>>14)&0xFE | 0x01,
		byte(ts >> 7),
		byte(ts<<1)&0xFE | 0x01,
	}
}

// PES builds a PES packet. A negative dts omits DTS. Video stream IDs
// (0xE0-0xEF) get an unbounded length field.
func PES(streamID byte, pts, dts int64, data []byte) []byte {
	var opt []byte
	flags := byte(0x80)
	if dts >= 0 {
		flags = 0xC0
		opt = append(opt, Timestamp(0x3, pts)...)
		opt = append(opt, Timestamp(0x1, dts)...)
	} else {
		opt = append(opt, Timestamp(0x2, pts)...)
	}

	length := 3 + len(opt) + len(data)
	if streamID&0xF0 == 0xE0 || length > 0xFFFF {
		length = 0
	}
	out := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(opt))}
	out = append(out, opt...)
	return append(out, data...)
}

// AccessUnit returns an Annex B access unit: an AUD, SPS and PPS on key
// frames, and one slice whose body is size bytes of fill.
func AccessUnit(key bool, size int, fill byte) []byte {
	sc := []byte{0, 0, 0, 1}
	au := append([]byte(nil), sc...)
	au = append(au, 0x09, 0xF0)
	if key {
		au = append(au, sc...)
		au = append(au, SPS720p...)
		au = append(au, sc...)
		au = append(au, PPS...)
		au = append(au, sc...)
		au = append(au, 0x65, 0x88)
	} else {
		au = append(au, sc...)
		au = append(au, 0x41, 0x9a)
	}
	// Keep fill non-zero so it never forms a start code.
	if fill == 0 {
		fill = 0xAA
	}
	for i := 0; i < size; i++ {
		au = append(au, fill)
	}
	return au
}

// Stream describes a synthetic H.264 transport stream.
type Stream struct {
	Frames    int
	GOP       int // frames per key frame interval
	FPS       int
	FrameSize int   // slice body bytes
	StartPTS  int64 // 90 kHz
}

// PTS returns the 90 kHz PTS of frame i.
func (s Stream) PTS(i int) int64 {
	return s.StartPTS + int64(i)*90000/int64(s.fps())
}

func (s Stream) fps() int {
	if s.FPS <= 0 {
		return 30
	}
	return s.FPS
}

// Bytes renders the stream: PAT, PMT, then one PES per frame with PAT/PMT
// repeated before each key frame.
func (s Stream) Bytes() []byte {
	gop := s.GOP
	if gop <= 0 {
		gop = s.fps()
	}
	size := s.FrameSize
	if size <= 0 {
		size = 64
	}

	var out []byte
	var patCC, pmtCC, vidCC byte
	for i := 0; i < s.Frames; i++ {
		key := i%gop == 0
		if key {
			out = append(out, Packetize(PAT(1, mpegts.Program{Number: 1, PMTPID: PMTPID}), 0, &patCC)...)
			out = append(out, Packetize(PMT(1, VideoPID, mpegts.ElementaryStream{PID: VideoPID, StreamType: mpegts.StreamTypeH264}), PMTPID, &pmtCC)...)
		}
		pts := s.PTS(i)
		au := AccessUnit(key, size, byte(i+1))
		out = append(out, Packetize(PES(0xE0, pts, pts, au), VideoPID, &vidCC)...)
	}
	return out
}
