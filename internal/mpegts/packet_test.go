package mpegts

import (
	"bytes"
	"testing"
)

func rawPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

func rawPacketWithAF(pid uint16, cc uint8, afLen int, discontinuity bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x20 | cc&0x0F
	if payload != nil {
		buf[3] |= 0x10
	}
	buf[4] = byte(afLen)
	if discontinuity && afLen > 0 {
		buf[5] = 0x80
	}
	if off := 5 + afLen; off < PacketSize {
		copy(buf[off:], payload)
	}
	return buf
}

func TestParsePacket(t *testing.T) {
	t.Parallel()

	p, err := parsePacket(rawPacket(0x100, 5, true, []byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if p.pid != 0x100 || p.cc != 5 || !p.pusi || !p.hasPayload || p.hasAdaptation {
		t.Fatalf("header %+v", p.header)
	}
	if len(p.payload) != 184 || !bytes.Equal(p.payload[:3], []byte{1, 2, 3}) {
		t.Fatalf("payload len %d", len(p.payload))
	}
}

func TestParsePacketFlags(t *testing.T) {
	t.Parallel()

	buf := rawPacket(0x1FFF, 0, false, nil)
	buf[1] |= 0x80
	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.tei {
		t.Error("transport error indicator not parsed")
	}
	if p.pid != 0x1FFF {
		t.Errorf("PID = 0x%X, want 0x1FFF", p.pid)
	}
}

func TestParsePacketAdaptationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		afLen         int
		payload       []byte
		discontinuity bool
		wantLen       int
	}{
		{name: "one byte", afLen: 1, payload: []byte{0xAA}, wantLen: 188 - 6},
		{name: "ten bytes", afLen: 10, payload: []byte{0xBB}, wantLen: 188 - 15},
		{name: "discontinuity", afLen: 1, payload: []byte{0xCC}, discontinuity: true, wantLen: 188 - 6},
		{name: "adaptation only", afLen: 183, wantLen: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := parsePacket(rawPacketWithAF(0x100, 0, tc.afLen, tc.discontinuity, tc.payload))
			if err != nil {
				t.Fatal(err)
			}
			if !p.hasAdaptation {
				t.Error("adaptation field not detected")
			}
			if p.discontinuity != tc.discontinuity {
				t.Errorf("discontinuity = %v, want %v", p.discontinuity, tc.discontinuity)
			}
			if len(p.payload) != tc.wantLen {
				t.Errorf("payload length = %d, want %d", len(p.payload), tc.wantLen)
			}
		})
	}
}

func TestParsePacketErrors(t *testing.T) {
	t.Parallel()

	if _, err := parsePacket([]byte{0x47, 0, 0}); err == nil {
		t.Error("expected error for short packet")
	}
	if _, err := parsePacket(make([]byte, PacketSize)); err == nil {
		t.Error("expected error for bad sync byte")
	}
}

func FuzzParsePacket(f *testing.F) {
	f.Add(rawPacket(0x100, 0, true, []byte{0, 0, 1, 0xE0}))
	f.Add(rawPacketWithAF(0x100, 3, 183, false, nil))
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PacketSize {
			return
		}
		data[0] = syncByte
		p, err := parsePacket(data)
		if err != nil {
			t.Fatal(err)
		}
		if len(p.payload) > PacketSize-4 {
			t.Fatalf("payload %d bytes", len(p.payload))
		}
	})
}

func pkt(cc uint8, pusi bool, payload ...byte) packet {
	return packet{
		header:  header{pid: 0x100, cc: cc, pusi: pusi, hasPayload: true},
		payload: payload,
	}
}

func TestAssembler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		packets []packet
		want    []byte // payload returned by the last packet
	}{
		{
			name:    "unit start flushes",
			packets: []packet{pkt(0, true, 1), pkt(1, false, 2), pkt(2, true, 3)},
			want:    []byte{1, 2},
		},
		{
			name:    "counter wraps",
			packets: []packet{pkt(15, true, 1), pkt(0, false, 2), pkt(1, true, 3)},
			want:    []byte{1, 2},
		},
		{
			name:    "duplicate dropped",
			packets: []packet{pkt(3, true, 1), pkt(3, false, 1), pkt(4, true, 2)},
			want:    []byte{1},
		},
		{
			name:    "gap discards partial unit",
			packets: []packet{pkt(0, true, 1), pkt(1, false, 2), pkt(5, false, 3), pkt(6, true, 4)},
			want:    nil,
		},
		{
			name: "signalled discontinuity keeps unit",
			packets: []packet{
				pkt(0, true, 1),
				{header: header{pid: 0x100, cc: 9, hasPayload: true, discontinuity: true}, payload: []byte{2}},
				pkt(10, true, 3),
			},
			want: []byte{1, 2},
		},
		{
			name: "transport error resets",
			packets: []packet{
				pkt(0, true, 1),
				{header: header{pid: 0x100, cc: 1, hasPayload: true, tei: true}, payload: []byte{2}},
				pkt(2, true, 3),
			},
			want: nil,
		},
		{
			name:    "mid-unit join ignored",
			packets: []packet{pkt(7, false, 9), pkt(8, true, 1), pkt(9, true, 2)},
			want:    []byte{1},
		},
		{
			name: "adaptation only ignored",
			packets: []packet{
				pkt(0, true, 1),
				{header: header{pid: 0x100, cc: 0, hasAdaptation: true}},
				pkt(1, true, 2),
			},
			want: []byte{1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var a assembler
			var got []byte
			for _, p := range tc.packets {
				got = a.add(p, false)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAssemblerCompletesPSIWithoutNextStart(t *testing.T) {
	t.Parallel()
	section := []byte{
		0x00,       // pointer field
		0x00,       // table id
		0x80, 0x05, // syntax indicator, length 5
		1, 2, 3, 4, 5,
	}
	var a assembler
	got := a.add(packet{header: header{pusi: true, hasPayload: true}, payload: section}, true)
	if !bytes.Equal(got, section) {
		t.Fatalf("got %v", got)
	}
}

func TestWalkSections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  []byte
		complete bool
		sections int
	}{
		{name: "single", payload: []byte{0x00, 0x00, 0x80, 0x02, 1, 2}, complete: true, sections: 1},
		{name: "truncated", payload: []byte{0x00, 0x00, 0x80, 0x0A, 1, 2, 3}, complete: false},
		{name: "stuffing", payload: []byte{0x00, 0x00, 0x80, 0x01, 1, 0xFF, 0xFF}, complete: true, sections: 1},
		{name: "zero padding", payload: []byte{0x00, 0x00, 0x80, 0x01, 1, 0x00, 0x00, 0x00}, complete: true, sections: 1},
		{name: "pointer field", payload: []byte{0x02, 0xAA, 0xBB, 0x02, 0x80, 0x01, 7}, complete: true, sections: 1},
		{name: "empty", payload: nil, complete: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := 0
			complete := walkSections(tc.payload, func([]byte) { n++ })
			if complete != tc.complete || n != tc.sections {
				t.Fatalf("complete=%v sections=%d, want %v and %d", complete, n, tc.complete, tc.sections)
			}
		})
	}
}
