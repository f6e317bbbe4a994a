package mpegts

import (
	"bytes"
	"testing"
)

func encodeTS(prefix byte, v int64) []byte {
	return []byte{
		prefix<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

func pesBytes(streamID byte, length int, flags byte, opt, data []byte) []byte {
	b := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(opt))}
	b = append(b, opt...)
	return append(b, data...)
}

func TestParsePES(t *testing.T) {
	t.Parallel()

	payload := []byte{0xAA, 0xBB, 0xCC}
	bothTS := append(encodeTS(0x3, 126000), encodeTS(0x1, 123000)...)

	tests := []struct {
		name     string
		in       []byte
		wantPTS  int64
		wantDTS  int64
		hasPTS   bool
		hasDTS   bool
		wantData []byte
	}{
		{
			name:     "pts only",
			in:       pesBytes(0xC0, 3+5+3, 0x80, encodeTS(0x2, 90000), payload),
			wantPTS:  90000,
			hasPTS:   true,
			wantData: payload,
		},
		{
			name:     "pts and dts",
			in:       pesBytes(0xE0, 0, 0xC0, bothTS, payload),
			wantPTS:  126000,
			wantDTS:  123000,
			hasPTS:   true,
			hasDTS:   true,
			wantData: payload,
		},
		{
			name:     "no timestamps",
			in:       pesBytes(0xE0, 0, 0x00, nil, payload),
			wantData: payload,
		},
		{
			name:     "33-bit wrap value",
			in:       pesBytes(0xE0, 0, 0x80, encodeTS(0x2, 1<<33-1), payload),
			wantPTS:  1<<33 - 1,
			hasPTS:   true,
			wantData: payload,
		},
		{
			name:     "bounded length trims trailing bytes",
			in:       append(pesBytes(0xC0, 3+5+2, 0x80, encodeTS(0x2, 1), []byte{1, 2}), 0xFF, 0xFF),
			wantPTS:  1,
			hasPTS:   true,
			wantData: []byte{1, 2},
		},
		{
			name:     "padding stream has no optional header",
			in:       []byte{0x00, 0x00, 0x01, 0xBE, 0x00, 0x02, 0xFF, 0xFF},
			wantData: []byte{0xFF, 0xFF},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pes, err := parsePES(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if pes.HasPTS != tc.hasPTS || pes.PTS != tc.wantPTS {
				t.Errorf("PTS = %d (%v), want %d (%v)", pes.PTS, pes.HasPTS, tc.wantPTS, tc.hasPTS)
			}
			if pes.HasDTS != tc.hasDTS || pes.DTS != tc.wantDTS {
				t.Errorf("DTS = %d (%v), want %d (%v)", pes.DTS, pes.HasDTS, tc.wantDTS, tc.hasDTS)
			}
			if !bytes.Equal(pes.Data, tc.wantData) {
				t.Errorf("data = %x, want %x", pes.Data, tc.wantData)
			}
		})
	}
}

func TestParsePESErrors(t *testing.T) {
	t.Parallel()
	if _, err := parsePES([]byte{0, 0, 1}); err == nil {
		t.Error("expected error for short PES")
	}
	if _, err := parsePES([]byte{0, 0, 2, 0xE0, 0, 0, 0x80, 0, 0}); err == nil {
		t.Error("expected error for bad start code")
	}
	if _, err := parsePES([]byte{0, 0, 1, 0xE0, 0, 0, 0x80}); err == nil {
		t.Error("expected error for truncated optional header")
	}
}

func TestTimestampUs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ts, want int64
	}{
		{0, 0},
		{90000, 1_000_000},
		{3003, 33_366},
		{1<<33 - 1, 95_443_717_677},
	}
	for _, tc := range tests {
		if got := TimestampUs(tc.ts); got != tc.want {
			t.Errorf("TimestampUs(%d) = %d, want %d", tc.ts, got, tc.want)
		}
	}
}
