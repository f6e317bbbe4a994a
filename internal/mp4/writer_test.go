package mp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/replay/internal/media"
)

// 1280x720 High profile SPS.
var sps720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}

func testFormat() media.Format {
	return media.Format{
		Codec:     "h264",
		Width:     1280,
		Height:    720,
		FrameRate: 30,
		SPS:       sps720p,
		PPS:       testPPS,
	}
}

// topLevelBoxes lists the box types at the top level of an ISO-BMFF file.
func topLevelBoxes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	for off := 0; off < len(data); {
		if len(data)-off < 8 {
			t.Fatalf("trailing %d bytes at offset %d", len(data)-off, off)
		}
		size := int(binary.BigEndian.Uint32(data[off:]))
		if size < 8 || off+size > len(data) {
			t.Fatalf("bad box size %d at offset %d", size, off)
		}
		types = append(types, string(data[off+4:off+8]))
		off += size
	}
	return types
}

func avcSample(n int, b byte) []byte {
	out := make([]byte, 4+n)
	binary.BigEndian.PutUint32(out, uint32(n))
	for i := 4; i < len(out); i++ {
		out[i] = b
	}
	return out
}

func writeClip(t *testing.T, path string, keys []bool) {
	t.Helper()
	w, err := Create(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddVideoTrack(testFormat()); err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i, key := range keys {
		var flags media.Flags
		if key {
			flags = media.FlagKeyFrame
		}
		pts := int64(5_000_000 + i*33_333)
		if err := w.WriteSample(avcSample(100+i, byte(i)), flags, pts, pts); err != nil {
			t.Fatalf("WriteSample %d: %v", i, err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.Samples() != len(keys) {
		t.Fatalf("Samples() = %d, want %d", w.Samples(), len(keys))
	}
}

func TestWriterOneFragmentPerGOP(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "clip.mp4")

	writeClip(t, path, []bool{true, false, false, true, false, false})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := topLevelBoxes(t, data)
	want := []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}
	if len(got) != len(want) {
		t.Fatalf("boxes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("boxes %v, want %v", got, want)
		}
	}
}

func TestWriterInitSegmentCarriesParameterSets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	writeClip(t, path, []bool{true, false, false})

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if parsed.Init == nil {
		t.Fatal("no init segment")
	}
	trak := parsed.Init.Moov.Trak
	if trak.Mdia.Mdhd.Timescale != Timescale {
		t.Fatalf("timescale %d, want %d", trak.Mdia.Mdhd.Timescale, Timescale)
	}
	avc := trak.Mdia.Minf.Stbl.Stsd.AvcX
	if avc == nil {
		t.Fatal("no avc1 sample entry")
	}
	if avc.Width != 1280 || avc.Height != 720 {
		t.Fatalf("sample entry %dx%d, want 1280x720", avc.Width, avc.Height)
	}
	cfg := avc.AvcC
	if cfg == nil || len(cfg.SPSnalus) != 1 || !bytes.Equal(cfg.SPSnalus[0], sps720p) {
		t.Fatal("avcC does not carry the stream SPS")
	}
}

func TestWriterKeepsPresentationTimeOfReorderedFrames(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ipbb.mp4")

	w, err := Create(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddVideoTrack(testFormat()); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	// I P B B in decode order, 30 fps, one frame of reorder delay.
	frames := []struct {
		key      bool
		pts, dts int64
	}{
		{true, 33_333, 0},
		{false, 133_333, 33_333},
		{false, 66_667, 66_667},
		{false, 100_000, 100_000},
	}
	for i, f := range frames {
		var flags media.Flags
		if f.key {
			flags = media.FlagKeyFrame
		}
		if err := w.WriteSample(avcSample(50, byte(i)), flags, f.pts, f.dts); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	parsed, err := mp4.DecodeFile(file)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if len(parsed.Segments) != 1 || len(parsed.Segments[0].Fragments) != 1 {
		t.Fatal("expected a single fragment")
	}
	samples, err := parsed.Segments[0].Fragments[0].GetFullSamples(parsed.Init.Moov.Mvex.Trex)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != len(frames) {
		t.Fatalf("%d samples, want %d", len(samples), len(frames))
	}
	for i, f := range frames {
		s := samples[i]
		if got, want := s.DecodeTime, usToTicks(f.dts); got != want {
			t.Errorf("sample %d: decode time %d, want %d", i, got, want)
		}
		if got, want := s.PresentationTime(), usToTicks(f.pts); got != want {
			t.Errorf("sample %d: presented at %d, want %d", i, got, want)
		}
	}
}

func TestWriterRejectsOtherCodecs(t *testing.T) {
	t.Parallel()
	w := NewWriter(nopCloser{&bytes.Buffer{}}, nil)
	f := testFormat()
	f.Codec = "hevc"
	if err := w.AddVideoTrack(f); !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("got %v, want ErrUnsupportedCodec", err)
	}
}

func TestWriterOrdering(t *testing.T) {
	t.Parallel()
	w := NewWriter(nopCloser{&bytes.Buffer{}}, nil)

	if err := w.Start(); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("Start without track: %v", err)
	}
	if err := w.WriteSample([]byte{0}, media.FlagKeyFrame, 0, 0); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("WriteSample before Start: %v", err)
	}
	if err := w.Finish(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Finish before Start: %v", err)
	}
}

func TestUsToTicks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		us   int64
		want uint64
	}{
		{0, 0},
		{-5, 0},
		{1_000_000, 90000},
		{33_333, 2999},
		{10_000_000_000, 900_000_000},
	}
	for _, tc := range tests {
		if got := usToTicks(tc.us); got != tc.want {
			t.Errorf("usToTicks(%d) = %d, want %d", tc.us, got, tc.want)
		}
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }
