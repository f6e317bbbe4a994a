// Package mp4 writes snapshots as fragmented MP4 with a single H.264 video
// track. Each GOP becomes one moof/mdat fragment.
package mp4

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/media"
)

// Timescale is the track timescale in ticks per second.
const Timescale = 90000

var (
	ErrUnsupportedCodec = errors.New("mp4: unsupported codec")
	ErrNotStarted       = errors.New("mp4: writer not started")
	ErrNoTrack          = errors.New("mp4: no video track")
)

// Writer is an engine.ContainerWriter. It is used for one file only.
type Writer struct {
	dst  io.WriteCloser
	bw   *bufio.Writer
	log  *slog.Logger
	init *mp4.InitSegment

	trackID    uint32
	defaultDur uint32
	seq        uint32

	frag    *mp4.Fragment
	pending *mp4.FullSample
	started bool
	samples int
}

// NewWriter wraps dst. Close closes dst.
func NewWriter(dst io.WriteCloser, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		dst: dst,
		bw:  bufio.NewWriterSize(dst, 256*1024),
		log: log.With("component", "mp4"),
		seq: 1,
	}
}

// Create creates path, and any missing parent directories, and returns a
// writer for it.
func Create(path string, log *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewWriter(f, log), nil
}

// Opener returns an engine.OpenFunc that creates MP4 files on disk.
func Opener(log *slog.Logger) engine.OpenFunc {
	return func(path string) (engine.ContainerWriter, error) {
		return Create(path, log)
	}
}

// AddVideoTrack builds the init segment from the format's parameter sets.
func (w *Writer) AddVideoTrack(format media.Format) error {
	if format.Codec != "h264" {
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, format.Codec)
	}
	if len(format.SPS) == 0 || len(format.PPS) == 0 {
		return fmt.Errorf("mp4: h264 track needs SPS and PPS")
	}

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(Timescale, "video", "und")
	trak := init.Moov.Trak
	if err := trak.SetAVCDescriptor("avc1", [][]byte{format.SPS}, [][]byte{format.PPS}, true); err != nil {
		return fmt.Errorf("mp4: avc descriptor: %w", err)
	}

	w.init = init
	w.trackID = trak.Tkhd.TrackID
	w.defaultDur = Timescale / 30
	if format.FrameRate > 0 {
		w.defaultDur = uint32(Timescale / format.FrameRate)
	}
	return nil
}

// Start writes ftyp and moov.
func (w *Writer) Start() error {
	if w.init == nil {
		return ErrNoTrack
	}
	if err := w.init.Encode(w.bw); err != nil {
		return fmt.Errorf("mp4: encoding init segment: %w", err)
	}
	w.started = true
	return nil
}

// WriteSample queues one AVC1 (length-prefixed) access unit. Samples arrive
// in decode order: dts drives the decode timeline and pts is kept through
// the composition time offset. A sample's duration is known only once the
// next one arrives, so each sample is held until then. A key frame closes
// the current fragment.
func (w *Writer) WriteSample(data []byte, flags media.Flags, pts, dts int64) error {
	if !w.started {
		return ErrNotStarted
	}

	decode := usToTicks(dts)
	if w.pending != nil {
		dur := w.defaultDur
		if decode > w.pending.DecodeTime {
			dur = uint32(decode - w.pending.DecodeTime)
		}
		// The decode timeline is tfdt plus summed durations, so it has to
		// follow the durations actually written.
		decode = w.pending.DecodeTime + uint64(dur)
		if err := w.flushPending(dur); err != nil {
			return err
		}
	}

	sampleFlags := mp4.NonSyncSampleFlags
	if flags.Has(media.FlagKeyFrame) {
		sampleFlags = mp4.SyncSampleFlags
	}
	w.pending = &mp4.FullSample{
		Sample: mp4.Sample{
			Flags:                 sampleFlags,
			Size:                  uint32(len(data)),
			CompositionTimeOffset: int32(int64(usToTicks(pts)) - int64(decode)),
		},
		DecodeTime: decode,
		Data:       append([]byte(nil), data...),
	}
	return nil
}

func (w *Writer) flushPending(dur uint32) error {
	s := *w.pending
	w.pending = nil
	s.Dur = dur

	if s.Flags == mp4.SyncSampleFlags && w.frag != nil {
		if err := w.flushFragment(); err != nil {
			return err
		}
	}
	if w.frag == nil {
		frag, err := mp4.CreateFragment(w.seq, w.trackID)
		if err != nil {
			return fmt.Errorf("mp4: creating fragment: %w", err)
		}
		w.frag = frag
		w.seq++
	}
	if err := w.frag.AddFullSampleToTrack(s, w.trackID); err != nil {
		return fmt.Errorf("mp4: adding sample: %w", err)
	}
	w.samples++
	return nil
}

func (w *Writer) flushFragment() error {
	if err := w.frag.Encode(w.bw); err != nil {
		return fmt.Errorf("mp4: encoding fragment %d: %w", w.seq-1, err)
	}
	w.frag = nil
	return nil
}

// Finish writes the last fragment and flushes buffered output.
func (w *Writer) Finish() error {
	if !w.started {
		return ErrNotStarted
	}
	if w.pending != nil {
		if err := w.flushPending(w.defaultDur); err != nil {
			return err
		}
	}
	if w.frag != nil {
		if err := w.flushFragment(); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("mp4: flush: %w", err)
	}
	w.log.Debug("mp4 finished", "samples", w.samples, "fragments", w.seq-1)
	return nil
}

// Close releases the destination. It does not flush; call Finish first.
func (w *Writer) Close() error {
	return w.dst.Close()
}

// Samples returns how many samples have been committed to fragments.
func (w *Writer) Samples() int {
	return w.samples
}

func usToTicks(us int64) uint64 {
	if us <= 0 {
		return 0
	}
	return uint64(us) * Timescale / 1_000_000
}
