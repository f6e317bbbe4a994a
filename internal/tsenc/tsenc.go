// Package tsenc provides an encoder.Encoder whose output is an already
// encoded H.264 stream, typically demuxed from MPEG-TS.
//
// Frames submitted on the input side are repackaged as AVC1 (4-byte length
// prefixed) into a fixed pool of reusable output slots. When every slot is
// waiting to be released, Submit blocks, which is how a hardware encoder
// applies backpressure to its producer. The one-time codec-config output has
// a slot of its own, so a single frame slot is enough to make progress.
package tsenc

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/replay/internal/demux"
	"github.com/zsiec/replay/internal/encoder"
	"github.com/zsiec/replay/internal/media"
)

// DefaultSlots is the output pool size used when New is given zero.
const DefaultSlots = 8

// slotSize is the initial capacity of each output slot; slots grow to fit
// the largest access unit seen.
const slotSize = 64 << 10

var (
	ErrNotStarted = errors.New("tsenc: not started")
	ErrStopped    = errors.New("tsenc: stopped")
)

type event struct {
	status encoder.Status
	out    encoder.Output
}

// Encoder adapts a stream of media.VideoFrame values to the encoder
// contract. Submit may be called from one producer goroutine while another
// drains output.
type Encoder struct {
	log *slog.Logger
	fps int

	slots   [][]byte // frame slots, then the codec-config slot
	cfgSlot int
	free    chan int
	ready   chan event

	mu       sync.Mutex
	format   media.Format
	haveFmt  bool
	started  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once

	submitted atomic.Int64
	skipped   atomic.Int64
}

var _ encoder.Encoder = (*Encoder)(nil)

// New creates an encoder with n output slots. fallbackFPS is reported in
// the output format when the SPS carries no timing information. If log is
// nil, slog.Default() is used.
func New(n, fallbackFPS int, log *slog.Logger) *Encoder {
	if n <= 0 {
		n = DefaultSlots
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Encoder{
		log:     log.With("component", "tsenc"),
		fps:     fallbackFPS,
		slots:   make([][]byte, n+1),
		cfgSlot: n,
		free:    make(chan int, n),
		ready:   make(chan event, n+2),
		stopped: make(chan struct{}),
	}
	for i := range n {
		e.slots[i] = make([]byte, 0, slotSize)
		e.free <- i
	}
	return e
}

func (e *Encoder) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("tsenc: already started")
	}
	return nil
}

// Stop unblocks pending Submit calls. Output already queued can still be
// dequeued.
func (e *Encoder) Stop() error {
	e.stopOnce.Do(func() { close(e.stopped) })
	return nil
}

// Release discards output that was never dequeued.
func (e *Encoder) Release() {
	e.Stop()
	for {
		select {
		case <-e.ready:
		default:
			return
		}
	}
}

// Submit queues one access unit. Frames that arrive before the first SPS
// and PPS are skipped since no output format can be described for them.
func (e *Encoder) Submit(ctx context.Context, f *media.VideoFrame) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	ok, first := e.announce(f)
	if !ok {
		e.skipped.Add(1)
		return nil
	}
	if first {
		e.queueConfig(f.SPS, f.PPS)
	}

	idx, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	buf := e.slots[idx][:0]
	for _, nalu := range f.NALUs {
		raw := stripStartCode(nalu)
		if len(raw) == 0 || raw[0]&0x1F == demux.NALTypeAUD {
			continue
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(raw)))
		buf = append(buf, raw...)
	}
	e.slots[idx] = buf

	var flags media.Flags
	if f.IsKeyframe {
		flags |= media.FlagKeyFrame
	}
	e.submitted.Add(1)
	e.ready <- event{status: encoder.StatusOutputAvailable, out: encoder.Output{
		Index: idx, Data: buf, Flags: flags, PTS: f.PTS, DTS: f.DTS,
	}}
	return nil
}

// queueConfig emits the parameter sets as a codec-config output. It runs
// once, so its slot is never contended.
func (e *Encoder) queueConfig(sps, pps []byte) {
	buf := make([]byte, 0, 8+len(sps)+len(pps))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sps)))
	buf = append(buf, sps...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pps)))
	buf = append(buf, pps...)
	e.slots[e.cfgSlot] = buf
	e.ready <- event{status: encoder.StatusOutputAvailable, out: encoder.Output{
		Index: e.cfgSlot, Data: buf, Flags: media.FlagCodecConfig,
	}}
}

// announce publishes the output format the first time a frame carries
// parameter sets. ok reports whether f can be encoded and first whether
// this call published the format.
func (e *Encoder) announce(f *media.VideoFrame) (ok, first bool) {
	e.mu.Lock()
	have := e.haveFmt
	e.mu.Unlock()
	if have {
		return true, false
	}
	if len(f.SPS) == 0 || len(f.PPS) == 0 {
		return false, false
	}

	format := media.Format{
		Codec:     "h264",
		FrameRate: e.fps,
		SPS:       append([]byte(nil), f.SPS...),
		PPS:       append([]byte(nil), f.PPS...),
	}
	if info, err := demux.ParseSPS(f.SPS); err == nil {
		format.Width, format.Height = info.Width, info.Height
		if info.FrameRate > 0 {
			format.FrameRate = info.FrameRate
		}
	} else {
		e.log.Warn("SPS not parseable, size unknown", "error", err)
	}

	e.mu.Lock()
	e.format = format
	e.haveFmt = true
	e.mu.Unlock()
	e.ready <- event{status: encoder.StatusFormatChanged}

	e.log.Info("output format",
		"codec", format.CodecString(),
		"width", format.Width,
		"height", format.Height,
		"fps", format.FrameRate,
	)
	return true, true
}

func (e *Encoder) acquire(ctx context.Context) (int, error) {
	select {
	case <-e.stopped:
		return 0, ErrStopped
	default:
	}
	select {
	case idx := <-e.free:
		return idx, nil
	case <-e.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// DequeueOutput never blocks.
func (e *Encoder) DequeueOutput() (encoder.Output, encoder.Status) {
	select {
	case ev := <-e.ready:
		return ev.out, ev.status
	default:
		return encoder.Output{}, encoder.StatusTryAgainLater
	}
}

func (e *Encoder) OutputFormat() media.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

func (e *Encoder) ReleaseOutput(index int) {
	if index == e.cfgSlot {
		return
	}
	if index < 0 || index >= cap(e.free) {
		e.log.Warn("release of unknown output slot", "index", index)
		return
	}
	select {
	case e.free <- index:
	default:
		e.log.Warn("output slot released twice", "index", index)
	}
}

// Submitted returns the number of frames queued as output.
func (e *Encoder) Submitted() int64 { return e.submitted.Load() }

// Skipped returns the number of frames dropped while waiting for the first
// parameter sets.
func (e *Encoder) Skipped() int64 { return e.skipped.Load() }

// stripStartCode removes a 3- or 4-byte Annex B start code prefix.
func stripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}
