package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/mpegts"
)

// wrap33 is the PTS/DTS modulus.
const wrap33 = int64(1) << 33

// Stats is a snapshot of demuxer counters.
type Stats struct {
	Frames    int64
	Keyframes int64
	Width     int
	Height    int
	Skipped   int
}

// Demuxer extracts H.264 access units from a transport stream. The first
// H.264 stream listed in the PMT is used.
type Demuxer struct {
	log     *slog.Logger
	reader  io.Reader
	videoCh chan *media.VideoFrame

	videoPID  uint16
	ignored   map[uint16]bool
	sps, pps  []byte
	lastTS    int64
	tsOffset  int64
	haveTS    bool
	frames    atomic.Int64
	keyframes atomic.Int64
	width     atomic.Int32
	height    atomic.Int32
	skipped   atomic.Int32
}

// NewDemuxer creates a Demuxer reading from r. If log is nil,
// slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:     log.With("component", "demux"),
		reader:  r,
		videoCh: make(chan *media.VideoFrame, media.VideoBufferSize),
		ignored: make(map[uint16]bool),
	}
}

// Video returns the channel frames are delivered on. It is closed when Run
// returns.
func (d *Demuxer) Video() <-chan *media.VideoFrame {
	return d.videoCh
}

func (d *Demuxer) Stats() Stats {
	return Stats{
		Frames:    d.frames.Load(),
		Keyframes: d.keyframes.Load(),
		Width:     int(d.width.Load()),
		Height:    int(d.height.Load()),
		Skipped:   int(d.skipped.Load()),
	}
}

// Run demuxes until the input ends or ctx is canceled. A clean end of input
// returns nil.
func (d *Demuxer) Run(ctx context.Context) error {
	defer close(d.videoCh)

	rd := mpegts.NewReader(d.reader)
	for {
		u, err := rd.Next(ctx)
		d.skipped.Store(int32(rd.Skipped()))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch u.Kind {
		case mpegts.UnitPMT:
			d.handlePMT(u.Streams)
		case mpegts.UnitPES:
			if u.PID == d.videoPID && d.videoPID != 0 {
				d.handleVideo(ctx, u.PES)
			}
		}
	}
}

func (d *Demuxer) handlePMT(streams []mpegts.ElementaryStream) {
	for _, es := range streams {
		switch {
		case es.StreamType == mpegts.StreamTypeH264 && d.videoPID == 0:
			d.videoPID = es.PID
			d.log.Info("found video PID", "pid", es.PID, "codec", "H.264")
		case es.PID != d.videoPID && !d.ignored[es.PID]:
			d.ignored[es.PID] = true
			d.log.Debug("ignoring elementary stream", "pid", es.PID, "stream_type", es.StreamType)
		}
	}
}

// unwrap extends a 33-bit timestamp so it keeps increasing across the
// 26.5 hour rollover.
func (d *Demuxer) unwrap(ts int64) int64 {
	if d.haveTS {
		if d.lastTS-ts > wrap33/2 {
			d.tsOffset += wrap33
		} else if ts-d.lastTS > wrap33/2 && d.tsOffset >= wrap33 {
			d.tsOffset -= wrap33
		}
	}
	d.lastTS = ts
	d.haveTS = true
	return ts + d.tsOffset
}

func (d *Demuxer) handleVideo(ctx context.Context, pes *mpegts.PES) {
	if len(pes.Data) == 0 || !pes.HasPTS {
		return
	}

	pts := mpegts.TimestampUs(d.unwrap(pes.PTS))
	dts := pts
	if pes.HasDTS {
		dts = pts - mpegts.TimestampUs((pes.PTS-pes.DTS+wrap33)%wrap33)
	}

	nalus := ParseAnnexB(pes.Data)
	if len(nalus) == 0 {
		return
	}

	key := false
	naluBytes := make([][]byte, 0, len(nalus))
	for _, n := range nalus {
		switch n.Type {
		case NALTypeAUD:
			continue
		case NALTypeSPS:
			d.setSPS(n.Data)
			key = true
		case NALTypePPS:
			d.pps = append([]byte(nil), n.Data...)
		case NALTypeIDR:
			key = true
		}

		annexB := make([]byte, 4+len(n.Data))
		annexB[3] = 1
		copy(annexB[4:], n.Data)
		naluBytes = append(naluBytes, annexB)
	}

	frame := &media.VideoFrame{
		PTS:        pts,
		DTS:        dts,
		IsKeyframe: key,
		NALUs:      naluBytes,
		SPS:        d.sps,
		PPS:        d.pps,
	}

	d.frames.Add(1)
	if key {
		d.keyframes.Add(1)
	}

	select {
	case d.videoCh <- frame:
	case <-ctx.Done():
	}
}

// setSPS records a new SPS. Frames share the slice, so it is replaced, never
// modified.
func (d *Demuxer) setSPS(nal []byte) {
	if string(nal) == string(d.sps) {
		return
	}
	d.sps = append([]byte(nil), nal...)

	info, err := ParseSPS(nal)
	if err != nil {
		d.log.Warn("unparseable SPS", "error", err)
		return
	}
	d.width.Store(int32(info.Width))
	d.height.Store(int32(info.Height))
	d.log.Info("video format",
		"codec", info.CodecString(),
		"width", info.Width,
		"height", info.Height,
		"fps", info.FrameRate,
	)
}
