// Package engine moves encoded packets from an encoder's output queue into a
// ring store, and writes the buffered span out as a container file on demand.
//
// An Engine is not safe for concurrent use. The session worker goroutine owns
// it; other goroutines read progress through Stats.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/replay/internal/encoder"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/ringstore"
)

// ErrNoFormat is reported when a snapshot is attempted before the encoder
// announced its output format.
var ErrNoFormat = errors.New("engine: encoder output format not received")

// Status is the outcome of a snapshot.
type Status int

const (
	StatusOK Status = iota
	StatusNoSyncFrame
	StatusWriteFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoSyncFrame:
		return "no_sync_frame"
	case StatusWriteFailure:
		return "write_failure"
	default:
		return "unknown"
	}
}

// Result reports one snapshot. Err is set only for StatusWriteFailure.
type Result struct {
	Status  Status
	Path    string
	Samples int
	Err     error
}

// WriteError describes which container step failed.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ContainerWriter receives one snapshot. Calls arrive in the order
// AddVideoTrack, Start, WriteSample..., Finish, and Close is always called
// last, even after a failure. Samples arrive in decode order with their
// original timestamps.
type ContainerWriter interface {
	AddVideoTrack(format media.Format) error
	Start() error
	WriteSample(data []byte, flags media.Flags, pts, dts int64) error
	Finish() error
	Close() error
}

// OpenFunc creates a writer for a destination path.
type OpenFunc func(path string) (ContainerWriter, error)

// Stats is a point-in-time view of the engine, safe to read from any
// goroutine.
type Stats struct {
	Packets  int
	Bytes    int
	SpanUs   int64
	Drained  uint64
	Evicted  uint64
	Oversize uint64
}

// Engine drains an encoder into a ring store.
type Engine struct {
	enc    encoder.Encoder
	store  *ringstore.Store
	open   OpenFunc
	log    *slog.Logger
	format *media.Format

	packets  atomic.Int64
	bytes    atomic.Int64
	spanUs   atomic.Int64
	drained  atomic.Uint64
	evicted  atomic.Uint64
	oversize atomic.Uint64
}

// New creates an engine. The engine takes ownership of store.
func New(enc encoder.Encoder, store *ringstore.Store, open OpenFunc, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		enc:   enc,
		store: store,
		open:  open,
		log:   log.With("component", "engine"),
	}
}

// Drain dequeues encoder output until the encoder has nothing ready,
// appending each packet to the store and returning every buffer to the
// encoder. It returns the number of packets stored.
func (e *Engine) Drain() int {
	defer e.publish()

	stored := 0
	for {
		out, status := e.enc.DequeueOutput()
		switch status {
		case encoder.StatusTryAgainLater:
			return stored
		case encoder.StatusFormatChanged:
			e.setFormat(e.enc.OutputFormat())
			continue
		case encoder.StatusOutputAvailable:
		default:
			e.log.Warn("unexpected dequeue status", "status", int(status))
			return stored
		}

		if out.Data == nil {
			e.log.Warn("encoder returned an empty output buffer", "index", out.Index)
			e.enc.ReleaseOutput(out.Index)
			return stored
		}

		if e.append(out) {
			stored++
		}
		e.enc.ReleaseOutput(out.Index)

		if out.Flags.Has(media.FlagEndOfStream) {
			e.log.Warn("encoder reached end of stream while recording")
			return stored
		}
	}
}

func (e *Engine) setFormat(f media.Format) {
	if e.format != nil {
		e.log.Warn("output format changed again", "codec", f.CodecString(),
			"previous", e.format.CodecString())
	}
	e.format = &f
	e.log.Info("encoder output format",
		"codec", f.CodecString(),
		"width", f.Width,
		"height", f.Height,
		"fps", f.FrameRate,
	)
}

// append stores one output buffer, reporting whether it was kept. Codec
// configuration is carried by the cached format, not the ring.
func (e *Engine) append(out encoder.Output) bool {
	if out.Flags.Has(media.FlagCodecConfig) || len(out.Data) == 0 {
		return false
	}
	if err := e.store.Append(out.Data, out.Flags, out.PTS, out.DTS); err != nil {
		e.oversize.Add(1)
		e.log.Warn("dropping packet",
			"size", len(out.Data),
			"capacity", e.store.Cap(),
			"pts", out.PTS,
			"error", err,
		)
		return false
	}
	e.drained.Add(1)
	return true
}

func (e *Engine) publish() {
	e.packets.Store(int64(e.store.Len()))
	e.bytes.Store(int64(e.store.Bytes()))
	e.spanUs.Store(e.store.Span())
	e.evicted.Store(e.store.Dropped())
}

// Snapshot writes every buffered packet from the oldest key frame to the
// newest packet into a new container at dest. It does not drain the encoder
// first. When nothing decodable is buffered it returns StatusNoSyncFrame
// without touching the file system.
func (e *Engine) Snapshot(dest string) Result {
	first, ok := e.store.FirstSyncIndex()
	if !ok {
		e.log.Info("snapshot skipped, no key frame buffered", "dest", dest, "packets", e.store.Len())
		return Result{Status: StatusNoSyncFrame, Path: dest}
	}
	if e.format == nil {
		return e.fail(dest, 0, &WriteError{Op: "add track", Err: ErrNoFormat})
	}

	w, err := e.open(dest)
	if err != nil {
		return e.fail(dest, 0, &WriteError{Op: "open", Err: err})
	}

	n, err := e.write(w, first)
	if cerr := w.Close(); cerr != nil {
		if err == nil {
			err = &WriteError{Op: "close", Err: cerr}
		} else {
			e.log.Debug("close after failed snapshot", "dest", dest, "error", cerr)
		}
	}
	if err != nil {
		return e.fail(dest, n, err)
	}

	e.log.Info("snapshot written", "dest", dest, "samples", n)
	return Result{Status: StatusOK, Path: dest, Samples: n}
}

func (e *Engine) write(w ContainerWriter, first int) (int, error) {
	if err := w.AddVideoTrack(*e.format); err != nil {
		return 0, &WriteError{Op: "add track", Err: err}
	}
	if err := w.Start(); err != nil {
		return 0, &WriteError{Op: "start", Err: err}
	}

	n := 0
	for i, ok := first, true; ok; i, ok = e.store.NextIndex(i) {
		p := e.store.Packet(i)
		if err := w.WriteSample(p.Data, p.Flags, p.PTS, p.DTS); err != nil {
			return n, &WriteError{Op: "write sample", Err: err}
		}
		n++
	}

	if err := w.Finish(); err != nil {
		return n, &WriteError{Op: "finish", Err: err}
	}
	return n, nil
}

func (e *Engine) fail(dest string, samples int, err error) Result {
	e.log.Error("snapshot failed", "dest", dest, "samples", samples, "error", err)
	return Result{Status: StatusWriteFailure, Path: dest, Samples: samples, Err: err}
}

// Format returns the cached output format, if one has been announced.
func (e *Engine) Format() (media.Format, bool) {
	if e.format == nil {
		return media.Format{}, false
	}
	return *e.format, true
}

// Stats returns counters published at the end of the last drain.
func (e *Engine) Stats() Stats {
	return Stats{
		Packets:  int(e.packets.Load()),
		Bytes:    int(e.bytes.Load()),
		SpanUs:   e.spanUs.Load(),
		Drained:  e.drained.Load(),
		Evicted:  e.evicted.Load(),
		Oversize: e.oversize.Load(),
	}
}
