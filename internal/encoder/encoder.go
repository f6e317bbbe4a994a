// Package encoder defines the contract between a real-time video encoder and
// the code that drains its output queue.
//
// The shape follows hardware encoders: output buffers live in a fixed pool
// owned by the encoder, are handed out by index, and must be returned with
// ReleaseOutput before the encoder can reuse them. An encoder that runs out
// of free output buffers stalls its input side.
package encoder

import "github.com/zsiec/replay/internal/media"

// Status is the outcome of one DequeueOutput call.
type Status int

const (
	// StatusTryAgainLater means no output is ready yet.
	StatusTryAgainLater Status = iota
	// StatusFormatChanged means OutputFormat now returns the stream's format.
	// It is reported once, before the first buffer.
	StatusFormatChanged
	// StatusOutputAvailable means the returned Output holds a buffer that
	// must be released.
	StatusOutputAvailable
)

func (s Status) String() string {
	switch s {
	case StatusTryAgainLater:
		return "try_again_later"
	case StatusFormatChanged:
		return "format_changed"
	case StatusOutputAvailable:
		return "output_available"
	default:
		return "unknown"
	}
}

// Output is one dequeued encoder buffer. Data is owned by the encoder and is
// only valid until ReleaseOutput(Index). It may be nil when the encoder
// misbehaves; callers must still release the index.
type Output struct {
	Index int
	Data  []byte
	Flags media.Flags
	PTS   int64 // microseconds
	DTS   int64 // microseconds; equals PTS unless frames are reordered
}

// Encoder is a started-once, stopped-once producer of encoded packets.
// DequeueOutput, OutputFormat and ReleaseOutput are called from a single
// goroutine; the input side may run on others.
type Encoder interface {
	Start() error
	Stop() error
	Release()

	// DequeueOutput never blocks.
	DequeueOutput() (Output, Status)
	OutputFormat() media.Format
	ReleaseOutput(index int)
}
