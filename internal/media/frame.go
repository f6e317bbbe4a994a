// Package media defines the encoded-video types that flow from ingest through
// the encoder output queue, the ring store, and finally the container writer.
package media

import (
	"fmt"
	"strings"
)

// VideoBufferSize is the channel depth between the demuxer (producer) and
// the recorder pump (consumer): about two seconds of 30 fps video.
const VideoBufferSize = 60

// VideoFrame is one demuxed H.264 access unit. NALUs are Annex B (4-byte
// start code prefixed). SPS and PPS hold the most recent parameter sets seen
// on the stream, without start codes.
type VideoFrame struct {
	PTS        int64 // microseconds
	DTS        int64 // microseconds
	IsKeyframe bool
	NALUs      [][]byte
	SPS        []byte
	PPS        []byte
}

// Flags describes an encoded packet. Values match the buffer flags reported
// by hardware encoders so they can be passed through unchanged.
type Flags uint32

const (
	FlagKeyFrame Flags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Has reports whether every bit in o is set in f.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f.Has(FlagKeyFrame) {
		parts = append(parts, "key")
	}
	if f.Has(FlagCodecConfig) {
		parts = append(parts, "config")
	}
	if f.Has(FlagEndOfStream) {
		parts = append(parts, "eos")
	}
	if rest := f &^ (FlagKeyFrame | FlagCodecConfig | FlagEndOfStream); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Format is the encoder's output format, reported once before the first
// packet. It carries the codec configuration that a container writer needs
// at track-initialization time.
type Format struct {
	Codec     string // "h264"
	Width     int
	Height    int
	FrameRate int
	SPS       []byte // raw NAL unit, no start code
	PPS       []byte // raw NAL unit, no start code
}

// CodecString returns the RFC 6381 codec parameter (e.g. "avc1.64001F"),
// or the bare codec name when the SPS is too short to carry a profile.
func (f Format) CodecString() string {
	if len(f.SPS) < 4 {
		return f.Codec
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", f.SPS[1], f.SPS[2], f.SPS[3])
}
