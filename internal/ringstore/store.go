// Package ringstore holds encoded video in a fixed-size pair of circular
// buffers: one for packet payload bytes and one for per-packet metadata.
//
// Everything is allocated up front, so appending in steady state does not
// allocate. When either ring runs out of room the oldest packets are evicted.
// Eviction does not look for sync frames; readers call FirstSyncIndex to find
// a valid starting point.
//
// A Store is not safe for concurrent use. It is meant to be owned by a single
// goroutine for its whole life.
package ringstore

import (
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/replay/internal/media"
)

var (
	// ErrPacketTooLarge is returned by Append for a payload that could not
	// fit even in an empty buffer.
	ErrPacketTooLarge = errors.New("ringstore: packet larger than buffer")

	// ErrInvalidCapacity is returned by New for unusable ring sizes.
	ErrInvalidCapacity = errors.New("ringstore: invalid capacity")
)

// slot is the metadata for one buffered packet.
type slot struct {
	flags  media.Flags
	pts    int64
	dts    int64
	start  uint32
	length uint32
}

// Packet is a read view of one buffered packet.
type Packet struct {
	Flags media.Flags
	PTS   int64 // microseconds
	DTS   int64 // microseconds
	Data  []byte

	// Wrapped is true when the payload straddled the end of the byte ring
	// and Data is a freshly allocated copy rather than a view.
	Wrapped bool
}

// Store is the dual ring buffer. The zero value is not usable; call New.
type Store struct {
	data []byte
	meta []slot

	// head is the next free metadata slot, never a live entry. The ring is
	// empty when head == tail.
	head int
	tail int

	used    int // payload bytes held by live packets
	next    int // byte offset of the next write
	dropped uint64
}

// New allocates a store with dataCap payload bytes and metaCap metadata
// slots. One metadata slot is always kept free, so at most metaCap-1 packets
// are live at a time.
func New(dataCap, metaCap int) (*Store, error) {
	if dataCap <= 0 || int64(dataCap) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: data capacity %d", ErrInvalidCapacity, dataCap)
	}
	if metaCap < 2 {
		return nil, fmt.Errorf("%w: metadata capacity %d", ErrInvalidCapacity, metaCap)
	}
	return &Store{
		data: make([]byte, dataCap),
		meta: make([]slot, metaCap),
	}, nil
}

// NewForStream sizes a store for seconds of video at the given bit rate and
// frame rate. Metadata is over-provisioned twofold so that payload space,
// not slot count, is what normally triggers eviction.
func NewForStream(bitrate, framerate, seconds int) (*Store, error) {
	dataCap := int64(bitrate) * int64(seconds) / 8
	if dataCap > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bit/s for %ds exceeds 4 GiB", ErrInvalidCapacity, bitrate, seconds)
	}
	return New(int(dataCap), framerate*seconds*2)
}

// Append copies payload into the store as the newest packet, evicting the
// oldest packets until it fits. Packets are appended in decode order. Evicted packets are counted in Dropped.
// A payload larger than the whole byte ring is rejected with
// ErrPacketTooLarge and leaves the store untouched.
func (s *Store) Append(payload []byte, flags media.Flags, pts, dts int64) error {
	size := len(payload)
	if size > len(s.data) {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrPacketTooLarge, size, len(s.data))
	}

	for !s.fits(size) {
		s.evict()
	}

	start := s.next
	s.meta[s.head] = slot{
		flags:  flags,
		pts:    pts,
		dts:    dts,
		start:  uint32(start),
		length: uint32(size),
	}

	// The payload may run off the end of the ring and continue at 0.
	n := copy(s.data[start:], payload)
	if n < size {
		copy(s.data, payload[n:])
	}

	s.next = (start + size) % len(s.data)
	s.used += size
	s.head = s.advance(s.head)
	return nil
}

// fits reports whether size more bytes and one more metadata slot are
// available without eviction.
func (s *Store) fits(size int) bool {
	if s.advance(s.head) == s.tail {
		return false
	}
	return len(s.data)-s.used >= size
}

func (s *Store) evict() {
	if s.head == s.tail {
		return
	}
	s.used -= int(s.meta[s.tail].length)
	s.tail = s.advance(s.tail)
	s.dropped++
}

func (s *Store) advance(i int) int {
	return (i + 1) % len(s.meta)
}

// FirstSyncIndex returns the index of the oldest buffered key frame. It
// returns false when no key frame is buffered. The index stays valid until
// the next Append.
func (s *Store) FirstSyncIndex() (int, bool) {
	for i := s.tail; i != s.head; i = s.advance(i) {
		if s.meta[i].flags.Has(media.FlagKeyFrame) {
			return i, true
		}
	}
	return -1, false
}

// NextIndex returns the live index following i, or false once the newest
// packet has been passed.
func (s *Store) NextIndex(i int) (int, bool) {
	n := s.advance(i)
	if n == s.head {
		return -1, false
	}
	return n, true
}

// Packet returns the packet at live index i. Data aliases the store's
// memory unless the payload wrapped, and must not be modified or retained
// past the next Append.
func (s *Store) Packet(i int) Packet {
	m := s.meta[i]
	start := int(m.start)
	end := start + int(m.length)
	p := Packet{Flags: m.flags, PTS: m.pts, DTS: m.dts}

	if end <= len(s.data) {
		p.Data = s.data[start:end:end]
		return p
	}

	buf := make([]byte, m.length)
	n := copy(buf, s.data[start:])
	copy(buf[n:], s.data[:int(m.length)-n])
	p.Data = buf
	p.Wrapped = true
	return p
}

// Len returns the number of live packets.
func (s *Store) Len() int {
	return (s.head - s.tail + len(s.meta)) % len(s.meta)
}

// Bytes returns the payload bytes held by live packets.
func (s *Store) Bytes() int {
	return s.used
}

// Cap returns the byte ring capacity.
func (s *Store) Cap() int {
	return len(s.data)
}

// MetaCap returns the number of metadata slots, one more than the maximum
// number of live packets.
func (s *Store) MetaCap() int {
	return len(s.meta)
}

// Dropped returns the total number of packets evicted since New.
func (s *Store) Dropped() uint64 {
	return s.dropped
}

// Span returns the presentation time covered by live packets, newest PTS
// minus oldest, in microseconds.
func (s *Store) Span() int64 {
	if s.head == s.tail {
		return 0
	}
	newest := (s.head - 1 + len(s.meta)) % len(s.meta)
	return s.meta[newest].pts - s.meta[s.tail].pts
}
