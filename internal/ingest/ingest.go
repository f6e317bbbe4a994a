// Package ingest tracks live transport-stream connections and hands each
// new one to the recording layer through an in-memory pipe.
package ingest

import (
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicate is returned by Register when a stream with the same key is
// already connected.
var ErrDuplicate = errors.New("ingest: stream key already in use")

// Stats describes an ingest connection.
type Stats struct {
	Key           string `json:"key"`
	RemoteAddr    string `json:"remoteAddr"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// Stream is one connected source. Bytes the transport writes into the
// stream's pipe are read by whoever the Registry dispatched it to.
type Stream struct {
	Key        string
	RemoteAddr string
	StartedAt  time.Time

	pw   *io.PipeWriter
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

// RecordRead counts one successful socket read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Stats() Stats {
	return Stats{
		Key:           s.Key,
		RemoteAddr:    s.RemoteAddr,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
	}
}

// Handler consumes a newly registered stream. It runs on its own goroutine
// and should return once input reports io.EOF.
type Handler func(key string, input io.Reader)

// Registry is the rendezvous between transports that accept connections
// and the handler that records them.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream Handler
}

// NewRegistry creates a Registry that dispatches new streams to onStream,
// which may be nil.
func NewRegistry(onStream Handler) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register adds a stream and returns the writer the transport copies
// received bytes into.
func (r *Registry) Register(key, remoteAddr string) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:        key,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		pw:         pw,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrDuplicate
	}
	r.streams[key] = s
	r.mu.Unlock()

	if r.onStream != nil {
		go func() {
			r.onStream(key, pr)
			// Unblock the transport if the handler quit early.
			pr.CloseWithError(io.ErrClosedPipe)
		}()
	}
	return s, pw, nil
}

// Unregister removes a stream, ending its input with io.EOF.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	s, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		s.pw.Close()
		close(s.done)
	}
}

func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the connected streams ordered by key.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Stream) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}
