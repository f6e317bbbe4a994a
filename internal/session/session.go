// Package session runs an encoder's output side on a dedicated worker
// goroutine.
//
// Every operation on the ring store and the encoder output queue happens on
// the worker, in the order the commands were issued. Producers never block:
// NotifyFrameSubmitted and RequestSnapshot only enqueue. Shutdown is the one
// call that waits for the worker.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/replay/internal/encoder"
	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/mp4"
	"github.com/zsiec/replay/internal/ringstore"
)

var (
	ErrNotStarted     = errors.New("session: not started")
	ErrAlreadyStarted = errors.New("session: already started")
	ErrShutdown       = errors.New("session: shut down")
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// handler executes commands on the worker goroutine.
type handler interface {
	Drain() int
	Snapshot(dest string) engine.Result
}

// Option configures a Session.
type Option func(*options)

type options struct {
	log  *slog.Logger
	open engine.OpenFunc
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithOpener sets how snapshot files are created. The default writes
// fragmented MP4.
func WithOpener(open engine.OpenFunc) Option {
	return func(o *options) { o.open = open }
}

// Stats is a point-in-time view of a session.
type Stats struct {
	engine.Stats
	Pending int
}

// Session owns an encoder and the ring store its output is drained into.
type Session struct {
	enc encoder.Encoder
	eng *engine.Engine
	h   handler
	log *slog.Logger
	q   *queue

	mu    sync.Mutex
	state state
	done  chan struct{}
}

// New validates cfg, sizes the ring store from it, and returns an idle
// session. Commands issued before Start are queued and run once the worker
// starts.
func New(enc encoder.Encoder, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.open == nil {
		o.open = mp4.Opener(o.log)
	}

	store, err := ringstore.NewForStream(cfg.Bitrate, cfg.Framerate, cfg.BufferSeconds)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	eng := engine.New(enc, store, o.open, o.log)
	s := &Session{
		enc:  enc,
		eng:  eng,
		h:    eng,
		log:  o.log.With("component", "session"),
		q:    newQueue(),
		done: make(chan struct{}),
	}
	s.log.Info("ring store allocated",
		"bytes", store.Cap(),
		"slots", store.MetaCap(),
		"seconds", cfg.BufferSeconds,
	)
	return s, nil
}

// Start starts the encoder, then the worker.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrShutdown
	}
	if err := s.enc.Start(); err != nil {
		return fmt.Errorf("session: starting encoder: %w", err)
	}
	s.state = stateRunning
	go s.run()
	return nil
}

// NotifyFrameSubmitted schedules a drain of the encoder's output queue.
// Call it before handing each frame to the encoder, so that the output
// queue is drained at least once per input frame and the encoder never
// stalls for want of free output buffers.
func (s *Session) NotifyFrameSubmitted() {
	s.q.push(command{kind: opDrain})
}

// RequestSnapshot schedules a snapshot of the buffer into dest. The
// returned channel receives exactly one Result. A request made after
// Shutdown fails with ErrShutdown.
func (s *Session) RequestSnapshot(dest string) <-chan engine.Result {
	reply := make(chan engine.Result, 1)
	if !s.q.push(command{kind: opSnapshot, dest: dest, reply: reply}) {
		reply <- engine.Result{Status: engine.StatusWriteFailure, Path: dest, Err: ErrShutdown}
	}
	return reply
}

// Shutdown lets the worker finish every command issued before it, then
// stops and releases the encoder.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateIdle:
		return ErrNotStarted
	case stateStopped:
		return ErrShutdown
	}
	s.state = stateStopped

	s.q.closeWith(command{kind: opShutdown})
	<-s.done

	var err error
	if serr := s.enc.Stop(); serr != nil {
		err = fmt.Errorf("session: stopping encoder: %w", serr)
	}
	s.enc.Release()
	s.log.Info("session shut down")
	return err
}

// Done is closed when the worker exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns counters published by the worker after its last drain.
func (s *Session) Stats() Stats {
	return Stats{
		Stats:   s.eng.Stats(),
		Pending: s.q.len(),
	}
}

func (s *Session) run() {
	defer close(s.done)
	s.log.Debug("worker started")

	for {
		c := s.q.pop()
		switch c.kind {
		case opDrain:
			s.h.Drain()
		case opSnapshot:
			c.reply <- s.h.Snapshot(c.dest)
		case opShutdown:
			s.log.Debug("worker exiting")
			return
		}
	}
}
