package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/replay/internal/ingest"
)

const dialTimeout = 10 * time.Second

var (
	ErrPullActive = errors.New("srt: pull already active for stream key")
	ErrNoPull     = errors.New("srt: no active pull for stream key")
)

// PullRequest names a remote SRT listener to record from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// Validate checks the fields Pull requires.
func (r PullRequest) Validate() error {
	switch {
	case r.Address == "":
		return errors.New("address is required")
	case r.StreamKey == "":
		return errors.New("streamKey is required")
	}
	return nil
}

// Caller dials remote SRT listeners and registers what they send.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]pull
}

type pull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]pull),
	}
}

// Pull dials req.Address and, once connected, copies the stream into the
// registry in the background until ctx is canceled, Stop is called or the
// remote side hangs up.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("%w %q", ErrPullActive, req.StreamKey)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- result{conn, err}
	}()
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial %s: %w", req.Address, res.err)
		}
		return c.start(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("SRT dial %s timed out after %s", req.Address, dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (c *Caller) start(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, ok := c.pulls[req.StreamKey]; ok {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = pull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.pulls, req.StreamKey)
			c.mu.Unlock()
		}()
		// Closing the connection is what unblocks a pending Read on Stop.
		go func() {
			<-pullCtx.Done()
			conn.Close()
		}()
		copyStream(pullCtx, c.log, c.registry, req.StreamKey, req.Address, conn)
	}()
	return nil
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

// Stop ends the pull recorded under streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	p, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w %q", ErrNoPull, streamKey)
	}
	p.cancel()
	return nil
}

// List returns the active pulls ordered by stream key.
func (c *Caller) List() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, p := range c.pulls {
		out = append(out, p.req)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b PullRequest) int {
		return strings.Compare(a.StreamKey, b.StreamKey)
	})
	return out
}
