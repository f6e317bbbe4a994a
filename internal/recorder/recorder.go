// Package recorder keeps an instant-replay buffer for each live stream.
//
// A Recorder demuxes a transport stream, feeds its access units through a
// tsenc.Encoder into a session, and writes snapshots of the buffered video
// to MP4 files on request. Manager tracks one Recorder per stream key.
package recorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/demux"
	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/session"
	"github.com/zsiec/replay/internal/tsenc"
)

// SnapshotFunc observes every completed snapshot.
type SnapshotFunc func(key string, res engine.Result, elapsed time.Duration)

// Config is shared by every recorder a Manager creates.
type Config struct {
	OutputDir  string
	Session    session.Config
	Slots      int // encoder output slots, 0 for tsenc.DefaultSlots
	OnSnapshot SnapshotFunc
}

// Stats describes one recorder for the API and metrics.
type Stats struct {
	Key              string    `json:"key"`
	StartedAt        time.Time `json:"startedAt"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Frames           int64     `json:"frames"`
	Keyframes        int64     `json:"keyframes"`
	SkippedFrames    int64     `json:"skippedFrames"`
	BufferedPackets  int       `json:"bufferedPackets"`
	BufferedBytes    int       `json:"bufferedBytes"`
	BufferedMs       int64     `json:"bufferedMs"`
	Drained          uint64    `json:"drained"`
	Evicted          uint64    `json:"evicted"`
	Oversize         uint64    `json:"oversize"`
	PendingCommands  int       `json:"pendingCommands"`
	Snapshots        int64     `json:"snapshots"`
	SnapshotFailures int64     `json:"snapshotFailures"`
}

// Recorder buffers one stream.
type Recorder struct {
	key       string
	cfg       Config
	log       *slog.Logger
	enc       *tsenc.Encoder
	sess      *session.Session
	startedAt time.Time
	dmx       atomic.Pointer[demux.Demuxer]

	snapshots atomic.Int64
	failures  atomic.Int64
}

// New creates a recorder for key. Extra options are passed to session.New.
// If log is nil, slog.Default() is used.
func New(key string, cfg Config, log *slog.Logger, opts ...session.Option) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream_key", key)

	enc := tsenc.New(cfg.Slots, cfg.Session.Framerate, log)
	opts = append([]session.Option{session.WithLogger(log)}, opts...)
	sess, err := session.New(enc, cfg.Session, opts...)
	if err != nil {
		return nil, fmt.Errorf("recorder %q: %w", key, err)
	}
	return &Recorder{
		key:       key,
		cfg:       cfg,
		log:       log.With("component", "recorder"),
		enc:       enc,
		sess:      sess,
		startedAt: time.Now(),
	}, nil
}

func (r *Recorder) Key() string { return r.key }

// Start starts the session.
func (r *Recorder) Start() error {
	return r.sess.Start()
}

// Feed demuxes input until it ends or ctx is canceled, scheduling a drain
// ahead of every frame handed to the encoder. A clean end of input returns
// nil. Feed may be called once.
func (r *Recorder) Feed(ctx context.Context, input io.Reader) error {
	d := demux.NewDemuxer(input, r.log)
	r.dmx.Store(d)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		return r.pump(gctx, d.Video())
	})
	err := g.Wait()

	// Pick up output for the last frame.
	r.sess.NotifyFrameSubmitted()
	return err
}

func (r *Recorder) pump(ctx context.Context, frames <-chan *media.VideoFrame) error {
	for f := range frames {
		r.sess.NotifyFrameSubmitted()
		if err := r.enc.Submit(ctx, f); err != nil {
			return fmt.Errorf("submitting frame: %w", err)
		}
	}
	return nil
}

// Snapshot writes the buffered video to a new file under the output
// directory and waits for the result.
func (r *Recorder) Snapshot(ctx context.Context) (engine.Result, error) {
	return r.SnapshotTo(ctx, r.snapshotPath(time.Now()))
}

// SnapshotTo writes the buffered video to path.
func (r *Recorder) SnapshotTo(ctx context.Context, path string) (engine.Result, error) {
	start := time.Now()
	var res engine.Result
	select {
	case res = <-r.sess.RequestSnapshot(path):
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
	elapsed := time.Since(start)

	switch res.Status {
	case engine.StatusOK:
		r.snapshots.Add(1)
		r.log.Info("snapshot written", "path", res.Path, "samples", res.Samples, "elapsed", elapsed)
	case engine.StatusNoSyncFrame:
		r.log.Info("snapshot skipped, no key frame buffered")
	default:
		r.failures.Add(1)
		r.log.Error("snapshot failed", "path", res.Path, "error", res.Err)
	}
	if r.cfg.OnSnapshot != nil {
		r.cfg.OnSnapshot(r.key, res, elapsed)
	}
	return res, nil
}

// Close shuts the session down after every queued command has run.
func (r *Recorder) Close() error {
	return r.sess.Shutdown()
}

// Run starts the recorder, feeds it input and closes it.
func (r *Recorder) Run(ctx context.Context, input io.Reader) error {
	if err := r.Start(); err != nil {
		return err
	}
	err := r.Feed(ctx, input)
	if cerr := r.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (r *Recorder) Stats() Stats {
	ss := r.sess.Stats()
	st := Stats{
		Key:              r.key,
		StartedAt:        r.startedAt,
		SkippedFrames:    r.enc.Skipped(),
		BufferedPackets:  ss.Packets,
		BufferedBytes:    ss.Bytes,
		BufferedMs:       ss.SpanUs / 1000,
		Drained:          ss.Drained,
		Evicted:          ss.Evicted,
		Oversize:         ss.Oversize,
		PendingCommands:  ss.Pending,
		Snapshots:        r.snapshots.Load(),
		SnapshotFailures: r.failures.Load(),
	}
	if d := r.dmx.Load(); d != nil {
		ds := d.Stats()
		st.Width, st.Height = ds.Width, ds.Height
		st.Frames, st.Keyframes = ds.Frames, ds.Keyframes
	}
	return st
}

func (r *Recorder) snapshotPath(now time.Time) string {
	name := fmt.Sprintf("%s_%s.mp4", now.UTC().Format("20060102T150405Z"), uuid.NewString())
	return filepath.Join(r.cfg.OutputDir, safeKey(r.key), name)
}

// safeKey maps a stream key to a single path element.
func safeKey(key string) string {
	key = strings.Map(func(c rune) rune {
		switch c {
		case '/', '\\', ':':
			return '_'
		}
		return c
	}, key)
	if key == "" || key == "." || key == ".." {
		return "default"
	}
	return key
}
