package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/demux"
	"github.com/zsiec/replay/internal/encoder"
	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/mp4"
	"github.com/zsiec/replay/internal/tsenc"
)

// ErrNoKeyFrame is returned by RecordFile when the input holds nothing
// decodable.
var ErrNoKeyFrame = errors.New("recorder: no key frame in input")

// RecordFile writes the whole of input to one MP4 file at path, from its
// first key frame to its end, with no replay buffer in between. The file is
// created at the first key frame, so input without one leaves nothing
// behind. fps is used when the stream does not signal a frame rate. It
// returns the number of samples written.
func RecordFile(ctx context.Context, input io.Reader, path string, fps int, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	enc := tsenc.New(1, fps, log)
	if err := enc.Start(); err != nil {
		return 0, err
	}
	defer enc.Release()

	fw := &fileWriter{path: path, enc: enc, log: log.With("component", "recorder")}
	d := demux.NewDemuxer(input, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		for f := range d.Video() {
			if err := enc.Submit(gctx, f); err != nil {
				return fmt.Errorf("submitting frame: %w", err)
			}
			if err := fw.drain(); err != nil {
				return err
			}
		}
		return nil
	})
	return fw.close(g.Wait())
}

// fileWriter drains the encoder straight into a container, one output at a
// time.
type fileWriter struct {
	path string
	enc  *tsenc.Encoder
	log  *slog.Logger

	w       *mp4.Writer
	haveFmt bool
	skipped int
}

func (f *fileWriter) drain() error {
	for {
		out, st := f.enc.DequeueOutput()
		switch st {
		case encoder.StatusTryAgainLater:
			return nil
		case encoder.StatusFormatChanged:
			f.haveFmt = true
			continue
		}
		err := f.write(out)
		f.enc.ReleaseOutput(out.Index)
		if err != nil {
			return err
		}
	}
}

func (f *fileWriter) write(out encoder.Output) error {
	if out.Flags.Has(media.FlagCodecConfig) || len(out.Data) == 0 {
		return nil
	}
	if f.w == nil {
		if !f.haveFmt || !out.Flags.Has(media.FlagKeyFrame) {
			f.skipped++
			return nil
		}
		if err := f.open(); err != nil {
			return err
		}
	}
	if err := f.w.WriteSample(out.Data, out.Flags, out.PTS, out.DTS); err != nil {
		return &engine.WriteError{Op: "write sample", Err: err}
	}
	return nil
}

func (f *fileWriter) open() error {
	w, err := mp4.Create(f.path, f.log)
	if err != nil {
		return &engine.WriteError{Op: "open", Err: err}
	}
	f.w = w
	if err := w.AddVideoTrack(f.enc.OutputFormat()); err != nil {
		return &engine.WriteError{Op: "add track", Err: err}
	}
	if err := w.Start(); err != nil {
		return &engine.WriteError{Op: "start", Err: err}
	}
	if f.skipped > 0 {
		f.log.Info("skipped frames ahead of the first key frame", "frames", f.skipped)
	}
	f.log.Info("recording", "path", f.path)
	return nil
}

// close finishes the file when recording ended cleanly and always releases
// it.
func (f *fileWriter) close(err error) (int, error) {
	if f.w == nil {
		if err == nil {
			err = ErrNoKeyFrame
		}
		return 0, err
	}
	if err == nil {
		if ferr := f.w.Finish(); ferr != nil {
			err = &engine.WriteError{Op: "finish", Err: ferr}
		}
	}
	if cerr := f.w.Close(); cerr != nil && err == nil {
		err = &engine.WriteError{Op: "close", Err: cerr}
	}
	n := f.w.Samples()
	if err != nil {
		f.log.Error("recording failed", "path", f.path, "samples", n, "error", err)
		return n, err
	}
	f.log.Info("recording written", "path", f.path, "samples", n)
	return n, nil
}
