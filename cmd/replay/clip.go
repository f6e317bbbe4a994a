package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/recorder"
	"github.com/zsiec/replay/internal/session"
)

func newClipCmd(opts *rootOptions) *cobra.Command {
	var (
		out  string
		full bool
		rec  recordingFlags
	)
	cmd := &cobra.Command{
		Use:   "clip <input.ts>",
		Short: "Write the last buffered seconds of a transport stream file to MP4",
		Long: `clip plays a recorded MPEG-TS file through the replay buffer and takes
one snapshot when the file ends, producing an MP4 with the final
--buffer-seconds of video starting at a key frame.

With --full the replay buffer is bypassed and the whole file, from its
first key frame, is written to the MP4.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			rec.apply(cmd, &cfg)
			if err := cfg.Recording.Validate(); err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if full {
				n, err := recorder.RecordFile(cmd.Context(), f, out, cfg.Recording.Framerate, opts.log)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d samples\n", out, n)
				return nil
			}

			res, err := clip(cmd.Context(), f, out, cfg.Recording, opts.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d samples\n", res.Path, res.Samples)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "clip.mp4", "output MP4 path")
	cmd.Flags().BoolVar(&full, "full", false, "write the whole input instead of the buffered window")
	rec.register(cmd)
	return cmd
}

// clip feeds input through a recorder and snapshots it to out once input
// is exhausted.
func clip(ctx context.Context, input io.Reader, out string, cfg session.Config, log *slog.Logger) (engine.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := recorder.New("clip", recorder.Config{Session: cfg}, log)
	if err != nil {
		return engine.Result{}, err
	}
	if err := r.Start(); err != nil {
		return engine.Result{}, err
	}

	res, err := func() (engine.Result, error) {
		if err := r.Feed(ctx, input); err != nil {
			return engine.Result{}, fmt.Errorf("reading input: %w", err)
		}
		return r.SnapshotTo(ctx, out)
	}()
	if cerr := r.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return res, err
	}

	switch res.Status {
	case engine.StatusOK:
		return res, nil
	case engine.StatusNoSyncFrame:
		return res, fmt.Errorf("no key frame in the last %d seconds of input", cfg.BufferSeconds)
	default:
		return res, fmt.Errorf("writing %s: %w", out, res.Err)
	}
}
