package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/replay/internal/mpegts"
)

// pushChunk is one SRT payload of seven TS packets.
const pushChunk = mpegts.PacketSize * 7

func newPushCmd(opts *rootOptions) *cobra.Command {
	var (
		addr     string
		key      string
		duration time.Duration
		loop     bool
	)
	cmd := &cobra.Command{
		Use:   "push <input.ts>",
		Short: "Publish a transport stream file over SRT in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if key == "" {
				base := filepath.Base(args[0])
				key = strings.TrimSuffix(base, filepath.Ext(base))
			}
			if duration <= 0 {
				if duration, err = streamDuration(data); err != nil {
					return fmt.Errorf("%w; pass --duration", err)
				}
			}
			return push(cmd.Context(), opts.log, addr, "live/"+key, data, duration, loop)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6000", "SRT listener address")
	cmd.Flags().StringVar(&key, "key", "", "stream key (default: file name without extension)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "play-out duration of the file (default: from its timestamps)")
	cmd.Flags().BoolVar(&loop, "loop", false, "restart from the beginning when the file ends")
	return cmd
}

func push(ctx context.Context, log *slog.Logger, addr, streamID string, data []byte, d time.Duration, loop bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := srtgo.DefaultConfig()
	cfg.StreamID = streamID

	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT dial %s: %w", addr, err)
	}
	defer conn.Close()

	bytesPerSec := float64(len(data)) / d.Seconds()
	log.Info("pushing", "addr", addr, "stream_id", streamID, "bytes", len(data), "duration", d)
	return pace(ctx, conn, data, bytesPerSec, loop)
}

// pace writes data in SRT-sized chunks, sleeping so the average rate
// tracks bytesPerSec against a single clock across loops.
func pace(ctx context.Context, w io.Writer, data []byte, bytesPerSec float64, loop bool) error {
	start := time.Now()
	var sent int64
	for {
		for i := 0; i < len(data); i += pushChunk {
			end := min(i+pushChunk, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			ahead := time.Duration(float64(sent)/bytesPerSec*float64(time.Second)) - time.Since(start)
			if ahead > 0 {
				select {
				case <-time.After(ahead):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if !loop {
			return nil
		}
	}
}

// streamDuration is the span between the lowest and highest PES PTS in
// data.
func streamDuration(data []byte) (time.Duration, error) {
	rd := mpegts.NewReader(bytes.NewReader(data))
	var lo, hi int64
	found := false
	for {
		u, err := rd.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if u.Kind != mpegts.UnitPES || !u.PES.HasPTS {
			continue
		}
		if !found || u.PES.PTS < lo {
			lo = u.PES.PTS
		}
		if !found || u.PES.PTS > hi {
			hi = u.PES.PTS
		}
		found = true
	}
	if !found || hi == lo {
		return 0, errors.New("input carries no usable timestamps")
	}
	return time.Duration(mpegts.TimestampUs(hi-lo)) * time.Microsecond, nil
}
