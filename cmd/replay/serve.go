package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/api"
	"github.com/zsiec/replay/internal/config"
	"github.com/zsiec/replay/internal/ingest"
	"github.com/zsiec/replay/internal/ingest/srt"
	"github.com/zsiec/replay/internal/metrics"
	"github.com/zsiec/replay/internal/recorder"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		srtAddr, apiAddr, outputDir string
		rec                         recordingFlags
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept SRT streams and serve the snapshot API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("srt-addr") {
				cfg.SRTAddr = srtAddr
			}
			if cmd.Flags().Changed("api-addr") {
				cfg.APIAddr = apiAddr
			}
			if cmd.Flags().Changed("output-dir") {
				cfg.OutputDir = outputDir
			}
			rec.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.log)
		},
	}
	cmd.Flags().StringVar(&srtAddr, "srt-addr", "", "SRT listen address (env SRT_ADDR)")
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "HTTP API listen address (env API_ADDR)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory snapshots are written to (env OUTPUT_DIR)")
	rec.register(cmd)
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var mgr *recorder.Manager
	met := metrics.New(func() []recorder.Stats {
		recs := mgr.List()
		out := make([]recorder.Stats, len(recs))
		for i, r := range recs {
			out[i] = r.Stats()
		}
		return out
	})
	mgr = recorder.NewManager(recorder.Config{
		OutputDir:  cfg.OutputDir,
		Session:    cfg.Recording,
		Slots:      cfg.EncoderSlots,
		OnSnapshot: met.ObserveSnapshot,
	}, log)

	// Streams are bound to the errgroup context so every recorder winds
	// down when any component fails.
	registry := ingest.NewRegistry(func(key string, input io.Reader) {
		if err := mgr.Run(ctx, key, input); err != nil {
			log.Error("recorder failed", "stream_key", key, "error", err)
		}
	})
	caller := srt.NewCaller(registry, log)
	srtSrv := srt.NewServer(cfg.SRTAddr, registry, log)

	apiSrv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: api.NewRouter(api.Config{
			Log:         log,
			Recorders:   mgr,
			Ingest:      registry,
			Pulls:       caller,
			Metrics:     met,
			BaseContext: ctx,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("replay starting",
		"version", version,
		"srt", cfg.SRTAddr,
		"api", cfg.APIAddr,
		"output_dir", cfg.OutputDir,
		"buffer_seconds", cfg.Recording.BufferSeconds,
	)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})
	g.Go(func() error {
		log.Info("HTTP API listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	log.Info("replay stopped")
	return err
}
