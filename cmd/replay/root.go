package main

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zsiec/replay/internal/config"
	"github.com/zsiec/replay/internal/platform/logger"
)

type rootOptions struct {
	envFile   string
	logLevel  string
	logFormat string

	cfg config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "replay",
		Short:         "Instant replay buffer for live encoded video",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.envFile, "env-file", ".env", "file of KEY=value pairs loaded into the environment")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	pf.StringVar(&opts.logFormat, "log-format", "", "json or text (env LOG_FORMAT)")

	cmd.AddCommand(newServeCmd(opts), newClipCmd(opts), newPushCmd(opts))
	return cmd
}

// load reads the environment, then lets flags override it.
func (o *rootOptions) load(cmd *cobra.Command) error {
	if err := config.Load(o.envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
			return err
		}
	}
	o.cfg = config.FromEnv()
	if o.logLevel != "" {
		o.cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		o.cfg.LogFormat = o.logFormat
	}
	o.log = logger.New(o.cfg.LogLevel, o.cfg.LogFormat)
	slog.SetDefault(o.log)
	return nil
}

// recordingFlags binds the buffer shape flags shared by serve and clip.
type recordingFlags struct {
	bitrate        int
	framerate      int
	iframeInterval int
	bufferSeconds  int
}

func (f *recordingFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.bitrate, "bitrate", 0, "expected stream bitrate in bits per second (env VIDEO_BITRATE)")
	cmd.Flags().IntVar(&f.framerate, "fps", 0, "expected frame rate (env VIDEO_FPS)")
	cmd.Flags().IntVar(&f.iframeInterval, "iframe-interval", 0, "seconds between key frames (env VIDEO_IFRAME_INTERVAL)")
	cmd.Flags().IntVar(&f.bufferSeconds, "buffer-seconds", 0, "seconds of video to keep (env BUFFER_SECONDS)")
}

func (f *recordingFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *int, v int) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("bitrate", &cfg.Recording.Bitrate, f.bitrate)
	set("fps", &cfg.Recording.Framerate, f.framerate)
	set("iframe-interval", &cfg.Recording.IFrameInterval, f.iframeInterval)
	set("buffer-seconds", &cfg.Recording.BufferSeconds, f.bufferSeconds)
}
