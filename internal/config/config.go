// Package config loads process configuration from the environment, with an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/zsiec/replay/internal/session"
)

// ErrBufferTooShort is returned by Validate when the replay buffer cannot
// hold two key frame intervals.
var ErrBufferTooShort = session.ErrBufferTooShort

// Config is everything the replay server needs to start.
type Config struct {
	SRTAddr      string
	APIAddr      string
	OutputDir    string
	LogLevel     string
	LogFormat    string
	EncoderSlots int
	Recording    session.Config
}

// Load reads .env files into the environment. Variables already set are
// left alone. With no paths, ".env" is used. A missing file is an error
// that callers usually ignore.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of key, or fallback if it is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback if it is unset,
// empty or not an integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// FromEnv builds a Config from environment variables, using defaults for
// anything unset.
func FromEnv() Config {
	def := session.DefaultConfig()
	return Config{
		SRTAddr:      GetEnv("SRT_ADDR", ":6000"),
		APIAddr:      GetEnv("API_ADDR", ":4444"),
		OutputDir:    GetEnv("OUTPUT_DIR", "snapshots"),
		LogLevel:     GetEnv("LOG_LEVEL", "info"),
		LogFormat:    GetEnv("LOG_FORMAT", "json"),
		EncoderSlots: GetEnvInt("ENCODER_SLOTS", 8),
		Recording: session.Config{
			Width:          GetEnvInt("VIDEO_WIDTH", def.Width),
			Height:         GetEnvInt("VIDEO_HEIGHT", def.Height),
			Bitrate:        GetEnvInt("VIDEO_BITRATE", def.Bitrate),
			Framerate:      GetEnvInt("VIDEO_FPS", def.Framerate),
			IFrameInterval: GetEnvInt("VIDEO_IFRAME_INTERVAL", def.IFrameInterval),
			BufferSeconds:  GetEnvInt("BUFFER_SECONDS", def.BufferSeconds),
		},
	}
}

func (c Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("config: output directory is required")
	}
	if c.EncoderSlots < 0 {
		return fmt.Errorf("config: invalid encoder slot count %d", c.EncoderSlots)
	}
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("config: recording: %w", err)
	}
	return nil
}
