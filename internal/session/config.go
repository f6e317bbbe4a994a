package session

import (
	"errors"
	"fmt"
)

// ErrBufferTooShort is returned by Config.Validate when the buffer cannot
// hold two key frame intervals. With less than that a snapshot taken just
// before a key frame would be left with almost nothing decodable.
var ErrBufferTooShort = errors.New("buffer shorter than two key frame intervals")

// Config describes the encoded stream and how much of it to keep.
type Config struct {
	Width          int
	Height         int
	Bitrate        int // bits per second
	Framerate      int // frames per second
	IFrameInterval int // seconds between key frames
	BufferSeconds  int
}

// DefaultConfig returns a 720p30 stream at 2 Mibit/s with a key frame every
// second and a ten second buffer.
func DefaultConfig() Config {
	return Config{
		Width:          1280,
		Height:         720,
		Bitrate:        2 * 1024 * 1024,
		Framerate:      30,
		IFrameInterval: 1,
		BufferSeconds:  10,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	case c.Bitrate <= 0:
		return fmt.Errorf("invalid bitrate %d", c.Bitrate)
	case c.Framerate <= 0:
		return fmt.Errorf("invalid frame rate %d", c.Framerate)
	case c.IFrameInterval <= 0:
		return fmt.Errorf("invalid key frame interval %d", c.IFrameInterval)
	case c.BufferSeconds < 2*c.IFrameInterval:
		return fmt.Errorf("%w: requested %ds, key frame interval %ds",
			ErrBufferTooShort, c.BufferSeconds, c.IFrameInterval)
	}
	return nil
}
