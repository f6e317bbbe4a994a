package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/replay/internal/ingest"
)

// readBufferSize holds ten 1316-byte SRT payloads of seven TS packets each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency.
const latencyNs = 120_000_000

// Server accepts SRT publish connections.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a server listening on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts connections until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, busy := s.registry.Get(extractStreamKey(req.StreamID)); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go func() {
			defer conn.Close()
			copyStream(ctx, s.log, s.registry, key, conn.RemoteAddr().String(), conn)
		}()
	}
}

// copyStream registers key and copies conn into it until either side
// fails or ctx is canceled.
func copyStream(ctx context.Context, log *slog.Logger, registry *ingest.Registry, key, remote string, conn io.Reader) {
	stream, w, err := registry.Register(key, remote)
	if err != nil {
		log.Warn("rejecting connection", "stream_key", key, "error", err)
		return
	}
	defer registry.Unregister(key)

	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", key, "error", err)
			}
			break
		}
		stream.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream_key", key, "error", err)
			break
		}
	}

	st := stream.Stats()
	log.Info("connection closed", "stream_key", key,
		"bytes", st.BytesReceived, "reads", st.ReadCount,
		"uptime_ms", st.UptimeMs)
}

// extractStreamKey maps an SRT stream ID such as "/live/cam1" to a key.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
