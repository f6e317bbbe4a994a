package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/zsiec/replay/internal/engine"
)

var (
	ErrDuplicate = errors.New("recorder: stream already recording")
	ErrNotFound  = errors.New("recorder: stream not found")
)

// Manager tracks the recorders of active streams.
type Manager struct {
	log *slog.Logger
	cfg Config

	mu        sync.RWMutex
	recorders map[string]*Recorder
}

// NewManager creates a manager whose recorders share cfg. If log is nil,
// slog.Default() is used.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:       log,
		cfg:       cfg,
		recorders: make(map[string]*Recorder),
	}
}

// Run records input under key until it ends or ctx is canceled. The
// recorder is visible to Get and List for the duration of the call.
func (m *Manager) Run(ctx context.Context, key string, input io.Reader) error {
	if _, ok := m.Get(key); ok {
		m.log.Warn("stream already recording, rejecting duplicate", "stream_key", key)
		return ErrDuplicate
	}
	rec, err := New(key, m.cfg, m.log)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.recorders[key]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	m.recorders[key] = rec
	m.mu.Unlock()

	m.log.Info("recording started", "stream_key", key)
	err = rec.Run(ctx, input)

	m.mu.Lock()
	delete(m.recorders, key)
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("recording ended with error", "stream_key", key, "error", err)
		return err
	}
	m.log.Info("recording stopped", "stream_key", key)
	return nil
}

func (m *Manager) Get(key string) (*Recorder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recorders[key]
	return r, ok
}

// List returns the active recorders ordered by key.
func (m *Manager) List() []*Recorder {
	m.mu.RLock()
	out := make([]*Recorder, 0, len(m.recorders))
	for _, r := range m.recorders {
		out = append(out, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Recorder) int {
		return strings.Compare(a.key, b.key)
	})
	return out
}

// Snapshot snapshots the stream recorded under key.
func (m *Manager) Snapshot(ctx context.Context, key string) (engine.Result, error) {
	r, ok := m.Get(key)
	if !ok {
		return engine.Result{}, ErrNotFound
	}
	return r.Snapshot(ctx)
}
