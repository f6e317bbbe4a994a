// Package api serves the replay HTTP API: stream listing, snapshot
// requests, SRT pull management and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/ingest"
	"github.com/zsiec/replay/internal/ingest/srt"
	"github.com/zsiec/replay/internal/metrics"
	"github.com/zsiec/replay/internal/platform/logger"
	"github.com/zsiec/replay/internal/recorder"
)

// Recorders is the recording side of the API, implemented by
// recorder.Manager.
type Recorders interface {
	List() []*recorder.Recorder
	Snapshot(ctx context.Context, key string) (engine.Result, error)
}

// Puller manages SRT pulls, implemented by srt.Caller.
type Puller interface {
	Pull(ctx context.Context, req srt.PullRequest) error
	Stop(streamKey string) error
	List() []srt.PullRequest
}

// Config wires the API to the rest of the process. Ingest, Pulls and
// Metrics are optional.
type Config struct {
	Log       *slog.Logger
	Recorders Recorders
	Ingest    *ingest.Registry
	Pulls     Puller
	Metrics   *metrics.Metrics

	// BaseContext bounds pulls started through the API, which outlive the
	// request that created them.
	BaseContext context.Context
}

type handler struct {
	log     *slog.Logger
	recs    Recorders
	ingest  *ingest.Registry
	pulls   Puller
	baseCtx context.Context
}

// NewRouter returns the API routes.
func NewRouter(cfg Config) http.Handler {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	h := &handler{
		log:     cfg.Log.With("component", "api"),
		recs:    cfg.Recorders,
		ingest:  cfg.Ingest,
		pulls:   cfg.Pulls,
		baseCtx: cfg.BaseContext,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(logger.RequestLogger(cfg.Log))
	if cfg.Metrics != nil {
		r.Use(metrics.RequestMiddleware(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/streams", h.listStreams)
		r.Post("/streams/{key}/snapshot", h.snapshot)
		if h.pulls != nil {
			r.Get("/pulls", h.listPulls)
			r.Post("/pulls", h.startPull)
			r.Delete("/pulls/{key}", h.stopPull)
		}
	})
	return r
}

type streamInfo struct {
	recorder.Stats
	Ingest *ingest.Stats `json:"ingest,omitempty"`
}

func (h *handler) listStreams(w http.ResponseWriter, _ *http.Request) {
	recs := h.recs.List()
	out := make([]streamInfo, 0, len(recs))
	for _, rec := range recs {
		info := streamInfo{Stats: rec.Stats()}
		if h.ingest != nil {
			if s, ok := h.ingest.Get(rec.Key()); ok {
				st := s.Stats()
				info.Ingest = &st
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

type snapshotResponse struct {
	Status  string `json:"status"`
	Path    string `json:"path,omitempty"`
	Samples int    `json:"samples"`
	Error   string `json:"error,omitempty"`
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r)
	if !ok {
		return
	}

	res, err := h.recs.Snapshot(r.Context(), key)
	switch {
	case errors.Is(err, recorder.ErrNotFound):
		writeError(w, http.StatusNotFound, "stream not found")
		return
	case err != nil:
		h.log.Warn("snapshot abandoned", "stream_key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := snapshotResponse{Status: res.Status.String(), Path: res.Path, Samples: res.Samples}
	switch res.Status {
	case engine.StatusOK:
		writeJSON(w, http.StatusCreated, resp)
	case engine.StatusNoSyncFrame:
		resp.Path = ""
		resp.Error = "no key frame buffered yet"
		writeJSON(w, http.StatusConflict, resp)
	default:
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func (h *handler) listPulls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pulls.List())
}

func (h *handler) startPull(w http.ResponseWriter, r *http.Request) {
	var req srt.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.pulls.Pull(h.baseCtx, req); err != nil {
		if errors.Is(err, srt.ErrPullActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.log.Warn("pull failed", "address", req.Address, "stream_key", req.StreamKey, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (h *handler) stopPull(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r)
	if !ok {
		return
	}
	if err := h.pulls.Stop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// urlKey returns the unescaped {key} parameter. Keys containing a slash
// arrive escaped as %2F.
func urlKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "invalid stream key")
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
