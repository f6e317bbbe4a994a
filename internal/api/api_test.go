package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/zsiec/replay/internal/engine"
	"github.com/zsiec/replay/internal/ingest"
	"github.com/zsiec/replay/internal/ingest/srt"
	"github.com/zsiec/replay/internal/metrics"
	"github.com/zsiec/replay/internal/recorder"
	"github.com/zsiec/replay/internal/session"
)

type fakeRecorders struct {
	recs    []*recorder.Recorder
	results map[string]engine.Result
	err     error

	mu   sync.Mutex
	keys []string
}

func (f *fakeRecorders) List() []*recorder.Recorder { return f.recs }

func (f *fakeRecorders) Snapshot(_ context.Context, key string) (engine.Result, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.err != nil {
		return engine.Result{}, f.err
	}
	res, ok := f.results[key]
	if !ok {
		return engine.Result{}, recorder.ErrNotFound
	}
	return res, nil
}

type fakePuller struct {
	mu    sync.Mutex
	pulls []srt.PullRequest
	err   error
}

func (f *fakePuller) Pull(_ context.Context, req srt.PullRequest) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, req)
	return nil
}

func (f *fakePuller) Stop(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pulls {
		if p.StreamKey == key {
			f.pulls = append(f.pulls[:i], f.pulls[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w %q", srt.ErrNoPull, key)
}

func (f *fakePuller) List() []srt.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]srt.PullRequest(nil), f.pulls...)
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListStreams(t *testing.T) {
	t.Parallel()

	rec, err := recorder.New("cam1", recorder.Config{OutputDir: t.TempDir(), Session: session.DefaultConfig()}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	reg := ingest.NewRegistry(nil)
	if _, _, err := reg.Register("cam1", "10.1.1.1:4000"); err != nil {
		t.Fatal(err)
	}

	h := NewRouter(Config{Log: quietLog(), Recorders: &fakeRecorders{recs: []*recorder.Recorder{rec}}, Ingest: reg})
	resp := do(t, h, http.MethodGet, "/api/streams", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status %d", resp.Code)
	}

	var got []struct {
		Key    string `json:"key"`
		Ingest *struct {
			RemoteAddr string `json:"remoteAddr"`
		} `json:"ingest"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Key != "cam1" || got[0].Ingest == nil || got[0].Ingest.RemoteAddr != "10.1.1.1:4000" {
		t.Fatalf("body = %s", resp.Body.String())
	}
}

func TestSnapshotStatusCodes(t *testing.T) {
	t.Parallel()

	recs := &fakeRecorders{results: map[string]engine.Result{
		"ok":         {Status: engine.StatusOK, Path: "/out/ok/a.mp4", Samples: 90},
		"empty":      {Status: engine.StatusNoSyncFrame},
		"broken":     {Status: engine.StatusWriteFailure, Err: &engine.WriteError{Op: "open", Err: errors.New("disk full")}},
		"studio/cam": {Status: engine.StatusOK, Path: "/out/studio_cam/b.mp4", Samples: 1},
	}}
	h := NewRouter(Config{Log: quietLog(), Recorders: recs})

	tests := []struct {
		target string
		code   int
		want   string
	}{
		{"/api/streams/ok/snapshot", http.StatusCreated, `"samples":90`},
		{"/api/streams/empty/snapshot", http.StatusConflict, `"status":"no_sync_frame"`},
		{"/api/streams/broken/snapshot", http.StatusInternalServerError, "disk full"},
		{"/api/streams/missing/snapshot", http.StatusNotFound, "stream not found"},
		{"/api/streams/studio%2Fcam/snapshot", http.StatusCreated, "studio_cam"},
	}
	for _, tc := range tests {
		resp := do(t, h, http.MethodPost, tc.target, "")
		if resp.Code != tc.code {
			t.Errorf("%s: status %d, want %d", tc.target, resp.Code, tc.code)
		}
		if !strings.Contains(resp.Body.String(), tc.want) {
			t.Errorf("%s: body %s, want %q", tc.target, resp.Body.String(), tc.want)
		}
	}
}

func TestSnapshotCanceled(t *testing.T) {
	t.Parallel()

	h := NewRouter(Config{Log: quietLog(), Recorders: &fakeRecorders{err: context.Canceled}})
	if resp := do(t, h, http.MethodPost, "/api/streams/x/snapshot", ""); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.Code)
	}
}

func TestPulls(t *testing.T) {
	t.Parallel()

	pulls := &fakePuller{}
	h := NewRouter(Config{Log: quietLog(), Recorders: &fakeRecorders{}, Pulls: pulls})

	body, _ := json.Marshal(srt.PullRequest{Address: "10.0.0.9:6000", StreamKey: "remote"})
	if resp := do(t, h, http.MethodPost, "/api/pulls", string(body)); resp.Code != http.StatusAccepted {
		t.Fatalf("start pull: status %d", resp.Code)
	}

	resp := do(t, h, http.MethodGet, "/api/pulls", "")
	var list []srt.PullRequest
	if err := json.NewDecoder(bytes.NewReader(resp.Body.Bytes())).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].StreamKey != "remote" {
		t.Fatalf("pulls = %+v", list)
	}

	if resp := do(t, h, http.MethodDelete, "/api/pulls/remote", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("stop pull: status %d", resp.Code)
	}
	if resp := do(t, h, http.MethodDelete, "/api/pulls/remote", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("second stop: status %d", resp.Code)
	}
}

func TestStartPullErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"bad json", "{", nil, http.StatusBadRequest},
		{"missing address", `{"streamKey":"k"}`, nil, http.StatusBadRequest},
		{"already active", `{"address":"a:1","streamKey":"k"}`, fmt.Errorf("%w %q", srt.ErrPullActive, "k"), http.StatusConflict},
		{"dial failure", `{"address":"a:1","streamKey":"k"}`, errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := NewRouter(Config{Log: quietLog(), Recorders: &fakeRecorders{}, Pulls: &fakePuller{err: tc.err}})
			if resp := do(t, h, http.MethodPost, "/api/pulls", tc.body); resp.Code != tc.code {
				t.Fatalf("status %d, want %d", resp.Code, tc.code)
			}
		})
	}
}

func TestPullRoutesAbsentWithoutPuller(t *testing.T) {
	t.Parallel()

	h := NewRouter(Config{Log: quietLog(), Recorders: &fakeRecorders{}})
	if resp := do(t, h, http.MethodGet, "/api/pulls", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("status %d", resp.Code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	h := NewRouter(Config{Log: quietLog(), Recorders: &fakeRecorders{}, Metrics: m})

	do(t, h, http.MethodPost, "/api/streams/missing/snapshot", "")
	if resp := do(t, h, http.MethodGet, "/healthz", ""); resp.Code != http.StatusOK {
		t.Fatalf("healthz status %d", resp.Code)
	}

	resp := do(t, h, http.MethodGet, "/metrics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics status %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "replay_http_errors_total 1") {
		t.Fatalf("metrics body missing error count:\n%s", resp.Body.String())
	}
}
