package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkflow/internal/core"
	"inkflow/internal/livesink"
	"inkflow/internal/runlog"
	"inkflow/internal/streams"
)

// fakeStreams plays a fixed token script through a broadcaster for every
// started stream.
type fakeStreams struct {
	sink     *livesink.Broadcaster
	tokens   []string
	startErr error
	hold     chan struct{} // when set, streams wait for it before finishing
	// onStart runs synchronously inside Start, before the stream's goroutine.
	onStart func(id string)

	mu        sync.Mutex
	started   []streams.StartRequest
	running   map[string]chan struct{}
	results   map[string]*streams.Result
	cancelled []string
	runs      []*runlog.Entry
}

func newFakeStreams(tokens ...string) *fakeStreams {
	return &fakeStreams{
		sink:    livesink.NewBroadcaster(0, slog.New(slog.DiscardHandler)),
		tokens:  tokens,
		running: make(map[string]chan struct{}),
		results: make(map[string]*streams.Result),
	}
}

func (f *fakeStreams) Start(_ context.Context, req streams.StartRequest) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	done := make(chan struct{})
	f.mu.Lock()
	f.started = append(f.started, req)
	f.running[req.StreamID] = done
	f.mu.Unlock()
	if f.onStart != nil {
		f.onStart(req.StreamID)
	}

	go func() {
		f.sink.Start(req.StreamID)
		f.sink.Status(req.StreamID, core.PhaseInitializing)
		for _, tok := range f.tokens {
			f.sink.Token(req.StreamID, tok)
		}
		if f.hold != nil {
			<-f.hold
		}
		f.mu.Lock()
		f.results[req.StreamID] = &streams.Result{
			StreamID:   req.StreamID,
			Status:     runlog.StatusCompleted,
			Transcript: strings.Join(f.tokens, ""),
		}
		delete(f.running, req.StreamID)
		f.mu.Unlock()
		f.sink.Done(req.StreamID, false)
		close(done)
	}()
	return req.StreamID, nil
}

func (f *fakeStreams) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	_, ok := f.running[id]
	return ok
}

func (f *fakeStreams) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	return ok
}

func (f *fakeStreams) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

func (f *fakeStreams) Wait(ctx context.Context, id string) (*streams.Result, error) {
	f.mu.Lock()
	done := f.running[id]
	f.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.Result(ctx, id)
}

func (f *fakeStreams) Result(_ context.Context, id string) (*streams.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[id], nil
}

func (f *fakeStreams) Recent(_ context.Context, limit int) ([]*runlog.Entry, error) {
	if limit > 0 && limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func newTestServer(f *fakeStreams, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = slog.New(slog.DiscardHandler)
	return New(f, f.sink, cfg)
}

// sseEvents parses an event-stream body into its data payloads.
func sseEvents(t *testing.T, body string) []livesink.Event {
	t.Helper()
	var out []livesink.Event
	for _, frame := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(frame, "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev livesink.Event
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			out = append(out, ev)
		}
	}
	return out
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const conversation = `{"messages":[{"role":"user","content":"write"}]}`

func TestStartStream_Accepted(t *testing.T) {
	f := newFakeStreams("hi")
	srv := newTestServer(f, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, postJSON("/v1/streams", `{"stream_id":"s1","provider":"openai","markdown":false,"messages":[{"role":"user","content":"write"}]}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"stream_id":"s1"}`, rec.Body.String())

	_, err := f.Wait(context.Background(), "s1")
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.started, 1)
	assert.Equal(t, "openai", f.started[0].Provider)
	assert.False(t, f.started[0].Markdown)
}

func TestStartStream_GeneratesIDAndDefaultsMarkdown(t *testing.T) {
	f := newFakeStreams()
	srv := newTestServer(f, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, postJSON("/v1/streams", conversation))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["stream_id"], 36)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.started[0].Markdown)
}

func TestStartStream_Wait(t *testing.T) {
	f := newFakeStreams("a", "b")
	srv := newTestServer(f, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, postJSON("/v1/streams", `{"stream_id":"w","wait":true,"messages":[{"role":"user","content":"x"}]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	var res streams.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ab", res.Transcript)
	assert.Equal(t, runlog.StatusCompleted, res.Status)
}

func TestStartStream_InlineEvents(t *testing.T) {
	f := newFakeStreams("Hello", ", world")
	srv := newTestServer(f, nil)

	req := postJSON("/v1/streams", `{"stream_id":"live","messages":[{"role":"user","content":"x"}]}`)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	evs := sseEvents(t, rec.Body.String())
	require.Len(t, evs, 5)
	assert.Equal(t, livesink.EventStart, evs[0].Type)
	assert.Equal(t, "Hello", evs[2].Token)
	assert.Equal(t, ", world", evs[3].Token)
	assert.Equal(t, livesink.EventDone, evs[4].Type)
	assert.False(t, evs[4].Cancelled)
	assert.Contains(t, rec.Body.String(), "event: token\n")
}

func TestStartStream_InlineEventsReplacingRunningStream(t *testing.T) {
	f := newFakeStreams("fresh")
	// Replacing a running task publishes its cancelled done under the same id.
	f.onStart = func(id string) {
		f.sink.Token(id, "stale")
		f.sink.Done(id, true)
	}
	srv := newTestServer(f, nil)

	req := postJSON("/v1/streams", `{"stream_id":"same","messages":[{"role":"user","content":"x"}]}`)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	evs := sseEvents(t, rec.Body.String())
	require.Len(t, evs, 4)
	assert.Equal(t, livesink.EventStart, evs[0].Type)
	assert.Equal(t, "fresh", evs[2].Token)
	assert.Equal(t, livesink.EventDone, evs[3].Type)
	assert.False(t, evs[3].Cancelled)
	assert.NotContains(t, rec.Body.String(), "stale")
}

func TestStartStream_Errors(t *testing.T) {
	tests := []struct {
		name       string
		startErr   error
		body       string
		wantStatus int
		wantType   string
	}{
		{
			name:       "malformed body",
			body:       `{"messages":`,
			wantStatus: http.StatusBadRequest,
			wantType:   "configuration_error",
		},
		{
			name:       "settings error",
			startErr:   core.NewSettingsError("conversation is empty"),
			body:       `{"messages":[]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "configuration_error",
		},
		{
			name:       "unexpected error",
			startErr:   errors.New("boom"),
			body:       conversation,
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeStreams()
			f.startErr = tt.startErr
			srv := newTestServer(f, nil)

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, postJSON("/v1/streams", tt.body))

			require.Equal(t, tt.wantStatus, rec.Code)
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body.Error.Type)
		})
	}
}

func TestCancelStream(t *testing.T) {
	f := newFakeStreams()
	f.hold = make(chan struct{})
	defer close(f.hold)
	srv := newTestServer(f, nil)

	_, err := f.Start(context.Background(), streams.StartRequest{StreamID: "c1"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/streams/c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stream_id":"c1","cancelled":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/streams/nope", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stream_id":"nope","cancelled":false}`, rec.Body.String())
}

func TestStreamEvents_Running(t *testing.T) {
	f := newFakeStreams("x")
	f.hold = make(chan struct{})
	srv := newTestServer(f, &Config{KeepAlive: time.Hour})

	_, err := f.Start(context.Background(), streams.StartRequest{StreamID: "r1"})
	require.NoError(t, err)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/r1/events", nil))
		done <- rec
	}()
	require.Eventually(t, func() bool { return f.sink.Subscribers("r1") == 1 }, time.Second, 5*time.Millisecond)
	close(f.hold)

	rec := <-done
	evs := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, evs)
	assert.Equal(t, livesink.EventDone, evs[len(evs)-1].Type)
}

func TestStreamEvents_Finished(t *testing.T) {
	f := newFakeStreams()
	f.results["old"] = &streams.Result{StreamID: "old", Status: runlog.StatusFailed, Stage: core.StageProvider, Error: "request failed"}
	srv := newTestServer(f, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/old/events", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	evs := sseEvents(t, rec.Body.String())
	require.Len(t, evs, 2)
	assert.Equal(t, livesink.EventError, evs[0].Type)
	assert.Equal(t, core.StageProvider, evs[0].Stage)
	assert.Equal(t, livesink.EventDone, evs[1].Type)
}

func TestStreamEvents_Unknown(t *testing.T) {
	srv := newTestServer(newFakeStreams(), nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/ghost/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamResult(t *testing.T) {
	f := newFakeStreams("t")
	f.hold = make(chan struct{})
	srv := newTestServer(f, nil)

	_, err := f.Start(context.Background(), streams.StartRequest{StreamID: "q"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/q/result", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"stream_id":"q","status":"running"}`, rec.Body.String())

	close(f.hold)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/q/result?wait=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var res streams.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "t", res.Transcript)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/missing/result", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuns(t *testing.T) {
	f := newFakeStreams()
	f.runs = []*runlog.Entry{{ID: "1", StreamID: "a"}, {ID: "2", StreamID: "b"}}
	srv := newTestServer(f, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runlog.Entry `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "a", body.Runs[0].StreamID)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=-3", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newFakeStreams(), nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","active_streams":0}`, rec.Body.String())
}
