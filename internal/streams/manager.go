// Package streams runs completion requests as background tasks bound to a
// stream id, reporting their progress to a live sink.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"inkflow/internal/cache"
	"inkflow/internal/continuation"
	"inkflow/internal/core"
	"inkflow/internal/providers"
	"inkflow/internal/runlog"
	"inkflow/internal/session"
)

// StartRequest is one completion request.
type StartRequest struct {
	// StreamID names the live stream; generated when empty.
	StreamID string
	// Provider selects a configured provider; empty means the default.
	Provider string
	// Model overrides the provider's configured model.
	Model    string
	System   string
	Messages []core.Message
	// Temperature overrides the provider's temperature.
	Temperature *float64
	// Markdown keeps the transcript formatting. When false the returned
	// transcript is flattened to plain lines; live tokens are not affected.
	Markdown bool
}

// Result is the stored outcome of a finished stream.
type Result struct {
	StreamID       string        `json:"stream_id"`
	Provider       string        `json:"provider"`
	Model          string        `json:"model,omitempty"`
	Status         runlog.Status `json:"status"`
	Transcript     string        `json:"transcript"`
	Truncated      bool          `json:"truncated"`
	Rounds         int           `json:"rounds"`
	StreamDisabled bool          `json:"stream_disabled"`
	CeilingApplied bool          `json:"ceiling_applied"`
	EmittedChars   int           `json:"emitted_chars"`
	Stage          core.Stage    `json:"stage,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// Metrics is the subset of the metrics collector the manager reports to.
type Metrics interface {
	StreamStarted()
	StreamFinished(provider, status string, emitted int, d time.Duration)
	ContinuationHooks() continuation.Hooks
}

// AdapterFactory builds the adapter for a provider config.
type AdapterFactory interface {
	New(ctx context.Context, cfg core.ProviderConfig) (core.Adapter, error)
}

// Options configure a Manager. Catalog, Factory and Sink are required.
type Options struct {
	Catalog      *providers.Catalog
	Factory      AdapterFactory
	Sink         core.Sink
	Continuation continuation.Options
	Cache        cache.Cache
	Runs         runlog.Recorder
	Metrics      Metrics
	Logger       *slog.Logger
}

// Manager owns the running tasks.
type Manager struct {
	catalog  *providers.Catalog
	factory  AdapterFactory
	sink     core.Sink
	contOpts continuation.Options
	cache    cache.Cache
	runs     runlog.Recorder
	metrics  Metrics
	logger   *slog.Logger

	registry *session.Registry
	wg       sync.WaitGroup

	// waiters holds the running tasks for Wait; guarded by mu.
	mu      sync.Mutex
	waiters map[string]*task
}

// NewManager creates a Manager. A nil Cache gets an in-memory cache.
func NewManager(opts Options) *Manager {
	if opts.Cache == nil {
		opts.Cache = cache.NewLocalCache(0, 0)
	}
	if opts.Runs == nil {
		opts.Runs = runlog.NoopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		catalog:  opts.Catalog,
		factory:  opts.Factory,
		sink:     opts.Sink,
		contOpts: opts.Continuation,
		cache:    opts.Cache,
		runs:     opts.Runs,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		registry: session.NewRegistry(),
		waiters:  make(map[string]*task),
	}
}

// Start validates req, registers a task for its stream id and runs it in the
// background. A task already running under the same id is aborted first.
// Provider and credential failures are reported through the sink, not here.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", core.NewSettingsError("conversation is empty")
	}
	id := req.StreamID
	if id == "" {
		id = uuid.NewString()
	}

	// The task outlives the caller's request but keeps its values.
	taskCtx, cancel := context.WithCancel(core.WithStreamID(context.WithoutCancel(ctx), id))
	t := &task{m: m, id: id, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.waiters[id]
	m.waiters[id] = t
	m.mu.Unlock()

	m.registry.Register(id, t)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// The replaced task's last notification precedes this task's start.
		if prev != nil {
			<-prev.done
		}
		t.run(taskCtx, req)
	}()
	return id, nil
}

// Cancel aborts the task for id. Cancelling an unknown id does nothing.
func (m *Manager) Cancel(id string) bool {
	return m.registry.Cancel(id)
}

// Active returns the number of running tasks.
func (m *Manager) Active() int {
	return m.registry.Len()
}

// Running reports whether a task for id has not yet finished.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waiters[id]
	return ok
}

// Wait blocks until the task for id finishes and returns its result. For a
// task that already finished the cached result is returned.
func (m *Manager) Wait(ctx context.Context, id string) (*Result, error) {
	m.mu.Lock()
	t := m.waiters[id]
	m.mu.Unlock()

	if t != nil {
		select {
		case <-t.done:
			return t.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	res, err := m.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, core.NewSettingsError("stream not found: " + id)
	}
	return res, nil
}

// Result returns the stored result for id, or nil if none is stored.
func (m *Manager) Result(ctx context.Context, id string) (*Result, error) {
	raw, err := m.cache.Get(ctx, id)
	if err != nil || raw == nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode cached result %s: %w", id, err)
	}
	return &res, nil
}

// Recent returns the newest run log entries.
func (m *Manager) Recent(ctx context.Context, limit int) ([]*runlog.Entry, error) {
	return m.runs.Recent(ctx, limit)
}

// Shutdown aborts every running task and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	if n := m.registry.CancelAll(); n > 0 {
		m.logger.Info("cancelled running streams", "count", n)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) store(res *Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		m.logger.Error("failed to encode result", "stream_id", res.StreamID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cache.Set(ctx, res.StreamID, raw); err != nil {
		m.logger.Warn("failed to cache result", "stream_id", res.StreamID, "error", err)
	}
}

func (m *Manager) record(res *Result, overlap int, fingerprint string) {
	m.runs.Write(&runlog.Entry{
		ID:              uuid.NewString(),
		StreamID:        res.StreamID,
		Timestamp:       res.FinishedAt,
		Provider:        res.Provider,
		Model:           res.Model,
		Status:          res.Status,
		Stage:           string(res.Stage),
		Error:           res.Error,
		Rounds:          res.Rounds,
		Truncated:       res.Truncated,
		StreamDisabled:  res.StreamDisabled,
		CeilingApplied:  res.CeilingApplied,
		TranscriptChars: len([]rune(res.Transcript)),
		EmittedChars:    res.EmittedChars,
		OverlapChars:    overlap,
		DurationMS:      res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		Fingerprint:     fingerprint,
	})
}

// Fingerprint hashes a conversation for the run log.
func Fingerprint(system string, msgs []core.Message) string {
	d := xxhash.New()
	_, _ = d.WriteString(system)
	for _, msg := range msgs {
		_, _ = d.WriteString("\x00" + msg.Role + "\x00")
		_, _ = d.WriteString(msg.Content)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// NormalizePlaintext strips leading spaces and tabs from every line, drops
// blank lines and trims the result.
func NormalizePlaintext(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
