package streams

import (
	"context"
	"sync"
	"time"

	"inkflow/internal/continuation"
	"inkflow/internal/core"
	"inkflow/internal/runlog"
)

// task is one running request. It is the session handle for its stream id.
//
// mu orders sink notifications: once terminated is set no token or status
// reaches the sink, and exactly one Done has been or will be sent.
type task struct {
	m      *Manager
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	result *Result

	mu         sync.Mutex
	terminated bool
	aborted    bool
	responding bool
}

// Abort stops the task and reports it cancelled. Safe to call repeatedly and
// from any goroutine.
func (t *task) Abort() {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	t.terminated = true
	t.aborted = true
	t.m.sink.Done(t.id, true)
}

func (t *task) status(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.terminated {
		t.m.sink.Status(t.id, phase)
	}
}

func (t *task) token(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	if !t.responding {
		t.responding = true
		t.m.sink.Status(t.id, core.PhaseResponding)
	}
	t.m.sink.Token(t.id, text)
}

func (t *task) hooks() continuation.Hooks {
	var base continuation.Hooks
	if t.m.metrics != nil {
		base = t.m.metrics.ContinuationHooks()
	}
	return continuation.Hooks{
		OnRoundStart: func(round int) {
			if round > 0 {
				t.status(core.PhaseContinuing)
			}
			if base.OnRoundStart != nil {
				base.OnRoundStart(round)
			}
		},
		OnRound:    base.OnRound,
		OnFallback: base.OnFallback,
	}
}

func (t *task) run(ctx context.Context, req StartRequest) {
	m := t.m
	res := &Result{StreamID: t.id, Provider: req.Provider, Model: req.Model, StartedAt: time.Now().UTC()}
	logger := m.logger.With("stream_id", t.id)

	if m.metrics != nil {
		m.metrics.StreamStarted()
	}
	t.mu.Lock()
	if !t.terminated {
		m.sink.Start(t.id)
		m.sink.Status(t.id, core.PhaseInitializing)
	}
	t.mu.Unlock()

	var overlap int
	out, err := t.execute(ctx, req, res, &overlap)
	res.FinishedAt = time.Now().UTC()

	t.mu.Lock()
	aborted := t.aborted
	t.terminated = true
	t.mu.Unlock()

	switch {
	case aborted || (err != nil && core.IsCancelled(err)):
		res.Status = runlog.StatusCancelled
	case err != nil:
		res.Status = runlog.StatusFailed
		res.Stage = core.StageOf(err)
		res.Error = err.Error()
		logger.Error("stream failed", "provider", res.Provider, "stage", res.Stage, "error", err)
	default:
		res.Status = runlog.StatusCompleted
		res.Transcript = out.Transcript
		if !req.Markdown {
			res.Transcript = NormalizePlaintext(res.Transcript)
		}
		res.Truncated = out.Truncated
		res.Rounds = len(out.Rounds)
		res.StreamDisabled = out.StreamDisabled
		res.CeilingApplied = out.CeilingApplied
		res.EmittedChars = out.Emitted
	}

	// A task replaced by a newer one under the same id must not overwrite
	// the newer result.
	m.mu.Lock()
	current := m.waiters[t.id] == t
	m.mu.Unlock()
	if current {
		m.store(res)
	}
	m.record(res, overlap, Fingerprint(req.System, req.Messages))
	if m.metrics != nil {
		m.metrics.StreamFinished(res.Provider, string(res.Status), res.EmittedChars, res.FinishedAt.Sub(res.StartedAt))
	}

	t.result = res
	m.mu.Lock()
	if m.waiters[t.id] == t {
		delete(m.waiters, t.id)
	}
	m.mu.Unlock()
	m.registry.Release(t.id, t)

	if !aborted {
		if res.Status == runlog.StatusFailed {
			m.sink.Error(t.id, res.Stage, res.Error)
		}
		m.sink.Done(t.id, res.Status == runlog.StatusCancelled)
	}
	close(t.done)
	t.cancel()

	logger.Debug("stream finished", "status", res.Status, "rounds", res.Rounds, "emitted", res.EmittedChars)
}

func (t *task) execute(ctx context.Context, req StartRequest, res *Result, overlap *int) (*continuation.Result, error) {
	m := t.m
	cfg, err := m.catalog.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	res.Provider = cfg.ID
	if res.Model == "" {
		res.Model = cfg.Model
	}

	adapter, err := m.factory.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := m.contOpts
	opts.Hooks = t.hooks()
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	ctrl := continuation.New(adapter, opts)

	t.status(core.PhaseThinking)
	out, err := ctrl.Run(ctx, continuation.Request{
		Model:       req.Model,
		System:      req.System,
		Messages:    req.Messages,
		Temperature: cfg.ResolveTemperature(req.Temperature),
	}, t.token)
	if err != nil {
		return nil, err
	}
	for _, r := range out.Rounds {
		*overlap += r.Overlap
	}
	return out, nil
}
