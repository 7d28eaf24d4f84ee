// Package continuation drives the request rounds of one completion until the
// model stops for a reason other than its output budget.
//
// Each round's text is merged into the transcript through the overlap
// deduplicator and the unique part is pushed through the directive gate to the
// live sink. The transcript itself is never gated.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"inkflow/internal/core"
	"inkflow/internal/framing"
	"inkflow/internal/gate"
	"inkflow/internal/overlap"
)

const (
	// DefaultMaxRounds bounds the rounds of one request, the first included.
	DefaultMaxRounds = 64
	// DefaultFallbackMaxTokens is the output ceiling sent after an endpoint
	// demanded one.
	DefaultFallbackMaxTokens = 32000

	// ContinuePrompt is the user turn that asks the model to resume.
	ContinuePrompt = "Continue from exactly where you stopped. Do not repeat prior text."
	// TruncationNotice ends a transcript whose round budget ran out.
	TruncationNotice = "\n\n[output may be truncated after repeated continuations]"
)

// Options tune a Controller. Zero values take the defaults.
type Options struct {
	MaxRounds         int
	FallbackMaxTokens int
	// MaxTranscriptChars stops continuation once the transcript reaches this
	// many characters. Zero means unbounded.
	MaxTranscriptChars int
	// Markers are the directive markers the gate watches; empty means gate.DefaultMarker.
	Markers []string
	Hooks   Hooks
	Logger  *slog.Logger
}

// Hooks observe the round loop. All fields are optional.
type Hooks struct {
	OnRoundStart func(round int)
	OnRound      func(RoundOutcome)
	OnFallback   func(provider string, reason FallbackReason)
}

// FallbackReason names why a round was retried.
type FallbackReason string

const (
	FallbackCeiling       FallbackReason = "ceiling_required"
	FallbackStreamRefused FallbackReason = "stream_rejected"
	FallbackSilentStream  FallbackReason = "silent_stream"
)

// Request is one logical completion request.
type Request struct {
	Model    string
	System   string
	Messages []core.Message
	// Temperature is the resolved sampling temperature.
	Temperature float64
}

// RoundOutcome describes one finished round.
type RoundOutcome struct {
	Provider  string
	Round     int
	Unique    string
	Finish    core.FinishReason
	RawFinish string
	Transport core.Transport
	// Overlap is the number of redelivered characters dropped.
	Overlap int
	// Retries counts in-round retries (ceiling, stream rejection, silent stream).
	Retries int
}

// Result is the outcome of a whole request.
type Result struct {
	Transcript string
	Rounds     []RoundOutcome
	// Truncated is set when the round or size budget ran out while the model
	// was still length-capped.
	Truncated bool
	// Emitted counts characters forwarded to the live sink.
	Emitted int
	// StreamDisabled is set when any round fell back to batch transport.
	StreamDisabled bool
	// CeilingApplied is set when any round needed the explicit output ceiling.
	CeilingApplied bool
}

// Controller runs requests against one adapter. It holds no per-request
// state and is safe for concurrent use.
type Controller struct {
	adapter core.Adapter
	opts    Options
	logger  *slog.Logger
}

// New returns a Controller for adapter.
func New(adapter core.Adapter, opts Options) *Controller {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.FallbackMaxTokens <= 0 {
		opts.FallbackMaxTokens = DefaultFallbackMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{adapter: adapter, opts: opts, logger: logger.With("provider", adapter.Name())}
}

// run is the per-request state, owned by the goroutine calling Run.
type run struct {
	c          *Controller
	transcript overlap.Transcript
	gate       *gate.Gate
	emitted    int
	stream     bool
	ceiling    bool
	logger     *slog.Logger
}

// Run executes req. emit receives gate-filtered text in production order and
// must not block. On error the partial transcript is discarded.
func (c *Controller) Run(ctx context.Context, req Request, emit func(string)) (*Result, error) {
	r := &run{c: c, stream: true, logger: c.logger}
	if id := core.GetStreamID(ctx); id != "" {
		r.logger = r.logger.With("stream_id", id)
	}
	r.gate = gate.New(func(s string) {
		r.emitted += utf8.RuneCountInString(s)
		if emit != nil {
			emit(s)
		}
	}, c.opts.Markers...)

	working := make([]core.Message, len(req.Messages), len(req.Messages)+2*c.opts.MaxRounds)
	copy(working, req.Messages)

	res := &Result{}
	for round := 0; ; round++ {
		if round >= c.opts.MaxRounds {
			r.truncate(res, "round budget exhausted")
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if h := c.opts.Hooks.OnRoundStart; h != nil {
			h(round)
		}
		out, err := r.round(ctx, round, &core.RoundRequest{
			Model:       req.Model,
			System:      req.System,
			Messages:    working,
			Temperature: req.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		res.Rounds = append(res.Rounds, out)
		if c.opts.Hooks.OnRound != nil {
			c.opts.Hooks.OnRound(out)
		}
		r.logger.Debug("round finished",
			"round", round,
			"transport", out.Transport,
			"finish", out.RawFinish,
			"unique_chars", utf8.RuneCountInString(out.Unique),
			"overlap", out.Overlap,
		)

		if out.Finish != core.FinishLength {
			break
		}
		if c.opts.MaxTranscriptChars > 0 && r.transcript.Len() >= c.opts.MaxTranscriptChars {
			r.truncate(res, "transcript size ceiling reached")
			break
		}
		working = append(working,
			core.Message{Role: core.RoleAssistant, Content: out.Unique},
			core.Message{Role: core.RoleUser, Content: ContinuePrompt},
		)
	}

	r.gate.Finalize()
	res.Transcript = r.transcript.String()
	res.Emitted = r.emitted
	res.StreamDisabled = !r.stream
	res.CeilingApplied = r.ceiling
	return res, nil
}

func (r *run) truncate(res *Result, why string) {
	r.logger.Warn("stopping continuation", "reason", why, "rounds", len(res.Rounds), "chars", r.transcript.Len())
	r.transcript.AppendVerbatim(TruncationNotice)
	r.gate.Push(TruncationNotice)
	res.Truncated = true
}

func (r *run) fallback(reason FallbackReason) {
	r.logger.Info("round fallback", "reason", reason)
	if h := r.c.opts.Hooks.OnFallback; h != nil {
		h(r.c.adapter.Name(), reason)
	}
}

// round runs one round, retrying in place for the recoverable signals. Each
// signal is honoured at most once: the ceiling, once set, stays set for the
// rest of the request, and the stream flag only ever goes from true to false.
func (r *run) round(ctx context.Context, n int, req *core.RoundRequest) (RoundOutcome, error) {
	out := RoundOutcome{Provider: r.c.adapter.Name(), Round: n}
	for {
		req.Stream = r.stream
		req.MaxTokens = 0
		if r.ceiling {
			req.MaxTokens = r.c.opts.FallbackMaxTokens
		}

		var err error
		if r.stream {
			out.Transport = core.TransportStream
			err = r.streamRound(ctx, req, &out)
		} else {
			out.Transport = core.TransportBatch
			err = r.batchRound(ctx, req, &out)
		}

		if err == nil {
			if r.stream && out.Unique == "" && out.Finish == core.FinishNone {
				r.stream = false
				out.Retries++
				r.fallback(FallbackSilentStream)
				continue
			}
			return out, nil
		}

		var herr *core.HTTPError
		if !errors.As(err, &herr) {
			return out, err
		}
		switch r.c.adapter.Classify(herr) {
		case core.RecoverySetCeiling:
			if r.ceiling {
				return out, err
			}
			r.ceiling = true
			out.Retries++
			r.fallback(FallbackCeiling)
		case core.RecoveryDisableStream:
			if !r.stream {
				return out, err
			}
			r.stream = false
			out.Retries++
			r.fallback(FallbackStreamRefused)
		default:
			return out, err
		}
	}
}

// streamRound consumes one streamed reply. Deltas go through the deduplicator
// until the round contributes its first unique text; from there on the round
// has resumed past the redelivered seam and deltas append verbatim.
func (r *run) streamRound(ctx context.Context, req *core.RoundRequest, out *RoundOutcome) error {
	body, err := r.c.adapter.OpenStream(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	var unique []byte
	resumed := false
	err = framing.Decode(body, func(payload []byte) error {
		ev, err := r.c.adapter.DecodeStreamEvent(payload)
		if err != nil {
			return err
		}
		if ev.Delta != "" {
			var text string
			if resumed {
				text = ev.Delta
				r.transcript.AppendVerbatim(text)
			} else {
				var n int
				n, text = r.transcript.Append(ev.Delta)
				out.Overlap += n
				resumed = text != ""
			}
			if text != "" {
				unique = append(unique, text...)
				r.gate.Push(text)
			}
		}
		if ev.HasFinish() {
			out.Finish = ev.Finish
			out.RawFinish = ev.RawFinish
		}
		return nil
	})
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return core.NewTransportError(r.c.adapter.Name(), "request failed: stream ended mid-record", err)
		}
		return core.NewTransportError(r.c.adapter.Name(), "request failed: reading stream: "+err.Error(), err)
	}
	out.Unique = string(unique)
	return nil
}

// batchRound sends one batch request and merges the whole reply at once.
func (r *run) batchRound(ctx context.Context, req *core.RoundRequest, out *RoundOutcome) error {
	ev, err := r.c.adapter.Complete(ctx, req)
	if err != nil {
		return err
	}
	n, unique := r.transcript.Append(ev.Delta)
	if n > 0 {
		r.logger.Info("dropped redelivered text", "overlap", n)
	}
	out.Overlap += n
	out.Unique = unique
	out.Finish = ev.Finish
	out.RawFinish = ev.RawFinish
	r.gate.Push(unique)
	return nil
}
