// Package anthropic adapts rounds to the Anthropic messages API.
package anthropic

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"inkflow/internal/core"
	"inkflow/internal/llmclient"
)

const (
	// DefaultEndpoint is used when the provider config has no base URL.
	DefaultEndpoint     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// DefaultMaxTokens is sent when the round has no explicit ceiling; the
	// messages API always requires one.
	DefaultMaxTokens = 32000

	lengthFinish = "max_tokens"
)

// Provider speaks the messages schema.
type Provider struct {
	id     string
	model  string
	url    string
	apiKey string
	client *llmclient.Client
}

// New creates an adapter for cfg with a resolved apiKey.
func New(cfg core.ProviderConfig, apiKey string, httpClient *http.Client, lc llmclient.Config) *Provider {
	p := &Provider{
		id:     cfg.ID,
		model:  cfg.Model,
		url:    endpoint(cfg.BaseURL),
		apiKey: apiKey,
	}
	lc.ProviderName = cfg.ID
	p.client = llmclient.NewWithHTTPClient(httpClient, lc, p.setHeaders)
	return p
}

// endpoint accepts either an API base (.../v1) or the full messages URL.
func endpoint(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case base == "":
		return DefaultEndpoint
	case strings.HasSuffix(base, "/messages"):
		return base
	default:
		return base + "/messages"
	}
}

// Name returns the provider id.
func (p *Provider) Name() string { return p.id }

// Endpoint returns the resolved request URL.
func (p *Provider) Endpoint() string { return p.url }

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Stream      bool               `json:"stream"`
}

// buildRequest lifts system turns into the top-level system field; the
// messages API only accepts user and assistant roles.
func (p *Provider) buildRequest(req *core.RoundRequest) *anthropicRequest {
	var system []string
	if strings.TrimSpace(req.System) != "" {
		system = append(system, req.System)
	}
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	return &anthropicRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      strings.Join(system, "\n\n"),
		Stream:      req.Stream,
	}
}

// OpenStream sends a streaming request and returns the raw SSE body.
func (p *Provider) OpenStream(ctx context.Context, req *core.RoundRequest) (io.ReadCloser, error) {
	body := p.buildRequest(req)
	body.Stream = true
	return p.client.DoStream(ctx, llmclient.Request{Method: http.MethodPost, URL: p.url, Body: body})
}

// DecodeStreamEvent handles content_block_delta text, message_delta stop
// reasons and in-stream error events. Other event types carry nothing.
func (p *Provider) DecodeStreamEvent(payload []byte) (core.Event, error) {
	if !gjson.ValidBytes(payload) {
		return core.Event{}, core.NewDecodeError(p.id, "decode failed: malformed stream event: "+truncate(payload), nil)
	}
	ev := gjson.ParseBytes(payload)
	switch ev.Get("type").String() {
	case "content_block_delta":
		return core.Event{Delta: ev.Get("delta.text").String()}, nil
	case "message_delta":
		raw := ev.Get("delta.stop_reason").String()
		return core.Event{Finish: core.NormalizeFinish(raw, lengthFinish), RawFinish: raw}, nil
	case "error":
		msg := ev.Get("error.message").String()
		if msg == "" {
			msg = ev.Get("error.type").String()
		}
		return core.Event{}, core.NewTransportError(p.id, "request failed: "+msg, nil)
	default:
		return core.Event{}, nil
	}
}

// Complete sends a batch request and joins content[].text.
func (p *Provider) Complete(ctx context.Context, req *core.RoundRequest) (core.Event, error) {
	body := p.buildRequest(req)
	body.Stream = false
	resp, err := p.client.DoRaw(ctx, llmclient.Request{Method: http.MethodPost, URL: p.url, Body: body})
	if err != nil {
		return core.Event{}, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return core.Event{}, core.NewDecodeError(p.id, "decode failed: response is not JSON: "+truncate(resp.Body), nil)
	}

	var text strings.Builder
	gjson.GetBytes(resp.Body, "content").ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text"); t.Type == gjson.String {
			text.WriteString(t.String())
		}
		return true
	})
	if text.Len() == 0 {
		return core.Event{}, core.NewDecodeError(p.id, "decode failed: missing content[].text", nil)
	}

	raw := gjson.GetBytes(resp.Body, "stop_reason").String()
	return core.Event{
		Delta:     text.String(),
		Finish:    core.NormalizeFinish(raw, lengthFinish),
		RawFinish: raw,
	}, nil
}

// Classify maps a rejection onto the recoverable patterns. Every request
// already carries max_tokens, so a complaint about it is not recoverable.
func (p *Provider) Classify(err *core.HTTPError) core.Recovery {
	return err.Recovery()
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
