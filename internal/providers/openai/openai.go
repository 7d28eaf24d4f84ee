// Package openai adapts rounds to OpenAI-compatible chat completion endpoints.
package openai

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
	// DefaultBaseURL is used when the provider config has no base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	lengthFinish = "length"
)

// ceilingFields are the request fields an endpoint may demand as output ceiling.
var ceilingFields = []string{"max_tokens", "max_completion_tokens"}

// Provider speaks the chat completions schema.
type Provider struct {
	id     string
	model  string
	url    string
	apiKey string
	client *llmclient.Client
}

// New creates an adapter for cfg with a resolved apiKey.
func New(cfg core.ProviderConfig, apiKey string, httpClient *http.Client, lc llmclient.Config) *Provider {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	p := &Provider{
		id:     cfg.ID,
		model:  cfg.Model,
		url:    base + "/chat/completions",
		apiKey: apiKey,
	}
	lc.ProviderName = cfg.ID
	p.client = llmclient.NewWithHTTPClient(httpClient, lc, p.setHeaders)
	return p
}

// Name returns the provider id.
func (p *Provider) Name() string { return p.id }

// Endpoint returns the resolved request URL.
func (p *Provider) Endpoint() string { return p.url }

// setHeaders sets the required headers for OpenAI API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	// OpenAI requires ASCII-only characters and max 512 bytes, otherwise returns 400.
	if id := core.GetStreamID(req.Context()); id != "" && isValidClientRequestID(id) {
		req.Header.Set("X-Client-Request-Id", id)
	}
}

func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

func (p *Provider) buildRequest(req *core.RoundRequest) *chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, chatMessage{Role: core.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	return &chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
	}
}

// OpenStream sends a streaming request and returns the raw SSE body.
func (p *Provider) OpenStream(ctx context.Context, req *core.RoundRequest) (io.ReadCloser, error) {
	body := p.buildRequest(req)
	body.Stream = true
	return p.client.DoStream(ctx, llmclient.Request{Method: http.MethodPost, URL: p.url, Body: body})
}

// DecodeStreamEvent reads choices[0].delta.content and choices[0].finish_reason.
func (p *Provider) DecodeStreamEvent(payload []byte) (core.Event, error) {
	if !gjson.ValidBytes(payload) {
		return core.Event{}, core.NewDecodeError(p.id, "decode failed: malformed stream event: "+truncate(payload), nil)
	}
	if msg := gjson.GetBytes(payload, "error.message"); msg.Exists() {
		return core.Event{}, core.NewTransportError(p.id, "request failed: "+msg.String(), nil)
	}
	choice := gjson.GetBytes(payload, "choices.0")
	raw := choice.Get("finish_reason").String()
	return core.Event{
		Delta:     choice.Get("delta.content").String(),
		Finish:    core.NormalizeFinish(raw, lengthFinish),
		RawFinish: raw,
	}, nil
}

// Complete sends a batch request and reads choices[0].message.content.
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
	content := gjson.GetBytes(resp.Body, "choices.0.message.content")
	if content.Type != gjson.String {
		return core.Event{}, core.NewDecodeError(p.id, "decode failed: missing choices[0].message.content", nil)
	}
	raw := gjson.GetBytes(resp.Body, "choices.0.finish_reason").String()
	return core.Event{
		Delta:     content.String(),
		Finish:    core.NormalizeFinish(raw, lengthFinish),
		RawFinish: raw,
	}, nil
}

// Classify maps a rejection onto the recoverable patterns.
func (p *Provider) Classify(err *core.HTTPError) core.Recovery {
	return err.Recovery(ceilingFields...)
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
