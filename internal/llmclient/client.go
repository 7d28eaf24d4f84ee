// Package llmclient is the HTTP transport shared by provider adapters:
// JSON request building, provider headers, response decompression and
// typed errors for non-2xx replies. It never retries; whether a rejected
// round may be retried is decided by the continuation controller.
package llmclient

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"inkflow/internal/core"
	"inkflow/internal/httpclient"
)

// maxErrorBody caps how much of a rejected reply is kept for inspection.
const maxErrorBody = 1 << 20

// Config holds configuration for the client
type Config struct {
	// ProviderName identifies the provider for errors and hooks
	ProviderName string

	// BatchTimeout bounds a non-streaming exchange; zero means no bound.
	BatchTimeout time.Duration

	Hooks Hooks
}

// Hooks observe requests. Both fields are optional.
type Hooks struct {
	OnRequestStart func(ctx context.Context, info RequestInfo) context.Context
	OnRequestEnd   func(ctx context.Context, info ResponseInfo)
}

// RequestInfo describes an outgoing request.
type RequestInfo struct {
	Provider string
	URL      string
	Stream   bool
}

// ResponseInfo describes a finished exchange. For streams it is reported once
// headers arrive.
type ResponseInfo struct {
	Provider   string
	Stream     bool
	StatusCode int
	Duration   time.Duration
	Err        error
}

// HeaderSetter is a function that sets headers on an HTTP request
type HeaderSetter func(req *http.Request)

// Client is the base HTTP client for provider adapters
type Client struct {
	httpClient   *http.Client
	config       Config
	headerSetter HeaderSetter
}

// New creates a client on the shared pooled transport.
func New(config Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.NewDefaultHTTPClient(), config, headerSetter)
}

// NewWithHTTPClient creates a client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewDefaultHTTPClient()
	}
	return &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}
}

// Request represents an HTTP request to be made
type Request struct {
	Method  string
	URL     string
	Body    interface{} // Will be JSON marshaled if not nil
	Headers map[string]string
}

// Response represents a successful HTTP response with a decoded body
type Response struct {
	StatusCode int
	Body       []byte
}

// DoRaw executes a batch request and returns the decompressed body.
// Non-2xx replies come back as *core.HTTPError.
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	if c.config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.BatchTimeout)
		defer cancel()
	}

	resp, err := c.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		return nil, core.NewTransportError(c.config.ProviderName, "request failed: reading response: "+err.Error(), err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// DoStream executes a streaming request and returns the decompressed body
// stream (caller must close). Non-2xx replies come back as *core.HTTPError.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	if _, ok := req.Headers["Accept"]; !ok {
		req.Headers["Accept"] = "text/event-stream"
	}

	resp, err := c.send(ctx, req, true)
	if err != nil {
		return nil, err
	}
	stream, err := decodeStream(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, core.NewTransportError(c.config.ProviderName, "request failed: "+err.Error(), err)
	}
	return stream, nil
}

// send performs the exchange and turns non-2xx replies into *core.HTTPError.
// On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if c.config.Hooks.OnRequestStart != nil {
		ctx = c.config.Hooks.OnRequestStart(ctx, RequestInfo{Provider: c.config.ProviderName, URL: req.URL, Stream: stream})
		httpReq = httpReq.WithContext(ctx)
	}
	end := func(status int, err error) {
		if c.config.Hooks.OnRequestEnd != nil {
			c.config.Hooks.OnRequestEnd(ctx, ResponseInfo{
				Provider:   c.config.ProviderName,
				Stream:     stream,
				StatusCode: status,
				Duration:   time.Since(start),
				Err:        err,
			})
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		terr := core.NewTransportError(c.config.ProviderName, "request failed: "+err.Error(), err)
		end(0, terr)
		return nil, terr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, readErr := readBody(resp)
		_ = resp.Body.Close()
		if readErr != nil {
			body = []byte("failed to read error response")
		}
		herr := &core.HTTPError{Provider: c.config.ProviderName, StatusCode: resp.StatusCode, Body: body}
		end(resp.StatusCode, herr)
		return nil, herr
	}

	end(resp.StatusCode, nil)
	return resp, nil
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &core.Error{Stage: core.StageAgent, Kind: core.KindInternal, Message: "failed to marshal request", Provider: c.config.ProviderName, Err: err}
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, core.NewSettingsError(fmt.Sprintf("invalid provider endpoint %q: %v", req.URL, err))
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept-Encoding", "br, gzip, deflate")

	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	r, err := decoder(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return io.ReadAll(io.LimitReader(r, maxErrorBody))
	}
	return io.ReadAll(r)
}

func decodeStream(resp *http.Response) (io.ReadCloser, error) {
	r, err := decoder(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	return &readCloser{Reader: r, closer: resp.Body}, nil
}

// decoder wraps r for the first listed content encoding.
func decoder(r io.Reader, contentEncoding string) (io.Reader, error) {
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(contentEncoding, ",")[0]))
	switch encoding {
	case "br":
		return brotli.NewReader(r), nil
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return zlib.NewReader(r)
	default:
		return r, nil
	}
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc *readCloser) Close() error {
	return rc.closer.Close()
}
