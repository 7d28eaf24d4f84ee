package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "error with provider",
			err:      NewTransportError("openai", "request failed", nil),
			expected: "[openai] transport_error: request failed",
		},
		{
			name:     "error without provider",
			err:      NewSettingsError("provider not found: nope"),
			expected: "configuration_error: provider not found: nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	original := errors.New("original error")
	err := NewDecodeError("anthropic", "decode failed", original)

	if !errors.Is(err, original) {
		t.Errorf("errors.Is(%v, original) = false", err)
	}
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"settings", NewSettingsError("x"), http.StatusBadRequest},
		{"credential", NewCredentialError("p", "api key not found for provider=p", nil), http.StatusUnauthorized},
		{"transport", NewTransportError("p", "x", nil), http.StatusBadGateway},
		{"decode", NewDecodeError("p", "x", nil), http.StatusBadGateway},
		{"internal", &Error{Kind: KindInternal}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"openai shape", `{"error":{"message":"max_tokens is required","type":"invalid_request_error"}}`, "max_tokens is required"},
		{"flat message", `{"message":"nope"}`, "nope"},
		{"string error", `{"error":"bad key"}`, "bad key"},
		{"plain text", "  upstream exploded \n", "upstream exploded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractErrorMessage([]byte(tt.body)); got != tt.want {
				t.Errorf("ExtractErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPError(t *testing.T) {
	err := &HTTPError{Provider: "openai", StatusCode: 400, Body: []byte(`{"error":{"message":"Stream Not Supported"}}`)}

	if got, want := err.Error(), "[openai] http 400: Stream Not Supported"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !err.ClientError() {
		t.Error("ClientError() = false for 400")
	}
	if got := err.LowerBody(); got != `{"error":{"message":"stream not supported"}}` {
		t.Errorf("LowerBody() = %q", got)
	}
	if (&HTTPError{StatusCode: 502}).ClientError() {
		t.Error("ClientError() = true for 502")
	}
}

func TestStageOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Stage
	}{
		{"tagged settings", NewSettingsError("provider not found"), StageSettings},
		{"wrapped tagged", fmt.Errorf("round 2: %w", NewDecodeError("p", "bad", nil)), StageProvider},
		{"http error", &HTTPError{StatusCode: 500}, StageProvider},
		{"api key text", errors.New("API key not found for provider=x"), StageProvider},
		{"keyring text", errors.New("keyring read failed"), StageProvider},
		{"http text", errors.New("http 503 from upstream"), StageProvider},
		{"other", errors.New("planner exploded"), StageAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StageOf(tt.err); got != tt.want {
				t.Errorf("StageOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(fmt.Errorf("read: %w", context.Canceled)) {
		t.Error("wrapped context.Canceled not detected")
	}
	if !IsCancelled(&Error{Kind: KindCancelled}) {
		t.Error("cancelled kind not detected")
	}
	if IsCancelled(errors.New("boom")) {
		t.Error("plain error reported as cancelled")
	}
}

func TestNormalizeFinish(t *testing.T) {
	tests := []struct {
		raw, length string
		want        FinishReason
	}{
		{"length", "length", FinishLength},
		{"max_tokens", "max_tokens", FinishLength},
		{"stop", "length", FinishStop},
		{"end_turn", "max_tokens", FinishStop},
		{"", "length", FinishNone},
		{"  ", "length", FinishNone},
	}

	for _, tt := range tests {
		if got := NormalizeFinish(tt.raw, tt.length); got != tt.want {
			t.Errorf("NormalizeFinish(%q, %q) = %q, want %q", tt.raw, tt.length, got, tt.want)
		}
	}
}

func TestResolveTemperature(t *testing.T) {
	half, one := 0.5, 1.0
	cfg := &ProviderConfig{}
	if got := cfg.ResolveTemperature(nil); got != DefaultTemperature {
		t.Errorf("default = %v", got)
	}
	cfg.Temperature = &half
	if got := cfg.ResolveTemperature(nil); got != half {
		t.Errorf("provider default = %v", got)
	}
	if got := cfg.ResolveTemperature(&one); got != one {
		t.Errorf("override = %v", got)
	}
}

func TestHTTPError_Recovery(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Recovery
	}{
		{"missing max_tokens", 400, `{"error":{"message":"max_tokens is required"}}`, RecoverySetCeiling},
		{"case insensitive", 422, `{"error":{"message":"Field MAX_TOKENS missing"}}`, RecoverySetCeiling},
		{"5xx mentioning max_tokens", 500, `max_tokens overflow`, RecoveryNone},
		{"stream unsupported", 400, `{"error":"Streaming is not supported"}`, RecoveryDisableStream},
		{"unknown stream param", 400, `unknown parameter: stream`, RecoveryDisableStream},
		{"stream on 5xx", 503, `stream invalid state`, RecoveryDisableStream},
		{"plain rejection", 401, `{"error":{"message":"bad key"}}`, RecoveryNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &HTTPError{StatusCode: tt.status, Body: []byte(tt.body)}
			if got := err.Recovery("max_tokens"); got != tt.want {
				t.Errorf("Recovery() = %v, want %v", got, tt.want)
			}
		})
	}
}
