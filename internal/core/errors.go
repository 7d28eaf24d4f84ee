// Package core provides the shared types, errors and interfaces of the streaming service.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Stage is the coarse phase a terminal error is attributed to.
type Stage string

const (
	// StageSettings covers configuration lookup: unknown provider id, invalid config.
	StageSettings Stage = "settings"
	// StageProvider covers credentials, transport and provider payloads.
	StageProvider Stage = "provider"
	// StageAgent covers everything else.
	StageAgent Stage = "agent"
)

// ErrorKind classifies an error for retry and reporting decisions.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration_error"
	KindTransport     ErrorKind = "transport_error"
	KindDecode        ErrorKind = "decode_error"
	KindCancelled     ErrorKind = "cancelled"
	KindInternal      ErrorKind = "internal_error"
)

// Error is the base error type surfaced to callers of the streaming core.
type Error struct {
	Stage    Stage     `json:"stage"`
	Kind     ErrorKind `json:"type"`
	Message  string    `json:"message"`
	Provider string    `json:"provider,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status the HTTP surface reports for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindConfiguration:
		if e.Stage == StageSettings {
			return http.StatusBadRequest
		}
		return http.StatusUnauthorized
	case KindTransport, KindDecode:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *Error) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Kind,
			"stage":   e.Stage,
			"message": e.Message,
		},
	}
}

// NewSettingsError reports a configuration lookup failure.
func NewSettingsError(message string) *Error {
	return &Error{Stage: StageSettings, Kind: KindConfiguration, Message: message}
}

// NewCredentialError reports a missing or unreadable provider credential.
func NewCredentialError(provider, message string, err error) *Error {
	return &Error{Stage: StageProvider, Kind: KindConfiguration, Message: message, Provider: provider, Err: err}
}

// NewTransportError reports a failed request or body read.
func NewTransportError(provider, message string, err error) *Error {
	return &Error{Stage: StageProvider, Kind: KindTransport, Message: message, Provider: provider, Err: err}
}

// NewDecodeError reports a malformed provider payload.
func NewDecodeError(provider, message string, err error) *Error {
	return &Error{Stage: StageProvider, Kind: KindDecode, Message: message, Provider: provider, Err: err}
}

// HTTPError is a non-2xx provider reply. The raw body is kept so callers can look
// for recoverable rejection patterns.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	msg := ExtractErrorMessage(e.Body)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("[%s] http %d: %s", e.Provider, e.StatusCode, msg)
}

// ClientError reports whether the status is in the 4xx range.
func (e *HTTPError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// LowerBody returns the body lowercased for substring matching.
func (e *HTTPError) LowerBody() string {
	return strings.ToLower(string(e.Body))
}

// ExtractErrorMessage pulls a human message out of the common provider error shapes:
// {"error":{"message":...}}, {"error":"..."} and {"message":...}.
func ExtractErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"error.message", "message"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if v := gjson.GetBytes(body, "error"); v.Type == gjson.String {
		return v.String()
	}
	return strings.TrimSpace(string(body))
}

// Recovery is the in-round action a rejected request allows.
type Recovery int

const (
	// RecoveryNone means the rejection is fatal for the request.
	RecoveryNone Recovery = iota
	// RecoverySetCeiling means retry once with an explicit output-token ceiling.
	RecoverySetCeiling
	// RecoveryDisableStream means the endpoint refuses streaming; retry in batch.
	RecoveryDisableStream
)

func (r Recovery) String() string {
	switch r {
	case RecoverySetCeiling:
		return "set_ceiling"
	case RecoveryDisableStream:
		return "disable_stream"
	default:
		return "none"
	}
}

var streamRejectionWords = []string{"not support", "unsupported", "invalid", "unknown"}

// Recovery inspects a rejected reply for the two recoverable patterns: a 4xx
// that names one of ceilingFields (the endpoint wants an explicit output
// ceiling), and a body that says streaming is refused.
func (e *HTTPError) Recovery(ceilingFields ...string) Recovery {
	body := e.LowerBody()
	if e.ClientError() {
		for _, f := range ceilingFields {
			if strings.Contains(body, f) {
				return RecoverySetCeiling
			}
		}
	}
	if strings.Contains(body, "stream") {
		for _, w := range streamRejectionWords {
			if strings.Contains(body, w) {
				return RecoveryDisableStream
			}
		}
	}
	return RecoveryNone
}

var providerMarkers = []string{"api key", "keyring", "request failed", "decode failed", "http "}

// StageOf returns the stage a terminal error belongs to. Tagged errors keep
// their stage; anything else is attributed by message content.
func StageOf(err error) Stage {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Stage
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return StageProvider
	}
	msg := strings.ToLower(err.Error())
	for _, m := range providerMarkers {
		if strings.Contains(msg, m) {
			return StageProvider
		}
	}
	return StageAgent
}

// IsCancelled reports whether err stems from caller cancellation.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindCancelled
}
