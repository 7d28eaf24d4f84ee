package core

import "strings"

// ProviderKind selects the wire schema an adapter speaks.
type ProviderKind string

const (
	KindOpenAI    ProviderKind = "openai"
	KindAnthropic ProviderKind = "anthropic"
)

// Valid reports whether k names a supported schema.
func (k ProviderKind) Valid() bool {
	return k == KindOpenAI || k == KindAnthropic
}

// ProviderConfig describes one configured provider. Immutable per request.
type ProviderConfig struct {
	ID          string       `yaml:"-" json:"id"`
	Kind        ProviderKind `yaml:"kind" json:"kind"`
	BaseURL     string       `yaml:"base_url" json:"base_url"`
	Model       string       `yaml:"model" json:"model"`
	APIKey      string       `yaml:"api_key" json:"-"`
	Temperature *float64     `yaml:"temperature" json:"temperature,omitempty"`
}

// DefaultTemperature applies when neither the request nor the provider sets one.
const DefaultTemperature = 0.7

// ResolveTemperature picks the override, then the provider default, then DefaultTemperature.
func (c *ProviderConfig) ResolveTemperature(override *float64) float64 {
	switch {
	case override != nil:
		return *override
	case c.Temperature != nil:
		return *c.Temperature
	default:
		return DefaultTemperature
	}
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Transport is how a round was delivered.
type Transport string

const (
	TransportStream Transport = "stream"
	TransportBatch  Transport = "batch"
)

// FinishReason is a provider completion reason normalized across schemas.
type FinishReason string

const (
	// FinishNone means the provider gave no completion signal.
	FinishNone FinishReason = ""
	// FinishLength means output was cut at the token budget.
	FinishLength FinishReason = "length"
	// FinishStop covers every other reported reason.
	FinishStop FinishReason = "stop"
)

// RoundRequest is the provider-neutral request for one round.
type RoundRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	Stream      bool
	// MaxTokens is an explicit output ceiling; zero means unset.
	MaxTokens int
}

// Event is one decoded unit of provider output: a stream event or a whole batch reply.
type Event struct {
	Delta string
	// Finish is the normalized reason; RawFinish keeps the provider value.
	Finish    FinishReason
	RawFinish string
}

// HasFinish reports whether the event carries a completion signal.
func (e Event) HasFinish() bool {
	return e.Finish != FinishNone
}

// NormalizeFinish maps a raw provider reason to FinishReason given the value that
// means length-capped for that provider.
func NormalizeFinish(raw, lengthValue string) FinishReason {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return FinishNone
	case strings.EqualFold(raw, lengthValue):
		return FinishLength
	default:
		return FinishStop
	}
}
