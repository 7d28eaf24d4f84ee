// Package main records real provider replies as test fixtures.
// Usage:
//
//	OPENAI_API_KEY=sk-xxx go run ./cmd/recordstream \
//	  -provider=openai \
//	  -mode=stream \
//	  -max-tokens=16 \
//	  -output=internal/providers/openai/testdata/stream_length.sse
//
// Stream mode saves the raw event-stream body; batch mode saves the JSON reply.
// A small -max-tokens captures a length-capped reply.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inkflow/internal/core"
	"inkflow/internal/framing"
	"inkflow/internal/providers"
	"inkflow/internal/secrets"
)

// Provider defaults when no -base-url or -model is given.
var providerConfigs = map[string]struct {
	kind  core.ProviderKind
	model string
}{
	"openai":    {kind: core.KindOpenAI, model: "gpt-4o-mini"},
	"anthropic": {kind: core.KindAnthropic, model: "claude-3-5-haiku-latest"},
}

const defaultPrompt = "Count from one to twenty in words, separated by commas."

func main() {
	provider := flag.String("provider", "openai", "Provider to record (openai, anthropic)")
	mode := flag.String("mode", "stream", "Transport to record (stream, batch)")
	output := flag.String("output", "", "Output file path (required)")
	model := flag.String("model", "", "Override model in request")
	baseURL := flag.String("base-url", "", "Override the provider base URL")
	prompt := flag.String("prompt", defaultPrompt, "User prompt")
	maxTokens := flag.Int("max-tokens", 0, "Explicit output ceiling (0 = provider default)")
	flag.Parse()

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -output flag is required")
		flag.Usage()
		os.Exit(1)
	}

	pConfig, ok := providerConfigs[*provider]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown provider %q\n", *provider)
		os.Exit(1)
	}
	if *mode != "stream" && *mode != "batch" {
		fmt.Fprintf(os.Stderr, "Error: unknown mode %q\n", *mode)
		os.Exit(1)
	}

	cfg := core.ProviderConfig{
		ID:      *provider,
		Kind:    pConfig.kind,
		BaseURL: *baseURL,
		Model:   pConfig.model,
		APIKey:  os.Getenv(strings.ToUpper(*provider) + "_API_KEY"),
	}
	if *model != "" {
		cfg.Model = *model
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	adapter, err := providers.NewFactory(secrets.EnvLookup{}).New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	req := &core.RoundRequest{
		Messages:    []core.Message{{Role: core.RoleUser, Content: *prompt}},
		Temperature: core.DefaultTemperature,
		MaxTokens:   *maxTokens,
	}
	fmt.Printf("Recording %s %s reply (model %s)...\n", *provider, *mode, cfg.Model)

	var data []byte
	if *mode == "stream" {
		data, err = recordStream(ctx, adapter, req)
	} else {
		data, err = recordBatch(ctx, adapter, req)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := writeOutput(*output, data); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Response saved to %s\n", *output)
}

// recordStream saves the body verbatim and prints what the decoder makes of it.
func recordStream(ctx context.Context, adapter core.Adapter, req *core.RoundRequest) ([]byte, error) {
	req.Stream = true
	body, err := adapter.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	var text strings.Builder
	var finish string
	err = framing.Decode(bytes.NewReader(raw), func(payload []byte) error {
		ev, err := adapter.DecodeStreamEvent(payload)
		if err != nil {
			return err
		}
		text.WriteString(ev.Delta)
		if ev.HasFinish() {
			finish = ev.RawFinish
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recorded stream does not decode: %w", err)
	}
	fmt.Printf("Decoded %d chars, finish reason %q\n", len([]rune(text.String())), finish)
	return raw, nil
}

// recordBatch saves the decoded reply as JSON. The adapter consumes the
// raw body, so what is recorded is the normalized event.
func recordBatch(ctx context.Context, adapter core.Adapter, req *core.RoundRequest) ([]byte, error) {
	ev, err := adapter.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Decoded %d chars, finish reason %q\n", len([]rune(ev.Delta)), ev.RawFinish)
	return json.MarshalIndent(map[string]string{
		"text":   ev.Delta,
		"finish": ev.RawFinish,
	}, "", "  ")
}

// writeOutput writes data to the output file, creating directories as needed.
func writeOutput(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
