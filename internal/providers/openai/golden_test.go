package openai

import (
	"os"
	"strings"
	"testing"

	"inkflow/internal/core"
	"inkflow/internal/framing"
)

// TestRecordedStream replays a body captured with cmd/recordstream.
func TestRecordedStream(t *testing.T) {
	f, err := os.Open("testdata/stream_length.sse")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	p := newTestProvider("")
	var text strings.Builder
	var last core.Event
	err = framing.Decode(f, func(payload []byte) error {
		ev, err := p.DecodeStreamEvent(payload)
		if err != nil {
			return err
		}
		text.WriteString(ev.Delta)
		if ev.HasFinish() {
			last = ev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := text.String(); got != "One, two, three" {
		t.Errorf("text = %q", got)
	}
	if last.Finish != core.FinishLength {
		t.Errorf("finish = %q (raw %q), want length", last.Finish, last.RawFinish)
	}
}
