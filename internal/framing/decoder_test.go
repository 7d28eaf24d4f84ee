package framing

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(d *Decoder) []string {
	var out []string
	for {
		p, ok := d.Next()
		if !ok {
			return out
		}
		out = append(out, string(p))
	}
}

func TestDecoder_PartialLinesStayBuffered(t *testing.T) {
	d := NewDecoder()

	d.Write([]byte(`data: {"a":1}` + "\n" + `data: {"b"`))
	assert.Equal(t, []string{`{"a":1}`}, drain(d))
	assert.Equal(t, len(`data: {"b"`), d.Buffered())

	d.Write([]byte(":2}\r\n"))
	assert.Equal(t, []string{`{"b":2}`}, drain(d))
	assert.Zero(t, d.Buffered())
}

func TestDecoder_IgnoresLinesWithoutPrefix(t *testing.T) {
	d := NewDecoder()
	d.Write([]byte("event: message_start\n: keepalive\n\ndata:\ndata: {\"x\":true}\n"))

	assert.Equal(t, []string{`{"x":true}`}, drain(d))
}

func TestDecoder_SentinelEndsStream(t *testing.T) {
	d := NewDecoder()
	d.Write([]byte("data: {\"n\":1}\ndata: [DONE]\ndata: {\"n\":2}\n"))

	assert.Equal(t, []string{`{"n":1}`}, drain(d))
	assert.True(t, d.Done())

	d.Write([]byte("data: {\"n\":3}\n"))
	assert.Empty(t, drain(d))
	_, ok := d.Flush()
	assert.False(t, ok)
}

func TestDecoder_FlushReturnsUnterminatedRecord(t *testing.T) {
	d := NewDecoder()
	d.Write([]byte(`data: {"tail":"é"}`))

	assert.Empty(t, drain(d))
	p, ok := d.Flush()
	require.True(t, ok)
	assert.Equal(t, `{"tail":"é"}`, string(p))

	_, ok = d.Flush()
	assert.False(t, ok, "flush is single-shot")
}

func TestDecoder_NeverSplitsGlyphs(t *testing.T) {
	line := "data: {\"t\":\"日本語\"}\n"
	d := NewDecoder()
	for i := 0; i < len(line); i++ {
		d.Write([]byte{line[i]})
	}
	assert.Equal(t, []string{`{"t":"日本語"}`}, drain(d))
}

func TestDecoder_CustomPrefix(t *testing.T) {
	d := NewDecoderWith("chunk=", "END")
	d.Write([]byte("chunk= one\nchunk=END\n"))
	assert.Equal(t, []string{"one"}, drain(d))
	assert.True(t, d.Done())
}

func TestDecode(t *testing.T) {
	body := "data: {\"i\":0}\n\ndata: {\"i\":1}\n\ndata: [DONE]\n\ndata: {\"i\":2}\n"

	var got []string
	err := Decode(iotest.OneByteReader(strings.NewReader(body)), func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"i":0}`, `{"i":1}`}, got)
}

func TestDecode_EOFWithoutNewline(t *testing.T) {
	var got []string
	err := Decode(strings.NewReader("data: {\"i\":0}\ndata: {\"i\":1}"), func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"i":0}`, `{"i":1}`}, got)
}

func TestDecode_CallbackErrorStops(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Decode(strings.NewReader("data: 1\ndata: 2\n"), func([]byte) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDecode_ReadErrorSurfaces(t *testing.T) {
	r := io.MultiReader(strings.NewReader("data: 1\n"), iotest.ErrReader(io.ErrUnexpectedEOF))
	var got []string
	err := Decode(r, func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{"1"}, got)
}
