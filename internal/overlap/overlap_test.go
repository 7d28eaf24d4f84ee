package overlap

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestOverlap(t *testing.T) {
	tests := []struct {
		name  string
		tail  string
		chunk string
		want  int
	}{
		{"no overlap", "hello", "world", 0},
		{"partial overlap", "the quick brown", "brown fox", 5},
		{"whole chunk repeated", "abcdef", "def", 3},
		{"longest wins", "abab", "ababx", 4},
		{"repeated char run", "aaa", "aaaa", 3},
		{"empty tail", "", "abc", 0},
		{"empty chunk", "abc", "", 0},
		{"multibyte", "naïve café", "café au lait", 4},
		{"emoji", "ok 👍🏽", "👍🏽 done", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlap(tt.tail, tt.chunk))
		})
	}
}

func TestTranscript_AppendReturnsUniqueSuffix(t *testing.T) {
	var tr Transcript

	n, unique := tr.Append("The cat sat on")
	assert.Zero(t, n)
	assert.Equal(t, "The cat sat on", unique)

	n, unique = tr.Append("sat on the mat.")
	assert.Equal(t, 6, n)
	assert.Equal(t, " the mat.", unique)
	assert.Equal(t, "The cat sat on the mat.", tr.String())
	assert.Equal(t, utf8.RuneCountInString(tr.String()), tr.Len())
}

func TestTranscript_EmptyChunk(t *testing.T) {
	var tr Transcript
	tr.AppendVerbatim("abc")

	n, unique := tr.Append("")
	assert.Zero(t, n)
	assert.Empty(t, unique)
	assert.Equal(t, "abc", tr.String())
}

func TestTranscript_NeverSplitsGlyph(t *testing.T) {
	var tr Transcript
	tr.AppendVerbatim("grüß")

	// "ß" shares no bytes-as-runes prefix with "ßen" beyond the whole glyph.
	n, unique := tr.Append("ßen")
	assert.Equal(t, 1, n)
	assert.Equal(t, "en", unique)
	assert.True(t, utf8.ValidString(tr.String()))

	// A chunk starting with a different glyph that shares a leading byte must not match.
	tr2 := Transcript{}
	tr2.AppendVerbatim("é") // 0xC3 0xA9
	n, unique = tr2.Append("ã") // 0xC3 0xA3
	assert.Zero(t, n)
	assert.Equal(t, "ã", unique)
}

// For every split k the merge appends exactly chunk[k:] and reports the largest k.
func TestTranscript_LargestOverlapProperty(t *testing.T) {
	base := "lorem ipsum dolor sit amet, ümlaut 日本 "
	for k := 0; k <= utf8.RuneCountInString(base); k++ {
		r := []rune(base)
		head := string(r[len(r)-k:])
		chunk := head + "#tail"

		var tr Transcript
		tr.AppendVerbatim(base)
		n, unique := tr.Append(chunk)

		assert.Equal(t, "#tail", unique, "k=%d", k)
		assert.GreaterOrEqual(t, n, k)
		assert.Equal(t, base+"#tail", tr.String())
	}
}

func TestTranscript_WindowBound(t *testing.T) {
	long := strings.Repeat("x", Window+10)

	var tr Transcript
	tr.AppendVerbatim("y" + long)

	// A full repeat beyond the window cannot be detected entirely.
	n, unique := tr.Append("y" + long)
	assert.Equal(t, 0, n)
	assert.Equal(t, "y"+long, unique)

	var tr2 Transcript
	tr2.AppendVerbatim(long)
	n, _ = tr2.Append(long)
	assert.Equal(t, Window, n)
}
