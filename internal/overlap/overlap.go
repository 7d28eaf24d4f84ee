// Package overlap merges text chunks into a transcript without repeating text
// that a provider redelivered at the start of a chunk.
package overlap

import (
	"strings"
	"unicode/utf8"
)

// Window is the maximum overlap, in characters, looked for at the transcript tail.
const Window = 4096

// Overlap returns the length in characters of the longest suffix of tail that
// equals a prefix of chunk, looking back at most Window characters.
// The longest match wins.
func Overlap(tail, chunk string) int {
	n, _ := overlap(tail, chunk)
	return n
}

// overlap returns the overlap in characters and the byte offset in chunk where
// the unique part starts.
func overlap(tail, chunk string) (int, int) {
	if tail == "" || chunk == "" {
		return 0, 0
	}
	t := lastRunes(tail, Window)
	c := firstRunes(chunk, Window)

	longest := len(t)
	if len(c) < longest {
		longest = len(c)
	}
	for k := longest; k > 0; k-- {
		if equalRunes(t[len(t)-k:], c[:k]) {
			off := 0
			for _, r := range c[:k] {
				off += utf8.RuneLen(r)
			}
			return k, off
		}
	}
	return 0, 0
}

// Transcript is an append-only text accumulator. The zero value is ready to use.
type Transcript struct {
	b     strings.Builder
	chars int
}

// Append merges chunk into the transcript and returns the number of overlapping
// characters skipped and the unique suffix that was appended.
func (t *Transcript) Append(chunk string) (int, string) {
	if chunk == "" {
		return 0, ""
	}
	n, off := overlap(t.b.String(), chunk)
	unique := chunk[off:]
	t.write(unique)
	return n, unique
}

// AppendVerbatim appends s without looking for an overlap.
func (t *Transcript) AppendVerbatim(s string) {
	t.write(s)
}

func (t *Transcript) write(s string) {
	if s == "" {
		return
	}
	t.b.WriteString(s)
	t.chars += utf8.RuneCountInString(s)
}

// String returns the accumulated text.
func (t *Transcript) String() string {
	return t.b.String()
}

// Len returns the transcript length in characters.
func (t *Transcript) Len() int {
	return t.chars
}

func lastRunes(s string, max int) []rune {
	start := len(s)
	for i := 0; i < max && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:start])
		start -= size
	}
	return []rune(s[start:])
}

func firstRunes(s string, max int) []rune {
	end := 0
	for i := 0; i < max && end < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return []rune(s[:end])
}

func equalRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
