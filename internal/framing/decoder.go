// Package framing splits an incremental response body into event payloads.
//
// The wire format is line oriented: each record is a line carrying a fixed
// prefix ("data:" for server-sent events) followed by a JSON payload, and the
// stream ends with a sentinel payload ("[DONE]"). Lines are split on raw bytes,
// so a multi-byte glyph is never cut in half across payloads.
package framing

import (
	"bytes"
	"errors"
	"io"
)

const (
	// DataPrefix marks a payload line.
	DataPrefix = "data:"
	// DoneSentinel is the payload that ends the event stream.
	DoneSentinel = "[DONE]"

	readChunkSize = 4096
)

// Decoder buffers bytes for one response body and yields complete payloads.
// It is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	prefix   []byte
	sentinel []byte
	done     bool
}

// NewDecoder returns a decoder for server-sent events.
func NewDecoder() *Decoder {
	return NewDecoderWith(DataPrefix, DoneSentinel)
}

// NewDecoderWith returns a decoder for a custom line prefix and end sentinel.
func NewDecoderWith(prefix, sentinel string) *Decoder {
	return &Decoder{prefix: []byte(prefix), sentinel: []byte(sentinel)}
}

// Write appends raw body bytes.
func (d *Decoder) Write(p []byte) {
	if d.done {
		return
	}
	d.buf = append(d.buf, p...)
}

// Done reports whether the end sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Buffered returns the number of bytes held back as a partial line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete payload. ok is false when no complete line
// with a payload remains; the partial tail stays buffered.
func (d *Decoder) Next() (payload []byte, ok bool) {
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return nil, false
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if p, ok := d.payload(line); ok {
			return p, true
		}
	}
	return nil, false
}

// Flush treats whatever is left in the buffer as one final unterminated record.
// Call it once the body reached EOF.
func (d *Decoder) Flush() (payload []byte, ok bool) {
	if d.done || len(d.buf) == 0 {
		return nil, false
	}
	line := d.buf
	d.buf = nil
	return d.payload(line)
}

func (d *Decoder) payload(line []byte) ([]byte, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, d.prefix) {
		return nil, false
	}
	p := bytes.TrimSpace(line[len(d.prefix):])
	if len(p) == 0 {
		return nil, false
	}
	if bytes.Equal(p, d.sentinel) {
		d.done = true
		d.buf = nil
		return nil, false
	}
	// Copy so callers may keep the payload while the buffer moves on.
	out := make([]byte, len(p))
	copy(out, p)
	return out, true
}

// Decode reads r until EOF or the end sentinel and calls fn for each payload in
// order. An error returned by fn stops decoding and is returned as is.
func Decode(r io.Reader, fn func(payload []byte) error) error {
	d := NewDecoder()
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			d.Write(chunk[:n])
			for {
				p, ok := d.Next()
				if !ok {
					break
				}
				if ferr := fn(p); ferr != nil {
					return ferr
				}
			}
			if d.Done() {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			if p, ok := d.Flush(); ok {
				return fn(p)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
