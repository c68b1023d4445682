package deej

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const lineTerminator = '\n'

// LineAssembler turns an arbitrarily chunked byte stream into complete text lines.
// A frame may arrive split across several chunks, and a single chunk may carry
// several frames, so whatever follows the last line feed is kept for the next call
type LineAssembler struct {
	buffer []byte
}

// NewLineAssembler creates an empty LineAssembler
func NewLineAssembler() *LineAssembler {
	return &LineAssembler{}
}

// Feed appends a chunk to the pending buffer and returns every line it completed, in arrival order.
// Lines are whitespace-trimmed; lines that aren't valid UTF-8 are dropped silently,
// since serial noise is expected and shouldn't stop the reader
func (la *LineAssembler) Feed(chunk []byte) []string {
	la.buffer = append(la.buffer, chunk...)

	lines := []string{}

	for {
		idx := bytes.IndexByte(la.buffer, lineTerminator)
		if idx < 0 {
			break
		}

		frame := la.buffer[:idx]
		la.buffer = la.buffer[idx+1:]

		if !utf8.Valid(frame) {
			continue
		}

		lines = append(lines, strings.TrimSpace(string(frame)))
	}

	// don't let a long-lived connection keep growing the backing array
	if len(la.buffer) == 0 {
		la.buffer = nil
	}

	return lines
}

// Buffered returns the size of the partial frame waiting for its line feed
func (la *LineAssembler) Buffered() int {
	return len(la.buffer)
}

// Reset discards any partial frame
func (la *LineAssembler) Reset() {
	la.buffer = nil
}
