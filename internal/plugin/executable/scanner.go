package executable

import (
	"bufio"
	"bytes"
	"io"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineLength     = 16 * 1024 * 1024
)

// NewLineScanner returns a scanner yielding only newline-terminated lines.
// Reads may split lines anywhere; a partial line is held until its newline
// arrives, and an unterminated tail at end of stream is dropped.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initialLineBuffer), maxLineLength)
	s.Split(scanTerminatedLines)
	return s
}

func scanTerminatedLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, dropCR(data[:i]), nil
	}
	if atEOF {
		// Consume the unterminated remainder without emitting it.
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}
