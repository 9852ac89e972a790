package executable

import (
	"bytes"
	"sync"
)

// stderrTail keeps the last bytes a plugin wrote to stderr so they can be
// attached to an error. Older output is discarded as new output arrives.
type stderrTail struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	dropped bool
}

func newStderrTail(limit int) *stderrTail {
	return &stderrTail{buf: make([]byte, 0, min(limit, 4096)), limit: limit}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.dropped = true
	}
	return len(p), nil
}

// String renders the kept output for an error message. When output was
// dropped the leading partial line is cut and the result starts with "...".
func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.buf
	if t.dropped {
		if i := bytes.IndexByte(out, '\n'); i >= 0 && i < len(out)-1 {
			out = out[i+1:]
		}
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return ""
	}
	if t.dropped {
		return "..." + string(out)
	}
	return string(out)
}
