package sequencer

import "strings"

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if t.max <= 0 {
		return len(p), nil
	}
	if len(p) >= t.max {
		t.b = append(t.b[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.b)+len(p) <= t.max {
		t.b = append(t.b, p...)
		return len(p), nil
	}
	overflow := len(t.b) + len(p) - t.max
	copy(t.b, t.b[overflow:])
	t.b = t.b[:len(t.b)-overflow]
	t.b = append(t.b, p...)
	return len(p), nil
}

// String returns the retained bytes with invalid UTF-8 replaced so reports
// stay readable when binaries leak into logs.
func (t *tailBuffer) String() string {
	return strings.ToValidUTF8(string(t.b), "\uFFFD")
}
