package execreg

import "unicode/utf8"

const (
	DefaultMaxOutputChars = 200_000
	DefaultTailChars      = 2_000
)

// OutputBuffer keeps the most recent output of a process. Writes past the
// cap drop the oldest bytes and set truncated, which never clears. Writes
// are always accepted in full so the producer never blocks on a full buffer.
type OutputBuffer struct {
	max     int
	tailMax int

	aggregated []byte
	tail       []byte
	total      int64
	truncated  bool
}

func NewOutputBuffer(maxChars int) *OutputBuffer {
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	return &OutputBuffer{max: maxChars, tailMax: min(maxChars, DefaultTailChars)}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	b.aggregated = append(b.aggregated, p...)
	if over := len(b.aggregated) - b.max; over > 0 {
		b.aggregated = trimFront(b.aggregated, over)
		b.truncated = true
	}
	b.tail = append(b.tail, p...)
	if over := len(b.tail) - b.tailMax; over > 0 {
		b.tail = trimFront(b.tail, over)
	}
	return len(p), nil
}

// trimFront drops n leading bytes plus any continuation bytes of a rune
// that the cut would split. The result is copied so the old backing array
// can be collected.
func trimFront(b []byte, n int) []byte {
	for n < len(b) && !utf8.RuneStart(b[n]) {
		n++
	}
	out := make([]byte, len(b)-n, cap(b)-n)
	copy(out, b[n:])
	return out
}

func (b *OutputBuffer) Aggregated() string { return string(b.aggregated) }
func (b *OutputBuffer) Tail() string       { return string(b.tail) }
func (b *OutputBuffer) Total() int64       { return b.total }
func (b *OutputBuffer) Truncated() bool    { return b.truncated }
func (b *OutputBuffer) Max() int           { return b.max }

// restore seeds a buffer from a persisted session.
func (b *OutputBuffer) restore(aggregated, tail string, total int64, truncated bool) {
	b.aggregated = []byte(aggregated)
	b.tail = []byte(tail)
	b.total = total
	b.truncated = truncated
}
