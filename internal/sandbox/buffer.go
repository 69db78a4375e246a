package sandbox

import "sync"

const defaultMaxOutputBytes = 64 << 10

// tailBuffer keeps the last maxSize bytes written to it. Writes never fail,
// so a chatty process is not stalled or broken by a full buffer.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	maxSize   int
	truncated bool
}

func newTailBuffer(maxSize int) *tailBuffer {
	if maxSize <= 0 {
		maxSize = defaultMaxOutputBytes
	}
	return &tailBuffer{maxSize: maxSize}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.maxSize {
		b.buf = append(b.buf[:0], p[n-b.maxSize:]...)
		b.truncated = true
		return n, nil
	}
	if over := len(b.buf) + n - b.maxSize; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
