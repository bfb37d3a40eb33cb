package build

import "sync"

// Default number of log bytes retained per attempt.
const DefaultLogLimit = 32 * 1024

// A bounded write sink that retains the newest bytes.
//
// Writes never fail; once the limit is exceeded the oldest bytes are
// discarded. Safe for concurrent writers, which containerd's stream
// copiers require.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)

	// A single oversized write replaces the whole buffer.
	if n >= b.limit {
		if n > b.limit || len(b.buf) > 0 {
			b.truncated = true
		}
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}

	if overflow := len(b.buf) + n - b.limit; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)

	return n, nil
}

// Returns the retained bytes.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Reports whether any bytes were discarded.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
