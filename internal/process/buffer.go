package process

import "sync"

// DefaultOutputLimit caps the captured output of one launch.
const DefaultOutputLimit = 256 << 10

// Buffer is a bounded output buffer that keeps the newest bytes written.
type Buffer struct {
	mu        sync.Mutex
	data      []byte
	limit     int
	truncated bool
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) >= b.limit {
		b.truncated = b.truncated || len(b.data) > 0 || len(p) > b.limit
		b.data = append(b.data[:0], p[len(p)-b.limit:]...)
		return len(p), nil
	}
	if over := len(b.data) + len(p) - b.limit; over > 0 {
		n := copy(b.data, b.data[over:])
		b.data = b.data[:n]
		b.truncated = true
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *Buffer) WriteString(s string) (int, error) { return b.Write([]byte(s)) }

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Truncated reports whether older bytes have been dropped.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func (b *Buffer) Limit() int { return b.limit }
