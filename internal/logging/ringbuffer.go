package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the tail of everything written to it, up to a fixed
// capacity. It implements io.Writer: the newest bytes always survive and
// the oldest are evicted first. It is the crash-dump sink that sits beside
// the rotating log file, so a wedged daemon can still hand over its recent
// log lines.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	head  int // index of the oldest retained byte
	count int // retained bytes, <= len(data)
}

// NewRingBuffer allocates a buffer retaining up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10 << 20
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write appends p, evicting the oldest bytes once capacity is exceeded.
// Never fails.
func (b *RingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	capacity := len(b.data)
	if n >= capacity {
		// Only the tail of p fits; everything older is gone anyway.
		copy(b.data, p[n-capacity:])
		b.head, b.count = 0, capacity
		return n, nil
	}

	tail := (b.head + b.count) % capacity
	written := copy(b.data[tail:], p)
	if written < n {
		copy(b.data, p[written:])
	}
	b.count += n
	if b.count > capacity {
		b.head = (b.head + b.count - capacity) % capacity
		b.count = capacity
	}
	return n, nil
}

// Bytes returns the retained bytes, oldest first.
func (b *RingBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.count)
	first := b.data[b.head:]
	if len(first) > b.count {
		first = first[:b.count]
	}
	w := copy(out, first)
	copy(out[w:], b.data[:b.count-w])
	return out
}

// Dump writes the retained bytes to a file, oldest first.
func (b *RingBuffer) Dump(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o644)
}
