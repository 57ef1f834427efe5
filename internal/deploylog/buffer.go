package deploylog

import "sync"

// LineBuffer keeps the most recent log lines of a deployment so a tab that
// reconnects can replay them. When full, the oldest line is overwritten.
type LineBuffer struct {
	mu    sync.RWMutex
	lines []string
	size  int
	head  int // next write position
	full  bool
}

// NewLineBuffer creates a buffer holding up to size lines.
func NewLineBuffer(size int) *LineBuffer {
	if size <= 0 {
		size = 500
	}
	return &LineBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

// Append adds a line, dropping the oldest one when the buffer is full.
func (b *LineBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.head] = line
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.full = true
	}
}

// Lines returns the buffered lines oldest first.
func (b *LineBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]string, b.head)
		copy(out, b.lines[:b.head])
		return out
	}

	out := make([]string, 0, b.size)
	out = append(out, b.lines[b.head:]...)
	out = append(out, b.lines[:b.head]...)
	return out
}

// Len returns the number of buffered lines.
func (b *LineBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.size
	}
	return b.head
}

// Reset clears the buffer.
func (b *LineBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.lines)
	b.head = 0
	b.full = false
}

// Capacity returns the maximum number of lines kept.
func (b *LineBuffer) Capacity() int {
	return b.size
}
