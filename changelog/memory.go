package changelog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryLog is an in-process log. It is used for embedded single-process
// deployments and tests; its contents do not survive a restart.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry // ascending by offset, gaps after compaction
	next    int64
	latest  map[string]int64
	wake    chan struct{}
	closed  bool
}

// NewMemoryLog creates an empty in-process log with a single partition.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		latest: make(map[string]int64),
		wake:   make(chan struct{}),
	}
}

// Append adds an entry and wakes any waiting readers.
func (m *MemoryLog) Append(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	val := make([]byte, len(value))
	copy(val, value)

	offset := m.next
	m.next++
	m.entries = append(m.entries, Entry{
		Key:      key,
		Value:    val,
		Position: Position{Partition: 0, Offset: offset},
	})
	m.latest[key] = offset

	close(m.wake)
	m.wake = make(chan struct{})
	return nil
}

// Compact drops every entry superseded by a later entry for the same key
// and returns the number removed.
func (m *MemoryLog) Compact() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if m.latest[e.Key] == e.Position.Offset {
			kept = append(kept, e)
			continue
		}
		removed++
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = Entry{}
	}
	m.entries = kept
	return removed
}

// Len returns the number of retained entries.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// NewReader returns a reader positioned at the earliest retained entry.
func (m *MemoryLog) NewReader() *MemoryReader {
	return &MemoryReader{log: m}
}

// Close releases waiting readers. Further appends fail with ErrClosed.
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.wake)
	return nil
}

// watermark returns the last assigned offset, or -1 when empty.
func (m *MemoryLog) watermark() Watermark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Watermark{0: m.next - 1}
}

// MemoryReader reads a MemoryLog from the start.
type MemoryReader struct {
	log    *MemoryLog
	next   int64
	closed atomic.Bool
}

// Watermark returns the current end of the log.
func (r *MemoryReader) Watermark(ctx context.Context) (Watermark, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.log.watermark(), nil
}

// Next returns the next retained entry, waiting for appends when caught up.
func (r *MemoryReader) Next(ctx context.Context) (Entry, error) {
	for {
		if r.closed.Load() {
			return Entry{}, ErrClosed
		}

		r.log.mu.Lock()
		entries := r.log.entries
		idx := sort.Search(len(entries), func(i int) bool {
			return entries[i].Position.Offset >= r.next
		})
		if idx < len(entries) {
			e := entries[idx]
			r.log.mu.Unlock()
			r.next = e.Position.Offset + 1
			return e, nil
		}
		closed := r.log.closed
		wake := r.log.wake
		r.log.mu.Unlock()

		if closed {
			return Entry{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-wake:
		}
	}
}

// Close stops the reader.
func (r *MemoryReader) Close() error {
	r.closed.Store(true)
	return nil
}
