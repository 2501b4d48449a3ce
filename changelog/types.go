package changelog

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed log, reader or writer.
	ErrClosed = errors.New("changelog is closed")

	// ErrCorrupt is returned when the log hands back a record whose position
	// cannot be recovered. Consumption cannot continue past it.
	ErrCorrupt = errors.New("changelog record is corrupt")
)

// Position locates an entry in the log. Offsets are ordered within a
// partition only; every entry for a given key lands on the same partition.
type Position struct {
	Partition int
	Offset    int64
}

// AtOrAfter reports whether p is at or past other for the purpose of
// last-write-wins. Positions on different partitions are not comparable;
// the incoming entry wins since log delivery order is the only order left.
func (p Position) AtOrAfter(other Position) bool {
	if p.Partition != other.Partition {
		return true
	}
	return p.Offset >= other.Offset
}

// Entry is one record read back from the log.
type Entry struct {
	Key      string
	Value    []byte
	Position Position

	// Skipped marks a record the reader could not decode. Only Position is
	// set; consumers still count it against their progress.
	Skipped bool
}

// Watermark is a snapshot of the log end: for every partition, the offset of
// the last entry present when the snapshot was taken. Empty partitions map
// to -1 or are absent.
type Watermark map[int]int64

// Writer appends to the internal log. Append returns once the write is
// durable; an error means the entry may not have been written.
type Writer interface {
	Append(ctx context.Context, key string, value []byte) error
	Close() error
}

// Reader replays the internal log from the earliest retained entry.
type Reader interface {
	// Watermark snapshots the current end of log.
	Watermark(ctx context.Context) (Watermark, error)
	// Next blocks until the next entry is available or ctx is done.
	Next(ctx context.Context) (Entry, error)
	Close() error
}

// Progress tracks consumption against a watermark taken at startup.
type Progress struct {
	pending map[int]int64
}

// NewProgress returns a tracker that completes once every non-empty
// partition in w has been consumed through its end offset.
func NewProgress(w Watermark) *Progress {
	pending := make(map[int]int64, len(w))
	for partition, last := range w {
		if last >= 0 {
			pending[partition] = last
		}
	}
	return &Progress{pending: pending}
}

// Observe records a consumed position and reports whether the watermark
// has been reached on every partition.
func (p *Progress) Observe(pos Position) bool {
	if last, ok := p.pending[pos.Partition]; ok && pos.Offset >= last {
		delete(p.pending, pos.Partition)
	}
	return len(p.pending) == 0
}

// Done reports whether the watermark has been reached.
func (p *Progress) Done() bool {
	return len(p.pending) == 0
}

// Remaining returns the number of partitions still behind the watermark.
func (p *Progress) Remaining() int {
	return len(p.pending)
}
