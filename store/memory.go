package store

import (
	"sync/atomic"

	"github.com/maxpert/notnview/changelog"
	"github.com/maxpert/notnview/record"
	"github.com/puzpuzpuz/xsync/v3"
)

type memoryRow struct {
	value record.Notification
	meta  rowMeta
}

// MemoryTable implements Table using a lock-free concurrent map. Readers
// never block the writer and the writer never blocks readers.
type MemoryTable struct {
	rows   *xsync.MapOf[string, *memoryRow]
	digest atomic.Uint64
	closed atomic.Bool
}

// NewMemoryTable creates an empty xsync-backed table
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		rows: xsync.NewMapOf[string, *memoryRow](),
	}
}

func (t *MemoryTable) Apply(key string, n record.Notification, pos changelog.Position) (bool, error) {
	if t.closed.Load() {
		return false, ErrTableClosed
	}

	hash, err := rowHash(key, n)
	if err != nil {
		return false, err
	}

	applied := false
	var replaced uint64
	t.rows.Compute(key, func(old *memoryRow, loaded bool) (*memoryRow, bool) {
		if loaded && !pos.AtOrAfter(old.meta.pos) {
			return old, false
		}
		if loaded {
			replaced = old.meta.hash
		}
		applied = true
		// Rows are replaced, never mutated, so readers holding the old
		// pointer keep a consistent value.
		return &memoryRow{value: n, meta: rowMeta{pos: pos, hash: hash}}, false
	})

	if applied {
		t.digest.Add(hash - replaced)
	}
	return applied, nil
}

func (t *MemoryTable) Get(key string) (record.Notification, bool, error) {
	if t.closed.Load() {
		return record.Notification{}, false, ErrTableClosed
	}

	row, ok := t.rows.Load(key)
	if !ok {
		return record.Notification{}, false, nil
	}
	return row.value, true, nil
}

func (t *MemoryTable) Len() int {
	return t.rows.Size()
}

func (t *MemoryTable) Digest() uint64 {
	return t.digest.Load()
}

// Close marks the table closed; contents are discarded
func (t *MemoryTable) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.rows.Clear()
	}
	return nil
}
