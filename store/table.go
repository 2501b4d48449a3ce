// Package store holds the node-local replica table: the mapping from
// notification key to the last value observed in log order.
//
// A table has one writer (the materialization loop) and any number of
// concurrent readers. It is a derived cache; every implementation starts
// empty and is rebuilt by replaying the internal log.
package store

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/notnview/changelog"
	"github.com/maxpert/notnview/encoding"
	"github.com/maxpert/notnview/record"
)

var (
	// ErrStoreUnavailable means the backing storage failed. It is not
	// recoverable without a restart.
	ErrStoreUnavailable = errors.New("replica store unavailable")

	// ErrTableClosed is returned after Close.
	ErrTableClosed = errors.New("replica table closed")
)

// Table is a last-write-wins keyed table
type Table interface {
	// Apply stores n under key when pos is at or after the position already
	// applied for key. It reports whether the value was stored.
	Apply(key string, n record.Notification, pos changelog.Position) (bool, error)
	// Get returns a copy of the current value for key.
	Get(key string) (record.Notification, bool, error)
	// Len returns the number of keys.
	Len() int
	// Digest returns an order-independent fingerprint of the table contents.
	// Two tables holding the same keys and values have the same digest.
	Digest() uint64
	Close() error
}

type rowMeta struct {
	pos  changelog.Position
	hash uint64
}

// rowHash fingerprints one key/value pair for the table digest
func rowHash(key string, n record.Notification) (uint64, error) {
	data, err := encoding.Marshal(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to encode row for digest: %w", err)
	}

	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return h.Sum64(), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
