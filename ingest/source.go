// Package ingest subscribes to the external notification channel, decodes
// each payload and hands it to the republisher.
package ingest

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by Fetch after Close
var ErrSourceClosed = errors.New("input source closed")

// Message is one keyed payload from the input channel
type Message struct {
	Key       string
	Value     []byte
	Partition int
	Offset    int64

	raw any // transport message, needed to commit
}

// Source is an external input channel with explicit commits. A message that
// is fetched but not committed is redelivered after a restart.
type Source interface {
	// Fetch blocks until the next message is available or ctx is done
	Fetch(ctx context.Context) (Message, error)
	// Commit marks msg and everything before it on its partition as consumed
	Commit(ctx context.Context, msg Message) error
	Close() error
}
