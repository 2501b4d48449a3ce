package changelog

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/notnview/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixLogEntry = "/changelog/"     // /changelog/{16-digit-zero-padded-seq}
	prefixLogKey   = "/changelog-key/" // /changelog-key/{key} -> latest seq for key
	keyLogSeq      = "/changelog-seq"  // last assigned sequence
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

const (
	defaultReadLimit       = 100
	defaultPollInterval    = 100 * time.Millisecond
	compactionIntervalMask = 0x7F // compact every 128 appends
)

type storedEntry struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

// PebbleLog is a single-node durable log backed by Pebble. Sequence numbers
// start at 1 and map to offsets on partition 0. Superseded entries are
// removed by periodic compaction so only the latest entry per key is kept
// long term.
type PebbleLog struct {
	db   *pebble.DB
	path string

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	wakeMu sync.Mutex
	wake   chan struct{}

	compactMu      sync.Mutex
	compactRunning atomic.Bool
	compactWg      sync.WaitGroup

	// closeMu keeps the database open while an operation is using it
	closeMu sync.RWMutex
	closed  atomic.Bool
}

// NewPebbleLog creates or opens a Pebble-backed log under dataDir.
func NewPebbleLog(dataDir string) (*PebbleLog, error) {
	logPath := filepath.Join(dataDir, "changelog")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open changelog at %s: %w", logPath, err)
	}

	pl := &PebbleLog{
		db:   db,
		path: logPath,
		wake: make(chan struct{}),
	}

	if err := pl.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	return pl, nil
}

func (pl *PebbleLog) loadLastSeq() error {
	val, closer, err := pl.db.Get([]byte(keyLogSeq))
	if err == pebble.ErrNotFound {
		pl.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	pl.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

// Append writes one entry durably and assigns it the next sequence number.
func (pl *PebbleLog) Append(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pl.closeMu.RLock()
	defer pl.closeMu.RUnlock()
	if pl.closed.Load() {
		return ErrClosed
	}

	val, err := encoding.Marshal(&storedEntry{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pl.appendMu.Lock()
	seq := pl.lastSeq.Load() + 1

	batch := pl.db.NewBatch()
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)

	if err := batch.Set([]byte(formatEntryKey(seq)), val, nil); err != nil {
		batch.Close()
		pl.appendMu.Unlock()
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := batch.Set([]byte(prefixLogKey+key), seqBuf, nil); err != nil {
		batch.Close()
		pl.appendMu.Unlock()
		return fmt.Errorf("failed to write key index: %w", err)
	}
	if err := batch.Set([]byte(keyLogSeq), seqBuf, nil); err != nil {
		batch.Close()
		pl.appendMu.Unlock()
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		batch.Close()
		pl.appendMu.Unlock()
		return fmt.Errorf("failed to commit entry: %w", err)
	}
	batch.Close()

	// Only publish the new sequence after a successful commit
	pl.lastSeq.Store(seq)
	pl.appendMu.Unlock()

	pl.signal()

	if seq&compactionIntervalMask == 0 && pl.compactRunning.CompareAndSwap(false, true) {
		pl.compactWg.Add(1)
		go pl.compactAsync()
	}

	return nil
}

// ReadFrom reads up to limit entries with sequence greater than cursor.
func (pl *PebbleLog) ReadFrom(cursor uint64, limit int) ([]Entry, error) {
	pl.closeMu.RLock()
	defer pl.closeMu.RUnlock()
	if pl.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatEntryKey(cursor + 1))
	prefix := []byte(prefixLogEntry)

	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(entries) < limit; iter.Next() {
		seq, err := parseEntryKey(iter.Key())
		if err != nil {
			return nil, err
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		pos := Position{Partition: 0, Offset: int64(seq)}
		var stored storedEntry
		if err := encoding.Unmarshal(val, &stored); err != nil {
			log.Warn().Err(err).Uint64("seq", seq).Msg("Skipping unreadable changelog entry")
			entries = append(entries, Entry{Position: pos, Skipped: true})
			continue
		}

		entries = append(entries, Entry{
			Key:      stored.Key,
			Value:    stored.Value,
			Position: pos,
		})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

// LastSeq returns the last committed sequence number, 0 when empty.
func (pl *PebbleLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// NewReader returns a reader that replays the log from the first retained
// entry and then follows new appends.
func (pl *PebbleLog) NewReader(pollInterval time.Duration) *PebbleReader {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &PebbleReader{log: pl, pollInterval: pollInterval}
}

// Compact removes every entry that has been superseded by a later entry for
// the same key and returns how many were removed.
func (pl *PebbleLog) Compact() (int, error) {
	pl.compactMu.Lock()
	defer pl.compactMu.Unlock()

	pl.closeMu.RLock()
	defer pl.closeMu.RUnlock()
	if pl.closed.Load() {
		return 0, ErrClosed
	}

	prefix := []byte(prefixLogEntry)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}

	batch := pl.db.NewBatch()
	defer batch.Close()

	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseEntryKey(iter.Key())
		if err != nil {
			iter.Close()
			return 0, err
		}

		var stored storedEntry
		if err := encoding.Unmarshal(iter.Value(), &stored); err != nil {
			continue
		}

		latest, err := pl.latestSeq(stored.Key)
		if err != nil {
			iter.Close()
			return 0, err
		}
		if latest > seq {
			if err := batch.Delete([]byte(formatEntryKey(seq)), nil); err != nil {
				iter.Close()
				return 0, err
			}
			removed++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit compaction: %w", err)
	}

	log.Debug().Int("removed", removed).Msg("Compacted changelog")
	return removed, nil
}

func (pl *PebbleLog) latestSeq(key string) (uint64, error) {
	val, closer, err := pl.db.Get([]byte(prefixLogKey + key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid key index length: %d", len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

func (pl *PebbleLog) compactAsync() {
	defer pl.compactWg.Done()
	defer pl.compactRunning.Store(false)

	if _, err := pl.Compact(); err != nil && err != ErrClosed {
		log.Warn().Err(err).Msg("Failed to compact changelog")
	}
}

func (pl *PebbleLog) signal() {
	pl.wakeMu.Lock()
	close(pl.wake)
	pl.wake = make(chan struct{})
	pl.wakeMu.Unlock()
}

func (pl *PebbleLog) waitCh() <-chan struct{} {
	pl.wakeMu.Lock()
	defer pl.wakeMu.Unlock()
	return pl.wake
}

// Close closes the Pebble database and waits for in-flight compaction.
func (pl *PebbleLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return nil
	}

	pl.compactWg.Wait()

	pl.closeMu.Lock()
	defer pl.closeMu.Unlock()

	pl.signal()

	if pl.db != nil {
		return pl.db.Close()
	}
	return nil
}

// PebbleReader follows a PebbleLog.
type PebbleReader struct {
	log          *PebbleLog
	cursor       uint64
	buf          []Entry
	pollInterval time.Duration
	closed       atomic.Bool
}

// Watermark returns the last committed sequence as partition 0's end.
func (r *PebbleReader) Watermark(ctx context.Context) (Watermark, error) {
	if r.closed.Load() || r.log.closed.Load() {
		return nil, ErrClosed
	}
	last := r.log.LastSeq()
	if last == 0 {
		return Watermark{0: -1}, nil
	}
	return Watermark{0: int64(last)}, nil
}

// Next returns the next entry, polling the log when caught up.
func (r *PebbleReader) Next(ctx context.Context) (Entry, error) {
	for {
		if r.closed.Load() {
			return Entry{}, ErrClosed
		}

		if len(r.buf) > 0 {
			e := r.buf[0]
			r.buf = r.buf[1:]
			r.cursor = uint64(e.Position.Offset)
			return e, nil
		}

		wake := r.log.waitCh()
		entries, err := r.log.ReadFrom(r.cursor, defaultReadLimit)
		if err != nil {
			return Entry{}, err
		}
		if len(entries) > 0 {
			r.buf = entries
			continue
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close stops the reader. The underlying log stays open.
func (r *PebbleReader) Close() error {
	r.closed.Store(true)
	return nil
}

// formatEntryKey formats a sequence number as a 16-digit zero-padded key
func formatEntryKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixLogEntry, seq)
}

func parseEntryKey(key []byte) (uint64, error) {
	if len(key) != len(prefixLogEntry)+16 {
		return 0, fmt.Errorf("invalid changelog key %q", key)
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefixLogEntry):]), "%016x", &seq); err != nil {
		return 0, fmt.Errorf("invalid changelog key %q: %w", key, err)
	}
	return seq, nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
