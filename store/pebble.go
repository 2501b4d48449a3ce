package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/notnview/changelog"
	"github.com/maxpert/notnview/encoding"
	"github.com/maxpert/notnview/record"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	prefixRow = "/row/"

	DefaultCacheSize = 10000
)

type storedRow struct {
	Partition    int                 `msgpack:"p"`
	Offset       int64               `msgpack:"o"`
	Notification record.Notification `msgpack:"n"`
}

// PebbleConfig configures a durable replica table
type PebbleConfig struct {
	DataDir   string // Parent directory
	Name      string // Store name, used as the directory name
	CacheSize int    // Rows kept in the read cache (0 = default, <0 disables)
	Compress  bool   // zstd-compress stored rows
}

// PebbleTable implements Table on a Pebble database so the replica does not
// have to fit in memory. The directory is wiped on open: the table is a
// derived cache rebuilt from the log, never a checkpoint.
//
// Positions and digests live in memory; row values live on disk with an LRU
// cache in front for hot keys.
type PebbleTable struct {
	db       *pebble.DB
	path     string
	compress bool

	index  *xsync.MapOf[string, rowMeta]
	cache  *lru.Cache[string, storedRow]
	digest atomic.Uint64

	// Serializes index updates with cache fills so a slow reader cannot
	// put a superseded row back into the cache
	cacheMu sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	closeMu sync.RWMutex
	closed  atomic.Bool
}

// NewPebbleTable creates an empty durable table
func NewPebbleTable(config PebbleConfig) (*PebbleTable, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if config.Name == "" {
		return nil, fmt.Errorf("store name is required")
	}

	path := filepath.Join(config.DataDir, config.Name)
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear replica directory %s: %w", path, err)
	}

	db, err := pebble.Open(path, &pebble.Options{
		// Rebuilt from the log on every start; no WAL needed
		DisableWAL: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open replica store at %s: %w", path, err)
	}

	t := &PebbleTable{
		db:       db,
		path:     path,
		compress: config.Compress,
		index:    xsync.NewMapOf[string, rowMeta](),
	}

	if config.CacheSize >= 0 {
		size := config.CacheSize
		if size == 0 {
			size = DefaultCacheSize
		}
		cache, err := lru.New[string, storedRow](size)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create row cache: %w", err)
		}
		t.cache = cache
	}

	if config.Compress {
		t.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		t.decoder, err = zstd.NewReader(nil)
		if err != nil {
			t.encoder.Close()
			db.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	log.Debug().Str("path", path).Bool("compress", config.Compress).Msg("Opened replica store")
	return t, nil
}

func (t *PebbleTable) Apply(key string, n record.Notification, pos changelog.Position) (bool, error) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed.Load() {
		return false, ErrTableClosed
	}

	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	old, loaded := t.index.Load(key)
	if loaded && !pos.AtOrAfter(old.pos) {
		return false, nil
	}

	hash, err := rowHash(key, n)
	if err != nil {
		return false, err
	}

	row := storedRow{Partition: pos.Partition, Offset: pos.Offset, Notification: n}
	val, err := t.encodeRow(row)
	if err != nil {
		return false, err
	}

	if err := t.db.Set([]byte(prefixRow+key), val, pebble.NoSync); err != nil {
		return false, unavailable("write row", err)
	}

	t.index.Store(key, rowMeta{pos: pos, hash: hash})
	if t.cache != nil {
		t.cache.Add(key, row)
	}

	var replaced uint64
	if loaded {
		replaced = old.hash
	}
	t.digest.Add(hash - replaced)
	return true, nil
}

func (t *PebbleTable) Get(key string) (record.Notification, bool, error) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed.Load() {
		return record.Notification{}, false, ErrTableClosed
	}

	if _, ok := t.index.Load(key); !ok {
		return record.Notification{}, false, nil
	}

	if t.cache != nil {
		if row, ok := t.cache.Get(key); ok {
			return row.Notification, true, nil
		}
	}

	val, closer, err := t.db.Get([]byte(prefixRow + key))
	if err == pebble.ErrNotFound {
		// Indexed but missing on disk
		return record.Notification{}, false, unavailable("read row", err)
	}
	if err != nil {
		return record.Notification{}, false, unavailable("read row", err)
	}
	defer closer.Close()

	row, err := t.decodeRow(val)
	if err != nil {
		return record.Notification{}, false, unavailable("decode row", err)
	}

	if t.cache != nil {
		t.fill(key, row)
	}
	return row.Notification, true, nil
}

// fill caches row only if it is still the indexed version of key
func (t *PebbleTable) fill(key string, row storedRow) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	meta, ok := t.index.Load(key)
	if !ok || meta.pos != (changelog.Position{Partition: row.Partition, Offset: row.Offset}) {
		return
	}
	t.cache.Add(key, row)
}

func (t *PebbleTable) Len() int {
	return t.index.Size()
}

func (t *PebbleTable) Digest() uint64 {
	return t.digest.Load()
}

// Close closes the database and removes its directory
func (t *PebbleTable) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.encoder != nil {
		t.encoder.Close()
	}
	if t.decoder != nil {
		t.decoder.Close()
	}

	if err := t.db.Close(); err != nil {
		return err
	}
	return os.RemoveAll(t.path)
}

func (t *PebbleTable) encodeRow(row storedRow) ([]byte, error) {
	data, err := encoding.Marshal(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	if !t.compress {
		return data, nil
	}
	return t.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (t *PebbleTable) decodeRow(val []byte) (storedRow, error) {
	var row storedRow
	data := val
	if t.compress {
		var err error
		data, err = t.decoder.DecodeAll(val, nil)
		if err != nil {
			return row, err
		}
	}
	if err := encoding.Unmarshal(data, &row); err != nil {
		return row, err
	}
	return row, nil
}
