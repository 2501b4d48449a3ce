package changelog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPebbleLog(t *testing.T) {
	tmpDir := t.TempDir()

	pl, err := NewPebbleLog(tmpDir)
	require.NoError(t, err)
	require.NotNil(t, pl)
	defer pl.Close()

	assert.Equal(t, filepath.Join(tmpDir, "changelog"), pl.path)
	assert.Equal(t, uint64(0), pl.LastSeq())
}

func TestPebbleLogAppendAndRead(t *testing.T) {
	ctx := context.Background()
	pl, err := NewPebbleLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(ctx, "N-1", []byte("open")))
	require.NoError(t, pl.Append(ctx, "N-2", []byte("open")))
	assert.Equal(t, uint64(2), pl.LastSeq())

	entries, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "N-1", entries[0].Key)
	assert.Equal(t, []byte("open"), entries[0].Value)
	assert.Equal(t, Position{Partition: 0, Offset: 1}, entries[0].Position)
	assert.Equal(t, int64(2), entries[1].Position.Offset)

	entries, err = pl.ReadFrom(1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "N-2", entries[0].Key)
}

func TestPebbleLogReadWithLimit(t *testing.T) {
	ctx := context.Background()
	pl, err := NewPebbleLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, pl.Append(ctx, fmt.Sprintf("N-%d", i), []byte("v")))
	}

	entries, err := pl.ReadFrom(0, 5)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.Equal(t, int64(5), entries[4].Position.Offset)

	entries, err = pl.ReadFrom(5, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, int64(6), entries[0].Position.Offset)
}

func TestPebbleLogPersistsSequence(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	pl, err := NewPebbleLog(tmpDir)
	require.NoError(t, err)
	require.NoError(t, pl.Append(ctx, "N-1", []byte("a")))
	require.NoError(t, pl.Append(ctx, "N-1", []byte("b")))
	require.NoError(t, pl.Close())

	pl, err = NewPebbleLog(tmpDir)
	require.NoError(t, err)
	defer pl.Close()

	assert.Equal(t, uint64(2), pl.LastSeq())
	require.NoError(t, pl.Append(ctx, "N-2", []byte("c")))
	assert.Equal(t, uint64(3), pl.LastSeq())
}

func TestPebbleLogCompact(t *testing.T) {
	ctx := context.Background()
	pl, err := NewPebbleLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(ctx, "N-1", []byte("v1")))
	require.NoError(t, pl.Append(ctx, "N-2", []byte("v1")))
	require.NoError(t, pl.Append(ctx, "N-1", []byte("v2")))

	removed, err := pl.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "N-2", entries[0].Key)
	assert.Equal(t, "N-1", entries[1].Key)
	assert.Equal(t, []byte("v2"), entries[1].Value)

	removed, err = pl.Compact()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestPebbleReaderFollowsAppends(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pl, err := NewPebbleLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	r := pl.NewReader(10 * time.Millisecond)
	defer r.Close()

	w, err := r.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, Watermark{0: -1}, w)

	require.NoError(t, pl.Append(ctx, "N-1", []byte("a")))
	e, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "N-1", e.Key)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = pl.Append(context.Background(), "N-2", []byte("b"))
	}()

	e, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "N-2", e.Key)
	assert.Equal(t, int64(2), e.Position.Offset)

	w, err = r.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, Watermark{0: 2}, w)
}

func TestPebbleLogClosed(t *testing.T) {
	pl, err := NewPebbleLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, pl.Close())
	require.NoError(t, pl.Close())

	assert.ErrorIs(t, pl.Append(context.Background(), "N-1", nil), ErrClosed)
	_, err = pl.ReadFrom(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = pl.NewReader(0).Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFormatEntryKeyRoundTrip(t *testing.T) {
	key := formatEntryKey(0xabc)
	assert.Equal(t, "/changelog/0000000000000abc", key)

	seq, err := parseEntryKey([]byte(key))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xabc), seq)

	_, err = parseEntryKey([]byte("/changelog/xyz"))
	assert.Error(t, err)
}

func TestPebbleReaderReportsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	pl, err := NewPebbleLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(ctx, "N-1", []byte("a")))
	require.NoError(t, pl.Append(ctx, "N-2", []byte("b")))

	// 0xc1 is never valid msgpack
	require.NoError(t, pl.db.Set([]byte(formatEntryKey(2)), []byte{0xc1}, nil))

	r := pl.NewReader(10 * time.Millisecond)
	defer r.Close()

	w, err := r.Watermark(ctx)
	require.NoError(t, err)
	progress := NewProgress(w)

	first, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "N-1", first.Key)
	assert.False(t, progress.Observe(first.Position))

	second, err := r.Next(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, Position{Partition: 0, Offset: 2}, second.Position)
	assert.True(t, progress.Observe(second.Position))
}
