package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/notnview/publisher"
	"github.com/maxpert/notnview/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockSource serves queued messages and records commits
type MockSource struct {
	mu        sync.Mutex
	queue     []Message
	committed []int64
	fetchErrs atomic.Int32
	wake      chan struct{}
	closed    atomic.Bool
}

func NewMockSource(msgs ...Message) *MockSource {
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	return &MockSource{queue: msgs, wake: make(chan struct{}, 1)}
}

func (m *MockSource) Fetch(ctx context.Context) (Message, error) {
	if m.fetchErrs.Add(-1) >= 0 {
		return Message{}, errors.New("broker unavailable")
	}
	for {
		if m.closed.Load() {
			return Message{}, ErrSourceClosed
		}
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-m.wake:
		}
	}
}

func (m *MockSource) Commit(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, msg.Offset)
	return nil
}

func (m *MockSource) Close() error {
	m.closed.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockSource) Committed() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.committed...)
}

// MockPublisher records published notifications. While block is set,
// Publish waits for ctx like a republisher facing a log outage.
type MockPublisher struct {
	mu        sync.Mutex
	keys      []string
	published []record.Notification
	block     atomic.Bool
	err       error
}

func (p *MockPublisher) Publish(ctx context.Context, key string, n record.Notification) error {
	if p.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.published = append(p.published, n)
	return nil
}

func (p *MockPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func msg(key, payload string) Message {
	return Message{Key: key, Value: []byte(payload)}
}

func runUntilDrained(t *testing.T, a *Adapter, src *MockSource) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.queue) == 0
	}, 2*time.Second, time.Millisecond)

	src.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not stop after source closed")
	}
}

func TestAdapterForwardsDecodedNotifications(t *testing.T) {
	src := NewMockSource(
		msg("N-1", `{"NOTN":"N-1","AMTS":100,"STATUS":"OPEN"}`),
		msg("N-2", `{"NOTN":"N-2","AMTS":"50","STATUS":"OPEN"}`),
	)
	pub := &MockPublisher{}

	runUntilDrained(t, NewAdapter(src, pub, Config{}), src)

	assert.Equal(t, []string{"N-1", "N-2"}, pub.Keys())
	assert.Equal(t, record.Amount(100), pub.published[0].Amts)
	assert.Equal(t, record.Amount(50), pub.published[1].Amts)
	assert.Equal(t, []int64{0, 1}, src.Committed())
}

func TestAdapterSkipsMalformedAndContinues(t *testing.T) {
	src := NewMockSource(
		msg("N-1", `{"NOTN":"N-1","STATUS":"OPEN"}`),
		msg("BAD", `{"NOTN":`),
		msg("NULL", `null`),
		msg("N-2", `{"NOTN":"N-2","STATUS":"OPEN"}`),
	)
	pub := &MockPublisher{}

	runUntilDrained(t, NewAdapter(src, pub, Config{}), src)

	assert.Equal(t, []string{"N-1", "N-2"}, pub.Keys())
	// Malformed records are committed so they are not redelivered forever
	assert.Equal(t, []int64{0, 1, 2, 3}, src.Committed())
}

func TestAdapterSkipsEmptyKey(t *testing.T) {
	src := NewMockSource(
		msg("", `{"NOTN":"X"}`),
		msg("N-1", `{"NOTN":"N-1"}`),
	)
	pub := &MockPublisher{}

	runUntilDrained(t, NewAdapter(src, pub, Config{}), src)

	assert.Equal(t, []string{"N-1"}, pub.Keys())
	assert.Equal(t, []int64{0, 1}, src.Committed())
}

func TestAdapterAppliesKeyFilter(t *testing.T) {
	filter, err := publisher.NewKeyFilter([]string{"N-*"}, []string{"N-TEST-*"})
	require.NoError(t, err)

	src := NewMockSource(
		msg("N-1", `{"NOTN":"N-1"}`),
		msg("X-1", `{"NOTN":"X-1"}`),
		msg("N-TEST-1", `{"NOTN":"N-TEST-1"}`),
	)
	pub := &MockPublisher{}

	runUntilDrained(t, NewAdapter(src, pub, Config{Filter: filter}), src)

	assert.Equal(t, []string{"N-1"}, pub.Keys())
	assert.Equal(t, []int64{0, 1, 2}, src.Committed())
}

func TestAdapterDoesNotCommitUnpublished(t *testing.T) {
	src := NewMockSource(msg("N-1", `{"NOTN":"N-1"}`))
	pub := &MockPublisher{}
	pub.block.Store(true)

	a := NewAdapter(src, pub, Config{})
	a.Start()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.queue) == 0
	}, 2*time.Second, time.Millisecond)

	a.Stop()
	assert.Empty(t, src.Committed())
	assert.Empty(t, pub.Keys())
}

func TestAdapterRetriesFetchErrors(t *testing.T) {
	src := NewMockSource(msg("N-1", `{"NOTN":"N-1"}`))
	src.fetchErrs.Store(2)
	pub := &MockPublisher{}

	runUntilDrained(t, NewAdapter(src, pub, Config{FetchRetryBackoff: time.Millisecond}), src)

	assert.Equal(t, []string{"N-1"}, pub.Keys())
}

func TestAdapterStartStop(t *testing.T) {
	src := NewMockSource()
	a := NewAdapter(src, &MockPublisher{}, Config{})

	a.Start()
	a.Start() // no-op
	a.Stop()
	a.Stop()
}

func TestAdapterDefaults(t *testing.T) {
	a := NewAdapter(NewMockSource(), &MockPublisher{}, Config{})
	assert.IsType(t, record.JSONCodec{}, a.config.Codec)
	assert.Equal(t, DefaultFetchRetryBackoff, a.config.FetchRetryBackoff)
}
