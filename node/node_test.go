package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/notnview/cfg"
	"github.com/maxpert/notnview/engine"
	"github.com/maxpert/notnview/ingest"
	"github.com/maxpert/notnview/query"
	"github.com/maxpert/notnview/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSource feeds messages pushed by the test and records commits
type chanSource struct {
	messages  chan ingest.Message
	mu        sync.Mutex
	committed []int64
	closeOnce sync.Once
	closed    chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{
		messages: make(chan ingest.Message, 16),
		closed:   make(chan struct{}),
	}
}

func (s *chanSource) push(offset int64, key, payload string) {
	s.messages <- ingest.Message{Key: key, Value: []byte(payload), Offset: offset}
}

func (s *chanSource) Fetch(ctx context.Context) (ingest.Message, error) {
	select {
	case msg := <-s.messages:
		return msg, nil
	case <-s.closed:
		return ingest.Message{}, ingest.ErrSourceClosed
	case <-ctx.Done():
		return ingest.Message{}, ctx.Err()
	}
}

func (s *chanSource) Commit(ctx context.Context, msg ingest.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.Offset)
	return nil
}

func (s *chanSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *chanSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *chanSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

func testConfig(t *testing.T) *cfg.Configuration {
	c := cfg.Default()
	c.NodeID = 7
	c.DataDir = t.TempDir()
	c.Changelog.Transport = cfg.TransportMemory
	c.Query.Enabled = false
	c.Prometheus.Enabled = false
	return c
}

func waitReady(t *testing.T, n *Node) {
	t.Helper()
	select {
	case <-n.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not become ready")
	}
}

func payload(notn string, amts int, status string) string {
	return fmt.Sprintf(`{"NOTN":%q,"AMTS":%d,"STATUS":%q}`, notn, amts, status)
}

func TestNodeMaterializesIngestedNotifications(t *testing.T) {
	for _, backend := range []cfg.StoreBackend{cfg.StoreMemory, cfg.StorePebble} {
		t.Run(string(backend), func(t *testing.T) {
			c := testConfig(t)
			c.Store.Backend = backend
			src := newChanSource()

			n, err := New(context.Background(), c, WithSource(src))
			require.NoError(t, err)
			require.NoError(t, n.Start(context.Background()))
			defer n.Stop()
			waitReady(t, n)

			src.push(0, "N-1", payload("N-1", 100, "OPEN"))
			src.push(1, "N-2", payload("N-2", 50, "OPEN"))
			src.push(2, "N-1", payload("N-1", 100, "CLOSED"))

			require.Eventually(t, func() bool {
				got, err := n.Service().Lookup("N-1")
				return err == nil && got.Status == "CLOSED"
			}, 5*time.Second, 10*time.Millisecond)

			got, err := n.Service().Lookup("N-2")
			require.NoError(t, err)
			assert.Equal(t, record.Amount(50), got.Amts)
			assert.Equal(t, "OPEN", got.Status)

			_, err = n.Service().Lookup("N-3")
			assert.ErrorIs(t, err, query.ErrNotFound)

			assert.Eventually(t, func() bool {
				return len(src.commits()) == 3
			}, 5*time.Second, 10*time.Millisecond)

			health := n.Health()
			assert.True(t, health.Ready)
			assert.Equal(t, "READY", health.State)
			assert.Equal(t, 2, health.Keys)
			assert.False(t, health.Degraded)
		})
	}
}

func TestNodeSkipsMalformedAndFilteredInput(t *testing.T) {
	c := testConfig(t)
	c.Input.ExcludeKeys = []string{"TEST-*"}
	src := newChanSource()

	n, err := New(context.Background(), c, WithSource(src))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()
	waitReady(t, n)

	src.push(0, "N-1", "{not json")
	src.push(1, "TEST-1", payload("TEST-1", 1, "OPEN"))
	src.push(2, "N-2", payload("N-2", 20, "OPEN"))

	require.Eventually(t, func() bool {
		_, err := n.Service().Lookup("N-2")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err = n.Service().Lookup("N-1")
	assert.ErrorIs(t, err, query.ErrNotFound)
	_, err = n.Service().Lookup("TEST-1")
	assert.ErrorIs(t, err, query.ErrNotFound)

	assert.Eventually(t, func() bool {
		return len(src.commits()) == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeRebuildsReplicaFromPebbleLog(t *testing.T) {
	c := testConfig(t)
	c.Changelog.Transport = cfg.TransportPebble
	c.Changelog.PollIntervalMS = 10
	c.Store.Backend = cfg.StorePebble

	src := newChanSource()
	first, err := New(context.Background(), c, WithSource(src))
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	waitReady(t, first)

	src.push(0, "N-1", payload("N-1", 100, "OPEN"))
	src.push(1, "N-1", payload("N-1", 100, "CLOSED"))
	src.push(2, "N-2", payload("N-2", 50, "OPEN"))
	require.Eventually(t, func() bool {
		return first.Health().Keys == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := first.Service().Lookup("N-1")
		return err == nil && got.Status == "CLOSED"
	}, 5*time.Second, 10*time.Millisecond)
	digest := first.Health().Digest
	first.Stop()

	second, err := New(context.Background(), c, WithSource(newChanSource()))
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()
	waitReady(t, second)

	got, err := second.Service().Lookup("N-1")
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", got.Status)
	assert.Equal(t, digest, second.Health().Digest)
}

func TestNodeServesLookupsOverHTTP(t *testing.T) {
	c := testConfig(t)
	c.Query.Enabled = true
	c.Query.BindAddress = "127.0.0.1"
	c.Query.Port = freePort(t)
	src := newChanSource()

	n, err := New(context.Background(), c, WithSource(src))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()
	waitReady(t, n)

	src.push(0, "N-1", payload("N-1", 100, "CLOSED"))
	base := "http://" + n.QueryAddr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/notifications/N-1")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data query.Status `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "READY", body.Data.State)
	assert.Equal(t, 1, body.Data.Keys)
}

func TestNodeStopRejectsLookups(t *testing.T) {
	c := testConfig(t)
	src := newChanSource()
	n, err := New(context.Background(), c, WithSource(src))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	waitReady(t, n)

	n.Stop()
	n.Stop()
	assert.True(t, src.isClosed())

	_, err = n.Service().Lookup("N-1")
	assert.ErrorIs(t, err, query.ErrShuttingDown)
	assert.Equal(t, engine.StateStopped.String(), n.Health().State)
}

func TestNewFailsWhenChangelogIsUnreachable(t *testing.T) {
	c := testConfig(t)
	c.Input.Enabled = false
	c.Changelog.Transport = cfg.TransportKafka

	// Nothing listens here
	c.Changelog.Brokers = []string{"127.0.0.1:1"}
	c.Changelog.CreateTopic = false
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	src := newChanSource()
	_, err := New(ctx, c, WithSource(src))
	assert.ErrorIs(t, err, ErrInitialization)

	// Owned even though a serving-only node never reads it
	assert.True(t, src.isClosed())
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	c := testConfig(t)
	c.Store.Backend = "redis"

	src := newChanSource()
	_, err := New(context.Background(), c, WithSource(src))
	assert.ErrorIs(t, err, ErrInitialization)
	assert.True(t, src.isClosed())
}

func TestNewFailsWhenInputChannelIsMissing(t *testing.T) {
	c := testConfig(t)
	c.Input.Transport = cfg.TransportNats
	c.Input.NatsURL = "nats://127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, c)
	assert.ErrorIs(t, err, ErrInitialization)
}

func TestNewFailsWhenQueryPortIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := testConfig(t)
	c.Query.Enabled = true
	c.Query.BindAddress = "127.0.0.1"
	c.Query.Port = ln.Addr().(*net.TCPAddr).Port

	src := newChanSource()
	_, err = New(context.Background(), c, WithSource(src))
	assert.ErrorIs(t, err, ErrInitialization)
	assert.True(t, src.isClosed())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
