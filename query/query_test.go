package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/notnview/changelog"
	"github.com/maxpert/notnview/engine"
	"github.com/maxpert/notnview/record"
	"github.com/maxpert/notnview/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubReplica answers every Get with fixed values
type stubReplica struct {
	n   record.Notification
	ok  bool
	err error
}

func (s stubReplica) Get(key string) (record.Notification, bool, error) {
	return s.n, s.ok, s.err
}

func TestLookupOutcomes(t *testing.T) {
	found := record.Notification{Notn: "N-1", Amts: 100, Status: "CLOSED"}

	tests := []struct {
		name    string
		replica stubReplica
		wantErr error
	}{
		{"found", stubReplica{n: found, ok: true}, nil},
		{"not found", stubReplica{}, ErrNotFound},
		{"bootstrapping", stubReplica{err: engine.ErrNotReady}, ErrNotReady},
		{"failed", stubReplica{err: fmt.Errorf("%w: disk", engine.ErrNotReady)}, ErrNotReady},
		{"shutting down", stubReplica{err: engine.ErrShuttingDown}, ErrShuttingDown},
		{"store failure", stubReplica{err: fmt.Errorf("%w: read row", store.ErrStoreUnavailable)}, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewService(tt.replica).Lookup("N-1")
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, found, n)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, record.Notification{}, n)
		})
	}
}

func TestUnavailableIsNotReady(t *testing.T) {
	assert.ErrorIs(t, ErrUnavailable, ErrNotReady)
	assert.False(t, errors.Is(ErrNotFound, ErrNotReady))
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "found", resultLabel(nil))
	assert.Equal(t, "not_found", resultLabel(ErrNotFound))
	assert.Equal(t, "not_ready", resultLabel(ErrNotReady))
	assert.Equal(t, "shutting_down", resultLabel(ErrShuttingDown))
	assert.Equal(t, "unavailable", resultLabel(ErrUnavailable))
}

func appendEntry(t *testing.T, ml *changelog.MemoryLog, key string, amts int32, status string) {
	t.Helper()
	value, err := record.EncodeEnvelope(record.Envelope{
		Notification: record.Notification{Notn: key, Amts: record.Amount(amts), Status: status},
	})
	require.NoError(t, err)
	require.NoError(t, ml.Append(context.Background(), key, value))
}

func TestLookupAgainstEngine(t *testing.T) {
	ml := changelog.NewMemoryLog()
	defer ml.Close()
	appendEntry(t, ml, "N-1", 100, "OPEN")
	appendEntry(t, ml, "N-2", 50, "OPEN")
	appendEntry(t, ml, "N-1", 100, "CLOSED")

	e := engine.NewEngine(ml.NewReader(), store.NewMemoryTable(), engine.Config{})
	svc := NewService(e)

	_, err := svc.Lookup("N-1")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, e.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))

	n, err := svc.Lookup("N-1")
	require.NoError(t, err)
	assert.Equal(t, record.Amount(100), n.Amts)
	assert.Equal(t, "CLOSED", n.Status)

	n, err = svc.Lookup("N-2")
	require.NoError(t, err)
	assert.Equal(t, record.Amount(50), n.Amts)
	assert.Equal(t, "OPEN", n.Status)

	_, err = svc.Lookup("N-3")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Stop())
	_, err = svc.Lookup("N-1")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func doGet(t *testing.T, handler http.Handler, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &decoded))
	return rec.Code, decoded
}

func TestHandleLookup(t *testing.T) {
	found := record.Notification{Notn: "N-1", Amts: 100, Status: "CLOSED"}

	t.Run("found", func(t *testing.T) {
		h := Routes(NewHandlers(NewService(stubReplica{n: found, ok: true}), nil))
		code, body := doGet(t, h, "/notifications/N-1")
		assert.Equal(t, http.StatusOK, code)

		n, err := record.JSONCodec{}.Decode(body["data"])
		require.NoError(t, err)
		assert.Equal(t, found, n)

		var wire map[string]any
		require.NoError(t, json.Unmarshal(body["data"], &wire))
		assert.Equal(t, "CLOSED", wire["STATUS"])
		assert.Equal(t, float64(100), wire["AMTS"])
	})

	t.Run("not found", func(t *testing.T) {
		h := Routes(NewHandlers(NewService(stubReplica{}), nil))
		code, body := doGet(t, h, "/notifications/N-3")
		assert.Equal(t, http.StatusNotFound, code)
		assert.Contains(t, string(body["error"]), "not found")
	})

	t.Run("not ready", func(t *testing.T) {
		h := Routes(NewHandlers(NewService(stubReplica{err: engine.ErrNotReady}), nil))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications/N-1", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})

	t.Run("shutting down", func(t *testing.T) {
		h := Routes(NewHandlers(NewService(stubReplica{err: engine.ErrShuttingDown}), nil))
		code, _ := doGet(t, h, "/notifications/N-1")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("escaped key", func(t *testing.T) {
		replica := &recordingReplica{}
		h := Routes(NewHandlers(NewService(replica), nil))
		code, _ := doGet(t, h, "/notifications/N%201")
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "N 1", replica.lastKey)
	})
}

type recordingReplica struct {
	lastKey string
}

func (r *recordingReplica) Get(key string) (record.Notification, bool, error) {
	r.lastKey = key
	return record.Notification{}, false, nil
}

func TestHandleHealth(t *testing.T) {
	ready := false
	h := Routes(NewHandlers(NewService(stubReplica{}), func() Status {
		return Status{State: "BOOTSTRAPPING", Ready: ready, Keys: 2, Digest: FormatDigest(255)}
	}))

	code, _ := doGet(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body := doGet(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var status Status
	require.NoError(t, json.Unmarshal(body["data"], &status))
	assert.Equal(t, "BOOTSTRAPPING", status.State)
	assert.Equal(t, 2, status.Keys)
	assert.Equal(t, "ff", status.Digest)

	ready = true
	code, _ = doGet(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestServerServesAndShutsDown(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", Routes(NewHandlers(NewService(stubReplica{}), nil)))
	require.NoError(t, err)
	srv.Serve()

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestServerShutdownWithoutServe(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", http.NotFoundHandler())
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))
}
