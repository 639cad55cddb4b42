package storage

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"interceptor/internal/pipeline"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "exchanges.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord() pipeline.Record {
	return pipeline.Record{
		ID:              xid.New().String(),
		SessionID:       "session-1",
		Method:          http.MethodPost,
		URL:             "https://127.0.0.1:8443/api/items?page=2",
		Host:            "api.example.com",
		Scheme:          "https",
		Proto:           "HTTP/1.1",
		RequestHeaders:  http.Header{"Content-Type": {"application/json"}},
		RequestSize:     12,
		Status:          http.StatusCreated,
		ResponseHeaders: http.Header{"Content-Type": {"application/json; charset=utf-8"}},
		ResponseSize:    42,
		Modified:        true,
		Start:           time.Now(),
		Duration:        1500 * time.Millisecond,
	}
}

func TestRecordInsertsRow(t *testing.T) {
	s := openTemp(t)
	rec := sampleRecord()
	require.NoError(t, s.Record(context.Background(), rec))

	var (
		method, domain, port, path, query, mime, headers string
		status, durationMS                               int
		length                                           int64
		modified, local                                  bool
	)
	err := s.DB().QueryRow(`SELECT method, domain, port, path, query, mime_type, request_headers,
		status, duration_ms, length, modified, local FROM exchanges WHERE id = ?`, rec.ID).
		Scan(&method, &domain, &port, &path, &query, &mime, &headers, &status, &durationMS, &length, &modified, &local)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "api.example.com", domain)
	assert.Equal(t, "8443", port)
	assert.Equal(t, "/api/items", path)
	assert.Equal(t, "page=2", query)
	assert.Equal(t, "application/json; charset=utf-8", mime)
	assert.JSONEq(t, `{"Content-Type":["application/json"]}`, headers)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1500, durationMS)
	assert.EqualValues(t, 42, length)
	assert.True(t, modified)
	assert.False(t, local)
}

func TestRecordDefaultPort(t *testing.T) {
	s := openTemp(t)
	rec := sampleRecord()
	rec.URL = "http://example.com/"
	rec.Host = ""
	require.NoError(t, s.Record(context.Background(), rec))

	var domain, port string
	require.NoError(t, s.DB().QueryRow(`SELECT domain, port FROM exchanges WHERE id = ?`, rec.ID).Scan(&domain, &port))
	assert.Equal(t, "example.com", domain)
	assert.Equal(t, "80", port)
}

func TestRecordDuplicateID(t *testing.T) {
	s := openTemp(t)
	rec := sampleRecord()
	require.NoError(t, s.Record(context.Background(), rec))
	assert.Error(t, s.Record(context.Background(), rec))
}

func TestConcurrentRecords(t *testing.T) {
	s := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Record(context.Background(), sampleRecord()))
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM exchanges`).Scan(&n))
	assert.Equal(t, 20, n)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchanges.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), sampleRecord()))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM exchanges`).Scan(&n))
	assert.Equal(t, 1, n)
}
