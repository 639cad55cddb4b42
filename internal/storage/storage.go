// Package storage persists completed exchanges to SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"interceptor/internal/logger"
	"interceptor/internal/pipeline"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	method varchar NOT NULL DEFAULT 'GET',
	url TEXT NOT NULL,
	scheme TEXT DEFAULT '',
	domain TEXT DEFAULT '',
	port TEXT DEFAULT '',
	path TEXT DEFAULT '',
	query TEXT DEFAULT '',
	http_version TEXT DEFAULT '',
	request_headers TEXT DEFAULT '{}',
	request_length INTEGER DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	response_headers TEXT DEFAULT '{}',
	length INTEGER DEFAULT 0,
	mime_type TEXT DEFAULT '',
	local INTEGER NOT NULL DEFAULT 0,
	modified INTEGER NOT NULL DEFAULT 0,
	error TEXT DEFAULT '',
	started_at DATETIME NOT NULL,
	duration_ms INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS exchanges_started_at ON exchanges (started_at);
CREATE INDEX IF NOT EXISTS exchanges_session_id ON exchanges (session_id);
`

const insertExchange = `
INSERT INTO exchanges (id, session_id, method, url, scheme, domain, port, path, query, http_version,
	request_headers, request_length, status, response_headers, length, mime_type, local, modified,
	error, started_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Store records exchanges. It implements pipeline.Recorder.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logger.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log.With("Storage")}, nil
}

// DB exposes the handle for readers such as the history client.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Record inserts one exchange, retrying once when the database is locked.
func (s *Store) Record(ctx context.Context, rec pipeline.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := recordArgs(rec)
	_, err := s.db.ExecContext(ctx, insertExchange, args...)
	if isBusy(err) {
		s.log.Debug("database locked, retrying insert", "id", rec.ID)
		time.Sleep(100 * time.Millisecond)
		_, err = s.db.ExecContext(ctx, insertExchange, args...)
	}
	if err != nil {
		return fmt.Errorf("insert exchange %s: %w", rec.ID, err)
	}
	return nil
}

func recordArgs(rec pipeline.Record) []any {
	var domain, port, path, query string
	if u, err := url.Parse(rec.URL); err == nil {
		domain = u.Hostname()
		port = u.Port()
		path = u.Path
		query = u.RawQuery
		if port == "" {
			switch u.Scheme {
			case "http":
				port = "80"
			case "https":
				port = "443"
			}
		}
	}
	if rec.Host != "" {
		// The Host header names the origin; the URL may carry a dial address.
		domain = rec.Host
		if h, _, err := net.SplitHostPort(rec.Host); err == nil {
			domain = h
		}
	}
	return []any{
		rec.ID,
		rec.SessionID,
		rec.Method,
		rec.URL,
		rec.Scheme,
		domain,
		port,
		path,
		query,
		rec.Proto,
		headerToString(rec.RequestHeaders),
		rec.RequestSize,
		rec.Status,
		headerToString(rec.ResponseHeaders),
		rec.ResponseSize,
		rec.ResponseHeaders.Get("Content-Type"),
		rec.Local,
		rec.Modified,
		rec.Error,
		rec.Start.UTC(),
		rec.Duration.Milliseconds(),
	}
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// headerToString encodes headers as a JSON object.
func headerToString(headers http.Header) string {
	if headers == nil {
		return "{}"
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return "{}"
	}
	return string(b)
}
