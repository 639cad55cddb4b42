package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Get for an unknown exchange ID.
var ErrNotFound = errors.New("exchange not found")

// Exchange is a recorded request/response pair.
type Exchange struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	Method          string        `json:"method"`
	URL             string        `json:"url"`
	Scheme          string        `json:"scheme"`
	Domain          string        `json:"domain"`
	Port            string        `json:"port"`
	Path            string        `json:"path"`
	Query           string        `json:"query,omitempty"`
	HttpVersion     string        `json:"http_version"`
	Status          int           `json:"status"`
	Length          int64         `json:"length"`
	MimeType        string        `json:"mimeType"`
	Local           bool          `json:"local"`
	Modified        bool          `json:"modified"`
	Error           string        `json:"error,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Duration        time.Duration `json:"duration"`
	RequestHeaders  string        `json:"requestHeaders,omitempty"`
	ResponseHeaders string        `json:"responseHeaders,omitempty"`
}

// Query selects a page of exchanges.
type Query struct {
	Page          int
	Limit         int
	SortKey       string
	SortDirection string // ascending or descending
	Search        string
}

// Pagination describes the page returned by List.
type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// Client reads recorded exchanges.
type Client struct {
	db *sql.DB
}

func NewClient(db *sql.DB) *Client {
	return &Client{db: db}
}

// Sort keys accepted by List, mapped to columns.
var sortColumns = map[string]string{
	"timestamp": "started_at",
	"method":    "method",
	"domain":    "domain",
	"path":      "path",
	"url":       "url",
	"status":    "status",
	"length":    "length",
	"duration":  "duration_ms",
}

var methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "CONNECT", "TRACE"}

const selectColumns = `
	SELECT id, session_id, method, url, scheme, domain, port, path, query, http_version,
		status, length, mime_type, local, modified, error, started_at, duration_ms,
		request_headers, response_headers
	FROM exchanges`

// List returns one page of exchanges matching q.
func (c *Client) List(ctx context.Context, q Query) ([]Exchange, Pagination, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	where, params := searchCondition(q.Search)
	countQuery := "SELECT COUNT(*) FROM exchanges WHERE 1=1" + where

	var total int
	if err := c.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, Pagination{}, fmt.Errorf("count exchanges: %w", err)
	}

	column, ok := sortColumns[q.SortKey]
	if !ok {
		column = "started_at"
	}
	direction := "DESC"
	if q.SortDirection == "ascending" {
		direction = "ASC"
	}

	query := selectColumns + " WHERE 1=1" + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT ? OFFSET ?", column, direction, direction)
	params = append(params, q.Limit, (q.Page-1)*q.Limit)

	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("fetch exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, Pagination{}, err
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, fmt.Errorf("fetch exchanges: %w", err)
	}

	totalPages := (total + q.Limit - 1) / q.Limit
	if totalPages < 1 {
		totalPages = 1
	}
	return out, Pagination{Total: total, Page: q.Page, Limit: q.Limit, TotalPages: totalPages}, nil
}

// Get returns one exchange by ID.
func (c *Client) Get(ctx context.Context, id string) (*Exchange, error) {
	row := c.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	ex, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExchange(s scanner) (Exchange, error) {
	var ex Exchange
	var durationMS int64
	err := s.Scan(
		&ex.ID,
		&ex.SessionID,
		&ex.Method,
		&ex.URL,
		&ex.Scheme,
		&ex.Domain,
		&ex.Port,
		&ex.Path,
		&ex.Query,
		&ex.HttpVersion,
		&ex.Status,
		&ex.Length,
		&ex.MimeType,
		&ex.Local,
		&ex.Modified,
		&ex.Error,
		&ex.Timestamp,
		&durationMS,
		&ex.RequestHeaders,
		&ex.ResponseHeaders,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ex, err
		}
		return ex, fmt.Errorf("scan exchange: %w", err)
	}
	ex.Duration = time.Duration(durationMS) * time.Millisecond
	return ex, nil
}

// searchCondition builds the WHERE fragment for a free-text search. Method
// names and status codes match exactly; everything else is a substring match.
func searchCondition(search string) (string, []any) {
	search = strings.TrimSpace(search)
	if search == "" {
		return "", nil
	}
	lower := strings.ToLower(search)
	like := "%" + lower + "%"

	var conditions []string
	var params []any

	for _, m := range methods {
		if strings.EqualFold(search, m) {
			return " AND method = ?", []any{m}
		}
	}
	if status, err := strconv.Atoi(search); err == nil {
		return " AND status = ?", []any{status}
	}

	if strings.Contains(search, ".") && !strings.HasPrefix(search, ".") && !strings.HasSuffix(search, ".") {
		// Domain-like: the domain itself and its subdomains.
		conditions = append(conditions, "LOWER(domain) = ?", "LOWER(domain) LIKE ?")
		params = append(params, lower, "%."+lower)
	}
	for _, col := range []string{"domain", "url", "path", "query", "mime_type"} {
		conditions = append(conditions, "LOWER("+col+") LIKE ?")
		params = append(params, like)
	}
	return " AND (" + strings.Join(conditions, " OR ") + ")", params
}
