package history

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"interceptor/internal/pipeline"
	"interceptor/internal/storage"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) (*Client, []pipeline.Record) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	recs := []pipeline.Record{
		{Method: http.MethodGet, URL: "https://example.com/", Status: 200},
		{Method: http.MethodPost, URL: "https://api.example.com/login", Status: 401},
		{Method: http.MethodGet, URL: "http://other.test/static/app.js", Status: 200,
			ResponseHeaders: http.Header{"Content-Type": {"application/javascript"}}},
		{Method: http.MethodDelete, URL: "https://example.com/items/7?force=1", Status: 204},
		{Method: http.MethodGet, URL: "https://example.com/health", Status: 502, Error: "dial tcp: refused"},
	}
	for i := range recs {
		recs[i].ID = xid.New().String()
		recs[i].SessionID = fmt.Sprintf("s%d", i%2)
		recs[i].Start = base.Add(time.Duration(i) * time.Minute)
		recs[i].Duration = time.Duration(i*10) * time.Millisecond
		require.NoError(t, s.Record(context.Background(), recs[i]))
	}
	return NewClient(s.DB()), recs
}

func TestListNewestFirst(t *testing.T) {
	c, recs := seed(t)
	out, page, err := c.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, out, len(recs))
	assert.Equal(t, recs[len(recs)-1].ID, out[0].ID)
	assert.Equal(t, Pagination{Total: 5, Page: 1, Limit: 50, TotalPages: 1}, page)

	last := out[0]
	assert.Equal(t, "dial tcp: refused", last.Error)
	assert.Equal(t, 40*time.Millisecond, last.Duration)
	assert.True(t, recs[4].Start.Equal(last.Timestamp))
}

func TestListPagination(t *testing.T) {
	c, recs := seed(t)
	q := Query{Page: 2, Limit: 2, SortKey: "timestamp", SortDirection: "ascending"}
	out, page, err := c.List(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, recs[2].ID, out[0].ID)
	assert.Equal(t, recs[3].ID, out[1].ID)
	assert.Equal(t, 3, page.TotalPages)
}

func TestListSearch(t *testing.T) {
	c, _ := seed(t)
	ctx := context.Background()

	cases := []struct {
		search string
		want   int
	}{
		{"post", 1},
		{"delete", 1},
		{"200", 2},
		{"example.com", 4},
		{"javascript", 1},
		{"force", 1},
		{"nothing-matches", 0},
	}
	for _, tc := range cases {
		t.Run(tc.search, func(t *testing.T) {
			out, page, err := c.List(ctx, Query{Search: tc.search})
			require.NoError(t, err)
			assert.Len(t, out, tc.want)
			assert.Equal(t, tc.want, page.Total)
		})
	}
}

func TestListUnknownSortKeyFallsBack(t *testing.T) {
	c, recs := seed(t)
	out, _, err := c.List(context.Background(), Query{SortKey: "id; DROP TABLE exchanges"})
	require.NoError(t, err)
	assert.Len(t, out, len(recs))
}

func TestGet(t *testing.T) {
	c, recs := seed(t)
	ex, err := c.Get(context.Background(), recs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, ex.Method)
	assert.Equal(t, "api.example.com", ex.Domain)
	assert.Equal(t, "/login", ex.Path)
	assert.Equal(t, 401, ex.Status)

	_, err = c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDomainsAndSiteMap(t *testing.T) {
	c, _ := seed(t)
	ctx := context.Background()

	domains, err := c.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com", "example.com", "other.test"}, domains)

	root, err := c.SiteMap(ctx, "example.com")
	require.NoError(t, err)
	var out strings.Builder
	root.Print(&out)
	assert.Equal(t, "example.com\n  /\n  health\n  items\n    7\n", out.String())
}
