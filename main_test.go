package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"interceptor/internal/config"
	"interceptor/internal/logger"
	"interceptor/internal/pipeline"
	"interceptor/internal/storage"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingInstaller struct{ calls int }

func (r *failingInstaller) InstallFile(string) error {
	r.calls++
	return os.ErrPermission
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Port = 0
	cfg.CertDir = filepath.Join(t.TempDir(), "certs")
	return cfg
}

func TestParseFlagsOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nthrottle: 64\nintercept_https: true\n"), 0644))

	cfg, err := parseFlags([]string{"-config", path, "-port", "9100", "-type", "HTTPS"})
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 64, cfg.Throttle)
	assert.True(t, cfg.InterceptHTTPS)
	assert.Equal(t, config.TypeHTTPS, cfg.Type)
}

func TestParseFlagsRejectsBadType(t *testing.T) {
	_, err := parseFlags([]string{"-type", "socks5"})
	assert.Error(t, err)
}

func TestAppStartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBFile = filepath.Join(t.TempDir(), "exchanges.db")
	cfg.AutoTrust = true
	app, err := NewApp(cfg, logger.NewNop())
	require.NoError(t, err)
	installer := &failingInstaller{}
	app.trust = installer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.proxy.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	_, err = os.Stat(filepath.Join(cfg.CertDir, "rootCA.crt"))
	assert.NoError(t, err)
	// A failed trust install is only a warning.
	assert.Positive(t, installer.calls)

	resp, err := http.Get("http://" + app.proxy.Addr().String() + "/rootCA.crt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestAppStartFailsWithoutRootCAWhenIntercepting(t *testing.T) {
	cfg := testConfig(t)
	cfg.GenerateRootCA = false
	cfg.InterceptHTTPS = true
	app, err := NewApp(cfg, logger.NewNop())
	require.NoError(t, err)
	defer app.cleanup()

	assert.Error(t, app.Start(context.Background()))
	assert.Nil(t, app.proxy.Addr(), "the listener must not be bound after a fatal step")
}

func TestAppRelaysWithoutRootCA(t *testing.T) {
	cfg := testConfig(t)
	cfg.GenerateRootCA = false
	app, err := NewApp(cfg, logger.NewNop())
	require.NoError(t, err)
	defer app.cleanup()

	require.NoError(t, app.Start(context.Background()))
	assert.NotNil(t, app.proxy.Addr())
}

func TestRunHistory(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "exchanges.db")
	store, err := storage.Open(dbFile, nil)
	require.NoError(t, err)
	for _, u := range []string{"https://example.com/a", "https://example.com/b"} {
		require.NoError(t, store.Record(context.Background(), pipeline.Record{
			ID:        xid.New().String(),
			SessionID: "s",
			Method:    http.MethodGet,
			URL:       u,
			Status:    200,
			Start:     time.Now(),
		}))
	}
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, runHistory([]string{"-db", dbFile, "-limit", "1"}, &out))
	text := out.String()
	assert.Contains(t, text, "https://example.com/b")
	assert.NotContains(t, text, "https://example.com/a")
	assert.True(t, strings.HasSuffix(text, "page 1 of 2, 2 exchanges\n"))

	assert.Error(t, runHistory(nil, &out))
}

func TestRunHistorySiteMap(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "exchanges.db")
	store, err := storage.Open(dbFile, nil)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), pipeline.Record{
		ID: xid.New().String(), SessionID: "s", Method: http.MethodGet,
		URL: "https://example.com/v1/users/{id}", Status: 200, Start: time.Now(),
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, runHistory([]string{"-db", dbFile, "-domains"}, &out))
	assert.Equal(t, "example.com\n", out.String())

	out.Reset()
	require.NoError(t, runHistory([]string{"-db", dbFile, "-sitemap", "example.com"}, &out))
	assert.Equal(t, "example.com\n  v1\n    users\n      {param}\n", out.String())
}
