package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, TypeHTTP, c.Type)
	assert.Equal(t, 8001, c.Port)
	assert.Equal(t, "localhost", c.Hostname)
	assert.True(t, c.GenerateRootCA)
	assert.False(t, c.AutoTrust)
	assert.False(t, c.InterceptHTTPS)
	assert.Equal(t, ":8001", c.Addr())
	assert.Equal(t, 30*time.Second, c.Upstream.BodyIdleTimeout)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	data := `
type: HTTPS
port: 9443
intercept_https: true
throttle: 64
upstream:
  dial_timeout: 2s
  body_idle_timeout: 5s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TypeHTTPS, c.Type)
	assert.Equal(t, 9443, c.Port)
	assert.True(t, c.InterceptHTTPS)
	assert.Equal(t, 64, c.Throttle)
	assert.Equal(t, 2*time.Second, c.Upstream.DialTimeout)
	assert.Equal(t, 5*time.Second, c.Upstream.BodyIdleTimeout)
	assert.Equal(t, 30*time.Second, c.Upstream.ResponseHeaderTimeout, "unset keys keep defaults")
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.GenerateRootCA)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	c := NewConfig()
	c.Type = "socks5"
	assert.Error(t, c.Validate())

	c = NewConfig()
	c.Port = 70000
	assert.Error(t, c.Validate())
}
