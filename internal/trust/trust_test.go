package trust

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"testing"

	"interceptor/internal/certificate"

	"github.com/smallstep/truststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInstaller struct {
	paths []string
	err   error
}

func (r *recordingInstaller) InstallFile(path string) error {
	r.paths = append(r.paths, path)
	return r.err
}

func testRoot(t *testing.T) *certificate.RootCA {
	t.Helper()
	root, err := certificate.NewKeyStore(certificate.Options{Dir: t.TempDir()}).EnsureRootCA()
	require.NoError(t, err)
	return root
}

func TestIsRootCATrusted(t *testing.T) {
	root := testRoot(t)
	m := NewManager(root, &recordingInstaller{}, nil)

	m.systemPool = func() (*x509.CertPool, error) { return x509.NewCertPool(), nil }
	assert.False(t, m.IsRootCATrusted(context.Background()))

	m.systemPool = func() (*x509.CertPool, error) {
		pool := x509.NewCertPool()
		pool.AddCert(root.Cert)
		return pool, nil
	}
	assert.True(t, m.IsRootCATrusted(context.Background()))

	m.systemPool = func() (*x509.CertPool, error) { return nil, errors.New("no pool") }
	assert.False(t, m.IsRootCATrusted(context.Background()))
}

func TestTrustRootCAInstallsCertFile(t *testing.T) {
	root := testRoot(t)
	r := &recordingInstaller{}
	m := NewManager(root, r, nil)
	require.NoError(t, m.TrustRootCA(context.Background()))
	assert.Equal(t, []string{root.CertPath}, r.paths)
}

func TestTrustRootCAFailure(t *testing.T) {
	root := testRoot(t)

	r := &recordingInstaller{err: errors.New("exit status 1")}
	err := NewManager(root, r, nil).TrustRootCA(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedPlatform)

	r = &recordingInstaller{err: truststore.ErrTrustNotSupported}
	assert.ErrorIs(t, NewManager(root, r, nil).TrustRootCA(context.Background()), ErrUnsupportedPlatform)

	r = &recordingInstaller{err: fmt.Errorf("install: %w", truststore.ErrNotSupported)}
	assert.ErrorIs(t, NewManager(root, r, nil).TrustRootCA(context.Background()), ErrUnsupportedPlatform)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r = &recordingInstaller{}
	assert.ErrorIs(t, NewManager(root, r, nil).TrustRootCA(ctx), context.Canceled)
	assert.Empty(t, r.paths)
}

func TestManualInstructions(t *testing.T) {
	root := testRoot(t)
	m := NewManager(root, nil, nil)
	m.goos = "darwin"
	out := m.ManualInstructions()
	assert.Contains(t, out, root.CertPath)
	assert.Contains(t, out, root.Fingerprint)
	assert.Contains(t, out, "add-trusted-cert")
}
