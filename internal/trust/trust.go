// Package trust checks and installs the root CA in the platform trust store.
package trust

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"interceptor/internal/certificate"
	"interceptor/internal/logger"

	"github.com/smallstep/truststore"
)

// LinuxAnchorDir is where update-ca-certificates picks up extra anchors.
const LinuxAnchorDir = "/usr/local/share/ca-certificates"

// ErrUnsupportedPlatform is returned by TrustRootCA on platforms without a
// known installer.
var ErrUnsupportedPlatform = errors.New("automatic trust is not supported on this platform")

// Installer adds a PEM certificate file to the platform trust store.
type Installer interface {
	InstallFile(path string) error
}

// SystemInstaller installs into the system store with truststore.
type SystemInstaller struct{}

func (SystemInstaller) InstallFile(path string) error {
	return truststore.InstallFile(path)
}

// Manager checks and installs trust for a single root CA. It never modifies
// the root itself.
type Manager struct {
	root      *certificate.RootCA
	installer Installer
	log       *logger.Logger
	goos      string

	systemPool func() (*x509.CertPool, error)
}

// NewManager creates a Manager for root. A nil installer uses SystemInstaller.
func NewManager(root *certificate.RootCA, installer Installer, log *logger.Logger) *Manager {
	if installer == nil {
		installer = SystemInstaller{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		root:       root,
		installer:  installer,
		log:        log.With("Trust"),
		goos:       runtime.GOOS,
		systemPool: x509.SystemCertPool,
	}
}

// IsRootCATrusted reports whether the system trust store accepts the root.
// Any failure to check counts as untrusted.
func (m *Manager) IsRootCATrusted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	pool, err := m.systemPool()
	if err != nil || pool == nil {
		m.log.Debug("system cert pool unavailable", "error", fmt.Sprint(err))
		return false
	}
	_, err = m.root.Cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}

// TrustRootCA installs the root CA into the platform trust store.
func (m *Manager) TrustRootCA(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.log.Info("installing root CA", "path", m.root.CertPath)
	err := m.installer.InstallFile(m.root.CertPath)
	switch {
	case err == nil:
		m.log.Info("root CA installed", "fingerprint", m.root.Fingerprint)
		return nil
	case errors.Is(err, truststore.ErrNotSupported), errors.Is(err, truststore.ErrTrustNotSupported):
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, m.goos)
	}
	var cmdErr *truststore.CmdError
	if errors.As(err, &cmdErr) && len(cmdErr.Out()) > 0 {
		m.log.Debug("trust installer output", "output", strings.TrimSpace(string(cmdErr.Out())))
	}
	return fmt.Errorf("trust root CA: %w", err)
}

// ManualInstructions describes how to trust the root CA by hand.
func (m *Manager) ManualInstructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "The root CA is at %s\n", m.root.CertPath)
	fmt.Fprintf(&b, "SHA-256 fingerprint: %s\n", m.root.Fingerprint)
	switch m.goos {
	case "darwin":
		fmt.Fprintf(&b, "Trust it with:\n  sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %s\n", m.root.CertPath)
	case "linux":
		fmt.Fprintf(&b, "Trust it with:\n  sudo cp %s %s/\n  sudo update-ca-certificates\n", m.root.CertPath, LinuxAnchorDir)
		b.WriteString("On Fedora/RHEL copy it to /etc/pki/ca-trust/source/anchors/ and run:\n  sudo update-ca-trust extract\n")
	case "windows":
		fmt.Fprintf(&b, "Trust it with:\n  certutil -addstore -user Root %s\n", m.root.CertPath)
	default:
		b.WriteString("Import it into your browser or system trust store as a trusted root authority.\n")
	}
	return b.String()
}
