package certificate

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"interceptor/internal/logger"

	"golang.org/x/sync/singleflight"
)

const (
	rootCertFile = "rootCA.crt"
	rootKeyFile  = "rootCA.key"
	leafDir      = "leaves"

	rootFlightKey = "\x00root"

	defaultRootValidity = 10 * 365 * 24 * time.Hour
	defaultLeafValidity = 365 * 24 * time.Hour
	defaultKeyBits      = 2048
)

// RootCA is the self-signed authority that signs every leaf. It is
// immutable once returned by the KeyStore.
type RootCA struct {
	Cert        *x509.Certificate
	Key         crypto.Signer
	CertPEM     []byte
	Fingerprint string
	CertPath    string
	KeyPath     string
}

// NotAfter is the end of the root's validity window.
func (r *RootCA) NotAfter() time.Time { return r.Cert.NotAfter }

// Options configures a KeyStore.
type Options struct {
	Dir          string
	CommonName   string
	KeyBits      int
	RootValidity time.Duration
	LeafValidity time.Duration
	// PersistLeaves writes issued leaves next to the root so that a restart
	// does not re-sign every host.
	PersistLeaves bool
	Logger        *logger.Logger
}

// KeyStore owns the root CA and the per-host leaf cache.
type KeyStore struct {
	opts Options
	log  *logger.Logger

	root   atomic.Pointer[RootCA]
	flight singleflight.Group

	mu     sync.RWMutex
	leaves map[string]*LeafCertificate

	generations atomic.Int64
	now         func() time.Time
}

// NewKeyStore creates a KeyStore rooted at opts.Dir. Nothing touches the disk
// until EnsureRootCA or IssueLeafCertificate is called.
func NewKeyStore(opts Options) *KeyStore {
	if opts.CommonName == "" {
		opts.CommonName = "Interceptor Root CA"
	}
	if opts.KeyBits == 0 {
		opts.KeyBits = defaultKeyBits
	}
	if opts.RootValidity == 0 {
		opts.RootValidity = defaultRootValidity
	}
	if opts.LeafValidity == 0 {
		opts.LeafValidity = defaultLeafValidity
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &KeyStore{
		opts:   opts,
		log:    l.With("KeyStore"),
		leaves: make(map[string]*LeafCertificate),
		now:    time.Now,
	}
}

// Dir is the certificate directory.
func (ks *KeyStore) Dir() string { return ks.opts.Dir }

// CertPath is where the root certificate lives on disk.
func (ks *KeyStore) CertPath() string { return filepath.Join(ks.opts.Dir, rootCertFile) }

// KeyPath is where the root private key lives on disk.
func (ks *KeyStore) KeyPath() string { return filepath.Join(ks.opts.Dir, rootKeyFile) }

// RootCAExists reports whether both root files are present. It has no side
// effects.
func (ks *KeyStore) RootCAExists() bool {
	_, certErr := os.Stat(ks.CertPath())
	_, keyErr := os.Stat(ks.KeyPath())
	return certErr == nil && keyErr == nil
}

// RootCA returns the loaded root, or nil if none has been loaded yet.
func (ks *KeyStore) RootCA() *RootCA { return ks.root.Load() }

// EnsureRootCA loads the persisted root CA or generates and persists a new
// one. Concurrent callers share a single load or generation.
func (ks *KeyStore) EnsureRootCA() (*RootCA, error) {
	return ks.rootCA(true)
}

// LoadRootCA loads a persisted root CA without ever generating one.
func (ks *KeyStore) LoadRootCA() (*RootCA, error) {
	return ks.rootCA(false)
}

func (ks *KeyStore) rootCA(generate bool) (*RootCA, error) {
	if root := ks.root.Load(); root != nil {
		return root, nil
	}
	v, err, _ := ks.flight.Do(rootFlightKey, func() (any, error) {
		if root := ks.root.Load(); root != nil {
			return root, nil
		}

		var (
			root *RootCA
			err  error
		)
		switch {
		case ks.RootCAExists():
			root, err = ks.loadRoot()
		case generate:
			root, err = ks.generateRoot()
		default:
			return nil, ErrRootCAUnavailable
		}
		if err != nil {
			return nil, err
		}
		ks.root.Store(root)
		return root, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RootCA), nil
}

// generateRoot generates a self-signed CA certificate and key and saves them
func (ks *KeyStore) generateRoot() (*RootCA, error) {
	ks.log.Info("root CA not found, generating", "dir", ks.opts.Dir)

	key, err := rsa.GenerateKey(rand.Reader, ks.opts.KeyBits)
	if err != nil {
		return nil, &CAGenerationError{Op: "generate key", Err: err}
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, &CAGenerationError{Op: "generate serial", Err: err}
	}

	now := ks.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"Interceptor"},
			OrganizationalUnit: []string{"Interceptor CA"},
			CommonName:         ks.opts.CommonName,
		},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(ks.opts.RootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, &CAGenerationError{Op: "sign", Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &CAGenerationError{Op: "parse", Err: err}
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := ks.saveRoot(certPEM, keyPEM); err != nil {
		return nil, &CAGenerationError{Op: "persist", Err: err}
	}

	root := &RootCA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		Fingerprint: Fingerprint(der),
		CertPath:    ks.CertPath(),
		KeyPath:     ks.KeyPath(),
	}
	ks.log.Info("root CA generated", "path", root.CertPath, "fingerprint", root.Fingerprint)
	return root, nil
}

func (ks *KeyStore) saveRoot(certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(ks.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	if err := os.WriteFile(ks.CertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("save root CA certificate: %w", err)
	}
	if err := os.WriteFile(ks.KeyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("save root CA key: %w", err)
	}
	return nil
}

func (ks *KeyStore) loadRoot() (*RootCA, error) {
	certPEM, err := os.ReadFile(ks.CertPath())
	if err != nil {
		return nil, &CAGenerationError{Op: "read certificate", Err: err}
	}
	keyPEM, err := os.ReadFile(ks.KeyPath())
	if err != nil {
		return nil, &CAGenerationError{Op: "read key", Err: err}
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &CAGenerationError{Op: "parse key pair", Err: err}
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, &CAGenerationError{Op: "parse certificate", Err: err}
	}
	if !cert.IsCA {
		return nil, &CAGenerationError{Op: "load", Err: errors.New("certificate is not a CA")}
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, &CAGenerationError{Op: "load", Err: errors.New("private key cannot sign")}
	}

	root := &RootCA{
		Cert:        cert,
		Key:         signer,
		CertPEM:     certPEM,
		Fingerprint: Fingerprint(cert.Raw),
		CertPath:    ks.CertPath(),
		KeyPath:     ks.KeyPath(),
	}
	ks.log.Debug("root CA loaded", "path", root.CertPath, "notAfter", cert.NotAfter)
	return root, nil
}

// Fingerprint returns the SHA-256 fingerprint of DER bytes as colon-separated hex.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, "0123456789ABCDEF"[b>>4], "0123456789ABCDEF"[b&0xf])
	}
	return string(out)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
