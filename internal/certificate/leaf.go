package certificate

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LeafCertificate is a server certificate for one host, chained to the root.
type LeafCertificate struct {
	Host string
	Cert *x509.Certificate
	Key  crypto.Signer

	tlsCert tls.Certificate
}

// TLSCertificate returns the leaf and root chain ready for a tls.Config.
func (l *LeafCertificate) TLSCertificate() *tls.Certificate { return &l.tlsCert }

// Generations is the number of leaves this store has signed. Leaves loaded
// from disk are not counted.
func (ks *KeyStore) Generations() int64 { return ks.generations.Load() }

// IssueLeafCertificate returns the leaf certificate for host, creating it on
// first use. At most one creation runs per host; all concurrent callers get the
// same *LeafCertificate.
func (ks *KeyStore) IssueLeafCertificate(host string) (*LeafCertificate, error) {
	host = NormaliseHost(host)
	if host == "" {
		return nil, &LeafGenerationError{Host: host, Err: errors.New("empty host")}
	}
	if leaf := ks.cachedLeaf(host); leaf != nil {
		return leaf, nil
	}

	root, err := ks.LoadRootCA()
	if err != nil {
		return nil, &LeafGenerationError{Host: host, Err: err}
	}

	v, err, shared := ks.flight.Do("leaf:"+host, func() (any, error) {
		// A flight for this host may have completed between the cache miss
		// above and joining this one.
		if leaf := ks.cachedLeaf(host); leaf != nil {
			return leaf, nil
		}
		leaf, err := ks.loadLeaf(root, host)
		if err != nil {
			ks.log.Debug("discarding cached leaf", "host", host, "error", err.Error())
		}
		if leaf == nil {
			if leaf, err = ks.signLeaf(root, host); err != nil {
				return nil, &LeafGenerationError{Host: host, Err: err}
			}
		}
		ks.mu.Lock()
		ks.leaves[host] = leaf
		ks.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		ks.log.Debug("joined in-flight leaf issuance", "host", host)
	}
	return v.(*LeafCertificate), nil
}

func (ks *KeyStore) cachedLeaf(host string) *LeafCertificate {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.leaves[host]
}

func (ks *KeyStore) signLeaf(root *RootCA, host string) (*LeafCertificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, ks.opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := ks.now()
	notAfter := now.Add(ks.opts.LeafValidity)
	if rootEnd := root.NotAfter(); notAfter.After(rootEnd) {
		notAfter = rootEnd
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Interceptor"},
			CommonName:   host,
		},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, root.Cert, &key.PublicKey, root.Key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	ks.generations.Add(1)

	if ks.opts.PersistLeaves {
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		if err := ks.saveLeaf(host, certPEM, keyPEM); err != nil {
			ks.log.Warn("failed to persist leaf certificate", "host", host, "error", err.Error())
		}
	}

	ks.log.Debug("issued leaf certificate", "host", host, "notAfter", notAfter)
	return newLeaf(host, cert, key, root), nil
}

func newLeaf(host string, cert *x509.Certificate, key crypto.Signer, root *RootCA) *LeafCertificate {
	return &LeafCertificate{
		Host: host,
		Cert: cert,
		Key:  key,
		tlsCert: tls.Certificate{
			Certificate: [][]byte{cert.Raw, root.Cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		},
	}
}

func (ks *KeyStore) leafPaths(host string) (string, string) {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(host)
	dir := filepath.Join(ks.opts.Dir, leafDir)
	return filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
}

func (ks *KeyStore) saveLeaf(host string, certPEM, keyPEM []byte) error {
	certPath, keyPath := ks.leafPaths(host)
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// loadLeaf returns a persisted leaf for host when it is still usable under
// root. A nil leaf with a nil error means there is nothing on disk.
func (ks *KeyStore) loadLeaf(root *RootCA, host string) (*LeafCertificate, error) {
	if !ks.opts.PersistLeaves {
		return nil, nil
	}
	certPath, keyPath := ks.leafPaths(host)
	certPEM, err := os.ReadFile(certPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, err
	}
	if cert.Subject.CommonName != host {
		return nil, fmt.Errorf("common name %q does not match", cert.Subject.CommonName)
	}
	if err := cert.CheckSignatureFrom(root.Cert); err != nil {
		return nil, fmt.Errorf("not signed by current root: %w", err)
	}
	if ks.now().Add(24 * time.Hour).After(cert.NotAfter) {
		return nil, errors.New("expires within a day")
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key cannot sign")
	}
	return newLeaf(host, cert, signer, root), nil
}

// TLSConfigForHost returns a server config presenting the leaf for host. SNI
// from the client takes precedence when it names a different host.
func (ks *KeyStore) TLSConfigForHost(host string) (*tls.Config, error) {
	leaf, err := ks.IssueLeafCertificate(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" || NormaliseHost(hello.ServerName) == leaf.Host {
				return leaf.TLSCertificate(), nil
			}
			sni, err := ks.IssueLeafCertificate(hello.ServerName)
			if err != nil {
				return nil, err
			}
			return sni.TLSCertificate(), nil
		},
	}, nil
}

// NormaliseHost lower-cases host and strips any port and IPv6 brackets.
func NormaliseHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
