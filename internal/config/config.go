package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TypeHTTP  = "http"
	TypeHTTPS = "https"
)

// Config is the configuration surface consumed by the proxy core.
type Config struct {
	Type     string `yaml:"type"`
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`

	CertDir        string `yaml:"cert_dir"`
	GenerateRootCA bool   `yaml:"generate_root_ca"`
	AutoTrust      bool   `yaml:"auto_trust"`
	InterceptHTTPS bool   `yaml:"intercept_https"`

	// Throttle is the shared bandwidth cap in kb/s; 0 disables it.
	Throttle int    `yaml:"throttle"`
	DBFile   string `yaml:"db_file"`
	Rules    string `yaml:"rules"`
	Silent   bool   `yaml:"silent"`

	Upstream struct {
		DialTimeout           time.Duration `yaml:"dial_timeout"`
		TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
		ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
		BodyIdleTimeout       time.Duration `yaml:"body_idle_timeout"`
		IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
		InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	} `yaml:"upstream"`

	Client struct {
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"`
	} `yaml:"client"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	c := &Config{
		Type:           TypeHTTP,
		Port:           8001,
		Hostname:       "localhost",
		CertDir:        defaultCertDir(),
		GenerateRootCA: true,
	}
	c.Upstream.DialTimeout = 10 * time.Second
	c.Upstream.TLSHandshakeTimeout = 10 * time.Second
	c.Upstream.ResponseHeaderTimeout = 30 * time.Second
	c.Upstream.BodyIdleTimeout = 30 * time.Second
	c.Upstream.IdleConnTimeout = 90 * time.Second
	c.Client.HandshakeTimeout = 10 * time.Second
	c.Client.IdleTimeout = 2 * time.Minute
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	return c
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	c := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate normalises the proxy type and checks ranges.
func (c *Config) Validate() error {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = TypeHTTP
	}
	if c.Type != TypeHTTP && c.Type != TypeHTTPS {
		return fmt.Errorf("config: type must be %q or %q, got %q", TypeHTTP, TypeHTTPS, c.Type)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Throttle < 0 {
		return fmt.Errorf("config: throttle must not be negative")
	}
	if c.CertDir == "" {
		return fmt.Errorf("config: cert_dir must be set")
	}
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	return nil
}

// Addr is the listen address for the proxy.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func defaultCertDir() string {
	// Get the appropriate directory for storing certificates
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, ".interceptor", "certs")
}
