// Package config loads the ironca YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironca/pki"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBBolt    = "bbolt"
	DriverPostgres = "postgres"
)

// Config represents the complete ironca configuration
type Config struct {
	CA      CAConfig      `yaml:"ca"`
	CRL     CRLConfig     `yaml:"crl"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
}

// CAConfig locates the CA key material and sets issuance policy
type CAConfig struct {
	Name         string     `yaml:"name"`
	Certificate  string     `yaml:"certificate"`
	PrivateKey   string     `yaml:"private_key"`
	Digest       pki.Digest `yaml:"digest"`
	ValidityDays int        `yaml:"validity_days"`
}

// CRLConfig defines CRL signing parameters
type CRLConfig struct {
	Digest   pki.Digest    `yaml:"digest"`
	Validity time.Duration `yaml:"validity"`
}

// StorageConfig selects the certificate store
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, bbolt, postgres
	Path   string `yaml:"path"`   // bbolt database file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ServerConfig defines HTTP server configuration
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	TLSCert      string        `yaml:"tls_cert"`
	TLSKey       string        `yaml:"tls_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Load reads, defaults and validates the configuration at path. Relative
// file paths inside the configuration are resolved against the directory
// containing it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.CA.Certificate == "" {
		return fmt.Errorf("ca.certificate is required")
	}
	if c.CA.PrivateKey == "" {
		return fmt.Errorf("ca.private_key is required")
	}
	if c.CA.ValidityDays < 0 {
		return fmt.Errorf("ca.validity_days must not be negative: %d", c.CA.ValidityDays)
	}

	digest, err := pki.ParseDigest(string(c.CA.Digest))
	if err != nil {
		return fmt.Errorf("ca.digest: %w", err)
	}
	c.CA.Digest = digest
	digest, err = pki.ParseDigest(string(c.CRL.Digest))
	if err != nil {
		return fmt.Errorf("crl.digest: %w", err)
	}
	c.CRL.Digest = digest
	if c.CRL.Validity <= 0 {
		return fmt.Errorf("crl.validity must be positive: %s", c.CRL.Validity)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required when driver=bbolt")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when driver=postgres")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be memory/bbolt/postgres)", c.Storage.Driver)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

// setDefaults sets default values for optional fields
func (c *Config) setDefaults() {
	if c.CA.Name == "" {
		c.CA.Name = "default"
	}
	if c.CA.Digest == "" {
		c.CA.Digest = pki.DefaultCertificateDigest
	}
	if c.CA.ValidityDays == 0 {
		c.CA.ValidityDays = pki.DefaultValidityDays
	}

	if c.CRL.Digest == "" {
		c.CRL.Digest = pki.DefaultCRLDigest
	}
	if c.CRL.Validity == 0 {
		c.CRL.Validity = pki.DefaultCRLValidity
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverBBolt
	}
	if c.Storage.Driver == DriverBBolt && c.Storage.Path == "" {
		c.Storage.Path = "ironca.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
}

func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{
		&c.CA.Certificate,
		&c.CA.PrivateKey,
		&c.Storage.Path,
		&c.Server.TLSCert,
		&c.Server.TLSKey,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// SlogLevel converts the configured level name.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid logging level: %s", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
