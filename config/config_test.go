package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmcleod/ironca/pki"
)

func TestLoad_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "ironca.yaml")

	yamlContent := `ca:
  name: issuing
  certificate: ca.pem
  private_key: /etc/ironca/ca.key
  digest: SHA-384
  validity_days: 90

crl:
  digest: sha512
  validity: 12h

storage:
  driver: bbolt
  path: data/ironca.db

logging:
  level: debug
  format: text

server:
  addr: ":9443"
  read_timeout: 5s
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CA.Name != "issuing" {
		t.Errorf("expected CA name issuing, got %s", cfg.CA.Name)
	}
	if cfg.CA.Certificate != filepath.Join(tmpDir, "ca.pem") {
		t.Errorf("relative certificate path not resolved: %s", cfg.CA.Certificate)
	}
	if cfg.CA.PrivateKey != "/etc/ironca/ca.key" {
		t.Errorf("absolute key path changed: %s", cfg.CA.PrivateKey)
	}
	if cfg.CA.Digest != pki.SHA384 {
		t.Errorf("expected digest sha384, got %s", cfg.CA.Digest)
	}
	if cfg.CA.ValidityDays != 90 {
		t.Errorf("expected 90 validity days, got %d", cfg.CA.ValidityDays)
	}
	if cfg.CRL.Validity != 12*time.Hour {
		t.Errorf("expected CRL validity 12h, got %s", cfg.CRL.Validity)
	}
	if cfg.Storage.Path != filepath.Join(tmpDir, "data", "ironca.db") {
		t.Errorf("relative storage path not resolved: %s", cfg.Storage.Path)
	}
	if cfg.Server.Addr != ":9443" || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write timeout, got %s", cfg.Server.WriteTimeout)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("ca:\n  certificate: ca.pem\n  private_key: ca.key\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.CA.Digest != pki.DefaultCertificateDigest {
		t.Errorf("expected default certificate digest, got %s", cfg.CA.Digest)
	}
	if cfg.CRL.Digest != pki.DefaultCRLDigest {
		t.Errorf("expected default CRL digest, got %s", cfg.CRL.Digest)
	}
	if cfg.CA.ValidityDays != pki.DefaultValidityDays {
		t.Errorf("expected default validity, got %d", cfg.CA.ValidityDays)
	}
	if cfg.CRL.Validity != pki.DefaultCRLValidity {
		t.Errorf("expected default CRL validity, got %s", cfg.CRL.Validity)
	}
	if cfg.Storage.Driver != DriverBBolt || cfg.Storage.Path != "ironca.db" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Server.Addr != ":8443" {
		t.Errorf("expected default addr :8443, got %s", cfg.Server.Addr)
	}
}

func TestParse_Invalid(t *testing.T) {
	base := "ca:\n  certificate: ca.pem\n  private_key: ca.key\n"
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing certificate", "ca:\n  private_key: ca.key\n", "ca.certificate"},
		{"missing key", "ca:\n  certificate: ca.pem\n", "ca.private_key"},
		{"negative validity", base + "  validity_days: -1\n", "validity_days"},
		{"bad digest", base + "  digest: md5\n", "ca.digest"},
		{"bad crl digest", base + "crl:\n  digest: sha1\n", "crl.digest"},
		{"negative crl validity", base + "crl:\n  validity: -1h\n", "crl.validity"},
		{"unknown driver", base + "storage:\n  driver: redis\n", "invalid storage driver"},
		{"postgres without dsn", base + "storage:\n  driver: postgres\n", "storage.dsn"},
		{"bad level", base + "logging:\n  level: loud\n", "invalid logging level"},
		{"bad format", base + "logging:\n  format: xml\n", "invalid logging format"},
		{"half tls", base + "server:\n  tls_cert: tls.pem\n", "tls_key"},
		{"unknown field", base + "  colour: blue\n", "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "text"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("expected text record, got %q", buf.String())
	}

	buf.Reset()
	LoggingConfig{Level: "info", Format: "json"}.NewLogger(&buf).Info("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("expected JSON record, got %q", buf.String())
	}
}
