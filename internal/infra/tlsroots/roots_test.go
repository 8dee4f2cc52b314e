package tlsroots

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewPool(t *testing.T) {
	if NewPool().Pool() == nil {
		t.Fatal("NewPool().Pool() returned nil")
	}
	if NewEmptyPool().Pool() == nil {
		t.Fatal("NewEmptyPool().Pool() returned nil")
	}
}

func TestAddCertPEM(t *testing.T) {
	pool := NewEmptyPool()
	combined := append(generateTestCertPEM(t), generateTestCertPEM(t)...)
	if err := pool.AddCertPEM(combined); err != nil {
		t.Fatalf("AddCertPEM() error = %v", err)
	}
}

func TestAddCertPEM_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, ErrNoCertsFound},
		{"not pem", []byte("not a certificate"), ErrNoCertsFound},
		{"key only", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte("x")}), ErrNoCertsFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewEmptyPool().AddCertPEM(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("AddCertPEM() error = %v, want %v", err, tt.want)
			}
		})
	}

	invalid := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("invalid certificate data")})
	if err := NewEmptyPool().AddCertPEM(invalid); err == nil {
		t.Error("AddCertPEM() expected error for invalid certificate")
	}
}

func TestAddCertFile(t *testing.T) {
	certFile := filepath.Join(t.TempDir(), "ca.crt")
	if err := os.WriteFile(certFile, generateTestCertPEM(t), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewEmptyPool().AddCertFile(certFile); err != nil {
		t.Fatalf("AddCertFile() error = %v", err)
	}
	if err := NewEmptyPool().AddCertFile("/nonexistent/path/cert.pem"); err == nil {
		t.Error("AddCertFile() expected error for nonexistent file")
	}
}

func TestAddCertDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ca1.pem", "ca2.crt", "ca3.cer"} {
		if err := os.WriteFile(filepath.Join(dir, name), generateTestCertPEM(t), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("readme"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.pem"), []byte("broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := NewEmptyPool().AddCertDir(dir)
	if err != nil {
		t.Fatalf("AddCertDir() error = %v", err)
	}
	if n != 3 {
		t.Errorf("AddCertDir() added %d files, want 3", n)
	}

	if _, err := NewEmptyPool().AddCertDir("/nonexistent/directory"); err == nil {
		t.Error("AddCertDir() expected error for nonexistent directory")
	}
}

func TestClientConfig(t *testing.T) {
	pool := NewEmptyPool()
	cfg := pool.ClientConfig()
	if cfg.RootCAs != pool.Pool() {
		t.Error("ClientConfig().RootCAs != pool.Pool()")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("ClientConfig().MinVersion = %v, want TLS 1.2", cfg.MinVersion)
	}
}

func generateTestCertPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Org"}, CommonName: "test.local"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// writeKeyPair writes a fresh client certificate and key and returns the
// certificate's serial number.
func writeKeyPair(t *testing.T, certFile, keyFile string) *big.Int {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	serial, _ := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Test Org"}, CommonName: "rnode"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatal(err)
	}
	return serial
}
