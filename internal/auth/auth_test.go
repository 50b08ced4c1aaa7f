package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	return key
}

func writeKey(t *testing.T, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func verify(t *testing.T, key *rsa.PrivateKey, message, signature string) {
	t.Helper()
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	hashed := sha256.Sum256([]byte(message))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, hashed[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		t.Errorf("signature does not verify over %q: %v", message, err)
	}
}

func TestSigner_Sign(t *testing.T) {
	key := testKey(t)
	s := &Signer{
		KeyID:      "test-key-id",
		PrivateKey: key,
		now:        func() time.Time { return time.UnixMilli(1700000000123) },
	}

	h, err := s.Sign("GET", "/ws/v1")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if got := h.Get(HeaderKey); got != "test-key-id" {
		t.Errorf("%s = %q, want %q", HeaderKey, got, "test-key-id")
	}
	if got := h.Get(HeaderTimestamp); got != "1700000000123" {
		t.Errorf("%s = %q, want %q", HeaderTimestamp, got, "1700000000123")
	}
	verify(t, key, "1700000000123GET/ws/v1", h.Get(HeaderSignature))
}

func TestSigner_HeaderFunc(t *testing.T) {
	key := testKey(t)
	s := &Signer{
		KeyID:      "ws-key",
		PrivateKey: key,
		now:        func() time.Time { return time.UnixMilli(42) },
	}

	tests := []struct {
		name    string
		rawURL  string
		message string
	}{
		{name: "path", rawURL: "wss://stream.example.com/ws/v1?x=1", message: "42GET/ws/v1"},
		{name: "no path", rawURL: "wss://stream.example.com", message: "42GET/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.rawURL)
			if err != nil {
				t.Fatalf("parse url: %v", err)
			}
			h, err := s.HeaderFunc()(u)
			if err != nil {
				t.Fatalf("HeaderFunc failed: %v", err)
			}
			verify(t, key, tt.message, h.Get(HeaderSignature))
		})
	}
}

func TestLoadPrivateKey_PKCS8(t *testing.T) {
	key := testKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal PKCS#8: %v", err)
	}

	loaded, err := LoadPrivateKey(writeKey(t, &pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loaded.N.Cmp(key.N) != 0 {
		t.Error("loaded key does not match generated key")
	}
}

func TestLoadPrivateKey_PKCS1(t *testing.T) {
	key := testKey(t)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}

	loaded, err := LoadPrivateKey(writeKey(t, block))
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loaded.N.Cmp(key.N) != 0 {
		t.Error("loaded key does not match generated key")
	}
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	invalid := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(invalid, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: "/nonexistent/path/to/key.pem"},
		{name: "invalid pem", path: invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPrivateKey(tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSigner(t *testing.T) {
	der, _ := x509.MarshalPKCS8PrivateKey(testKey(t))
	path := writeKey(t, &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	s, err := NewSigner("my-key-id", path)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	if s.KeyID != "my-key-id" || s.PrivateKey == nil {
		t.Errorf("signer = %+v", s)
	}

	if _, err := NewSigner("", path); !errors.Is(err, ErrMissingKeyID) {
		t.Errorf("missing key id: err = %v", err)
	}
	if _, err := NewSigner("id", ""); !errors.Is(err, ErrMissingKeyPath) {
		t.Errorf("missing path: err = %v", err)
	}
}
