// Package auth signs stream handshakes with an RSA-PSS API key.
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
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rickgao/cryptostream/internal/transport"
)

// Handshake header names.
const (
	HeaderKey       = "ACCESS-KEY"
	HeaderTimestamp = "ACCESS-TIMESTAMP"
	HeaderSignature = "ACCESS-SIGNATURE"
)

var (
	ErrMissingKeyID   = errors.New("api key id is required")
	ErrMissingKeyPath = errors.New("private key path is required")
	ErrNotRSA         = errors.New("key is not an RSA private key")
)

// Signer produces handshake headers for an API key.
type Signer struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey

	now func() time.Time
}

// NewSigner loads the PEM key at privateKeyPath.
func NewSigner(keyID, privateKeyPath string) (*Signer, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if privateKeyPath == "" {
		return nil, ErrMissingKeyPath
	}

	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Signer{KeyID: keyID, PrivateKey: key}, nil
}

// LoadPrivateKey reads a PKCS#8 or PKCS#1 RSA key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey decodes a PEM-encoded RSA key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block: no PEM data found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSA
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return rsaKey, nil
}

// Sign returns the headers authenticating a request for method and path.
// The signed message is timestamp_ms + method + path.
func (s *Signer) Sign(method, path string) (http.Header, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ts := strconv.FormatInt(now().UnixMilli(), 10)

	hashed := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, s.PrivateKey, crypto.SHA256, hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	h := make(http.Header)
	h.Set(HeaderKey, s.KeyID)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return h, nil
}

// HeaderFunc signs every handshake with a fresh timestamp, so reconnects
// never reuse an expired signature.
func (s *Signer) HeaderFunc() transport.HeaderFunc {
	return func(u *url.URL) (http.Header, error) {
		path := u.EscapedPath()
		if path == "" {
			path = "/"
		}
		return s.Sign(http.MethodGet, path)
	}
}
