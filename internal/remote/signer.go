package remote

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Signer produces the signature part of the Authorization header.
type Signer interface {
	Sign(nonce string) (string, error)
}

type KeySigner struct {
	key crypto.Signer
}

// NewKeySigner accepts a PEM encoded PKCS#8, SEC1 (EC) or PKCS#1 (RSA)
// private key.
func NewKeySigner(privatePEM string) (*KeySigner, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	var parsed any
	var err error
	switch block.Type {
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %v", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return &KeySigner{key: key}, nil
}

func (s *KeySigner) Sign(nonce string) (string, error) {
	var signature []byte
	var err error
	switch key := s.key.(type) {
	case ed25519.PrivateKey:
		signature, err = key.Sign(rand.Reader, []byte(nonce), crypto.Hash(0))
	case *ecdsa.PrivateKey, *rsa.PrivateKey:
		digest := sha256.Sum256([]byte(nonce))
		signature, err = key.Sign(rand.Reader, digest[:], crypto.SHA256)
	default:
		return "", fmt.Errorf("unsupported private key type %T", key)
	}
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(signature), nil
}

// AuthorizationHeader formats "Nonce <clientId> <nonce> <signature>" with a
// millisecond timestamp nonce.
func AuthorizationHeader(clientID string, signer Signer, now time.Time) (string, error) {
	nonce := strconv.FormatInt(now.UnixMilli(), 10)
	signature, err := signer.Sign(nonce)
	if err != nil {
		return "", fmt.Errorf("error signing nonce: %w", err)
	}
	return fmt.Sprintf("Nonce %s %s %s", clientID, nonce, signature), nil
}
