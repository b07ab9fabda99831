package keysource

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// Signer signs key-provider request bodies.
type Signer interface {
	Name() string
	GenerateSignature(message []byte) ([]byte, error)
}

// RSASigner signs with RSASSA-PKCS1-v1_5 over SHA-1, the scheme the
// provider protocol specifies.
type RSASigner struct {
	name string
	key  *rsa.PrivateKey
}

// NewRSASigner parses a PEM-encoded PKCS#1 or PKCS#8 RSA private key.
func NewRSASigner(name string, pemKey []byte) (*RSASigner, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, status.New(status.InvalidArgument, "signer key is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSASigner{name: name, key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "parse signer key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, status.New(status.InvalidArgument, "signer key is not RSA")
	}
	return &RSASigner{name: name, key: key}, nil
}

// Name implements Signer.
func (s *RSASigner) Name() string { return s.name }

// GenerateSignature implements Signer.
func (s *RSASigner) GenerateSignature(message []byte) ([]byte, error) {
	digest := sha1.Sum(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, digest[:])
	if err != nil {
		return nil, status.Wrap(status.Unknown, err, "sign request")
	}
	return sig, nil
}
