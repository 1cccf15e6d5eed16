// Package crypto implements the hash and signing-key abstraction shared
// by DKIM and ARC: algorithm dispatch, key construction, and signature
// verification.
package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
)

// Algorithm identifies a DKIM/ARC signature algorithm by its wire name.
type Algorithm string

const (
	RSASHA1       Algorithm = "rsa-sha1"
	RSASHA256     Algorithm = "rsa-sha256"
	Ed25519SHA256 Algorithm = "ed25519-sha256"
)

// ParseAlgorithm validates a wire-format algorithm identifier.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case RSASHA1, RSASHA256, Ed25519SHA256:
		return Algorithm(s), nil
	default:
		return "", ErrUnsupportedAlgorithm
	}
}

// HashAlgorithm identifies the digest algorithm implied by an Algorithm.
type HashAlgorithm int

const (
	SHA1 HashAlgorithm = iota
	SHA256
)

// Hash dispatches the hash implied by a DKIM/ARC algorithm identifier.
func (a Algorithm) Hash() HashAlgorithm {
	if a == RSASHA1 {
		return SHA1
	}
	return SHA256
}

// CryptoHash returns the standard library crypto.Hash for a HashAlgorithm.
func (h HashAlgorithm) CryptoHash() crypto.Hash {
	if h == SHA1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// NewHasher returns a fresh hash.Hash for the algorithm.
func (h HashAlgorithm) NewHasher() hash.Hash {
	if h == SHA1 {
		return sha1.New()
	}
	return sha256.New()
}

// HashOutput is a tagged digest: either a 20-byte SHA-1 or a 32-byte
// SHA-256 sum, produced in one shot by Sum.
type HashOutput struct {
	Algorithm HashAlgorithm
	sum       []byte
}

// Sum hashes data with the given algorithm in one shot.
func Sum(alg HashAlgorithm, data []byte) HashOutput {
	h := alg.NewHasher()
	h.Write(data)
	return HashOutput{Algorithm: alg, sum: h.Sum(nil)}
}

// Bytes returns the raw digest bytes.
func (o HashOutput) Bytes() []byte { return o.sum }

var (
	ErrUnsupportedAlgorithm     = errors.New("crypto: unsupported algorithm")
	ErrUnsupportedKeyType       = errors.New("crypto: unsupported key type")
	ErrIncompatibleAlgorithms   = errors.New("crypto: incompatible key type and algorithm")
	ErrFailedVerification       = errors.New("crypto: signature verification failed")
	ErrCrypto                   = errors.New("crypto: key construction failed")
)

// SigningKey produces signatures for a fixed algorithm.
type SigningKey interface {
	// Sign signs a pre-computed header hash and returns raw signature bytes.
	Sign(h HashOutput) ([]byte, error)
	// NewHasher returns a fresh hasher for this key's algorithm.
	NewHasher() hash.Hash
	// Algorithm returns the wire algorithm identifier this key signs with.
	Algorithm() Algorithm
}

// VerifyingKey checks a signature against a pre-computed header hash for
// a declared algorithm. A VerifyingKey may reject algorithms it is
// structurally incompatible with (e.g. an RSA key asked to verify
// ed25519-sha256).
type VerifyingKey interface {
	Verify(alg Algorithm, h HashOutput, sig []byte) error
}

// RSAKey is an RSA SigningKey for either rsa-sha1 or rsa-sha256.
type RSAKey struct {
	Private *rsa.PrivateKey
	alg     Algorithm
}

// NewRSAKey wraps a parsed RSA private key for signing with alg, which
// must be RSASHA1 or RSASHA256.
func NewRSAKey(priv *rsa.PrivateKey, alg Algorithm) (*RSAKey, error) {
	if alg != RSASHA1 && alg != RSASHA256 {
		return nil, ErrIncompatibleAlgorithms
	}
	return &RSAKey{Private: priv, alg: alg}, nil
}

// RSAKeyFromPKCS1PEM parses a PKCS#1 PEM-encoded RSA private key.
func RSAKeyFromPKCS1PEM(pemBytes []byte, alg Algorithm) (*RSAKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrCrypto)
	}
	return RSAKeyFromPKCS1DER(block.Bytes, alg)
}

// RSAKeyFromPKCS1DER parses a PKCS#1 DER-encoded RSA private key.
func RSAKeyFromPKCS1DER(der []byte, alg Algorithm) (*RSAKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		if k, err2 := x509.ParsePKCS8PrivateKey(der); err2 == nil {
			if rsaKey, ok := k.(*rsa.PrivateKey); ok {
				return NewRSAKey(rsaKey, alg)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return NewRSAKey(priv, alg)
}

func (k *RSAKey) Algorithm() Algorithm { return k.alg }

func (k *RSAKey) NewHasher() hash.Hash { return k.alg.Hash().NewHasher() }

func (k *RSAKey) Sign(h HashOutput) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(nil, k.Private, h.Algorithm.CryptoHash(), h.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return sig, nil
}

// Ed25519Key is an Ed25519 SigningKey, always ed25519-sha256.
type Ed25519Key struct {
	Private ed25519.PrivateKey
}

// NewEd25519Key builds a signing key from a 32-byte public key and a
// 32-byte secret seed, per the DKIM Ed25519 TXT/key format.
func NewEd25519Key(publicKey, secretSeed []byte) (*Ed25519Key, error) {
	if len(publicKey) != ed25519.PublicKeySize || len(secretSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected 32-byte public key and 32-byte seed", ErrCrypto)
	}
	priv := ed25519.NewKeyFromSeed(secretSeed)
	if !bytesEqual(priv.Public().(ed25519.PublicKey), publicKey) {
		return nil, fmt.Errorf("%w: public key does not match private seed", ErrCrypto)
	}
	return &Ed25519Key{Private: priv}, nil
}

func (k *Ed25519Key) Algorithm() Algorithm { return Ed25519SHA256 }

func (k *Ed25519Key) NewHasher() hash.Hash { return SHA256.NewHasher() }

func (k *Ed25519Key) Sign(h HashOutput) ([]byte, error) {
	return ed25519.Sign(k.Private, h.Bytes()), nil
}

// rsaVerifyingKey verifies rsa-sha1/rsa-sha256 signatures.
type rsaVerifyingKey struct {
	pub *rsa.PublicKey
}

// RSAVerifyingKeyFromBytes parses an RSA public key as found in a DKIM
// DNS TXT record: tried first as SPKI (X.509 SubjectPublicKeyInfo), then
// as bare PKCS#1.
func RSAVerifyingKeyFromBytes(der []byte) (VerifyingKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return &rsaVerifyingKey{pub: rsaPub}, nil
		}
		return nil, ErrUnsupportedKeyType
	}
	rsaPub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return &rsaVerifyingKey{pub: rsaPub}, nil
}

func (k *rsaVerifyingKey) Verify(alg Algorithm, h HashOutput, sig []byte) error {
	if alg != RSASHA1 && alg != RSASHA256 {
		return ErrIncompatibleAlgorithms
	}
	if err := rsa.VerifyPKCS1v15(k.pub, h.Algorithm.CryptoHash(), h.Bytes(), sig); err != nil {
		return ErrFailedVerification
	}
	return nil
}

// ed25519VerifyingKey verifies ed25519-sha256 signatures.
type ed25519VerifyingKey struct {
	pub ed25519.PublicKey
}

// Ed25519VerifyingKeyFromBytes parses a raw 32-byte Ed25519 public key.
func Ed25519VerifyingKeyFromBytes(raw []byte) (VerifyingKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d-byte ed25519 key, got %d", ErrCrypto, ed25519.PublicKeySize, len(raw))
	}
	return &ed25519VerifyingKey{pub: ed25519.PublicKey(raw)}, nil
}

func (k *ed25519VerifyingKey) Verify(alg Algorithm, h HashOutput, sig []byte) error {
	if alg != Ed25519SHA256 {
		return ErrIncompatibleAlgorithms
	}
	if !ed25519.Verify(k.pub, h.Bytes(), sig) {
		return ErrFailedVerification
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
