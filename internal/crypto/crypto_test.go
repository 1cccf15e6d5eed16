package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func generateTestRSAKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return priv, der
}

func TestRSASignAndVerify(t *testing.T) {
	priv, pubDER := generateTestRSAKey(t)
	key, err := NewRSAKey(priv, RSASHA256)
	if err != nil {
		t.Fatalf("NewRSAKey: %v", err)
	}

	h := Sum(SHA256, []byte("hello world"))
	sig, err := key.Sign(h)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	verifier, err := RSAVerifyingKeyFromBytes(pubDER)
	if err != nil {
		t.Fatalf("RSAVerifyingKeyFromBytes: %v", err)
	}
	if err := verifier.Verify(RSASHA256, h, sig); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	tampered := Sum(SHA256, []byte("hello world!"))
	if err := verifier.Verify(RSASHA256, tampered, sig); err == nil {
		t.Error("expected verification failure for tampered hash")
	}
}

func TestRSAVerifyingKeyFromBytesPKCS1Fallback(t *testing.T) {
	_, priv := generateTestRSAKey(t)
	_ = priv
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)

	verifier, err := RSAVerifyingKeyFromBytes(der)
	if err != nil {
		t.Fatalf("RSAVerifyingKeyFromBytes with PKCS1 DER: %v", err)
	}

	signingKey, err := NewRSAKey(key, RSASHA256)
	if err != nil {
		t.Fatalf("NewRSAKey: %v", err)
	}
	h := Sum(SHA256, []byte("pkcs1 fallback"))
	sig, err := signingKey.Sign(h)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := verifier.Verify(RSASHA256, h, sig); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestEd25519SignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	seed := priv.Seed()

	key, err := NewEd25519Key(pub, seed)
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}

	h := Sum(SHA256, []byte("hello ed25519"))
	sig, err := key.Sign(h)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	verifier, err := Ed25519VerifyingKeyFromBytes(pub)
	if err != nil {
		t.Fatalf("Ed25519VerifyingKeyFromBytes: %v", err)
	}
	if err := verifier.Verify(Ed25519SHA256, h, sig); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestNewEd25519KeyRejectsMismatchedSeed(t *testing.T) {
	pub1, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	_, priv2, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}

	if _, err := NewEd25519Key(pub1, priv2.Seed()); err == nil {
		t.Error("expected error for mismatched public key/seed pair")
	}
}

func TestVerifyingKeyRejectsWrongAlgorithm(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	key, err := NewEd25519Key(pub, priv.Seed())
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}
	h := Sum(SHA256, []byte("x"))
	sig, err := key.Sign(h)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	verifier, err := Ed25519VerifyingKeyFromBytes(pub)
	if err != nil {
		t.Fatalf("Ed25519VerifyingKeyFromBytes: %v", err)
	}
	if err := verifier.Verify(RSASHA256, h, sig); err != ErrIncompatibleAlgorithms {
		t.Errorf("Verify() = %v, want ErrIncompatibleAlgorithms", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"rsa-sha1", false},
		{"rsa-sha256", false},
		{"ed25519-sha256", false},
		{"rsa-sha512", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseAlgorithm(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAlgorithm(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestAlgorithmHash(t *testing.T) {
	if RSASHA1.Hash() != SHA1 {
		t.Error("rsa-sha1 should hash with SHA1")
	}
	if RSASHA256.Hash() != SHA256 {
		t.Error("rsa-sha256 should hash with SHA256")
	}
	if Ed25519SHA256.Hash() != SHA256 {
		t.Error("ed25519-sha256 should hash with SHA256")
	}
}

func TestSumProducesExpectedLength(t *testing.T) {
	sha1Sum := Sum(SHA1, []byte("x"))
	if len(sha1Sum.Bytes()) != 20 {
		t.Errorf("SHA1 sum length = %d, want 20", len(sha1Sum.Bytes()))
	}
	sha256Sum := Sum(SHA256, []byte("x"))
	if len(sha256Sum.Bytes()) != 32 {
		t.Errorf("SHA256 sum length = %d, want 32", len(sha256Sum.Bytes()))
	}
}

func TestRSAKeyFromPKCS1PEM(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	pemBytes := pem.EncodeToMemory(block)

	key, err := RSAKeyFromPKCS1PEM(pemBytes, RSASHA256)
	if err != nil {
		t.Fatalf("RSAKeyFromPKCS1PEM: %v", err)
	}
	if key.Algorithm() != RSASHA256 {
		t.Errorf("Algorithm() = %v, want rsa-sha256", key.Algorithm())
	}
}
