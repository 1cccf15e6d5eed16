package dkim_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oonrumail/mailauth/dkim"
	"github.com/oonrumail/mailauth/domain"
	"github.com/oonrumail/mailauth/internal/crypto"
)

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.net\r\n" +
	"Subject: test message\r\n" +
	"Date: Mon, 1 Aug 2026 12:00:00 +0000\r\n" +
	"Message-Id: <abc123@example.com>\r\n" +
	"\r\n" +
	"Hello, Bob!\r\n"

type staticKeyProvider struct{ key *domain.DKIMKey }

func (p staticKeyProvider) GetActiveDKIMKey(domainName string) *domain.DKIMKey {
	if domainName != p.key.Domain {
		return nil
	}
	return p.key
}

type staticTXT struct{ records map[string][]string }

func (s staticTXT) GetTXT(_ context.Context, name string) ([]string, error) {
	if r, ok := s.records[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("no such record: %s", name)
}

func rsaDomainKeyRecord(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func ed25519DomainKeyRecord(pub ed25519.PublicKey) string {
	return "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)
}

func TestSignAndVerifyRSASHA256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signKey, err := crypto.NewRSAKey(priv, crypto.RSASHA256)
	require.NoError(t, err)

	key := &domain.DKIMKey{Domain: "example.com", Selector: "sel1", Key: signKey, IsActive: true}
	signer := dkim.NewSigner(staticKeyProvider{key}, zap.NewNop())

	signed, err := signer.Sign("example.com", []byte(testMessage), dkim.DefaultSignConfig())
	require.NoError(t, err)

	lookup := staticTXT{records: map[string][]string{
		"sel1._domainkey.example.com": {rsaDomainKeyRecord(t, &priv.PublicKey)},
	}}
	verifier := dkim.NewVerifier(lookup, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), signed)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dkim.StatusPass, results[0].Status, "expected pass, got err=%v", results[0].Err)
}

func TestSignAndVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signKey, err := crypto.NewEd25519Key(pub, priv.Seed())
	require.NoError(t, err)

	key := &domain.DKIMKey{Domain: "example.com", Selector: "ed1", Key: signKey, IsActive: true}
	signer := dkim.NewSigner(staticKeyProvider{key}, zap.NewNop())

	signed, err := signer.Sign("example.com", []byte(testMessage), dkim.DefaultSignConfig())
	require.NoError(t, err)

	lookup := staticTXT{records: map[string][]string{
		"ed1._domainkey.example.com": {ed25519DomainKeyRecord(pub)},
	}}
	verifier := dkim.NewVerifier(lookup, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), signed)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dkim.StatusPass, results[0].Status, "expected pass, got err=%v", results[0].Err)
}

func TestSignAndVerifySimpleCanonicalization(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signKey, err := crypto.NewRSAKey(priv, crypto.RSASHA1)
	require.NoError(t, err)

	key := &domain.DKIMKey{Domain: "example.com", Selector: "sel1", Key: signKey, IsActive: true}
	signer := dkim.NewSigner(staticKeyProvider{key}, zap.NewNop())

	cfg := dkim.DefaultSignConfig()
	cfg.Canon.Header = "simple"
	cfg.Canon.Body = "simple"

	signed, err := signer.Sign("example.com", []byte(testMessage), cfg)
	require.NoError(t, err)

	lookup := staticTXT{records: map[string][]string{
		"sel1._domainkey.example.com": {rsaDomainKeyRecord(t, &priv.PublicKey)},
	}}
	verifier := dkim.NewVerifier(lookup, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), signed)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dkim.StatusPass, results[0].Status, "expected pass, got err=%v", results[0].Err)
}

func TestVerifyFailsOnBodyMutation(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signKey, err := crypto.NewRSAKey(priv, crypto.RSASHA256)
	require.NoError(t, err)

	key := &domain.DKIMKey{Domain: "example.com", Selector: "sel1", Key: signKey, IsActive: true}
	signer := dkim.NewSigner(staticKeyProvider{key}, zap.NewNop())
	signed, err := signer.Sign("example.com", []byte(testMessage), dkim.DefaultSignConfig())
	require.NoError(t, err)

	tampered := []byte(string(signed) + "Extra unsigned line.\r\n")

	lookup := staticTXT{records: map[string][]string{
		"sel1._domainkey.example.com": {rsaDomainKeyRecord(t, &priv.PublicKey)},
	}}
	verifier := dkim.NewVerifier(lookup, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), tampered)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dkim.StatusFail, results[0].Status)
}

func TestVerifyFailsOnRevokedKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signKey, err := crypto.NewRSAKey(priv, crypto.RSASHA256)
	require.NoError(t, err)

	key := &domain.DKIMKey{Domain: "example.com", Selector: "sel1", Key: signKey, IsActive: true}
	signer := dkim.NewSigner(staticKeyProvider{key}, zap.NewNop())
	signed, err := signer.Sign("example.com", []byte(testMessage), dkim.DefaultSignConfig())
	require.NoError(t, err)

	lookup := staticTXT{records: map[string][]string{
		"sel1._domainkey.example.com": {"v=DKIM1; k=rsa; p="},
	}}
	verifier := dkim.NewVerifier(lookup, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), signed)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dkim.StatusPermFail, results[0].Status)
}

func TestVerifyNoSignatureReturnsNil(t *testing.T) {
	verifier := dkim.NewVerifier(staticTXT{}, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), []byte(testMessage))
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestBodyLengthLimitSoundness(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signKey, err := crypto.NewRSAKey(priv, crypto.RSASHA256)
	require.NoError(t, err)

	key := &domain.DKIMKey{Domain: "example.com", Selector: "sel1", Key: signKey, IsActive: true}
	signer := dkim.NewSigner(staticKeyProvider{key}, zap.NewNop())
	cfg := dkim.DefaultSignConfig()
	cfg.BodyLength = 6 // "Hello,"

	signed, err := signer.Sign("example.com", []byte(testMessage), cfg)
	require.NoError(t, err)

	// Appending bytes beyond l= must not break verification...
	extended := []byte(string(signed) + "more appended content that was never signed\r\n")

	lookup := staticTXT{records: map[string][]string{
		"sel1._domainkey.example.com": {rsaDomainKeyRecord(t, &priv.PublicKey)},
	}}
	verifier := dkim.NewVerifier(lookup, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), extended)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dkim.StatusPass, results[0].Status, "l= truncation should tolerate appended bytes, got err=%v", results[0].Err)
}

func TestParseSignatureRejectsMissingFromInHeaderList(t *testing.T) {
	value := "v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=sel1; " +
		"h=To:Subject:Date; bh=" + base64.StdEncoding.EncodeToString([]byte("x")) + "; " +
		"b=" + base64.StdEncoding.EncodeToString([]byte("y"))

	_, err := dkim.ParseSignature(value)
	require.ErrorIs(t, err, dkim.ErrMissingFromHeader)
}

func TestParseSignatureAcceptsFromCaseInsensitively(t *testing.T) {
	value := "v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=sel1; " +
		"h=To:FROM:Subject; bh=" + base64.StdEncoding.EncodeToString([]byte("x")) + "; " +
		"b=" + base64.StdEncoding.EncodeToString([]byte("y"))

	_, err := dkim.ParseSignature(value)
	require.NoError(t, err)
}

func TestVerifyFailsWhenSignatureOmitsFromHeader(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signKey, err := crypto.NewRSAKey(priv, crypto.RSASHA256)
	require.NoError(t, err)

	key := &domain.DKIMKey{Domain: "example.com", Selector: "sel1", Key: signKey, IsActive: true}
	signer := dkim.NewSigner(staticKeyProvider{key}, zap.NewNop())
	cfg := dkim.DefaultSignConfig()
	cfg.Headers = []string{"to", "subject", "date", "message-id"} // deliberately omits From

	signed, err := signer.Sign("example.com", []byte(testMessage), cfg)
	require.NoError(t, err)

	lookup := staticTXT{records: map[string][]string{
		"sel1._domainkey.example.com": {rsaDomainKeyRecord(t, &priv.PublicKey)},
	}}
	verifier := dkim.NewVerifier(lookup, zap.NewNop())
	results, err := verifier.VerifyMessage(context.Background(), signed)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dkim.StatusPermFail, results[0].Status)
	assert.ErrorIs(t, results[0].Err, dkim.ErrMissingFromHeader)
}
