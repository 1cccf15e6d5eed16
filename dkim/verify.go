package dkim

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/internal/crypto"
	"github.com/oonrumail/mailauth/message"
)

// VerificationStatus classifies a single signature's verification
// outcome, per spec.md §4.4.
type VerificationStatus string

const (
	StatusPass     VerificationStatus = "pass"
	StatusNeutral  VerificationStatus = "neutral"
	StatusFail     VerificationStatus = "fail"
	StatusPermFail VerificationStatus = "permerror"
	StatusTempFail VerificationStatus = "temperror"
	StatusNone     VerificationStatus = "none"
)

// VerificationResult is the outcome of checking one DKIM-Signature
// header against a message.
type VerificationResult struct {
	Domain    string
	Selector  string
	Status    VerificationStatus
	Err       error
	Signature *Signature
}

// TXTLookup is the DNS collaborator a Verifier needs: a cached TXT
// lookup, satisfied by *resolver.Resolver's GetTXT.
type TXTLookup interface {
	GetTXT(ctx context.Context, name string) ([]string, error)
}

// Verifier checks DKIM-Signature headers against their DNS-published
// keys.
type Verifier struct {
	resolver TXTLookup
	logger   *zap.Logger
	clock    func() time.Time
}

// NewVerifier builds a Verifier. A nil logger falls back to zap.NewNop().
func NewVerifier(resolver TXTLookup, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{resolver: resolver, logger: logger, clock: time.Now}
}

// VerifyMessage verifies every DKIM-Signature header present in raw,
// returning one VerificationResult per signature in header order (the
// message's topmost DKIM-Signature first). A message with no
// DKIM-Signature header returns (nil, nil): DKIM's absence is reported
// by the caller as "none", not an error.
func (v *Verifier) VerifyMessage(ctx context.Context, raw []byte) ([]*VerificationResult, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse message: %w", err)
	}
	if len(msg.DKIMHeaders) == 0 {
		return nil, nil
	}

	results := make([]*VerificationResult, 0, len(msg.DKIMHeaders))
	for _, h := range msg.DKIMHeaders {
		results = append(results, v.verifyOne(ctx, msg, string(h.Value)))
	}
	return results, nil
}

func (v *Verifier) verifyOne(ctx context.Context, msg *message.AuthenticatedMessage, rawValue string) *VerificationResult {
	sig, err := ParseSignature(rawValue)
	if err != nil {
		return &VerificationResult{Status: StatusPermFail, Err: err}
	}
	result := &VerificationResult{Domain: sig.Domain, Selector: sig.Selector, Signature: sig}

	if sig.Expiration != nil && v.clock().Unix() > *sig.Expiration {
		result.Status = StatusFail
		result.Err = fmt.Errorf("%w: expired at %d", ErrSignatureExpired, *sig.Expiration)
		return result
	}
	if sig.Timestamp != nil {
		if future := time.Unix(*sig.Timestamp, 0).Sub(v.clock()); future > 5*time.Minute {
			// Future t= is accepted per SPEC_FULL.md §9b, just logged.
			v.logger.Warn("dkim signature timestamp is in the future",
				zap.String("domain", sig.Domain), zap.Duration("skew", future))
		}
	}

	dk, err := v.fetchDomainKey(ctx, sig.Selector, sig.Domain)
	if err != nil {
		result.Err = err
		if isTemporary(err) {
			result.Status = StatusTempFail
		} else {
			result.Status = StatusPermFail
		}
		return result
	}
	if dk.Revoked() {
		result.Status = StatusPermFail
		result.Err = fmt.Errorf("%w: %s._domainkey.%s", ErrRevokedKey, sig.Selector, sig.Domain)
		return result
	}
	if !dk.AllowsServiceType() {
		result.Status = StatusPermFail
		result.Err = fmt.Errorf("dkim: s= does not permit email service")
		return result
	}
	if !dk.AllowsHash(hashName(sig.Algorithm)) {
		result.Status = StatusPermFail
		result.Err = fmt.Errorf("dkim: h= does not permit %s", hashName(sig.Algorithm))
		return result
	}
	if keyTypeFor(sig.Algorithm) != dk.KeyType {
		result.Status = StatusPermFail
		result.Err = fmt.Errorf("%w: a=%s vs k=%s", ErrIncompatibleKeyType, sig.Algorithm, dk.KeyType)
		return result
	}
	if dk.NoSubdomain {
		auidDomain := sig.AUID
		if at := strings.LastIndex(auidDomain, "@"); at != -1 {
			auidDomain = auidDomain[at+1:]
		}
		if !strings.EqualFold(auidDomain, sig.Domain) {
			result.Status = StatusFail
			result.Err = fmt.Errorf("dkim: t=s requires i= domain to equal d=: %s vs %s", auidDomain, sig.Domain)
			return result
		}
	}

	canonBody := canonical.Body(msg.Body(), sig.Canon.Body)
	if sig.BodyLength != nil {
		if *sig.BodyLength < 0 || *sig.BodyLength > int64(len(canonBody)) {
			result.Status = StatusPermFail
			result.Err = fmt.Errorf("%w: l= exceeds body length", ErrMalformed)
			return result
		}
		canonBody = canonBody[:*sig.BodyLength]
	}
	bodyHash := crypto.Sum(sig.Algorithm.Hash(), canonBody)
	if !bytes.Equal(bodyHash.Bytes(), sig.BodyHash) {
		result.Status = StatusFail
		result.Err = ErrBodyHashMismatch
		return result
	}

	headerData := buildSignedHeaderData(msg, sig.SignedHeaders, sig.Canon.Header)
	appendUnsignedHeaderLine(headerData, "DKIM-Signature", stripSignatureValue(sig.raw), sig.Canon.Header)
	headerHash := crypto.Sum(sig.Algorithm.Hash(), headerData.Bytes())

	if err := dk.VerifyingKey.Verify(sig.Algorithm, headerHash, sig.SignatureData); err != nil {
		result.Status = StatusFail
		result.Err = fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		return result
	}

	result.Status = StatusPass
	v.logger.Debug("dkim signature verified", zap.String("domain", sig.Domain), zap.String("selector", sig.Selector))
	return result
}

func (v *Verifier) fetchDomainKey(ctx context.Context, selector, domain string) (*DomainKey, error) {
	name := fmt.Sprintf("%s._domainkey.%s", selector, domain)
	records, err := v.resolver.GetTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dkim: DNS lookup %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyFound, name)
	}
	return ParseDomainKey(strings.Join(records, ""))
}

func hashName(alg crypto.Algorithm) string {
	if alg.Hash() == crypto.SHA1 {
		return "sha1"
	}
	return "sha256"
}

func keyTypeFor(alg crypto.Algorithm) string {
	if alg == crypto.Ed25519SHA256 {
		return "ed25519"
	}
	return "rsa"
}

// isTemporary reports whether err represents a transient condition
// (DNS timeout/SERVFAIL) that should surface as temperror rather than
// permerror.
func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	for e := err; e != nil; e = unwrap(e) {
		if t, ok := e.(temporary); ok {
			return t.Temporary()
		}
	}
	return false
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
