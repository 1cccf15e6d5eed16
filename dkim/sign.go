package dkim

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oonrumail/mailauth/domain"
	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/internal/crypto"
	"github.com/oonrumail/mailauth/message"
)

// KeyProvider resolves the active signing key for a domain, mirroring
// the teacher's DKIMKeyProvider contract.
type KeyProvider interface {
	GetActiveDKIMKey(domainName string) *domain.DKIMKey
}

// Signer produces DKIM-Signature headers for outbound messages.
type Signer struct {
	keys   KeyProvider
	logger *zap.Logger
}

// NewSigner builds a Signer backed by keys. A nil logger falls back to
// zap.NewNop().
func NewSigner(keys KeyProvider, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{keys: keys, logger: logger}
}

// SignConfig controls which headers are signed and how.
type SignConfig struct {
	Headers     []string
	Canon       canonical.Combo
	BodyLength  int64 // 0 = unlimited
	ExpireAfter time.Duration
}

// DefaultSignConfig mirrors the teacher's DefaultSignatureConfig.
func DefaultSignConfig() SignConfig {
	return SignConfig{
		Headers: []string{
			"from", "to", "cc", "subject", "date",
			"message-id", "reply-to", "references",
			"in-reply-to", "content-type", "mime-version",
		},
		Canon:       canonical.Combo{Header: canonical.Relaxed, Body: canonical.Relaxed},
		ExpireAfter: 7 * 24 * time.Hour,
	}
}

// Sign parses raw, computes a DKIM-Signature for domainName using the
// active key from s.keys, and returns raw with that header prepended.
func (s *Signer) Sign(domainName string, raw []byte, cfg SignConfig) ([]byte, error) {
	key := s.keys.GetActiveDKIMKey(domainName)
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyFound, domainName)
	}

	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse message: %w", err)
	}

	canonBody := canonical.Body(msg.Body(), cfg.Canon.Body)
	if cfg.BodyLength > 0 && int64(len(canonBody)) > cfg.BodyLength {
		canonBody = canonBody[:cfg.BodyLength]
	}
	bodyHash := crypto.Sum(key.Key.Algorithm().Hash(), canonBody)

	now := time.Now().Unix()
	signed := presentHeaderNames(msg, cfg.Headers)

	sig := &Signature{
		Version:       "1",
		Algorithm:     key.Key.Algorithm(),
		Canon:         cfg.Canon,
		Domain:        domainName,
		Selector:      key.Selector,
		AUID:          "@" + domainName,
		SignedHeaders: signed,
		Timestamp:     &now,
		BodyHash:      bodyHash.Bytes(),
		QueryMethods:  "dns/txt",
	}
	if cfg.BodyLength > 0 {
		bl := cfg.BodyLength
		sig.BodyLength = &bl
	}
	if cfg.ExpireAfter > 0 {
		exp := now + int64(cfg.ExpireAfter.Seconds())
		sig.Expiration = &exp
	}

	headerData := buildSignedHeaderData(msg, signed, cfg.Canon.Header)
	appendUnsignedHeaderLine(headerData, "DKIM-Signature", " "+sig.serialize(""), cfg.Canon.Header)

	hash := crypto.Sum(key.Key.Algorithm().Hash(), headerData.Bytes())
	sigBytes, err := key.Key.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}

	full := sig.serialize(foldBase64(base64Encode(sigBytes)))
	header := "DKIM-Signature: " + full

	s.logger.Debug("signed message with DKIM",
		zap.String("domain", domainName),
		zap.String("selector", key.Selector),
		zap.String("algorithm", string(key.Key.Algorithm())))

	out := make([]byte, 0, len(header)+2+len(raw))
	out = append(out, header...)
	out = append(out, '\r', '\n')
	out = append(out, raw...)
	return out, nil
}

// presentHeaderNames returns, from wanted in order, only the names that
// have at least one instance in msg — mirroring the teacher's
// getSignableHeaders.
func presentHeaderNames(msg *message.AuthenticatedMessage, wanted []string) []string {
	present := make(map[string]bool)
	for _, h := range msg.Headers {
		present[h.NameLower()] = true
	}
	var out []string
	for _, name := range wanted {
		if present[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out
}

// serialize renders the signature's tags in DKIM-Signature tag order
// (v;a;c;d;s;h;i?;l?;t?;x?;bh;b), with b= set to bValue (empty when
// computing the signing/verification hash).
func (s *Signature) serialize(bValue string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%s; a=%s; c=%s; d=%s; s=%s;\r\n\t", s.Version, s.Algorithm, s.Canon.String(), s.Domain, s.Selector)
	fmt.Fprintf(&b, "h=%s;\r\n\t", strings.Join(s.SignedHeaders, ":"))
	if s.AUID != "" && s.AUID != "@"+s.Domain {
		fmt.Fprintf(&b, "i=%s; ", s.AUID)
	}
	if s.BodyLength != nil {
		fmt.Fprintf(&b, "l=%d; ", *s.BodyLength)
	}
	if s.Timestamp != nil {
		fmt.Fprintf(&b, "t=%d; ", *s.Timestamp)
	}
	if s.Expiration != nil {
		fmt.Fprintf(&b, "x=%d; ", *s.Expiration)
	}
	fmt.Fprintf(&b, "bh=%s;\r\n\t", base64Encode(s.BodyHash))
	fmt.Fprintf(&b, "b=%s", bValue)
	return b.String()
}
