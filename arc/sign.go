package arc

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oonrumail/mailauth/domain"
	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/internal/crypto"
	"github.com/oonrumail/mailauth/message"
)

// SignConfig controls which ordinary message headers the new
// ARC-Message-Signature covers.
type SignConfig struct {
	Headers []string
	Canon   canonical.Combo
}

// DefaultSignConfig signs the first six names of dkim.DefaultSignConfig's
// header list (from, to, cc, subject, date, message-id) with
// relaxed/relaxed canonicalization.
func DefaultSignConfig() SignConfig {
	return SignConfig{
		Headers: []string{"from", "to", "cc", "subject", "date", "message-id"},
		Canon:   canonical.Combo{Header: canonical.Relaxed, Body: canonical.Relaxed},
	}
}

// Sealer appends a new ARC instance to a message.
type Sealer struct {
	keys   arcKeyProvider
	logger *zap.Logger
}

type arcKeyProvider interface {
	GetActiveDKIMKey(domainName string) *domain.DKIMKey
}

// NewSealer builds a Sealer backed by keys. A nil logger falls back to
// zap.NewNop().
func NewSealer(keys arcKeyProvider, logger *zap.Logger) *Sealer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealer{keys: keys, logger: logger}
}

// Seal appends ARC-Authentication-Results, ARC-Message-Signature, and
// ARC-Seal headers for the next instance, given the chain validation
// outcome for everything already on the message (cvResult.Status ==
// ChainNone for the first hop) and the new hop's own
// Authentication-Results assessment as authResultsValue (the part
// after "i=N;", e.g. "mx.example.com; dkim=pass ...").
func (s *Sealer) Seal(domainName string, raw []byte, authResultsValue string, cvResult *ChainResult, cfg SignConfig) ([]byte, error) {
	key := s.keys.GetActiveDKIMKey(domainName)
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyFound, domainName)
	}

	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("arc: parse message: %w", err)
	}

	var sets map[int]*Set
	maxInstance := 0
	if len(msg.ARCHeaders) > 0 {
		sets, maxInstance, err = bucketSets(msg)
		if err != nil {
			return nil, fmt.Errorf("arc: existing chain is malformed, cannot extend: %w", err)
		}
	}
	for j := 1; j <= maxInstance; j++ {
		if sets[j].Seal.ChainValidation == CVFail {
			return nil, fmt.Errorf("%w: instance %d carries cv=fail, chain cannot be extended", ErrInvalidCV, j)
		}
	}
	next := maxInstance + 1
	if next > MaxInstances {
		return nil, fmt.Errorf("%w: %d", ErrChainTooLong, next)
	}

	cv := CVNone
	if maxInstance > 0 {
		switch cvResult.Status {
		case ChainPass:
			cv = CVPass
		default:
			cv = CVFail
		}
	}

	now := time.Now().Unix()
	aar := &AuthResults{Instance: next, Value: authResultsValue}
	aarLine := fmt.Sprintf("ARC-Authentication-Results: i=%d; %s\r\n", next, aar.Value)

	canonBody := canonical.Body(msg.Body(), cfg.Canon.Body)
	bodyHash := crypto.Sum(key.Key.Algorithm().Hash(), canonBody)

	ams := &MessageSignature{
		Instance:      next,
		Algorithm:     key.Key.Algorithm(),
		Canon:         cfg.Canon,
		Domain:        domainName,
		Selector:      key.Selector,
		SignedHeaders: presentHeaderNamesARC(msg, cfg.Headers),
		Timestamp:     now,
		BodyHash:      bodyHash.Bytes(),
	}
	amsHeaderData := selectAndCanonicalize(msg, ams.SignedHeaders, cfg.Canon.Header)
	appendUnsignedHeaderLine(amsHeaderData, "ARC-Message-Signature", " "+ams.serialize(""), cfg.Canon.Header)
	amsHash := crypto.Sum(key.Key.Algorithm().Hash(), amsHeaderData.Bytes())
	amsSig, err := key.Key.Sign(amsHash)
	if err != nil {
		return nil, fmt.Errorf("arc: sign AMS: %w", err)
	}
	ams.SignatureData = amsSig
	amsLine := "ARC-Message-Signature: " + ams.serialize(foldBase64(base64Encode(amsSig))) + "\r\n"

	seal := &Seal{
		Instance:        next,
		Algorithm:       key.Key.Algorithm(),
		ChainValidation: cv,
		Domain:          domainName,
		Selector:        key.Selector,
		Timestamp:       now,
	}

	var signingSet bytes.Buffer
	for j := 1; j < next; j++ {
		prior := sets[j]
		signingSet.WriteString(prior.aarRaw)
		signingSet.WriteString(prior.amsRaw)
		signingSet.WriteString(prior.asRaw)
	}
	signingSet.WriteString(aarLine)
	signingSet.WriteString(amsLine)
	signingSet.WriteString("ARC-Seal: " + seal.serialize("") + "\r\n")

	relaxed := canonicalizeEachLine(signingSet.Bytes())
	relaxed = bytes.TrimSuffix(relaxed, []byte("\r\n"))
	sealHash := crypto.Sum(key.Key.Algorithm().Hash(), relaxed)
	sealSig, err := key.Key.Sign(sealHash)
	if err != nil {
		return nil, fmt.Errorf("arc: sign AS: %w", err)
	}
	seal.SignatureData = sealSig
	asLine := "ARC-Seal: " + seal.serialize(foldBase64(base64Encode(sealSig))) + "\r\n"

	s.logger.Debug("sealed message with ARC",
		zap.String("domain", domainName), zap.Int("instance", next), zap.String("cv", string(cv)))

	var out bytes.Buffer
	out.WriteString(aarLine)
	out.WriteString(amsLine)
	out.WriteString(asLine)
	out.Write(raw)
	return out.Bytes(), nil
}

func presentHeaderNamesARC(msg *message.AuthenticatedMessage, wanted []string) []string {
	present := make(map[string]bool)
	for _, h := range msg.Headers {
		present[h.NameLower()] = true
	}
	var out []string
	for _, name := range wanted {
		if present[toLower(name)] {
			out = append(out, name)
		}
	}
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
