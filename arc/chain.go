package arc

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oonrumail/mailauth/dkim"
	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/internal/crypto"
	"github.com/oonrumail/mailauth/message"
)

// Set is one ARC instance's triple.
type Set struct {
	Instance    int
	AuthResults *AuthResults
	Signature   *MessageSignature
	Seal        *Seal

	aarRaw string // full "ARC-Authentication-Results: ..." line, used when re-sorting for hashing
	amsRaw string
	asRaw  string
}

// ChainStatus is the overall cv outcome a verifier reports for the
// Authentication-Results header, per spec.md §4.5.
type ChainStatus string

const (
	ChainNone     ChainStatus = "none"
	ChainPass     ChainStatus = "pass"
	ChainFail     ChainStatus = "fail"
	ChainPermErr  ChainStatus = "permerror"
	ChainTempErr  ChainStatus = "temperror"
)

// ChainResult is the outcome of validating an entire ARC chain.
type ChainResult struct {
	Status        ChainStatus
	LatestInstance int
	Err           error
}

// bucketSets walks msg's ARC headers and groups them by instance,
// preserving header order for later re-sorting.
func bucketSets(msg *message.AuthenticatedMessage) (map[int]*Set, int, error) {
	sets := make(map[int]*Set)
	maxInstance := 0

	getSet := func(i int) *Set {
		s, ok := sets[i]
		if !ok {
			s = &Set{Instance: i}
			sets[i] = s
		}
		if i > maxInstance {
			maxInstance = i
		}
		return s
	}

	for _, h := range msg.ARCHeaders {
		value := string(h.Value)
		switch h.NameLower() {
		case "arc-authentication-results":
			n, _, err := leadingInstance(value)
			if err != nil {
				return nil, 0, err
			}
			ar, err := ParseAuthResults(n, value)
			if err != nil {
				return nil, 0, err
			}
			s := getSet(n)
			if s.AuthResults != nil {
				return nil, 0, fmt.Errorf("%w: duplicate ARC-Authentication-Results at instance %d", ErrInvalidInstance, n)
			}
			s.AuthResults = ar
			s.aarRaw = rawLine(h)
		case "arc-message-signature":
			n, err := peekInstance(value)
			if err != nil {
				return nil, 0, err
			}
			ams, err := ParseMessageSignature(n, value)
			if err != nil {
				return nil, 0, err
			}
			s := getSet(n)
			if s.Signature != nil {
				return nil, 0, fmt.Errorf("%w: duplicate ARC-Message-Signature at instance %d", ErrInvalidInstance, n)
			}
			s.Signature = ams
			s.amsRaw = rawLine(h)
		case "arc-seal":
			n, err := peekInstance(value)
			if err != nil {
				return nil, 0, err
			}
			as, err := ParseSeal(n, value)
			if err != nil {
				return nil, 0, err
			}
			s := getSet(n)
			if s.Seal != nil {
				return nil, 0, fmt.Errorf("%w: duplicate ARC-Seal at instance %d", ErrInvalidInstance, n)
			}
			s.Seal = as
			s.asRaw = rawLine(h)
		}
	}

	if maxInstance > MaxInstances {
		return nil, 0, fmt.Errorf("%w: %d instances", ErrChainTooLong, maxInstance)
	}
	for i := 1; i <= maxInstance; i++ {
		s, ok := sets[i]
		if !ok {
			return nil, 0, fmt.Errorf("%w: missing instance %d", ErrInvalidInstance, i)
		}
		if s.AuthResults == nil || s.Signature == nil || s.Seal == nil {
			return nil, 0, fmt.Errorf("%w: instance %d", ErrIncompleteSet, i)
		}
	}
	return sets, maxInstance, nil
}

func rawLine(h message.Header) string {
	return string(h.Name) + ":" + string(h.Value) + "\r\n"
}

// peekInstance reads the i= tag out of an AMS/AS value without fully
// parsing it, so bucketSets can group headers before validating them.
func peekInstance(value string) (int, error) {
	unfolded := string(canonical.RelaxedHeaderValue([]byte(value)))
	for _, part := range strings.Split(unfolded, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "i=") {
			var n int
			if _, err := fmt.Sscanf(part, "i=%d", &n); err != nil {
				return 0, fmt.Errorf("%w: invalid i=", ErrMalformed)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: missing i= tag", ErrMalformed)
}

// TXTLookup is the DNS collaborator a chain verifier needs, the same
// shape as dkim.TXTLookup so both can share one resolver.Resolver.
type TXTLookup interface {
	GetTXT(ctx context.Context, name string) ([]string, error)
}

// Verifier validates ARC chains.
type Verifier struct {
	resolver TXTLookup
	logger   *zap.Logger
}

// NewVerifier builds a Verifier. A nil logger falls back to zap.NewNop().
func NewVerifier(resolver TXTLookup, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{resolver: resolver, logger: logger}
}

// VerifyChain validates every ARC instance present in raw, in order
// from 1 to the newest, per spec.md §4.5: a chain with no ARC headers
// reports ChainNone; a structurally broken chain is ChainFail without
// a DNS round trip; each AS and AMS is individually signature-checked
// against its declared domain/selector.
func (v *Verifier) VerifyChain(ctx context.Context, raw []byte) (*ChainResult, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("arc: parse message: %w", err)
	}
	if len(msg.ARCHeaders) == 0 {
		return &ChainResult{Status: ChainNone}, nil
	}

	sets, max, err := bucketSets(msg)
	if err != nil {
		return &ChainResult{Status: ChainFail, Err: err}, nil
	}

	for i := 1; i <= max; i++ {
		s := sets[i]
		if s.Seal.HasIllegalHeaderTag {
			return &ChainResult{Status: ChainFail, LatestInstance: max,
				Err: fmt.Errorf("%w: instance %d ARC-Seal carries h= or bh=", ErrHasHeaderTag, i)}, nil
		}
		wantCV := CVPass
		if i == 1 {
			wantCV = CVNone
		}
		if s.Seal.ChainValidation != wantCV {
			return &ChainResult{Status: ChainFail, LatestInstance: max,
				Err: fmt.Errorf("%w: instance %d has cv=%s, want cv=%s", ErrInvalidCV, i, s.Seal.ChainValidation, wantCV)}, nil
		}
	}

	// Verify every AS and AMS signature, oldest instance first: a
	// verifier must be able to say which hop broke the chain.
	for i := 1; i <= max; i++ {
		s := sets[i]

		if err := v.verifySeal(ctx, sets, i); err != nil {
			return &ChainResult{Status: ChainFail, LatestInstance: max, Err: fmt.Errorf("instance %d AS: %w", i, err)}, nil
		}
		if err := v.verifyMessageSignature(ctx, msg, s.Signature); err != nil {
			return &ChainResult{Status: ChainFail, LatestInstance: max, Err: fmt.Errorf("instance %d AMS: %w", i, err)}, nil
		}
	}

	return &ChainResult{Status: ChainPass, LatestInstance: max}, nil
}

func (v *Verifier) fetchDomainKey(ctx context.Context, selector, domainName string) (*dkim.DomainKey, error) {
	name := fmt.Sprintf("%s._domainkey.%s", selector, domainName)
	records, err := v.resolver.GetTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("arc: DNS lookup %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyFound, name)
	}
	return dkim.ParseDomainKey(strings.Join(records, ""))
}

// verifySeal checks instance i's ARC-Seal signature over the signing
// set RFC 8617 §5.1.2 describes: every prior instance's AAR/AMS/AS, in
// order, followed by this instance's own AAR and AMS, followed by this
// instance's AS with an empty b=.
func (v *Verifier) verifySeal(ctx context.Context, sets map[int]*Set, i int) error {
	s := sets[i]
	dk, err := v.fetchDomainKey(ctx, s.Seal.Selector, s.Seal.Domain)
	if err != nil {
		return err
	}
	if dk.Revoked() {
		return fmt.Errorf("dkim: key revoked at %s._domainkey.%s", s.Seal.Selector, s.Seal.Domain)
	}

	var buf bytes.Buffer
	for j := 1; j < i; j++ {
		prior := sets[j]
		buf.WriteString(prior.aarRaw)
		buf.WriteString(prior.amsRaw)
		buf.WriteString(prior.asRaw)
	}
	buf.WriteString(s.aarRaw)
	buf.WriteString(s.amsRaw)
	buf.WriteString(stripSignatureValue(s.asRaw))

	relaxed := canonicalizeEachLine(buf.Bytes())
	relaxed = bytes.TrimSuffix(relaxed, []byte("\r\n"))

	hash := crypto.Sum(s.Seal.Algorithm.Hash(), relaxed)
	if dk.VerifyingKey == nil {
		return fmt.Errorf("dkim: no verifying key")
	}
	return dk.VerifyingKey.Verify(s.Seal.Algorithm, hash, s.Seal.SignatureData)
}

// verifyMessageSignature checks an AMS exactly like a DKIM signature:
// body hash, then header hash over its own h= selection.
func (v *Verifier) verifyMessageSignature(ctx context.Context, msg *message.AuthenticatedMessage, ams *MessageSignature) error {
	dk, err := v.fetchDomainKey(ctx, ams.Selector, ams.Domain)
	if err != nil {
		return err
	}
	if dk.Revoked() {
		return fmt.Errorf("dkim: key revoked at %s._domainkey.%s", ams.Selector, ams.Domain)
	}

	canonBody := canonical.Body(msg.Body(), ams.Canon.Body)
	bodyHash := crypto.Sum(ams.Algorithm.Hash(), canonBody)
	if !bytes.Equal(bodyHash.Bytes(), ams.BodyHash) {
		return fmt.Errorf("dkim: ams body hash mismatch")
	}

	headerData := selectAndCanonicalize(msg, ams.SignedHeaders, ams.Canon.Header)
	appendUnsignedHeaderLine(headerData, "ARC-Message-Signature", stripSignatureValue(ams.raw), ams.Canon.Header)
	headerHash := crypto.Sum(ams.Algorithm.Hash(), headerData.Bytes())

	return dk.VerifyingKey.Verify(ams.Algorithm, headerHash, ams.SignatureData)
}

func selectAndCanonicalize(msg *message.AuthenticatedMessage, names []string, t canonical.Type) *bytes.Buffer {
	byName := make(map[string][]message.Header)
	for _, h := range msg.Headers {
		byName[h.NameLower()] = append(byName[h.NameLower()], h)
	}
	consumed := make(map[string]int)
	buf := &bytes.Buffer{}
	for _, name := range names {
		lower := strings.ToLower(name)
		values := byName[lower]
		idx := len(values) - 1 - consumed[lower]
		consumed[lower]++
		if idx < 0 {
			continue
		}
		canonical.Header(buf, values[idx].Name, values[idx].Value, t)
	}
	return buf
}

// appendUnsignedHeaderLine canonicalizes a "name:value" line with no
// trailing CRLF and appends it to buf. value must already carry
// whatever leading space would appear on the wire right after the
// colon, mirroring package dkim's helper of the same name.
func appendUnsignedHeaderLine(buf *bytes.Buffer, name, value string, t canonical.Type) {
	tmp := &bytes.Buffer{}
	canonical.Header(tmp, []byte(name), []byte(value), t)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\r\n")))
}

// canonicalizeEachLine applies relaxed header canonicalization to each
// header field of a pre-joined "Name: value\r\n" block, used for hashing
// an ARC-Seal's signing set (each member header, folded continuation
// lines included, is canonicalized independently, then concatenated,
// exactly like DKIM's header hash).
func canonicalizeEachLine(block []byte) []byte {
	var fields [][]byte
	for _, line := range bytes.SplitAfter(block, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1] = append(fields[len(fields)-1], line...)
			continue
		}
		fields = append(fields, append([]byte(nil), line...))
	}
	var out bytes.Buffer
	for _, field := range fields {
		field = bytes.TrimSuffix(field, []byte("\r\n"))
		colon := bytes.IndexByte(field, ':')
		if colon == -1 {
			continue
		}
		canonical.Header(&out, field[:colon], field[colon+1:], canonical.Relaxed)
	}
	return out.Bytes()
}
