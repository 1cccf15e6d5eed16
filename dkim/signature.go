// Package dkim implements RFC 6376 DKIM signature generation and
// verification: tag-list parsing, header/body hashing via
// internal/canonical, and RSA/Ed25519 signing via internal/crypto.
package dkim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/internal/crypto"
)

// Signature is a parsed DKIM-Signature tag list. Package arc parses
// ARC-Message-Signature headers into its own MessageSignature type.
type Signature struct {
	Version      string // v=, must be "1"
	Algorithm    crypto.Algorithm
	Canon        canonical.Combo
	Domain       string   // d=
	Selector     string   // s=
	AUID         string   // i=, defaults to "@"+Domain
	SignedHeaders []string // h=, in signed order, possibly repeating a name
	BodyLength   *int64 // l=
	Timestamp    *int64 // t=
	Expiration   *int64 // x=
	BodyHash     []byte // bh=, decoded
	SignatureData []byte // b=, decoded
	QueryMethods string // q=, defaults to "dns/txt"
	CopiedHeaders string // z=, left raw

	raw string // the original tag-list, for re-emission with only b= patched in
}

// requiredTags is used by ParseSignature to reject an incomplete
// signature as a parse error, per RFC 6376 §3.5.
var requiredTags = []string{"v", "a", "d", "s", "h", "bh", "b"}

// ParseSignature parses a DKIM-Signature header value (the part after
// the colon).
func ParseSignature(value string) (*Signature, error) {
	tags, err := parseTagList(value)
	if err != nil {
		return nil, err
	}
	for _, t := range requiredTags {
		if _, ok := tags[t]; !ok {
			return nil, fmt.Errorf("%w: missing required tag %q", ErrMalformed, t)
		}
	}
	if tags["v"] != "1" {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrUnsupportedVersion, tags["v"])
	}

	alg, err := crypto.ParseAlgorithm(tags["a"])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, tags["a"])
	}

	combo, err := canonical.ParseCombo(tags["c"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCanonicalization, err)
	}

	bh, err := decodeBase64Loose(tags["bh"])
	if err != nil {
		return nil, fmt.Errorf("%w: bh= %v", ErrMalformed, err)
	}
	b, err := decodeBase64Loose(tags["b"])
	if err != nil {
		return nil, fmt.Errorf("%w: b= %v", ErrMalformed, err)
	}

	sig := &Signature{
		Version:       tags["v"],
		Algorithm:     alg,
		Canon:         combo,
		Domain:        tags["d"],
		Selector:      tags["s"],
		AUID:          tags["i"],
		SignedHeaders: splitColonList(tags["h"]),
		BodyHash:      bh,
		SignatureData: b,
		QueryMethods:  tags["q"],
		CopiedHeaders: tags["z"],
		raw:           value,
	}
	if sig.AUID == "" {
		sig.AUID = "@" + sig.Domain
	}
	if sig.QueryMethods == "" {
		sig.QueryMethods = "dns/txt"
	}
	if v, ok := tags["l"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: l= %v", ErrMalformed, err)
		}
		sig.BodyLength = &n
	}
	if v, ok := tags["t"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: t= %v", ErrMalformed, err)
		}
		sig.Timestamp = &n
	}
	if v, ok := tags["x"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: x= %v", ErrMalformed, err)
		}
		sig.Expiration = &n
	}

	if len(sig.Domain) == 0 || len(sig.Selector) == 0 {
		return nil, fmt.Errorf("%w: empty d= or s=", ErrMalformed)
	}
	if !strings.HasSuffix(strings.ToLower(sig.AUID), strings.ToLower("@"+sig.Domain)) &&
		!strings.HasSuffix(strings.ToLower(sig.AUID), strings.ToLower("."+sig.Domain)) {
		// i= must be the same as, or a subdomain of, d= (RFC 6376 §3.5).
		return nil, fmt.Errorf("%w: i= %q not a subdomain of d= %q", ErrMalformed, sig.AUID, sig.Domain)
	}
	if !containsHeaderFold(sig.SignedHeaders, "from") {
		return nil, ErrMissingFromHeader
	}

	return sig, nil
}

func containsHeaderFold(headers []string, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// parseTagList parses a DKIM/ARC "tag-list" (RFC 6376 §3.2): unfold,
// split on ';', split each tag on the first '='.
func parseTagList(value string) (map[string]string, error) {
	unfolded := string(canonical.RelaxedHeaderValue([]byte(value)))
	tags := make(map[string]string)
	for _, part := range strings.Split(unfolded, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq == -1 {
			return nil, fmt.Errorf("%w: malformed tag %q", ErrMalformed, part)
		}
		name := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		tags[name] = val
	}
	return tags, nil
}

func splitColonList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ":")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func decodeBase64Loose(s string) ([]byte, error) {
	s = stripWSP(s)
	if s == "" {
		return nil, nil
	}
	return base64Decode(s)
}

func stripWSP(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
