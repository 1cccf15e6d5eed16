package arc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/internal/crypto"
)

// MessageSignature is a parsed ARC-Message-Signature (AMS). It carries
// the same tags as a DKIM-Signature (RFC 8617 §4.2), except "i=" names
// the ARC instance rather than an AUID, so it is its own type rather
// than dkim.Signature — the two are structurally identical otherwise
// and share the same internal/crypto and internal/canonical hashing.
type MessageSignature struct {
	Instance      int
	Algorithm     crypto.Algorithm
	Canon         canonical.Combo
	Domain        string
	Selector      string
	SignedHeaders []string
	Timestamp     int64
	BodyHash      []byte
	SignatureData []byte

	raw string
}

var amsRequiredTags = []string{"a", "d", "s", "h", "bh", "b", "i"}

// ParseMessageSignature parses an ARC-Message-Signature header value.
func ParseMessageSignature(instance int, value string) (*MessageSignature, error) {
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
		tags[strings.TrimSpace(part[:eq])] = strings.TrimSpace(part[eq+1:])
	}
	for _, t := range amsRequiredTags {
		if _, ok := tags[t]; !ok {
			return nil, fmt.Errorf("%w: AMS missing required tag %q", ErrMalformed, t)
		}
	}

	n, err := strconv.Atoi(tags["i"])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid i=: %v", ErrMalformed, err)
	}
	if instance != 0 && n != instance {
		return nil, fmt.Errorf("%w: i=%d does not match bucketed instance %d", ErrMalformed, n, instance)
	}

	alg, err := crypto.ParseAlgorithm(tags["a"])
	if err != nil {
		return nil, fmt.Errorf("%w: unsupported a=%s", ErrMalformed, tags["a"])
	}
	combo, err := canonical.ParseCombo(tags["c"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	bh, err := base64DecodeLoose(tags["bh"])
	if err != nil {
		return nil, fmt.Errorf("%w: bh=: %v", ErrMalformed, err)
	}
	b, err := base64DecodeLoose(tags["b"])
	if err != nil {
		return nil, fmt.Errorf("%w: b=: %v", ErrMalformed, err)
	}
	var ts int64
	if v, ok := tags["t"]; ok {
		ts, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid t=: %v", ErrMalformed, err)
		}
	}

	return &MessageSignature{
		Instance:      n,
		Algorithm:     alg,
		Canon:         combo,
		Domain:        tags["d"],
		Selector:      tags["s"],
		SignedHeaders: splitColonList(tags["h"]),
		Timestamp:     ts,
		BodyHash:      bh,
		SignatureData: b,
		raw:           value,
	}, nil
}

func (m *MessageSignature) serialize(bValue string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "i=%d; a=%s; c=%s; d=%s; s=%s;\r\n\t", m.Instance, m.Algorithm, m.Canon.String(), m.Domain, m.Selector)
	fmt.Fprintf(&b, "h=%s; t=%d;\r\n\t", strings.Join(m.SignedHeaders, ":"), m.Timestamp)
	fmt.Fprintf(&b, "bh=%s;\r\n\t", base64Encode(m.BodyHash))
	fmt.Fprintf(&b, "b=%s", bValue)
	return b.String()
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
