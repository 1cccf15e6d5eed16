package arc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/internal/crypto"
)

// Seal is a parsed ARC-Seal (AS) header. An ARC-Seal has no h= (RFC
// 8617 §4.1.3: its signing set is fixed, not header-selectable) and no
// bh= (it never covers the message body).
type Seal struct {
	Instance        int
	Algorithm       crypto.Algorithm
	ChainValidation ChainValidation
	Domain          string
	Selector        string
	Timestamp       int64
	SignatureData   []byte

	// HasIllegalHeaderTag records that this seal carried an h= or bh=
	// tag, forbidden by RFC 8617 §4.1.3. ChainValidation is forced to
	// CVFail when this is set, but a verifier still needs to tell this
	// case apart from an ordinary broken-chain cv=fail.
	HasIllegalHeaderTag bool

	raw string
}

// ParseSeal parses an ARC-Seal header value.
func ParseSeal(instance int, value string) (*Seal, error) {
	unfolded := string(canonical.RelaxedHeaderValue([]byte(value)))
	s := &Seal{raw: value}
	hasH := false
	for _, part := range strings.Split(unfolded, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq == -1 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		switch key {
		case "h", "bh":
			// RFC 8617 §4.1.3: forbidden on ARC-Seal; do not error, force cv=fail.
			hasH = true
		case "i":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid i=: %v", ErrMalformed, err)
			}
			s.Instance = n
		case "a":
			alg, err := crypto.ParseAlgorithm(val)
			if err != nil {
				return nil, fmt.Errorf("%w: unsupported a=%s", ErrMalformed, val)
			}
			s.Algorithm = alg
		case "b":
			b, err := decodeSignature(val)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid b=: %v", ErrMalformed, err)
			}
			s.SignatureData = b
		case "cv":
			if !isChainValidation(val) {
				return nil, fmt.Errorf("%w: cv=%s", ErrInvalidCV, val)
			}
			s.ChainValidation = ChainValidation(val)
		case "d":
			s.Domain = val
		case "s":
			s.Selector = val
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid t=: %v", ErrMalformed, err)
			}
			s.Timestamp = n
		}
	}
	if instance != 0 && s.Instance != instance {
		return nil, fmt.Errorf("%w: i=%d does not match bucketed instance %d", ErrMalformed, s.Instance, instance)
	}
	if hasH {
		s.HasIllegalHeaderTag = true
		s.ChainValidation = CVFail
	}
	return s, nil
}

// serialize renders the seal's tags with b= set to bValue.
func (s *Seal) serialize(bValue string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "i=%d; a=%s; t=%d; cv=%s;\r\n\t", s.Instance, s.Algorithm, s.Timestamp, s.ChainValidation)
	fmt.Fprintf(&b, "d=%s; s=%s;\r\n\t", s.Domain, s.Selector)
	fmt.Fprintf(&b, "b=%s", bValue)
	return b.String()
}

func decodeSignature(s string) ([]byte, error) {
	return base64DecodeLoose(s)
}
