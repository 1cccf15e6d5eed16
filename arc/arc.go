// Package arc implements RFC 8617 Authenticated Received Chain
// validation and sealing: per-instance AAR/AMS/AS triples, chain
// validity (cv) propagation, and appending a new sealed instance.
//
// An ARC-Message-Signature is structurally a DKIM signature over the
// message (RFC 8617 §4.2). It is parsed into this package's own
// MessageSignature type (its i= is an instance number, not an AUID),
// and hashed with the same internal/crypto and internal/canonical
// helpers that package dkim uses.
package arc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oonrumail/mailauth/internal/canonical"
)

// ChainValidation is the cv= value carried by an ARC-Seal.
type ChainValidation string

const (
	CVNone ChainValidation = "none"
	CVPass ChainValidation = "pass"
	CVFail ChainValidation = "fail"
)

func isChainValidation(s string) bool {
	switch ChainValidation(s) {
	case CVNone, CVPass, CVFail:
		return true
	default:
		return false
	}
}

// AuthResults is a parsed ARC-Authentication-Results header: this
// package treats its value opaquely (it is reproduced into the signing
// set and into the final Authentication-Results trust decision, but
// its internal method-results syntax belongs to the Authentication-Results
// parser, not ARC itself).
type AuthResults struct {
	Instance int
	Value    string // raw value, unfolded
	raw      string // "ARC-Authentication-Results: ..." full line, CRLF-terminated
}

// ParseAuthResults parses an ARC-Authentication-Results header's value
// (must begin with "i=N;").
func ParseAuthResults(instance int, value string) (*AuthResults, error) {
	n, rest, err := leadingInstance(value)
	if err != nil {
		return nil, err
	}
	if instance != 0 && n != instance {
		return nil, fmt.Errorf("%w: i=%d does not match bucketed instance %d", ErrMalformed, n, instance)
	}
	return &AuthResults{Instance: n, Value: strings.TrimSpace(rest)}, nil
}

func leadingInstance(value string) (int, string, error) {
	unfolded := string(canonical.RelaxedHeaderValue([]byte(value)))
	parts := strings.SplitN(unfolded, ";", 2)
	tag := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(tag, "i=") {
		return 0, "", fmt.Errorf("%w: missing leading i= instance tag", ErrMalformed)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(tag, "i="))
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid i= instance: %v", ErrMalformed, err)
	}
	rest := ""
	if len(parts) > 1 {
		rest = parts[1]
	}
	return n, rest, nil
}
