package dkim

import (
	"fmt"
	"strings"

	"github.com/oonrumail/mailauth/internal/crypto"
)

// DomainKey is a parsed DKIM DNS TXT record (RFC 6376 §3.6.1).
type DomainKey struct {
	Version      string // v=, "DKIM1" if present
	KeyType      string // k=, defaults to "rsa"
	HashAlgos    []string // h=, empty means "all"
	ServiceTypes []string // s=, defaults to ["*"]
	Testing      bool     // t= contains "y"
	NoSubdomain  bool     // t= contains "s"
	Notes        string   // n=
	PublicKeyRaw []byte   // decoded p=, nil/empty means revoked

	VerifyingKey crypto.VerifyingKey
}

// ParseDomainKey parses the concatenation of a selector's TXT record
// strings.
func ParseDomainKey(record string) (*DomainKey, error) {
	tags, err := parseTagList(record)
	if err != nil {
		return nil, err
	}

	dk := &DomainKey{
		Version:     tags["v"],
		KeyType:     tags["k"],
		Notes:       tags["n"],
		Testing:     strings.Contains(tags["t"], "y"),
		NoSubdomain: strings.Contains(tags["t"], "s"),
	}
	if dk.Version != "" && dk.Version != "DKIM1" {
		return nil, fmt.Errorf("%w: unsupported record version %q", ErrUnsupportedVersion, dk.Version)
	}
	if dk.KeyType == "" {
		dk.KeyType = "rsa"
	}
	if h, ok := tags["h"]; ok && h != "" {
		dk.HashAlgos = splitColonList(h)
	}
	if s, ok := tags["s"]; ok && s != "" {
		dk.ServiceTypes = splitColonList(s)
	} else {
		dk.ServiceTypes = []string{"*"}
	}

	p, err := decodeBase64Loose(tags["p"])
	if err != nil {
		return nil, fmt.Errorf("%w: p= %v", ErrMalformed, err)
	}
	dk.PublicKeyRaw = p

	if len(dk.PublicKeyRaw) == 0 {
		// Revoked key (RFC 6376 §3.6.1): empty p= is a syntactically
		// valid record that fails every signature at this selector.
		return dk, nil
	}

	switch dk.KeyType {
	case "rsa":
		dk.VerifyingKey, err = crypto.RSAVerifyingKeyFromBytes(dk.PublicKeyRaw)
	case "ed25519":
		dk.VerifyingKey, err = crypto.Ed25519VerifyingKeyFromBytes(dk.PublicKeyRaw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, dk.KeyType)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: parse public key: %w", err)
	}
	return dk, nil
}

// Revoked reports whether the key has an empty p= tag.
func (dk *DomainKey) Revoked() bool { return len(dk.PublicKeyRaw) == 0 }

// AllowsServiceType reports whether s= permits email ("*" or "email").
func (dk *DomainKey) AllowsServiceType() bool {
	for _, s := range dk.ServiceTypes {
		if s == "*" || s == "email" {
			return true
		}
	}
	return false
}

// AllowsHash reports whether h= permits the given hash algorithm name
// ("sha1" or "sha256"). An empty h= permits all.
func (dk *DomainKey) AllowsHash(name string) bool {
	if len(dk.HashAlgos) == 0 {
		return true
	}
	for _, h := range dk.HashAlgos {
		if h == name {
			return true
		}
	}
	return false
}
