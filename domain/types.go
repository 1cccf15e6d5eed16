// Package domain holds the small set of persistent types this module's
// signer needs: a DKIM signing key and its DNS-facing metadata.
package domain

import (
	"time"

	"github.com/oonrumail/mailauth/internal/crypto"
)

// DKIMKey is a domain's signing key, as a key-management system would
// store and rotate it. Key holds an internal/crypto.SigningKey (RSA or
// Ed25519) rather than a bare *rsa.PrivateKey so a Signer can sign with
// either algorithm identically.
type DKIMKey struct {
	ID        string
	Domain    string
	Selector  string
	Key       crypto.SigningKey
	Algorithm crypto.Algorithm
	IsActive  bool
	ExpiresAt *time.Time
	RotatedAt *time.Time
	CreatedAt time.Time
}
