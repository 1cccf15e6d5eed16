package dkim

import "errors"

var (
	ErrMalformed                   = errors.New("dkim: malformed signature")
	ErrUnsupportedVersion          = errors.New("dkim: unsupported version")
	ErrUnsupportedAlgorithm        = errors.New("dkim: unsupported algorithm")
	ErrUnsupportedCanonicalization = errors.New("dkim: unsupported canonicalization")
	ErrUnsupportedKeyType          = errors.New("dkim: unsupported key type")
	ErrNoSignature                 = errors.New("dkim: message has no DKIM-Signature header")
	ErrBodyHashMismatch            = errors.New("dkim: body hash does not match bh=")
	ErrSignatureInvalid            = errors.New("dkim: signature verification failed")
	ErrSignatureExpired            = errors.New("dkim: signature expired")
	ErrRevokedKey                  = errors.New("dkim: DKIM key revoked")
	ErrNoKeyFound                  = errors.New("dkim: no DKIM key found at selector")
	ErrIncompatibleKeyType         = errors.New("dkim: key type incompatible with a= algorithm")
	ErrMissingFromHeader           = errors.New("dkim: signature h= does not include From")
)
