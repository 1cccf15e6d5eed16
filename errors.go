// Package mailauth is the import root for the DKIM/ARC/SPF/DMARC
// verification and signing library. Its own surface is a single
// unified error type: every component package (dkim, arc, spf, dmarc)
// keeps its own sentinel errors for direct comparison, and Classify
// maps any of them onto a Kind so a caller building one
// Authentication-Results pipeline out of all four components can
// switch on a single tagged type instead of four separate error
// vocabularies.
package mailauth

import (
	"errors"

	"github.com/oonrumail/mailauth/arc"
	"github.com/oonrumail/mailauth/dkim"
	"github.com/oonrumail/mailauth/dmarc"
	"github.com/oonrumail/mailauth/internal/crypto"
	"github.com/oonrumail/mailauth/resolver"
	"github.com/oonrumail/mailauth/spf"
)

// Kind categorizes an Error the way the original Rust implementation's
// Error enum does, so a caller can branch on failure category without
// caring which component package raised it.
type Kind string

const (
	ErrKindParseError                  Kind = "parse_error"
	ErrKindMissingParameters           Kind = "missing_parameters"
	ErrKindNoHeadersFound               Kind = "no_headers_found"
	ErrKindCrypto                       Kind = "crypto_error"
	ErrKindUnsupportedVersion           Kind = "unsupported_version"
	ErrKindUnsupportedAlgorithm         Kind = "unsupported_algorithm"
	ErrKindUnsupportedCanonicalization  Kind = "unsupported_canonicalization"
	ErrKindUnsupportedKeyType           Kind = "unsupported_key_type"
	ErrKindFailedBodyHash               Kind = "failed_body_hash"
	ErrKindFailedVerification           Kind = "failed_verification"
	ErrKindFailedAUIDMatch              Kind = "failed_auid_match"
	ErrKindRevokedPublicKey             Kind = "revoked_public_key"
	ErrKindIncompatibleAlgorithms       Kind = "incompatible_algorithms"
	ErrKindSignatureExpired             Kind = "signature_expired"
	ErrKindSignatureLength              Kind = "signature_length"
	ErrKindDNSTemporary                 Kind = "dns_temporary"
	ErrKindDNSRecordNotFound            Kind = "dns_record_not_found"
	ErrKindArcChainTooLong              Kind = "arc_chain_too_long"
	ErrKindArcInvalidInstance           Kind = "arc_invalid_instance"
	ErrKindArcInvalidCV                 Kind = "arc_invalid_cv"
	ErrKindArcHasHeaderTag              Kind = "arc_has_header_tag"
	ErrKindArcBrokenChain               Kind = "arc_broken_chain"
	ErrKindNotAligned                   Kind = "not_aligned"
	ErrKindInvalidRecordType            Kind = "invalid_record_type"

	// Kinds added beyond the original enum: the original's DKIM/ARC-only
	// Error type predates SPF's distinct quota rules and DMARC's
	// record-lookup distinction, both introduced by this module's SPF/
	// DMARC components.
	ErrKindTooManyDNSLookups  Kind = "too_many_dns_lookups"
	ErrKindTooManyVoidLookups Kind = "too_many_void_lookups"
	ErrKindMultipleSPFRecords Kind = "multiple_spf_records"
	ErrKindNoDMARCRecord      Kind = "no_dmarc_record"
	ErrKindUnknown            Kind = "unknown"
)

// Error is this module's unified error type: a Kind plus the original
// cause from whichever component package raised it.
type Error struct {
	Kind  Kind
	Cause error
}

// New wraps cause under kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

// Unwrap exposes Cause so errors.Is/errors.As against the original
// component sentinel (e.g. dkim.ErrRevokedKey) still works through a
// wrapped *Error.
func (e *Error) Unwrap() error { return e.Cause }

// Is compares Kind against another *Error, so errors.Is(err,
// mailauth.New(mailauth.ErrKindRevokedPublicKey, nil)) works without
// requiring the same Cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Classify maps an error returned by dkim, arc, spf, dmarc, resolver,
// or internal/crypto onto a Kind, wrapping it as a *Error. A nil err
// returns nil. An error not recognized by any component package is
// wrapped under ErrKindUnknown rather than discarded, so the caller
// still has a Cause to log.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	for _, c := range classifiers {
		if kind, ok := c(err); ok {
			return New(kind, err)
		}
	}

	var notFound *resolver.ErrDNSRecordNotFound
	if errors.As(err, &notFound) {
		return New(ErrKindDNSRecordNotFound, err)
	}
	var temp *resolver.ErrDNSTemporary
	if errors.As(err, &temp) {
		return New(ErrKindDNSTemporary, err)
	}

	return New(ErrKindUnknown, err)
}

type classifier func(err error) (Kind, bool)

var classifiers = []classifier{
	dkimClassifier,
	arcClassifier,
	spfClassifier,
	dmarcClassifier,
	cryptoClassifier,
}

func dkimClassifier(err error) (Kind, bool) {
	switch {
	case errors.Is(err, dkim.ErrMalformed):
		return ErrKindParseError, true
	case errors.Is(err, dkim.ErrUnsupportedVersion):
		return ErrKindUnsupportedVersion, true
	case errors.Is(err, dkim.ErrUnsupportedAlgorithm):
		return ErrKindUnsupportedAlgorithm, true
	case errors.Is(err, dkim.ErrUnsupportedCanonicalization):
		return ErrKindUnsupportedCanonicalization, true
	case errors.Is(err, dkim.ErrUnsupportedKeyType):
		return ErrKindUnsupportedKeyType, true
	case errors.Is(err, dkim.ErrNoSignature):
		return ErrKindNoHeadersFound, true
	case errors.Is(err, dkim.ErrBodyHashMismatch):
		return ErrKindFailedBodyHash, true
	case errors.Is(err, dkim.ErrSignatureInvalid):
		return ErrKindFailedVerification, true
	case errors.Is(err, dkim.ErrSignatureExpired):
		return ErrKindSignatureExpired, true
	case errors.Is(err, dkim.ErrRevokedKey):
		return ErrKindRevokedPublicKey, true
	case errors.Is(err, dkim.ErrNoKeyFound):
		return ErrKindDNSRecordNotFound, true
	case errors.Is(err, dkim.ErrIncompatibleKeyType):
		return ErrKindIncompatibleAlgorithms, true
	case errors.Is(err, dkim.ErrMissingFromHeader):
		return ErrKindMissingParameters, true
	}
	return "", false
}

func arcClassifier(err error) (Kind, bool) {
	switch {
	case errors.Is(err, arc.ErrMalformed):
		return ErrKindParseError, true
	case errors.Is(err, arc.ErrChainTooLong):
		return ErrKindArcChainTooLong, true
	case errors.Is(err, arc.ErrInvalidInstance):
		return ErrKindArcInvalidInstance, true
	case errors.Is(err, arc.ErrInvalidCV):
		return ErrKindArcInvalidCV, true
	case errors.Is(err, arc.ErrHasHeaderTag):
		return ErrKindArcHasHeaderTag, true
	case errors.Is(err, arc.ErrIncompleteSet):
		return ErrKindArcBrokenChain, true
	case errors.Is(err, arc.ErrNoKeyFound):
		return ErrKindDNSRecordNotFound, true
	}
	return "", false
}

func spfClassifier(err error) (Kind, bool) {
	switch {
	case errors.Is(err, spf.ErrMalformedRecord):
		return ErrKindParseError, true
	case errors.Is(err, spf.ErrMultipleSPFRecords):
		return ErrKindMultipleSPFRecords, true
	case errors.Is(err, spf.ErrTooManyDNSLookups):
		return ErrKindTooManyDNSLookups, true
	case errors.Is(err, spf.ErrTooManyVoidLookups):
		return ErrKindTooManyVoidLookups, true
	}
	return "", false
}

func dmarcClassifier(err error) (Kind, bool) {
	switch {
	case errors.Is(err, dmarc.ErrNoRecord):
		return ErrKindNoDMARCRecord, true
	case errors.Is(err, dmarc.ErrMalformedRecord):
		return ErrKindParseError, true
	}
	return "", false
}

func cryptoClassifier(err error) (Kind, bool) {
	switch {
	case errors.Is(err, crypto.ErrUnsupportedAlgorithm):
		return ErrKindUnsupportedAlgorithm, true
	case errors.Is(err, crypto.ErrUnsupportedKeyType):
		return ErrKindUnsupportedKeyType, true
	case errors.Is(err, crypto.ErrIncompatibleAlgorithms):
		return ErrKindIncompatibleAlgorithms, true
	case errors.Is(err, crypto.ErrFailedVerification):
		return ErrKindFailedVerification, true
	case errors.Is(err, crypto.ErrCrypto):
		return ErrKindCrypto, true
	}
	return "", false
}
