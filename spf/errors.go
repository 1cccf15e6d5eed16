package spf

import "errors"

var (
	// ErrMalformedRecord covers a record that doesn't start "v=spf1",
	// an unrecognized term, or a malformed macro-string.
	ErrMalformedRecord = errors.New("spf: malformed record")
	// ErrMultipleSPFRecords is RFC 7208 §4.5's "more than one record"
	// PermError: a domain publishing two or more v=spf1 TXT records.
	ErrMultipleSPFRecords = errors.New("spf: multiple SPF records published")
	// ErrTooManyDNSLookups is RFC 7208 §4.6.4's ten-lookup limit.
	ErrTooManyDNSLookups = errors.New("spf: exceeded 10 DNS-consuming terms")
	// ErrTooManyVoidLookups is RFC 7208 §4.6.4's two-void-lookup limit.
	ErrTooManyVoidLookups = errors.New("spf: exceeded 2 void lookups")
)
