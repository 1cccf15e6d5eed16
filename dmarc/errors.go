package dmarc

import "errors"

var (
	// ErrNoRecord means neither the domain nor its organizational domain
	// publishes a _dmarc TXT record.
	ErrNoRecord = errors.New("dmarc: no DMARC record found")
	// ErrMalformedRecord covers a record missing v=DMARC1 or p=.
	ErrMalformedRecord = errors.New("dmarc: malformed record")
)
