// Package message parses a raw RFC 5322 message into the header list and
// body offset that the DKIM, ARC, and DMARC components operate over.
//
// Unlike net/mail, it walks the raw bytes directly: DKIM's "simple"
// header canonicalization needs the exact bytes of each header field as
// they appeared on the wire, which net/mail's folding-aware, normalized
// Header map does not preserve.
package message

import (
	"bytes"
	"strings"

	"github.com/oonrumail/mailauth/internal/canonical"
)

// Header is one raw header field: Name and Value as they appeared on
// the wire (Value does not include the leading ":" or the trailing
// CRLF, but does include any internal folding and the single
// leading-WSP byte immediately after the colon, if present).
type Header struct {
	Name  []byte
	Value []byte
}

// NameLower returns the lowercased header name as a string, for
// case-insensitive lookups.
func (h Header) NameLower() string { return strings.ToLower(string(h.Name)) }

// AuthenticatedMessage is an immutable view over a parsed message: the
// ordered header list, the body offset, and a handful of derived facts
// used by DKIM/ARC/DMARC without re-parsing.
type AuthenticatedMessage struct {
	Raw         []byte
	Headers     []Header
	BodyOffset  int
	From        []string
	DKIMHeaders []Header
	ARCHeaders  []Header // all ARC-Authentication-Results / ARC-Message-Signature / ARC-Seal, in header order

	ReceivedCount      int
	HasDate            bool
	HasMessageIDHeader bool
}

// Body returns the raw, un-canonicalized body bytes.
func (m *AuthenticatedMessage) Body() []byte { return m.Raw[m.BodyOffset:] }

// HeaderValues returns, in header order, the raw values of every header
// with the given (case-insensitive) name.
func (m *AuthenticatedMessage) HeaderValues(name string) [][]byte {
	name = strings.ToLower(name)
	var out [][]byte
	for _, h := range m.Headers {
		if h.NameLower() == name {
			out = append(out, h.Value)
		}
	}
	return out
}

// Parse splits raw message bytes into headers and body. Bare LF line
// endings are tolerated by translating to CRLF first, matching common
// deployment per spec.md §6.
func Parse(raw []byte) (*AuthenticatedMessage, error) {
	raw = canonical.NormalizeLineEndings(raw)

	msg := &AuthenticatedMessage{Raw: raw}

	headers, bodyOffset, err := parseHeaders(raw)
	if err != nil {
		return nil, err
	}
	msg.Headers = headers
	msg.BodyOffset = bodyOffset

	for _, h := range headers {
		switch h.NameLower() {
		case "from":
			msg.From = append(msg.From, extractAddresses(h.Value)...)
		case "received":
			msg.ReceivedCount++
		case "date":
			msg.HasDate = true
		case "message-id":
			msg.HasMessageIDHeader = true
		case "dkim-signature":
			msg.DKIMHeaders = append(msg.DKIMHeaders, h)
		case "arc-authentication-results", "arc-message-signature", "arc-seal":
			msg.ARCHeaders = append(msg.ARCHeaders, h)
		}
	}

	return msg, nil
}

// parseHeaders walks raw for header fields terminated by the empty line
// that starts the body. A header's value runs until the next line that
// does not begin with WSP (a fold continuation).
func parseHeaders(raw []byte) ([]Header, int, error) {
	var headers []Header
	offset := 0

	for offset < len(raw) {
		lineEnd := indexCRLF(raw, offset)
		if lineEnd == offset {
			// empty line: end of headers
			return headers, offset + 2, nil
		}
		if lineEnd == -1 {
			// unterminated final line with no body: treat remainder as last header or ignore
			lineEnd = len(raw)
		}

		colon := bytes.IndexByte(raw[offset:lineEnd], ':')
		if colon == -1 {
			// malformed header line; skip it rather than aborting the whole parse
			if lineEnd == len(raw) {
				break
			}
			offset = lineEnd + 2
			continue
		}
		name := raw[offset : offset+colon]
		valueStart := offset + colon + 1
		valueEnd := lineEnd

		// consume fold continuations
		next := lineEnd + 2
		for next < len(raw) && next+2 <= len(raw) && isWSP(raw[next]) {
			contEnd := indexCRLF(raw, next)
			if contEnd == -1 {
				contEnd = len(raw)
			}
			valueEnd = contEnd
			next = contEnd + 2
		}

		headers = append(headers, Header{Name: name, Value: raw[valueStart:valueEnd]})

		if lineEnd == len(raw) {
			// no terminating empty line found; body offset is end of input
			return headers, len(raw), nil
		}
		offset = next
	}

	return headers, len(raw), nil
}

func indexCRLF(raw []byte, from int) int {
	idx := bytes.Index(raw[from:], crlf)
	if idx == -1 {
		return -1
	}
	return from + idx
}

var crlf = []byte("\r\n")

func isWSP(b byte) bool { return b == ' ' || b == '\t' }

// extractAddresses pulls bare domain-bearing addresses out of a From
// header value well enough to drive DMARC's From-domain extraction; it
// does not attempt full RFC 5322 mailbox-list parsing (display names,
// quoted strings with embedded "@") since only the address is needed.
func extractAddresses(value []byte) []string {
	v := string(canonical.RelaxedHeaderValue(value))
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if open := strings.LastIndex(part, "<"); open != -1 {
			if closeIdx := strings.Index(part[open:], ">"); closeIdx != -1 {
				part = part[open+1 : open+closeIdx]
			}
		}
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FromDomain returns the domain of the first From address, lowercased,
// or "" if no From header was present or parseable.
func (m *AuthenticatedMessage) FromDomain() string {
	if len(m.From) == 0 {
		return ""
	}
	addr := m.From[0]
	idx := strings.LastIndex(addr, "@")
	if idx == -1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[idx+1:]))
}
