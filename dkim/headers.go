package dkim

import (
	"bytes"

	"github.com/oonrumail/mailauth/internal/canonical"
	"github.com/oonrumail/mailauth/message"
)

// buildSignedHeaderData canonicalizes the selected header instances (in
// h= order) per t and returns the concatenated bytes, ready to have the
// DKIM-Signature line itself appended.
func buildSignedHeaderData(msg *message.AuthenticatedMessage, names []string, t canonical.Type) *bytes.Buffer {
	buf := &bytes.Buffer{}
	for _, h := range selectSignedHeaders(msg, names) {
		canonical.Header(buf, h.Name, h.Value, t)
	}
	return buf
}

// selectSignedHeaders walks names (the h= tag, top to bottom as
// written) and for each occurrence of a repeated name picks the next
// unused instance counting from the bottom of the message's header
// block, per RFC 6376 §5.4.2: "the bottom-most header field[s] ...
// fields of the same name SHOULD be considered ... in order from the
// bottom". A name with no remaining instance is treated as absent and
// dropped, matching the signer's own "act as though that header field
// was not present" rule rather than erroring.
//
// This is the one place this package intentionally departs from the
// teacher's dkim.go, whose buildSignedHeaderData consumes instances
// top-down via a forward index — correct only when every signed header
// is a singleton.
func selectSignedHeaders(msg *message.AuthenticatedMessage, names []string) []message.Header {
	byName := make(map[string][]message.Header)
	for _, h := range msg.Headers {
		n := h.NameLower()
		byName[n] = append(byName[n], h)
	}

	consumed := make(map[string]int)
	var out []message.Header
	for _, name := range names {
		values := byName[nameLower(name)]
		idx := len(values) - 1 - consumed[nameLower(name)]
		consumed[nameLower(name)]++
		if idx < 0 {
			continue
		}
		out = append(out, values[idx])
	}
	return out
}

// appendUnsignedHeaderLine canonicalizes a "name:value" line with no
// trailing CRLF and appends it to buf. value must already carry
// whatever leading space would appear on the wire right after the
// colon. Used to add the signature header itself to the hashed data,
// per RFC 6376 §3.7: the signer hashes its own freshly composed line,
// the verifier hashes the header's original raw text with b= blanked
// out, preserving whatever folding and tag order the signer actually
// used.
func appendUnsignedHeaderLine(buf *bytes.Buffer, name, value string, t canonical.Type) {
	tmp := &bytes.Buffer{}
	canonical.Header(tmp, []byte(name), []byte(value), t)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\r\n")))
}

func nameLower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
