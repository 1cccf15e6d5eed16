package dkim

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var bTagPattern = regexp.MustCompile(`b=[^;]*`)

// stripSignatureValue blanks a tag-list's b= content in place, byte
// for byte, so the DKIM-Signature header can be re-hashed against its
// own original formatting (folding, whitespace, tag order) rather than
// a canonical re-serialization — required for interop with signatures
// this module did not itself produce.
func stripSignatureValue(raw string) string {
	return bTagPattern.ReplaceAllString(raw, "b=")
}

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// foldBase64 wraps a base64 string at 70 columns, continuing each
// subsequent line with a single tab, matching the teacher's
// foldSignature convention so emitted headers look like any other
// message's DKIM-Signature.
func foldBase64(s string) string {
	const width = 70
	if len(s) <= width {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += width {
		end := i + width
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			b.WriteString("\r\n\t")
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}
