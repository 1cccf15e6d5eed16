package spf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// expandMacros expands a macro-string per RFC 7208 §7: literal
// characters pass through, "%%"/"%_"/"%-" are escapes, and "%{...}"
// spans are macro expansions.
func (v *Validator) expandMacros(ctx context.Context, s string, ident Identity, currentDomain string, q *quota) (string, error) {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			out.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: trailing %%", ErrMalformedRecord)
		}
		switch s[i+1] {
		case '%':
			out.WriteByte('%')
			i++
		case '_':
			out.WriteByte(' ')
			i++
		case '-':
			out.WriteString("%20")
			i++
		case '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated macro", ErrMalformedRecord)
			}
			spec := s[i+2 : i+end]
			expanded, err := v.expandMacroLetter(ctx, spec, ident, currentDomain, q)
			if err != nil {
				return "", err
			}
			out.WriteString(expanded)
			i += end
		default:
			return "", fmt.Errorf("%w: invalid macro escape %q", ErrMalformedRecord, s[i:i+2])
		}
	}
	return out.String(), nil
}

// expandMacroLetter expands one "{...}" span's contents: a macro
// letter, optional digit-count, optional reversal flag "r"/"R", and an
// optional trailing set of delimiter characters, per RFC 7208 §7.1.
func (v *Validator) expandMacroLetter(ctx context.Context, spec string, ident Identity, currentDomain string, q *quota) (string, error) {
	if spec == "" {
		return "", fmt.Errorf("%w: empty macro", ErrMalformedRecord)
	}
	letter := spec[0]
	rest := spec[1:]
	upper := letter >= 'A' && letter <= 'Z'
	lower := letter | 0x20

	var raw string
	switch lower {
	case 's':
		raw = ident.senderAddress()
	case 'l':
		raw = ident.SenderLocalPart
		if raw == "" {
			raw = "postmaster"
		}
	case 'o':
		raw = ident.SenderDomain
	case 'd':
		raw = currentDomain
	case 'i':
		raw = formatIPMacro(ident.IP)
	case 'p':
		raw = v.validatedDomain(ctx, ident, q)
	case 'v':
		if ident.IP.To4() != nil {
			raw = "in-addr"
		} else {
			raw = "ip6"
		}
	case 'h':
		raw = ident.HeloDomain
	case 'c':
		raw = ident.IP.String()
	case 'r':
		raw = "unknown"
	case 't':
		return "", fmt.Errorf("%w: %%{t} requires a caller-supplied timestamp, unsupported", ErrMalformedRecord)
	default:
		return "", fmt.Errorf("%w: unknown macro letter %q", ErrMalformedRecord, string(letter))
	}

	result, err := applyMacroTransform(raw, rest)
	if err != nil {
		return "", err
	}
	if upper {
		result = url.QueryEscape(result)
	}
	return result, nil
}

// applyMacroTransform applies the optional digit-count/reverse/delimiter
// transform that follows a macro letter, per RFC 7208 §7.1's
// macro-transformers grammar.
func applyMacroTransform(raw, rest string) (string, error) {
	digits := ""
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		digits += string(rest[i])
		i++
	}
	reverse := false
	if i < len(rest) && (rest[i] == 'r' || rest[i] == 'R') {
		reverse = true
		i++
	}
	delims := rest[i:]
	if delims == "" {
		delims = "."
	}

	parts := splitAny(raw, delims)
	if reverse {
		for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
			parts[l], parts[r] = parts[r], parts[l]
		}
	}
	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil {
			return "", fmt.Errorf("%w: invalid macro digit count %q", ErrMalformedRecord, digits)
		}
		if n > 0 && n < len(parts) {
			parts = parts[len(parts)-n:]
		}
	}
	return strings.Join(parts, "."), nil
}

func splitAny(s, delims string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	})
}

// formatIPMacro renders an address for %{i}: dotted-quad for IPv4, or
// 32 dot-separated hex nibbles for IPv6, per RFC 7208 §7.3.
func formatIPMacro(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return ip.String()
	}
	nibbles := make([]string, 0, 32)
	for _, b := range v6 {
		nibbles = append(nibbles, fmt.Sprintf("%x", b>>4), fmt.Sprintf("%x", b&0xf))
	}
	return strings.Join(nibbles, ".")
}

// validatedDomain implements %{p}'s "validated domain name" lookup: a
// PTR lookup on the connecting IP, forward-confirmed by resolving each
// candidate name back to an address and checking it matches. Falls
// back to "unknown" on any failure or unconfirmed candidate, per RFC
// 7208 §7.3 (this macro is deprecated in the RFC precisely because of
// its cost and unreliability, but still specified).
func (v *Validator) validatedDomain(ctx context.Context, ident Identity, q *quota) string {
	if err := q.consumeDNS(); err != nil {
		return "unknown"
	}
	names, err := v.resolver.GetPTR(ctx, ident.IP)
	if err != nil {
		return "unknown"
	}
	if len(names) > maxPTRResults {
		names = names[:maxPTRResults]
	}
	for _, name := range names {
		trimmed := strings.TrimSuffix(name, ".")
		ips, err := v.resolver.GetIPs(ctx, trimmed)
		if err != nil {
			continue
		}
		for _, candidate := range ips {
			if candidate.Equal(ident.IP) {
				return trimmed
			}
		}
	}
	return "unknown"
}
