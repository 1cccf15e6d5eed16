package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/oonrumail/mailauth/resolver"
)

// evalResult is both the return value of one term's evaluation and the
// overall outcome of an evaluate()/checkHost() call. An empty result
// means "no decision yet, keep scanning terms"; any non-empty result is
// terminal and unwinds every enclosing include:/redirect= immediately.
type evalResult struct {
	result      Result
	mechanism   string
	explanation string
	err         error
}

func (e evalResult) decided() bool { return e.result != "" }

// checkHost fetches domain's SPF TXT record and evaluates it, per RFC
// 7208 §4.
func (v *Validator) checkHost(ctx context.Context, domain string, ident Identity, q *quota) evalResult {
	record, err := v.lookupRecord(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrMultipleSPFRecords) {
			return evalResult{result: ResultPermError, err: err}
		}
		if ab := abortTemp(err); ab != nil {
			return *ab
		}
		return evalResult{result: ResultNone, err: err}
	}
	if record == "" {
		return evalResult{result: ResultNone}
	}
	return v.evaluate(ctx, record, domain, ident, q)
}

// lookupRecord fetches domain's TXT records and returns the single
// record starting "v=spf1". More than one is RFC 7208 §4.5's "multiple
// records" PermError.
func (v *Validator) lookupRecord(ctx context.Context, domain string) (string, error) {
	records, err := v.resolver.GetTXT(ctx, domain)
	if err != nil {
		return "", err
	}
	var found string
	count := 0
	for _, r := range records {
		if r == "v=spf1" || strings.HasPrefix(r, "v=spf1 ") {
			found = r
			count++
		}
	}
	if count > 1 {
		return "", ErrMultipleSPFRecords
	}
	return found, nil
}

// evaluate walks record's terms left to right. A matched mechanism
// (or a quota/malformed abort) returns immediately; redirect= is
// applied only once the terms are exhausted with nothing decisive and
// no explicit "all" present, per spec.md §4.6.
func (v *Validator) evaluate(ctx context.Context, record, domain string, ident Identity, q *quota) evalResult {
	terms := strings.Fields(record)
	if len(terms) == 0 || terms[0] != "v=spf1" {
		return evalResult{result: ResultPermError, err: fmt.Errorf("%w: missing v=spf1", ErrMalformedRecord)}
	}

	var redirect string
	sawAll := false

	for _, term := range terms[1:] {
		if term == "" {
			continue
		}
		if strings.HasPrefix(term, "redirect=") {
			target, err := v.expandMacros(ctx, term[len("redirect="):], ident, domain, q)
			if err != nil {
				return evalResult{result: ResultPermError, err: err}
			}
			redirect = target
			continue
		}
		if strings.HasPrefix(term, "exp=") {
			continue
		}
		if stripQualifier(term) == "all" {
			sawAll = true
		}

		er := v.evaluateTerm(ctx, term, domain, ident, q)
		if er.decided() {
			if er.result == ResultFail {
				er.explanation = v.explanationFor(ctx, record, domain, ident, q)
			}
			return er
		}
	}

	if redirect != "" && !sawAll {
		if err := q.consumeDNS(); err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		return v.checkHost(ctx, redirect, ident, q)
	}

	return evalResult{result: ResultNeutral}
}

func stripQualifier(term string) string {
	if len(term) > 0 {
		switch term[0] {
		case '+', '-', '~', '?':
			return term[1:]
		}
	}
	return term
}

// evaluateTerm evaluates a single mechanism term (qualifier already
// part of term) and returns a decided evalResult, or a zero-value one
// to keep scanning.
func (v *Validator) evaluateTerm(ctx context.Context, term, domain string, ident Identity, q *quota) evalResult {
	qualifier := byte('+')
	if len(term) > 0 {
		switch term[0] {
		case '+', '-', '~', '?':
			qualifier = term[0]
			term = term[1:]
		}
	}
	mechanism := term

	var match bool
	switch {
	case term == "all":
		match = true

	case term == "a" || strings.HasPrefix(term, "a:") || strings.HasPrefix(term, "a/"):
		if err := q.consumeDNS(); err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		m, ab := v.checkA(ctx, term, domain, ident, q)
		if ab != nil {
			return *ab
		}
		match = m

	case term == "mx" || strings.HasPrefix(term, "mx:") || strings.HasPrefix(term, "mx/"):
		if err := q.consumeDNS(); err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		m, ab := v.checkMX(ctx, term, domain, ident, q)
		if ab != nil {
			return *ab
		}
		match = m

	case strings.HasPrefix(term, "ip4:"):
		m, err := checkIP4(term[4:], ident.IP)
		if err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		match = m

	case strings.HasPrefix(term, "ip6:"):
		m, err := checkIP6(term[4:], ident.IP)
		if err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		match = m

	case strings.HasPrefix(term, "include:"):
		if err := q.consumeDNS(); err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		m, ab := v.checkInclude(ctx, term[len("include:"):], domain, ident, q)
		if ab != nil {
			return *ab
		}
		match = m

	case strings.HasPrefix(term, "exists:"):
		if err := q.consumeDNS(); err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		m, ab := v.checkExists(ctx, term[len("exists:"):], domain, ident, q)
		if ab != nil {
			return *ab
		}
		match = m

	case term == "ptr" || strings.HasPrefix(term, "ptr:"):
		if err := q.consumeDNS(); err != nil {
			return evalResult{result: ResultPermError, err: err}
		}
		m, ab := v.checkPTR(ctx, term, domain, ident, q)
		if ab != nil {
			return *ab
		}
		match = m

	default:
		return evalResult{result: ResultPermError, err: fmt.Errorf("%w: unknown term %q", ErrMalformedRecord, term)}
	}

	if !match {
		return evalResult{}
	}
	return evalResult{result: qualifierToResult(qualifier), mechanism: mechanism}
}

func (v *Validator) checkA(ctx context.Context, term, domain string, ident Identity, q *quota) (bool, *evalResult) {
	targetDomain := domain
	cidr4, cidr6 := 32, 128

	var rest string
	switch {
	case strings.HasPrefix(term, "a:"):
		rest = term[2:]
	case strings.HasPrefix(term, "a/"):
		rest = term[1:]
	}
	if rest != "" {
		spec, c4, c6, err := splitDomainCIDR(rest)
		if err != nil {
			return false, &evalResult{result: ResultPermError, err: err}
		}
		if spec != "" {
			targetDomain = spec
		}
		cidr4, cidr6 = c4, c6
	}

	expanded, err := v.expandMacros(ctx, targetDomain, ident, domain, q)
	if err != nil {
		return false, &evalResult{result: ResultPermError, err: err}
	}

	ips, err := v.resolver.GetIPs(ctx, expanded)
	if ab := abortTemp(err); ab != nil {
		return false, ab
	}
	if verr := q.noteVoid(err, len(ips)); verr != nil {
		return false, &evalResult{result: ResultPermError, err: verr}
	}
	return matchIP(ident.IP, ips, cidr4, cidr6), nil
}

func (v *Validator) checkMX(ctx context.Context, term, domain string, ident Identity, q *quota) (bool, *evalResult) {
	targetDomain := domain
	cidr4, cidr6 := 32, 128

	var rest string
	switch {
	case strings.HasPrefix(term, "mx:"):
		rest = term[3:]
	case strings.HasPrefix(term, "mx/"):
		rest = term[2:]
	}
	if rest != "" {
		spec, c4, c6, err := splitDomainCIDR(rest)
		if err != nil {
			return false, &evalResult{result: ResultPermError, err: err}
		}
		if spec != "" {
			targetDomain = spec
		}
		cidr4, cidr6 = c4, c6
	}

	expanded, err := v.expandMacros(ctx, targetDomain, ident, domain, q)
	if err != nil {
		return false, &evalResult{result: ResultPermError, err: err}
	}

	mxs, err := v.resolver.GetMX(ctx, expanded)
	if ab := abortTemp(err); ab != nil {
		return false, ab
	}
	if verr := q.noteVoid(err, len(mxs)); verr != nil {
		return false, &evalResult{result: ResultPermError, err: verr}
	}
	if len(mxs) > maxMXResults {
		mxs = mxs[:maxMXResults]
	}
	for _, mx := range mxs {
		ips, err := v.resolver.GetIPs(ctx, strings.TrimSuffix(mx.Host, "."))
		if err != nil {
			continue
		}
		if matchIP(ident.IP, ips, cidr4, cidr6) {
			return true, nil
		}
	}
	return false, nil
}

func checkIP4(cidr string, ip net.IP) (bool, error) {
	if ip.To4() == nil {
		return false, nil
	}
	if !strings.Contains(cidr, "/") {
		cidr += "/32"
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("%w: invalid ip4 %q", ErrMalformedRecord, cidr)
	}
	return network.Contains(ip), nil
}

func checkIP6(cidr string, ip net.IP) (bool, error) {
	if ip.To4() != nil {
		return false, nil
	}
	if !strings.Contains(cidr, "/") {
		cidr += "/128"
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("%w: invalid ip6 %q", ErrMalformedRecord, cidr)
	}
	return network.Contains(ip), nil
}

// checkInclude evaluates spec as a nested check_host() under the same
// quota and folds its result per RFC 7208 §5.2: only an inner Pass
// matches; an inner TempError or None propagates as the outer
// evaluation's TempError/PermError.
func (v *Validator) checkInclude(ctx context.Context, spec, domain string, ident Identity, q *quota) (bool, *evalResult) {
	expanded, err := v.expandMacros(ctx, spec, ident, domain, q)
	if err != nil {
		return false, &evalResult{result: ResultPermError, err: err}
	}
	er := v.checkHost(ctx, expanded, ident, q)
	switch er.result {
	case ResultPass:
		return true, nil
	case ResultTempError:
		return false, &evalResult{result: ResultTempError, err: er.err}
	case ResultPermError:
		return false, &evalResult{result: ResultPermError, err: er.err}
	case ResultNone:
		return false, &evalResult{result: ResultPermError,
			err: fmt.Errorf("spf: include target %s has no SPF record", expanded)}
	default:
		return false, nil
	}
}

func (v *Validator) checkExists(ctx context.Context, spec, domain string, ident Identity, q *quota) (bool, *evalResult) {
	expanded, err := v.expandMacros(ctx, spec, ident, domain, q)
	if err != nil {
		return false, &evalResult{result: ResultPermError, err: err}
	}
	ips, err := v.resolver.GetIPs(ctx, expanded)
	if ab := abortTemp(err); ab != nil {
		return false, ab
	}
	if verr := q.noteVoid(err, len(ips)); verr != nil {
		return false, &evalResult{result: ResultPermError, err: verr}
	}
	return len(ips) > 0, nil
}

func (v *Validator) checkPTR(ctx context.Context, term, domain string, ident Identity, q *quota) (bool, *evalResult) {
	targetDomain := domain
	if strings.HasPrefix(term, "ptr:") {
		expanded, err := v.expandMacros(ctx, term[4:], ident, domain, q)
		if err != nil {
			return false, &evalResult{result: ResultPermError, err: err}
		}
		targetDomain = expanded
	}

	names, err := v.resolver.GetPTR(ctx, ident.IP)
	if ab := abortTemp(err); ab != nil {
		return false, ab
	}
	if verr := q.noteVoid(err, len(names)); verr != nil {
		return false, &evalResult{result: ResultPermError, err: verr}
	}
	if len(names) > maxPTRResults {
		names = names[:maxPTRResults]
	}
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if !strings.HasSuffix(name, "."+targetDomain) && name != targetDomain {
			continue
		}
		ips, err := v.resolver.GetIPs(ctx, name)
		if err != nil {
			continue
		}
		for _, candidate := range ips {
			if candidate.Equal(ident.IP) {
				return true, nil
			}
		}
	}
	return false, nil
}

// explanationFor resolves a Fail result's exp= modifier, best-effort:
// any error along the way yields no explanation rather than aborting
// the (already decided) check.
func (v *Validator) explanationFor(ctx context.Context, record, domain string, ident Identity, q *quota) string {
	for _, term := range strings.Fields(record) {
		if !strings.HasPrefix(term, "exp=") {
			continue
		}
		target, err := v.expandMacros(ctx, term[len("exp="):], ident, domain, q)
		if err != nil {
			return ""
		}
		txts, err := v.resolver.GetTXT(ctx, target)
		if err != nil || len(txts) == 0 {
			return ""
		}
		expanded, err := v.expandMacros(ctx, txts[0], ident, domain, q)
		if err != nil {
			return ""
		}
		return expanded
	}
	return ""
}

func matchIP(ip net.IP, candidates []net.IP, cidr4, cidr6 int) bool {
	for _, c := range candidates {
		if ip.To4() != nil && c.To4() != nil {
			if cidrContains(c, ip, cidr4) {
				return true
			}
		} else if ip.To4() == nil && c.To4() == nil {
			if cidrContains(c, ip, cidr6) {
				return true
			}
		}
	}
	return false
}

func cidrContains(base, ip net.IP, prefixLen int) bool {
	_, network, err := net.ParseCIDR(fmt.Sprintf("%s/%d", base.String(), prefixLen))
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

// splitDomainCIDR parses the "[domain] ['/' ip4-cidr-length ['/'
// ip6-cidr-length]]" tail used by a and mx mechanisms (RFC 7208 §5.3).
func splitDomainCIDR(s string) (domain string, cidr4, cidr6 int, err error) {
	cidr4, cidr6 = 32, 128
	parts := strings.Split(s, "/")
	domain = parts[0]
	if len(parts) >= 2 && parts[1] != "" {
		n, e := strconv.Atoi(parts[1])
		if e != nil {
			return "", 0, 0, fmt.Errorf("%w: invalid cidr length %q", ErrMalformedRecord, parts[1])
		}
		cidr4 = n
	}
	if len(parts) >= 3 && parts[2] != "" {
		n, e := strconv.Atoi(parts[2])
		if e != nil {
			return "", 0, 0, fmt.Errorf("%w: invalid cidr length %q", ErrMalformedRecord, parts[2])
		}
		cidr6 = n
	}
	return domain, cidr4, cidr6, nil
}

func qualifierToResult(q byte) Result {
	switch q {
	case '-':
		return ResultFail
	case '~':
		return ResultSoftFail
	case '?':
		return ResultNeutral
	default:
		return ResultPass
	}
}

// abortTemp classifies a DNS error returned for a mechanism's own
// lookup: a negative answer (NXDOMAIN/empty) is not an abort — it is
// handled by quota.noteVoid as a void lookup — anything else is a
// transport failure that must surface as the whole check's TempError.
func abortTemp(err error) *evalResult {
	if err == nil {
		return nil
	}
	var nf *resolver.ErrDNSRecordNotFound
	if errors.As(err, &nf) {
		return nil
	}
	return &evalResult{result: ResultTempError, err: err}
}

// noteVoid records a void lookup (RFC 7208 §4.6.4: NXDOMAIN or a
// positive answer with an empty result set) against the shared quota.
func (q *quota) noteVoid(err error, count int) error {
	var nf *resolver.ErrDNSRecordNotFound
	isVoid := errors.As(err, &nf) || (err == nil && count == 0)
	if !isVoid {
		return nil
	}
	return q.consumeVoid()
}
