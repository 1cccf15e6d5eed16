// Package dmarc implements RFC 7489 DMARC alignment and disposition:
// record lookup (own domain, falling back to the organizational
// domain), SPF/DKIM alignment in strict or relaxed mode, and the pct=
// sampler that decides whether a failing message is actually subject
// to the published policy.
package dmarc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/oonrumail/mailauth/dkim"
	"github.com/oonrumail/mailauth/spf"
)

type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

type Alignment string

const (
	AlignmentRelaxed Alignment = "r"
	AlignmentStrict  Alignment = "s"
)

// Record is a parsed DMARC TXT record, per RFC 7489 §6.3.
type Record struct {
	Version         string
	Policy          Policy
	SubdomainPolicy Policy
	ADKIM           Alignment
	ASPF            Alignment
	Percentage      int
	ReportAggregate []string
	ReportForensic  []string
	ReportFormat    string
	ReportInterval  int
	FailureOptions  string
}

// TXTLookup is the DNS collaborator a Validator needs, satisfied by
// *resolver.Resolver's GetTXT.
type TXTLookup interface {
	GetTXT(ctx context.Context, name string) ([]string, error)
}

// Validator evaluates DMARC for a message, given its already-computed
// SPF and DKIM outcomes.
type Validator struct {
	resolver TXTLookup
	logger   *zap.Logger
	timeout  time.Duration
}

// NewValidator builds a Validator. A nil logger falls back to zap.NewNop().
func NewValidator(resolver TXTLookup, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{resolver: resolver, logger: logger, timeout: 10 * time.Second}
}

// CheckResult is the outcome of one DMARC evaluation.
type CheckResult struct {
	Domain      string
	Record      *Record
	Policy      Policy
	SPFResult   spf.Result
	SPFAligned  bool
	DKIMResults []*dkim.VerificationResult
	DKIMAligned bool
	Pass        bool
	Sampled     bool
	Disposition string
	Err         error
}

// Check evaluates DMARC for a message whose RFC5322.From domain is
// fromDomain, given the SPF result already computed for the envelope
// sender (spfResult, evaluated against spfDomain — typically the
// envelope MAIL FROM domain or HELO domain) and the DKIM verification
// results already computed for the message.
func (v *Validator) Check(ctx context.Context, fromDomain, spfDomain string, spfResult spf.Result, dkimResults []*dkim.VerificationResult) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &CheckResult{Domain: fromDomain}

	record, err := v.lookupDMARC(ctx, fromDomain)
	if err != nil {
		result.Err = err
		result.Disposition = string(PolicyNone)
		return result
	}
	result.Record = record
	result.Policy = record.Policy

	result.SPFResult = spfResult
	result.SPFAligned = checkSPFAlignment(fromDomain, spfDomain, record.ASPF)

	result.DKIMResults = dkimResults
	result.DKIMAligned = checkDKIMAlignment(fromDomain, dkimResults, record.ADKIM)

	spfPass := spfResult == spf.ResultPass && result.SPFAligned
	dkimPass := result.DKIMAligned && anyDKIMValid(dkimResults)
	result.Pass = spfPass || dkimPass

	if result.Pass {
		result.Disposition = string(PolicyNone)
		result.Sampled = true
	} else {
		result.Sampled = isWithinPercentage(record.Percentage)
		if result.Sampled {
			result.Disposition = string(record.Policy)
		} else {
			result.Disposition = string(PolicyNone)
		}
	}

	v.logger.Debug("dmarc check completed",
		zap.String("domain", fromDomain),
		zap.String("policy", string(record.Policy)),
		zap.Bool("spf_pass", spfPass),
		zap.Bool("dkim_pass", dkimPass),
		zap.Bool("pass", result.Pass),
		zap.Bool("sampled", result.Sampled),
		zap.String("disposition", result.Disposition))

	return result
}

// lookupDMARC fetches _dmarc.fromDomain, falling back to
// _dmarc.<organizational domain> per RFC 7489 §6.6.3 if fromDomain
// itself publishes nothing.
func (v *Validator) lookupDMARC(ctx context.Context, domain string) (*Record, error) {
	records, err := v.resolver.GetTXT(ctx, "_dmarc."+domain)
	if err != nil || len(records) == 0 {
		org := organizationalDomain(domain)
		if org != domain {
			records, err = v.resolver.GetTXT(ctx, "_dmarc."+org)
		}
	}
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if strings.HasPrefix(r, "v=DMARC1") {
			return parseDMARCRecord(r)
		}
	}
	return nil, ErrNoRecord
}

func parseDMARCRecord(record string) (*Record, error) {
	r := &Record{
		ADKIM:          AlignmentRelaxed,
		ASPF:           AlignmentRelaxed,
		Percentage:     100,
		ReportFormat:   "afrf",
		ReportInterval: 86400,
		FailureOptions: "0",
	}

	for _, tag := range strings.Split(record, ";") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		parts := strings.SplitN(tag, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "v":
			r.Version = value
		case "p":
			r.Policy = Policy(value)
		case "sp":
			r.SubdomainPolicy = Policy(value)
		case "adkim":
			r.ADKIM = Alignment(value)
		case "aspf":
			r.ASPF = Alignment(value)
		case "pct":
			if pct, err := strconv.Atoi(value); err == nil && pct >= 0 && pct <= 100 {
				r.Percentage = pct
			}
		case "rua":
			r.ReportAggregate = parseURIList(value)
		case "ruf":
			r.ReportForensic = parseURIList(value)
		case "rf":
			r.ReportFormat = value
		case "ri":
			if ri, err := strconv.Atoi(value); err == nil && ri > 0 {
				r.ReportInterval = ri
			}
		case "fo":
			r.FailureOptions = value
		}
	}

	if r.Version != "DMARC1" {
		return nil, fmt.Errorf("%w: v=%s", ErrMalformedRecord, r.Version)
	}
	if r.Policy == "" {
		return nil, fmt.Errorf("%w: missing p=", ErrMalformedRecord)
	}
	if r.SubdomainPolicy == "" {
		r.SubdomainPolicy = r.Policy
	}
	return r, nil
}

func parseURIList(value string) []string {
	var uris []string
	for _, uri := range strings.Split(value, ",") {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			continue
		}
		if idx := strings.IndexByte(uri, '!'); idx != -1 {
			uri = uri[:idx]
		}
		uris = append(uris, uri)
	}
	return uris
}

func checkSPFAlignment(fromDomain, spfDomain string, alignment Alignment) bool {
	if alignment == AlignmentStrict {
		return strings.EqualFold(fromDomain, spfDomain)
	}
	return strings.EqualFold(organizationalDomain(fromDomain), organizationalDomain(spfDomain))
}

func checkDKIMAlignment(fromDomain string, results []*dkim.VerificationResult, alignment Alignment) bool {
	for _, r := range results {
		if r.Status != dkim.StatusPass {
			continue
		}
		if alignment == AlignmentStrict {
			if strings.EqualFold(fromDomain, r.Domain) {
				return true
			}
			continue
		}
		if strings.EqualFold(organizationalDomain(fromDomain), organizationalDomain(r.Domain)) {
			return true
		}
	}
	return false
}

func anyDKIMValid(results []*dkim.VerificationResult) bool {
	for _, r := range results {
		if r.Status == dkim.StatusPass {
			return true
		}
	}
	return false
}

// organizationalDomain resolves domain's registrable domain via the
// public suffix list, falling back to domain itself if the list
// doesn't recognize its TLD.
func organizationalDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return org
}

var sampleCounter uint64

// isWithinPercentage reimplements the original library's is_within_pct:
// a wall-clock-seconds value combined with a per-process counter via a
// fixed odd multiplier (the 64-bit golden ratio constant, as in Go's
// runtime map hash and Rust's fxhash), reduced mod 100. Defined
// unsigned wraparound stands in for Rust's wrapping_add/wrapping_mul.
func isWithinPercentage(pct int) bool {
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}
	const multiplier = 11400714819323198485
	count := atomic.AddUint64(&sampleCounter, 1) - 1
	seed := uint64(time.Now().Unix()) + count
	return (seed * multiplier) % 100 < uint64(pct)
}

// GenerateDMARCRecord composes a v=DMARC1 TXT record value.
func GenerateDMARCRecord(policy, subdomainPolicy Policy, reportAggregate []string, percentage int) string {
	parts := []string{"v=DMARC1", fmt.Sprintf("p=%s", policy)}
	if subdomainPolicy != "" && subdomainPolicy != policy {
		parts = append(parts, fmt.Sprintf("sp=%s", subdomainPolicy))
	}
	if len(reportAggregate) > 0 {
		parts = append(parts, fmt.Sprintf("rua=%s", strings.Join(reportAggregate, ",")))
	}
	if percentage > 0 && percentage < 100 {
		parts = append(parts, fmt.Sprintf("pct=%d", percentage))
	}
	return strings.Join(parts, "; ")
}
