// Package spf implements RFC 7208 Sender Policy Framework evaluation:
// TXT record lookup, mechanism evaluation against a resolver-backed
// DNS client, the macro-string expander used by mechanism domain-specs
// and the exp= explanation modifier, and the DNS-lookup/void-lookup
// quotas that bound how much recursion an "include:"/"redirect=" chain
// can trigger.
package spf

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// Result is one of RFC 7208 §2.6's possible SPF outcomes.
type Result string

const (
	ResultNone      Result = "none"
	ResultNeutral   Result = "neutral"
	ResultPass      Result = "pass"
	ResultFail      Result = "fail"
	ResultSoftFail  Result = "softfail"
	ResultTempError Result = "temperror"
	ResultPermError Result = "permerror"
)

// Identity carries the envelope values check_host() and its macro
// expander need (RFC 7208 §7.2): the connecting client's address, its
// HELO/EHLO argument, and the MAIL FROM address split into local-part
// and domain.
type Identity struct {
	IP              net.IP
	HeloDomain      string
	SenderDomain    string
	SenderLocalPart string
}

func (id Identity) senderAddress() string {
	local := id.SenderLocalPart
	if local == "" {
		local = "postmaster"
	}
	return local + "@" + id.SenderDomain
}

// CheckResult is the outcome of one top-level Check call.
type CheckResult struct {
	Result      Result
	Domain      string
	Mechanism   string
	Explanation string
	Err         error
}

// DNSResolver is the collaborator a Validator needs: cached TXT/MX/IP/
// PTR lookups, satisfied by *resolver.Resolver.
type DNSResolver interface {
	GetTXT(ctx context.Context, name string) ([]string, error)
	GetMX(ctx context.Context, name string) ([]*net.MX, error)
	GetIPs(ctx context.Context, host string) ([]net.IP, error)
	GetPTR(ctx context.Context, ip net.IP) ([]string, error)
}

const (
	maxDNSLookups  = 10
	maxVoidLookups = 2
	maxMXResults   = 10
	maxPTRResults  = 10
)

// quota tracks the two counters RFC 7208 §4.6.4 bounds across an
// entire check_host() evaluation, including everything reached through
// include: and redirect= — the same pointer is threaded through every
// recursive call so nested records share one budget. maxDNS/maxVoid
// default to the package constants when left zero, so a bare &quota{}
// (as used directly in tests) still enforces RFC 7208's own ceiling.
type quota struct {
	dnsLookups  int
	voidLookups int
	maxDNS      int
	maxVoid     int
}

func (q *quota) consumeDNS() error {
	max := q.maxDNS
	if max <= 0 {
		max = maxDNSLookups
	}
	q.dnsLookups++
	if q.dnsLookups > max {
		return ErrTooManyDNSLookups
	}
	return nil
}

func (q *quota) consumeVoid() error {
	max := q.maxVoid
	if max <= 0 {
		max = maxVoidLookups
	}
	q.voidLookups++
	if q.voidLookups > max {
		return ErrTooManyVoidLookups
	}
	return nil
}

// Validator evaluates SPF for a sender against a resolver.
type Validator struct {
	resolver       DNSResolver
	logger         *zap.Logger
	timeout        time.Duration
	maxDNSLookups  int
	maxVoidLookups int
}

// NewValidator builds a Validator with RFC 7208's default quotas (10
// DNS-consuming terms, 2 void lookups). A nil logger falls back to
// zap.NewNop().
func NewValidator(resolver DNSResolver, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		resolver: resolver, logger: logger, timeout: 20 * time.Second,
		maxDNSLookups: maxDNSLookups, maxVoidLookups: maxVoidLookups,
	}
}

// SetQuotas overrides the default DNS-lookup/void-lookup quotas, e.g.
// from config.SPFConfig. Values <= 0, or above RFC 7208's own limits
// (10 and 2), are ignored, so a quota can only be tightened.
func (v *Validator) SetQuotas(dnsLookups, voidLookups int) {
	if dnsLookups > 0 && dnsLookups <= maxDNSLookups {
		v.maxDNSLookups = dnsLookups
	}
	if voidLookups > 0 && voidLookups <= maxVoidLookups {
		v.maxVoidLookups = voidLookups
	}
}

// Check evaluates SPF for ident's sender domain, per RFC 7208's
// check_host() function, starting a fresh lookup/void quota.
func (v *Validator) Check(ctx context.Context, ident Identity) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &CheckResult{Domain: ident.SenderDomain}
	if ident.SenderDomain == "" {
		result.Result = ResultNone
		return result
	}

	q := &quota{maxDNS: v.maxDNSLookups, maxVoid: v.maxVoidLookups}
	er := v.checkHost(ctx, ident.SenderDomain, ident, q)
	result.Result = er.result
	result.Mechanism = er.mechanism
	result.Explanation = er.explanation
	result.Err = er.err

	v.logger.Debug("spf check completed",
		zap.String("ip", ident.IP.String()),
		zap.String("domain", ident.SenderDomain),
		zap.String("result", string(result.Result)),
		zap.String("mechanism", result.Mechanism),
		zap.Int("dns_lookups", q.dnsLookups),
		zap.Int("void_lookups", q.voidLookups))
	return result
}
