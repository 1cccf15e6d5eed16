package dmarc

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/oonrumail/mailauth/dkim"
	"github.com/oonrumail/mailauth/spf"
)

type fakeResolver struct {
	records map[string][]string
}

func (f *fakeResolver) GetTXT(_ context.Context, name string) ([]string, error) {
	return f.records[name], nil
}

func TestParseDMARCRecord(t *testing.T) {
	tests := []struct {
		name    string
		record  string
		wantErr bool
		check   func(t *testing.T, r *Record)
	}{
		{
			name:   "valid basic record",
			record: "v=DMARC1; p=none",
			check: func(t *testing.T, r *Record) {
				if r.Version != "DMARC1" {
					t.Errorf("Version = %s, want DMARC1", r.Version)
				}
				if r.Policy != PolicyNone {
					t.Errorf("Policy = %s, want none", r.Policy)
				}
			},
		},
		{
			name:   "full record",
			record: "v=DMARC1; p=reject; sp=quarantine; adkim=s; aspf=s; pct=50; rua=mailto:dmarc@example.com; ruf=mailto:forensics@example.com",
			check: func(t *testing.T, r *Record) {
				if r.Policy != PolicyReject {
					t.Errorf("Policy = %s, want reject", r.Policy)
				}
				if r.SubdomainPolicy != PolicyQuarantine {
					t.Errorf("SubdomainPolicy = %s, want quarantine", r.SubdomainPolicy)
				}
				if r.ADKIM != AlignmentStrict || r.ASPF != AlignmentStrict {
					t.Errorf("alignment = %s/%s, want s/s", r.ADKIM, r.ASPF)
				}
				if r.Percentage != 50 {
					t.Errorf("Percentage = %d, want 50", r.Percentage)
				}
				if len(r.ReportAggregate) != 1 || r.ReportAggregate[0] != "mailto:dmarc@example.com" {
					t.Errorf("ReportAggregate = %v", r.ReportAggregate)
				}
			},
		},
		{
			name:   "defaults applied",
			record: "v=DMARC1; p=none",
			check: func(t *testing.T, r *Record) {
				if r.ADKIM != AlignmentRelaxed || r.ASPF != AlignmentRelaxed {
					t.Errorf("default alignment = %s/%s, want r/r", r.ADKIM, r.ASPF)
				}
				if r.Percentage != 100 {
					t.Errorf("Percentage default = %d, want 100", r.Percentage)
				}
				if r.SubdomainPolicy != PolicyNone {
					t.Errorf("SubdomainPolicy should default to Policy")
				}
			},
		},
		{name: "invalid version", record: "v=DMARC2; p=none", wantErr: true},
		{name: "missing policy", record: "v=DMARC1", wantErr: true},
		{
			name:   "multiple rua addresses",
			record: "v=DMARC1; p=none; rua=mailto:a@example.com,mailto:b@example.com",
			check: func(t *testing.T, r *Record) {
				if len(r.ReportAggregate) != 2 {
					t.Errorf("ReportAggregate count = %d, want 2", len(r.ReportAggregate))
				}
			},
		},
		{
			name:   "rua with size limit",
			record: "v=DMARC1; p=none; rua=mailto:dmarc@example.com!10m",
			check: func(t *testing.T, r *Record) {
				if len(r.ReportAggregate) != 1 || r.ReportAggregate[0] != "mailto:dmarc@example.com" {
					t.Errorf("should strip size limit, got %v", r.ReportAggregate)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := parseDMARCRecord(tt.record)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDMARCRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, record)
			}
		})
	}
}

func TestOrganizationalDomain(t *testing.T) {
	tests := []struct {
		domain   string
		expected string
	}{
		{"example.com", "example.com"},
		{"sub.example.com", "example.com"},
		{"deep.sub.example.com", "example.com"},
		{"example.co.uk", "example.co.uk"},
		{"sub.example.co.uk", "example.co.uk"},
		{"example.com.au", "example.com.au"},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			if got := organizationalDomain(tt.domain); got != tt.expected {
				t.Errorf("organizationalDomain(%q) = %q, want %q", tt.domain, got, tt.expected)
			}
		})
	}
}

func TestCheckSPFAlignment(t *testing.T) {
	tests := []struct {
		name       string
		fromDomain string
		spfDomain  string
		alignment  Alignment
		expected   bool
	}{
		{"strict match exact", "example.com", "example.com", AlignmentStrict, true},
		{"strict case insensitive", "EXAMPLE.COM", "example.com", AlignmentStrict, true},
		{"strict no match subdomain", "sub.example.com", "example.com", AlignmentStrict, false},
		{"relaxed match subdomain", "sub.example.com", "example.com", AlignmentRelaxed, true},
		{"relaxed both subdomains", "mail.example.com", "smtp.example.com", AlignmentRelaxed, true},
		{"relaxed no match different domains", "example.com", "example.org", AlignmentRelaxed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checkSPFAlignment(tt.fromDomain, tt.spfDomain, tt.alignment)
			if result != tt.expected {
				t.Errorf("checkSPFAlignment(%q, %q, %s) = %v, want %v",
					tt.fromDomain, tt.spfDomain, tt.alignment, result, tt.expected)
			}
		})
	}
}

func TestCheckDKIMAlignment(t *testing.T) {
	tests := []struct {
		name       string
		fromDomain string
		results    []*dkim.VerificationResult
		alignment  Alignment
		expected   bool
	}{
		{
			name:       "strict match valid signature",
			fromDomain: "example.com",
			results:    []*dkim.VerificationResult{{Status: dkim.StatusPass, Domain: "example.com"}},
			alignment:  AlignmentStrict,
			expected:   true,
		},
		{
			name:       "strict no match subdomain signature",
			fromDomain: "example.com",
			results:    []*dkim.VerificationResult{{Status: dkim.StatusPass, Domain: "mail.example.com"}},
			alignment:  AlignmentStrict,
			expected:   false,
		},
		{
			name:       "relaxed match subdomain signature",
			fromDomain: "example.com",
			results:    []*dkim.VerificationResult{{Status: dkim.StatusPass, Domain: "mail.example.com"}},
			alignment:  AlignmentRelaxed,
			expected:   true,
		},
		{
			name:       "failed signature ignored",
			fromDomain: "example.com",
			results:    []*dkim.VerificationResult{{Status: dkim.StatusFail, Domain: "example.com"}},
			alignment:  AlignmentStrict,
			expected:   false,
		},
		{
			name:       "multiple signatures one valid aligned",
			fromDomain: "example.com",
			results: []*dkim.VerificationResult{
				{Status: dkim.StatusFail, Domain: "example.com"},
				{Status: dkim.StatusPass, Domain: "other.com"},
				{Status: dkim.StatusPass, Domain: "example.com"},
			},
			alignment: AlignmentStrict,
			expected:  true,
		},
		{name: "no results", fromDomain: "example.com", results: nil, alignment: AlignmentRelaxed, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checkDKIMAlignment(tt.fromDomain, tt.results, tt.alignment)
			if result != tt.expected {
				t.Errorf("checkDKIMAlignment(%q, results, %s) = %v, want %v",
					tt.fromDomain, tt.alignment, result, tt.expected)
			}
		})
	}
}

func TestAnyDKIMValid(t *testing.T) {
	tests := []struct {
		name     string
		results  []*dkim.VerificationResult
		expected bool
	}{
		{"nil results", nil, false},
		{"empty results", []*dkim.VerificationResult{}, false},
		{"one valid", []*dkim.VerificationResult{{Status: dkim.StatusPass}}, true},
		{"all invalid", []*dkim.VerificationResult{{Status: dkim.StatusFail}, {Status: dkim.StatusFail}}, false},
		{"mixed one valid", []*dkim.VerificationResult{{Status: dkim.StatusFail}, {Status: dkim.StatusPass}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := anyDKIMValid(tt.results); got != tt.expected {
				t.Errorf("anyDKIMValid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGenerateDMARCRecord(t *testing.T) {
	tests := []struct {
		name            string
		policy          Policy
		subdomainPolicy Policy
		reportAggregate []string
		percentage      int
		expected        string
	}{
		{"basic none policy", PolicyNone, "", nil, 100, "v=DMARC1; p=none"},
		{"reject policy", PolicyReject, "", nil, 100, "v=DMARC1; p=reject"},
		{"with subdomain policy", PolicyReject, PolicyQuarantine, nil, 100, "v=DMARC1; p=reject; sp=quarantine"},
		{"with reports", PolicyNone, "", []string{"mailto:dmarc@example.com"}, 100, "v=DMARC1; p=none; rua=mailto:dmarc@example.com"},
		{"with percentage", PolicyReject, "", nil, 50, "v=DMARC1; p=reject; pct=50"},
		{
			"full configuration", PolicyReject, PolicyQuarantine,
			[]string{"mailto:dmarc@example.com", "mailto:backup@example.com"}, 75,
			"v=DMARC1; p=reject; sp=quarantine; rua=mailto:dmarc@example.com,mailto:backup@example.com; pct=75",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateDMARCRecord(tt.policy, tt.subdomainPolicy, tt.reportAggregate, tt.percentage)
			if result != tt.expected {
				t.Errorf("GenerateDMARCRecord() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestParseURIList(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected []string
	}{
		{"single URI", "mailto:dmarc@example.com", []string{"mailto:dmarc@example.com"}},
		{"multiple URIs", "mailto:a@example.com,mailto:b@example.com", []string{"mailto:a@example.com", "mailto:b@example.com"}},
		{"URI with size limit", "mailto:dmarc@example.com!10m", []string{"mailto:dmarc@example.com"}},
		{"with whitespace", " mailto:a@example.com , mailto:b@example.com ", []string{"mailto:a@example.com", "mailto:b@example.com"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseURIList(tt.value)
			if len(result) != len(tt.expected) {
				t.Fatalf("parseURIList() len = %d, want %d", len(result), len(tt.expected))
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("parseURIList()[%d] = %q, want %q", i, v, tt.expected[i])
				}
			}
		})
	}
}

func TestCheckPassOnAlignedSPF(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	v := NewValidator(resolver, zap.NewNop())

	result := v.Check(context.Background(), "example.com", "example.com", spf.ResultPass, nil)
	if !result.Pass {
		t.Fatalf("expected pass, got disposition %s (err=%v)", result.Disposition, result.Err)
	}
	if result.Disposition != string(PolicyNone) {
		t.Errorf("Disposition = %s, want none", result.Disposition)
	}
}

func TestCheckFailAppliesPolicyAtFullPercentage(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject; pct=100"},
	}}
	v := NewValidator(resolver, zap.NewNop())

	result := v.Check(context.Background(), "example.com", "attacker.example", spf.ResultFail, nil)
	if result.Pass {
		t.Fatal("expected failure")
	}
	if result.Disposition != string(PolicyReject) {
		t.Errorf("Disposition = %s, want reject", result.Disposition)
	}
}

func TestCheckFallsBackToOrganizationalDomain(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=quarantine"},
	}}
	v := NewValidator(resolver, zap.NewNop())

	result := v.Check(context.Background(), "mail.example.com", "mail.example.com", spf.ResultFail, nil)
	if result.Err != nil {
		t.Fatalf("expected org-domain fallback to find a record, got err %v", result.Err)
	}
	if result.Record.Policy != PolicyQuarantine {
		t.Errorf("Policy = %s, want quarantine", result.Record.Policy)
	}
}

func TestCheckNoRecord(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]string{}}
	v := NewValidator(resolver, zap.NewNop())

	result := v.Check(context.Background(), "norecord.example", "norecord.example", spf.ResultNone, nil)
	if result.Err == nil {
		t.Fatal("expected ErrNoRecord")
	}
	if result.Disposition != string(PolicyNone) {
		t.Errorf("Disposition = %s, want none", result.Disposition)
	}
}

func TestIsWithinPercentage(t *testing.T) {
	if !isWithinPercentage(100) {
		t.Error("pct=100 must always be within")
	}
	if isWithinPercentage(0) {
		t.Error("pct=0 must never be within")
	}
}
