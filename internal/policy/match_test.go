package policy

import (
	"testing"
	"time"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

var testNow = time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

func candidate(state types.State, sev types.Severity, rt types.ReportType) *types.Vulnerability {
	return &types.Vulnerability{
		ID:                  101,
		ProjectID:           7,
		Title:               "test finding",
		State:               state,
		Severity:            sev,
		ReportType:          rt,
		DetectedAt:          testNow.AddDate(0, 0, -10),
		PresentOnLatestScan: true,
		Findings: []*types.Finding{
			{ID: 1, VulnerabilityID: 101, UUID: "f-1", ReportType: rt},
		},
	}
}

func dismissPolicy(name string, rules ...Rule) Policy {
	reason := types.ReasonAcceptableRisk
	return Policy{Name: name, Action: ActionDismiss, DismissalReason: &reason, Rules: rules}
}

func TestRuleMatchesNewlyDetected(t *testing.T) {
	rule := Rule{
		Kind:        KindNewlyDetected,
		Severities:  []types.Severity{types.SeverityCritical, types.SeverityHigh},
		ReportTypes: []types.ReportType{types.ReportSAST},
	}

	tests := []struct {
		name string
		vuln *types.Vulnerability
		want bool
	}{
		{"detected critical sast", candidate(types.StateDetected, types.SeverityCritical, types.ReportSAST), true},
		{"detected high sast", candidate(types.StateDetected, types.SeverityHigh, types.ReportSAST), true},
		{"confirmed not newly detected", candidate(types.StateConfirmed, types.SeverityCritical, types.ReportSAST), false},
		{"dismissed is terminal", candidate(types.StateDismissed, types.SeverityCritical, types.ReportSAST), false},
		{"severity outside set", candidate(types.StateDetected, types.SeverityLow, types.ReportSAST), false},
		{"report type outside set", candidate(types.StateDetected, types.SeverityCritical, types.ReportDAST), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rule.Matches(tt.vuln, testNow); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleMatchesNoLongerDetected(t *testing.T) {
	rule := Rule{Kind: KindNoLongerDetected}

	v := candidate(types.StateDetected, types.SeverityMedium, types.ReportDependencyScanning)
	if rule.Matches(v, testNow) {
		t.Error("should not match while still present on latest scan")
	}

	v.PresentOnLatestScan = false
	if !rule.Matches(v, testNow) {
		t.Error("should match once absent from latest scan")
	}

	v.State = types.StateConfirmed
	if !rule.Matches(v, testNow) {
		t.Error("confirmed vulnerabilities are eligible for auto-resolve")
	}

	v.State = types.StateResolved
	if rule.Matches(v, testNow) {
		t.Error("terminal states never match")
	}
}

func TestRuleMatchesAgeThreshold(t *testing.T) {
	rule := Rule{Kind: KindNewlyDetected, AgeOverDays: 30}

	v := candidate(types.StateDetected, types.SeverityLow, types.ReportCoverageFuzzing)
	v.DetectedAt = testNow.AddDate(0, 0, -10)
	if rule.Matches(v, testNow) {
		t.Error("10-day-old finding should not satisfy age_over_days: 30")
	}

	v.DetectedAt = testNow.AddDate(0, 0, -31)
	if !rule.Matches(v, testNow) {
		t.Error("31-day-old finding should satisfy age_over_days: 30")
	}
}

func TestRuleMatchesFailsClosedWithoutFindings(t *testing.T) {
	rule := Rule{Kind: KindNewlyDetected}

	v := candidate(types.StateDetected, types.SeverityCritical, types.ReportSAST)
	v.Findings = nil
	if rule.Matches(v, testNow) {
		t.Error("candidate with no findings loaded must fail closed")
	}
	if rule.Matches(nil, testNow) {
		t.Error("nil candidate must fail closed")
	}
}

func TestMatchFirstRuleWins(t *testing.T) {
	broad := dismissPolicy("broad", Rule{Kind: KindNewlyDetected})
	narrow := dismissPolicy("narrow", Rule{
		Kind:       KindNewlyDetected,
		Severities: []types.Severity{types.SeverityCritical},
	})

	v := candidate(types.StateDetected, types.SeverityCritical, types.ReportSAST)

	res, ok := Match(v, []Policy{narrow, broad}, testNow)
	if !ok {
		t.Fatal("expected a match")
	}
	if res.Policy.Name != "narrow" {
		t.Errorf("first policy in order should win, got %q", res.Policy.Name)
	}

	// Reversed order, reversed attribution.
	res, ok = Match(v, []Policy{broad, narrow}, testNow)
	if !ok {
		t.Fatal("expected a match")
	}
	if res.Policy.Name != "broad" {
		t.Errorf("first policy in order should win, got %q", res.Policy.Name)
	}
}

func TestMatchNoPolicies(t *testing.T) {
	v := candidate(types.StateDetected, types.SeverityCritical, types.ReportSAST)
	if _, ok := Match(v, nil, testNow); ok {
		t.Error("empty policy set must not match")
	}
}
