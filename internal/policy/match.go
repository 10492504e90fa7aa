package policy

import (
	"time"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// MatchResult attributes a candidate to exactly one rule and its owning
// policy. The policy name ends up in the audit note.
type MatchResult struct {
	Policy *Policy
	Rule   *Rule
}

// Match returns the first rule, in policy order then rule order, whose
// predicate is satisfied by the candidate snapshot. A vulnerability matches
// at most one rule per run; rules are never combined.
//
// Candidates with no findings loaded fail closed: no match, never an error.
func Match(v *types.Vulnerability, policies []Policy, now time.Time) (MatchResult, bool) {
	if v == nil || len(v.Findings) == 0 {
		return MatchResult{}, false
	}
	for pi := range policies {
		p := &policies[pi]
		for ri := range p.Rules {
			r := &p.Rules[ri]
			if r.Matches(v, now) {
				return MatchResult{Policy: p, Rule: r}, true
			}
		}
	}
	return MatchResult{}, false
}

// Matches evaluates the rule predicate against one candidate snapshot.
func (r *Rule) Matches(v *types.Vulnerability, now time.Time) bool {
	if v == nil || len(v.Findings) == 0 {
		return false
	}

	switch r.Kind {
	case KindNewlyDetected:
		if v.State != types.StateDetected {
			return false
		}
	case KindNoLongerDetected:
		if v.State.Terminal() {
			return false
		}
		if v.PresentOnLatestScan {
			return false
		}
	default:
		return false
	}

	if len(r.Severities) > 0 && !containsSeverity(r.Severities, v.Severity) {
		return false
	}
	if len(r.ReportTypes) > 0 && !containsReportType(r.ReportTypes, v.ReportType) {
		return false
	}
	if r.AgeOverDays > 0 && v.AgeDays(now) < r.AgeOverDays {
		return false
	}
	return true
}

func containsSeverity(set []types.Severity, s types.Severity) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func containsReportType(set []types.ReportType, t types.ReportType) bool {
	for _, x := range set {
		if x == t {
			return true
		}
	}
	return false
}
