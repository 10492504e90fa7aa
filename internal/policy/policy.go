// Package policy holds the rule model and the pure matcher that decides which
// vulnerabilities a security policy acts upon automatically.
//
// Policies are authored and validated elsewhere; this package consumes them as
// read-only input. Matching is side-effect free: no I/O, no clock access
// beyond the caller-supplied evaluation time.
package policy

import (
	"fmt"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// RuleKind is the closed discriminator for rule types.
type RuleKind string

// Rule kind constants
const (
	// KindNewlyDetected matches findings still in the newly-detected state.
	// Used by dismiss-type policies.
	KindNewlyDetected RuleKind = "newly_detected"
	// KindNoLongerDetected matches vulnerabilities whose finding is absent
	// from the latest scan. Used by resolve-type policies.
	KindNoLongerDetected RuleKind = "no_longer_detected"
)

// IsValid checks if the rule kind is one of the closed set
func (k RuleKind) IsValid() bool {
	return k == KindNewlyDetected || k == KindNoLongerDetected
}

// Action is what a policy does to a matched vulnerability.
type Action string

// Policy action constants
const (
	ActionDismiss Action = "dismiss"
	ActionResolve Action = "resolve"
)

// IsValid checks if the action is valid
func (a Action) IsValid() bool {
	return a == ActionDismiss || a == ActionResolve
}

// Rule is one declarative predicate owned by a policy. Zero-valued predicate
// fields are unconstrained: an empty severity set matches any severity.
type Rule struct {
	Kind        RuleKind           `yaml:"type"`
	Severities  []types.Severity   `yaml:"severities,omitempty"`
	ReportTypes []types.ReportType `yaml:"report_types,omitempty"`
	AgeOverDays int                `yaml:"age_over_days,omitempty"`
}

// Validate checks rule fields
func (r *Rule) Validate() error {
	if !r.Kind.IsValid() {
		return fmt.Errorf("invalid rule type: %q", r.Kind)
	}
	for _, s := range r.Severities {
		if !s.IsValid() {
			return fmt.Errorf("invalid severity in rule: %q", s)
		}
	}
	for _, rt := range r.ReportTypes {
		if !rt.IsValid() {
			return fmt.Errorf("invalid report type in rule: %q", rt)
		}
	}
	if r.AgeOverDays < 0 {
		return fmt.Errorf("age_over_days must be >= 0, got %d", r.AgeOverDays)
	}
	return nil
}

// Policy is a named, ordered collection of rules plus the action taken on a
// match. Rule order within a policy, and policy order within the input list,
// decide attribution: the first satisfied rule wins.
type Policy struct {
	Name            string                 `yaml:"name"`
	Action          Action                 `yaml:"action"`
	DismissalReason *types.DismissalReason `yaml:"dismissal_reason,omitempty"`
	Rules           []Rule                 `yaml:"rules"`
}

// Validate checks policy fields and every rule
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if !p.Action.IsValid() {
		return fmt.Errorf("policy %q: invalid action: %q", p.Name, p.Action)
	}
	if p.Action == ActionDismiss {
		if p.DismissalReason == nil {
			return fmt.Errorf("policy %q: dismiss action requires a dismissal_reason", p.Name)
		}
		if !p.DismissalReason.IsValid() {
			return fmt.Errorf("policy %q: invalid dismissal_reason: %q", p.Name, *p.DismissalReason)
		}
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy %q: at least one rule is required", p.Name)
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("policy %q: rule %d: %w", p.Name, i, err)
		}
		if p.Action == ActionDismiss && p.Rules[i].Kind != KindNewlyDetected {
			return fmt.Errorf("policy %q: dismiss policies take %s rules, got %q",
				p.Name, KindNewlyDetected, p.Rules[i].Kind)
		}
		if p.Action == ActionResolve && p.Rules[i].Kind != KindNoLongerDetected {
			return fmt.Errorf("policy %q: resolve policies take %s rules, got %q",
				p.Name, KindNoLongerDetected, p.Rules[i].Kind)
		}
	}
	return nil
}
