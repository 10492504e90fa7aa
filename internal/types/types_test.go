package types

import (
	"testing"
	"time"
)

func TestStateCanTransitionTo(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateDetected, StateDismissed, true},
		{StateDetected, StateResolved, true},
		{StateDetected, StateConfirmed, false}, // confirmation is manual, not this engine
		{StateConfirmed, StateDismissed, true},
		{StateConfirmed, StateResolved, true},
		{StateDismissed, StateResolved, false},
		{StateDismissed, StateDetected, false},
		{StateResolved, StateDismissed, false},
		{StateResolved, StateDetected, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDismissed, StateResolved} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateDetected, StateConfirmed} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestVulnerabilityValidate(t *testing.T) {
	now := time.Now()
	reason := ReasonFalsePositive

	valid := Vulnerability{
		Title:      "SQL injection in login handler",
		State:      StateDetected,
		Severity:   SeverityCritical,
		ReportType: ReportSAST,
		DetectedAt: now,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid vulnerability: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Vulnerability)
	}{
		{"empty title", func(v *Vulnerability) { v.Title = "" }},
		{"bad state", func(v *Vulnerability) { v.State = "archived" }},
		{"bad severity", func(v *Vulnerability) { v.Severity = "catastrophic" }},
		{"bad report type", func(v *Vulnerability) { v.ReportType = "psychic" }},
		{"bad dismissal reason", func(v *Vulnerability) {
			r := DismissalReason("because")
			v.DismissalReason = &r
		}},
		{"dismissed with resolved timestamp", func(v *Vulnerability) {
			v.State = StateDismissed
			v.DismissalReason = &reason
			v.DismissedAt = &now
			v.ResolvedAt = &now
		}},
		{"resolved with dismissed timestamp", func(v *Vulnerability) {
			v.State = StateResolved
			v.ResolvedAt = &now
			v.DismissedAt = &now
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := valid
			tt.mutate(&v)
			if err := v.Validate(); err == nil {
				t.Errorf("Validate() should fail for %s", tt.name)
			}
		})
	}
}

func TestAgeDays(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	v := Vulnerability{DetectedAt: now.AddDate(0, 0, -90)}
	if got := v.AgeDays(now); got != 90 {
		t.Errorf("AgeDays = %d, want 90", got)
	}

	v = Vulnerability{DetectedAt: now.Add(time.Hour)} // clock skew: detected "in the future"
	if got := v.AgeDays(now); got != 0 {
		t.Errorf("AgeDays for future detection = %d, want 0", got)
	}

	v = Vulnerability{}
	if got := v.AgeDays(now); got != 0 {
		t.Errorf("AgeDays for zero DetectedAt = %d, want 0", got)
	}
}
