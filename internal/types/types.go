// Package types defines core data structures for the vulnsweep transition engine.
package types

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a vulnerability.
type State string

// Vulnerability state constants
const (
	StateDetected  State = "detected"
	StateConfirmed State = "confirmed"
	StateDismissed State = "dismissed"
	StateResolved  State = "resolved"
)

// IsValid checks if the state value is valid
func (s State) IsValid() bool {
	switch s {
	case StateDetected, StateConfirmed, StateDismissed, StateResolved:
		return true
	}
	return false
}

// Terminal reports whether the engine treats s as terminal. The engine never
// transitions out of dismissed or resolved; re-detection is external.
func (s State) Terminal() bool {
	return s == StateDismissed || s == StateResolved
}

// CanTransitionTo reports whether the engine may move a vulnerability from s
// to target. Only forward transitions toward a terminal state are produced
// here: detected|confirmed -> dismissed|resolved.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateDetected, StateConfirmed:
		return target == StateDismissed || target == StateResolved
	}
	return false
}

// Severity ranks a vulnerability finding.
type Severity string

// Severity constants, ordered from most to least severe
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown:
		return true
	}
	return false
}

// ReportType identifies the scanner family that produced a finding.
type ReportType string

// Report type constants
const (
	ReportSAST               ReportType = "sast"
	ReportDAST               ReportType = "dast"
	ReportDependencyScanning ReportType = "dependency_scanning"
	ReportContainerScanning  ReportType = "container_scanning"
	ReportSecretDetection    ReportType = "secret_detection"
	ReportCoverageFuzzing    ReportType = "coverage_fuzzing"
)

// IsValid checks if the report type value is valid
func (t ReportType) IsValid() bool {
	switch t {
	case ReportSAST, ReportDAST, ReportDependencyScanning, ReportContainerScanning,
		ReportSecretDetection, ReportCoverageFuzzing:
		return true
	}
	return false
}

// DismissalReason explains why a vulnerability was dismissed.
type DismissalReason string

// Dismissal reason constants
const (
	ReasonAcceptableRisk   DismissalReason = "acceptable_risk"
	ReasonFalsePositive    DismissalReason = "false_positive"
	ReasonMitigatingControl DismissalReason = "mitigating_control"
	ReasonUsedInTests      DismissalReason = "used_in_tests"
	ReasonNotApplicable    DismissalReason = "not_applicable"
)

// IsValid checks if the dismissal reason value is valid
func (r DismissalReason) IsValid() bool {
	switch r {
	case ReasonAcceptableRisk, ReasonFalsePositive, ReasonMitigatingControl,
		ReasonUsedInTests, ReasonNotApplicable:
		return true
	}
	return false
}

// Vulnerability is the long-lived security finding record. The row in the
// vulnerabilities table is the source of truth; VulnerabilityRead mirrors it.
type Vulnerability struct {
	ID              int64            `json:"id"`
	ProjectID       int64            `json:"project_id"`
	Title           string           `json:"title"`
	State           State            `json:"state"`
	Severity        Severity         `json:"severity"`
	ReportType      ReportType       `json:"report_type"`
	DismissalReason *DismissalReason `json:"dismissal_reason,omitempty"`

	AuthorID    int64      `json:"author_id"`
	DetectedAt  time.Time  `json:"detected_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy *int64     `json:"confirmed_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  *int64     `json:"resolved_by,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	DismissedBy *int64     `json:"dismissed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Findings is populated only when the matcher needs identifier data.
	Findings []*Finding `json:"findings,omitempty"`

	// PresentOnLatestScan is false when the latest pipeline for the project
	// no longer reports this vulnerability. Set by the ingestion layer on
	// candidate snapshots; resolve rules fail closed when findings are absent.
	PresentOnLatestScan bool `json:"present_on_latest_scan"`
}

// Validate checks vulnerability fields for consistency
func (v *Vulnerability) Validate() error {
	if v.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !v.State.IsValid() {
		return fmt.Errorf("invalid state: %q", v.State)
	}
	if !v.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %q", v.Severity)
	}
	if !v.ReportType.IsValid() {
		return fmt.Errorf("invalid report type: %q", v.ReportType)
	}
	if v.DismissalReason != nil && !v.DismissalReason.IsValid() {
		return fmt.Errorf("invalid dismissal reason: %q", *v.DismissalReason)
	}
	// A record cannot carry both terminal bookkeeping sets as current.
	if v.State == StateDismissed && v.ResolvedAt != nil {
		return fmt.Errorf("dismissed vulnerability carries resolved timestamp")
	}
	if v.State == StateResolved && v.DismissedAt != nil {
		return fmt.Errorf("resolved vulnerability carries dismissed timestamp")
	}
	return nil
}

// AgeDays returns whole days since detection, measured at now.
func (v *Vulnerability) AgeDays(now time.Time) int {
	if v.DetectedAt.IsZero() || now.Before(v.DetectedAt) {
		return 0
	}
	return int(now.Sub(v.DetectedAt).Hours() / 24)
}

// Finding is one scanner occurrence backing a vulnerability.
type Finding struct {
	ID              int64      `json:"id"`
	VulnerabilityID int64      `json:"vulnerability_id"`
	UUID            string     `json:"uuid"`
	Identifiers     []string   `json:"identifiers,omitempty"` // e.g. CVE-2024-1234, CWE-79
	Location        string     `json:"location,omitempty"`
	ReportType      ReportType `json:"report_type"`
}

// VulnerabilityRead is the denormalized projection used for batch scanning.
// It is maintained inside the same transaction that mutates the source row.
type VulnerabilityRead struct {
	VulnerabilityID int64            `json:"vulnerability_id"`
	ProjectID       int64            `json:"project_id"`
	UUID            string           `json:"uuid"`
	State           State            `json:"state"`
	Severity        Severity         `json:"severity"`
	ReportType      ReportType       `json:"report_type"`
	DismissalReason *DismissalReason `json:"dismissal_reason,omitempty"`
	HasIssues       bool             `json:"has_issues"`
	Indexable       bool             `json:"indexable"` // search indexing enabled for this record
}

// StateTransition is one immutable ledger row. Append-only; never updated.
// RunID is set for automated transitions; at most one ledger row exists per
// vulnerability per run (enforced by a uniqueness constraint).
type StateTransition struct {
	ID              int64            `json:"id"`
	VulnerabilityID int64            `json:"vulnerability_id"`
	FromState       State            `json:"from_state"`
	ToState         State            `json:"to_state"`
	AuthorID        int64            `json:"author_id"`
	Comment         *string          `json:"comment,omitempty"`
	DismissalReason *DismissalReason `json:"dismissal_reason,omitempty"`
	RunID           *string          `json:"run_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Note is a human-facing audit record attached to a vulnerability.
type Note struct {
	ID              int64     `json:"id"`
	ProjectID       int64     `json:"project_id"`
	VulnerabilityID int64     `json:"vulnerability_id"`
	AuthorID        int64     `json:"author_id"`
	Body            string    `json:"body"`
	System          bool      `json:"system"`
	CreatedAt       time.Time `json:"created_at"`
}

// NoteMetadata carries the machine-readable action tag for a system note.
type NoteMetadata struct {
	NoteID    int64     `json:"note_id"`
	Action    string    `json:"action"` // e.g. "vulnerability_dismissed"
	CreatedAt time.Time `json:"created_at"`
}

// Note metadata action constants
const (
	NoteActionDismissed = "vulnerability_dismissed"
	NoteActionResolved  = "vulnerability_resolved"
)

// Pipeline identifies the CI run that triggered a sweep.
type Pipeline struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Ref       string    `json:"ref"`
	SHA       string    `json:"sha"`
	WebURL    string    `json:"web_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is the owning namespace for vulnerabilities and policies.
type Project struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullPath string `json:"full_path"`
}

// User is an acting identity; the engine's writes are attributed to the
// per-project security policy bot.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Bot      bool   `json:"bot"`
}

// Statistics is the per-project aggregate refreshed after each run.
type Statistics struct {
	ProjectID     int64     `json:"project_id"`
	Total         int       `json:"total"`
	Detected      int       `json:"detected"`
	Confirmed     int       `json:"confirmed"`
	Dismissed     int       `json:"dismissed"`
	Resolved      int       `json:"resolved"`
	Critical      int       `json:"critical"`
	High          int       `json:"high"`
	RefreshedAt   time.Time `json:"refreshed_at"`
}

// WebhookEndpoint is a project-configured consumer of vulnerability events.
type WebhookEndpoint struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	URL       string `json:"url"`
	Secret    string `json:"-"`
	Enabled   bool   `json:"enabled"`
}
