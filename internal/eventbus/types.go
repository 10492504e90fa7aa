package eventbus

import (
	"time"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// EventTransitionsCompleted fires once per committed batch, after the
	// primary transaction. Handlers perform the deferred side effects:
	// audit notes, search re-indexing, webhook delivery.
	EventTransitionsCompleted EventType = "vulnerabilities.transitions_completed"

	// EventRunCompleted fires once per run, after all batches, whether or
	// not any transition happened. Handlers refresh statistics and record
	// run analytics.
	EventRunCompleted EventType = "vulnerabilities.run_completed"
)

// TransitionRecord captures one committed transition for side-effect
// handlers. The vulnerability snapshot reflects the post-commit state.
type TransitionRecord struct {
	Vulnerability *types.Vulnerability   `json:"vulnerability"`
	FromState     types.State            `json:"from_state"`
	ToState       types.State            `json:"to_state"`
	PolicyName    string                 `json:"policy_name"`
	Reason        *types.DismissalReason `json:"reason,omitempty"`
}

// Event represents a single event flowing through the bus.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Project   int64     `json:"project_id"`
	Pipeline  *types.Pipeline
	Actor     *types.User

	// Populated for EventTransitionsCompleted.
	Transitions []TransitionRecord `json:"transitions,omitempty"`

	// Populated for EventRunCompleted.
	Count    int           `json:"count,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Result aggregates non-fatal handler feedback across a dispatch.
type Result struct {
	Warnings []string `json:"warnings,omitempty"`
}

// Warn records a non-fatal handler observation.
func (r *Result) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
