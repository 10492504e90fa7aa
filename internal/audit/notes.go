// Package audit writes the human-readable trail for automated transitions:
// one system note per transitioned vulnerability, naming the responsible
// policy and linking the triggering pipeline.
//
// Notes are written after the primary transaction commits. A missing note is
// a tolerable minor inconsistency; a missing state change is not, so note
// failures never unwind a transition.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// Emitter is the bus handler that records audit notes.
type Emitter struct {
	store storage.Storage
	log   zerolog.Logger
}

// NewEmitter creates an audit note emitter.
func NewEmitter(store storage.Storage, log zerolog.Logger) *Emitter {
	return &Emitter{
		store: store,
		log:   log.With().Str("component", "audit").Logger(),
	}
}

// ID implements eventbus.Handler.
func (e *Emitter) ID() string { return "audit-notes" }

// Handles implements eventbus.Handler.
func (e *Emitter) Handles() []eventbus.EventType {
	return []eventbus.EventType{eventbus.EventTransitionsCompleted}
}

// Priority implements eventbus.Handler. Audit notes run before the other
// side effects so the trail exists even if later handlers fail.
func (e *Emitter) Priority() int { return 10 }

// Handle writes one note per transition record. Failures are collected so
// one bad note does not suppress the rest of the trail.
func (e *Emitter) Handle(ctx context.Context, event *eventbus.Event, _ *eventbus.Result) error {
	var errs []error
	for _, rec := range event.Transitions {
		note := &types.Note{
			ProjectID:       event.Project,
			VulnerabilityID: rec.Vulnerability.ID,
			AuthorID:        event.Actor.ID,
			Body:            NoteBody(rec, event.Pipeline),
		}
		meta := &types.NoteMetadata{Action: noteAction(rec.ToState)}
		if err := e.store.CreateSystemNote(ctx, note, meta); err != nil {
			errs = append(errs, fmt.Errorf("vulnerability %d: %w", rec.Vulnerability.ID, err))
			continue
		}
		e.log.Debug().
			Int64("vulnerability", rec.Vulnerability.ID).
			Int64("note", note.ID).
			Msg("audit note created")
	}
	return errors.Join(errs...)
}

// NoteBody formats the audit message for one transition. The body documents
// the transition kind, names the single responsible policy, and links the
// triggering pipeline.
func NoteBody(rec eventbus.TransitionRecord, pipeline *types.Pipeline) string {
	verb := "dismissed"
	if rec.ToState == types.StateResolved {
		verb = "resolved"
	}
	body := fmt.Sprintf("%s automatically by the %q security policy based on pipeline %d",
		titleCase(verb), rec.PolicyName, pipeline.ID)
	if pipeline.WebURL != "" {
		body += fmt.Sprintf(" (%s)", pipeline.WebURL)
	}
	if rec.Reason != nil {
		body += fmt.Sprintf("; dismissal reason: %s", *rec.Reason)
	}
	return body
}

func noteAction(to types.State) string {
	if to == types.StateResolved {
		return types.NoteActionResolved
	}
	return types.NoteActionDismissed
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
