package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type recordingHandler struct {
	id       string
	priority int
	handles  []EventType
	calls    *[]string
	err      error
}

func (h *recordingHandler) ID() string           { return h.id }
func (h *recordingHandler) Handles() []EventType { return h.handles }
func (h *recordingHandler) Priority() int        { return h.priority }
func (h *recordingHandler) Handle(_ context.Context, _ *Event, _ *Result) error {
	*h.calls = append(*h.calls, h.id)
	return h.err
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New(zerolog.Nop())
	var calls []string

	bus.Register(&recordingHandler{id: "late", priority: 50, handles: []EventType{EventRunCompleted}, calls: &calls})
	bus.Register(&recordingHandler{id: "early", priority: 10, handles: []EventType{EventRunCompleted}, calls: &calls})
	bus.Register(&recordingHandler{id: "other", priority: 1, handles: []EventType{EventTransitionsCompleted}, calls: &calls})

	if _, err := bus.Dispatch(context.Background(), &Event{Type: EventRunCompleted}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(calls) != 2 || calls[0] != "early" || calls[1] != "late" {
		t.Errorf("unexpected call order: %v", calls)
	}
}

func TestDispatchHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New(zerolog.Nop())
	var calls []string

	bus.Register(&recordingHandler{
		id: "failing", priority: 1, handles: []EventType{EventRunCompleted},
		calls: &calls, err: errors.New("side effect down"),
	})
	bus.Register(&recordingHandler{
		id: "after", priority: 2, handles: []EventType{EventRunCompleted}, calls: &calls,
	})

	result, err := bus.Dispatch(context.Background(), &Event{Type: EventRunCompleted})
	if err != nil {
		t.Fatalf("Dispatch should not propagate handler errors: %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("chain stopped after failing handler: %v", calls)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("handler failure should surface as warning: %+v", result)
	}
}

func TestDispatchNilEvent(t *testing.T) {
	bus := New(zerolog.Nop())
	if _, err := bus.Dispatch(context.Background(), nil); err == nil {
		t.Error("nil event should error")
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	bus := New(zerolog.Nop())
	var calls []string
	bus.Register(&recordingHandler{id: "h", priority: 1, handles: []EventType{EventRunCompleted}, calls: &calls})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := bus.Dispatch(ctx, &Event{Type: EventRunCompleted}); err == nil {
		t.Error("cancelled context should error")
	}
	if len(calls) != 0 {
		t.Errorf("no handler should run after cancellation: %v", calls)
	}
}
