package engine

import "testing"

func TestBudgetConsume(t *testing.T) {
	b := NewBudget(10)

	if got := b.Consume(4); got != 4 {
		t.Errorf("Consume(4) = %d, want 4", got)
	}
	if b.Remaining() != 6 {
		t.Errorf("Remaining = %d, want 6", b.Remaining())
	}

	// Request beyond remaining grants only the remainder.
	if got := b.Consume(10); got != 6 {
		t.Errorf("Consume(10) = %d, want 6", got)
	}
	if !b.Exhausted() {
		t.Error("budget should be exhausted")
	}

	// Never goes below zero.
	if got := b.Consume(1); got != 0 {
		t.Errorf("Consume(1) on exhausted budget = %d, want 0", got)
	}
	if b.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", b.Remaining())
	}
}

func TestBudgetEdgeCases(t *testing.T) {
	if got := NewBudget(5).Consume(0); got != 0 {
		t.Errorf("Consume(0) = %d, want 0", got)
	}
	if got := NewBudget(5).Consume(-3); got != 0 {
		t.Errorf("Consume(-3) = %d, want 0", got)
	}
	if !NewBudget(0).Exhausted() {
		t.Error("zero ceiling should start exhausted")
	}
	if !NewBudget(-10).Exhausted() {
		t.Error("negative ceiling should start exhausted")
	}
}
