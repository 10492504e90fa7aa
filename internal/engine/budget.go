package engine

// DefaultDismissBudget is the fixed transition ceiling for auto-dismiss runs.
// Auto-resolve runs take a caller-supplied ceiling instead; the two paths are
// budgeted independently.
const DefaultDismissBudget = 1000

// DefaultBatchSize is the candidate page size for the batch iterator.
const DefaultBatchSize = 1000

// Budget bounds the number of transitions one run may perform. It is owned
// by a single run invocation and never persisted: an interrupted run simply
// starts the next invocation with a fresh budget. Exceeding the ceiling
// within one run is the only failure mode that matters.
type Budget struct {
	ceiling int
	used    int
}

// NewBudget creates a budget with the given ceiling. A non-positive ceiling
// yields an already-exhausted budget.
func NewBudget(ceiling int) *Budget {
	if ceiling < 0 {
		ceiling = 0
	}
	return &Budget{ceiling: ceiling}
}

// Remaining returns the number of transitions still allowed this run.
func (b *Budget) Remaining() int {
	return b.ceiling - b.used
}

// Exhausted reports whether no budget remains.
func (b *Budget) Exhausted() bool {
	return b.Remaining() <= 0
}

// Consume requests n transitions and returns how many were granted:
// min(n, remaining). Matches beyond the granted count are left untouched
// this run, deferred to a future run rather than dropped or errored.
func (b *Budget) Consume(n int) int {
	if n <= 0 {
		return 0
	}
	granted := min(n, b.Remaining())
	if granted < 0 {
		granted = 0
	}
	b.used += granted
	return granted
}
