package engine

import (
	"context"
	"fmt"

	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// batchIterator streams candidate vulnerabilities from the read-model
// projection in fixed-size, id-ordered pages. The keyset cursor guarantees
// full coverage without duplicate processing within one pass; a candidate
// that changes state between listing and processing is re-validated by the
// executor before commit.
type batchIterator struct {
	store     storage.Storage
	projectID int64
	ids       []int64
	batchSize int
	afterID   int64
	done      bool
}

func newBatchIterator(store storage.Storage, projectID int64, ids []int64, batchSize int) *batchIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &batchIterator{
		store:     store,
		projectID: projectID,
		ids:       ids,
		batchSize: batchSize,
	}
}

// next returns the next page, or nil when the candidate set is exhausted.
func (it *batchIterator) next(ctx context.Context) ([]*types.Vulnerability, error) {
	if it.done || len(it.ids) == 0 {
		return nil, nil
	}

	page, err := it.store.ListCandidates(ctx, storage.CandidateFilter{
		ProjectID: it.projectID,
		IDs:       it.ids,
		AfterID:   it.afterID,
		Limit:     it.batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidate page: %w", err)
	}

	if len(page) == 0 {
		it.done = true
		return nil, nil
	}
	it.afterID = page[len(page)-1].ID
	if len(page) < it.batchSize {
		it.done = true
	}
	return page, nil
}
