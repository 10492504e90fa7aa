// Package search keeps the external search subsystem in sync with
// vulnerability state. Re-indexing is a deferred, best-effort side effect:
// transitioned vulnerabilities eligible for indexing are collected and
// submitted as one bulk request after the primary transaction commits.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// Document is one search index entry.
type Document struct {
	ID              int64            `json:"id"`
	ProjectID       int64            `json:"project_id"`
	UUID            string           `json:"uuid"`
	State           types.State      `json:"state"`
	Severity        types.Severity   `json:"severity"`
	ReportType      types.ReportType `json:"report_type"`
	DismissalReason string           `json:"dismissal_reason,omitempty"`
}

// bulkRequest is the payload submitted to the indexing endpoint.
type bulkRequest struct {
	Documents []Document `json:"documents"`
}

// Indexer submits bulk index updates over HTTP. A zero endpoint disables
// indexing entirely.
type Indexer struct {
	endpoint string
	client   *http.Client
	store    storage.Storage
	log      zerolog.Logger
}

// NewIndexer creates a search indexer. endpoint may be empty to disable.
func NewIndexer(store storage.Storage, endpoint string, log zerolog.Logger) *Indexer {
	return &Indexer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		store:    store,
		log:      log.With().Str("component", "search").Logger(),
	}
}

// Enabled reports whether an indexing endpoint is configured.
func (i *Indexer) Enabled() bool { return i.endpoint != "" }

// ID implements eventbus.Handler.
func (i *Indexer) ID() string { return "search-index" }

// Handles implements eventbus.Handler.
func (i *Indexer) Handles() []eventbus.EventType {
	return []eventbus.EventType{eventbus.EventTransitionsCompleted}
}

// Priority implements eventbus.Handler.
func (i *Indexer) Priority() int { return 20 }

// Handle collects the index-eligible records from the batch and submits them
// as one bulk request. Records with indexing disabled are skipped.
func (i *Indexer) Handle(ctx context.Context, event *eventbus.Event, _ *eventbus.Result) error {
	if !i.Enabled() || len(event.Transitions) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(event.Transitions))
	for _, rec := range event.Transitions {
		ids = append(ids, rec.Vulnerability.ID)
	}

	reads, err := i.store.GetReads(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load reads for indexing: %w", err)
	}

	docs := make([]Document, 0, len(reads))
	for _, r := range reads {
		if !r.Indexable {
			continue
		}
		doc := Document{
			ID:         r.VulnerabilityID,
			ProjectID:  r.ProjectID,
			UUID:       r.UUID,
			State:      r.State,
			Severity:   r.Severity,
			ReportType: r.ReportType,
		}
		if r.DismissalReason != nil {
			doc.DismissalReason = string(*r.DismissalReason)
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil
	}

	if err := i.submit(ctx, docs); err != nil {
		return err
	}
	i.log.Debug().Int("documents", len(docs)).Msg("bulk index submitted")
	return nil
}

func (i *Indexer) submit(ctx context.Context, docs []Document) error {
	body, err := json.Marshal(bulkRequest{Documents: docs})
	if err != nil {
		return fmt.Errorf("failed to encode bulk request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit bulk index: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bulk index rejected: %s", resp.Status)
	}
	return nil
}
