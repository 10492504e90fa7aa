// Package webhook delivers vulnerability transition events to
// project-configured HTTP endpoints. Delivery is a deferred, best-effort
// side effect: endpoints are loaded lazily (no payload is built when no
// consumer exists), requests are signed and retried with bounded backoff,
// and failures never reach the primary transaction.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the endpoint secret.
const SignatureHeader = "X-Vulnsweep-Signature"

// historySize bounds the in-memory delivery history ring.
const historySize = 100

// Payload is the JSON body delivered to webhook consumers.
type Payload struct {
	EventID     string                 `json:"event_id"`
	RunID       string                 `json:"run_id"`
	ProjectID   int64                  `json:"project_id"`
	PipelineID  int64                  `json:"pipeline_id"`
	PolicyName  string                 `json:"policy_name"`
	FromState   types.State            `json:"from_state"`
	ToState     types.State            `json:"to_state"`
	Reason      *types.DismissalReason `json:"dismissal_reason,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Vulnerability struct {
		ID         int64            `json:"id"`
		Title      string           `json:"title"`
		Severity   types.Severity   `json:"severity"`
		ReportType types.ReportType `json:"report_type"`
	} `json:"vulnerability"`
}

// Delivery records one attempted webhook delivery.
type Delivery struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

// Dispatcher fans transition events out to a project's webhook endpoints.
type Dispatcher struct {
	store      storage.Storage
	client     *http.Client
	log        zerolog.Logger
	maxRetries uint64

	mu      sync.Mutex
	history []Delivery
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides the per-request delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.client.Timeout = d }
}

// WithMaxRetries overrides the retry ceiling for retryable failures.
func WithMaxRetries(n uint64) Option {
	return func(dp *Dispatcher) { dp.maxRetries = n }
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store storage.Storage, log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		client:     &http.Client{Timeout: 15 * time.Second},
		log:        log.With().Str("component", "webhook").Logger(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ID implements eventbus.Handler.
func (d *Dispatcher) ID() string { return "webhooks" }

// Handles implements eventbus.Handler.
func (d *Dispatcher) Handles() []eventbus.EventType {
	return []eventbus.EventType{eventbus.EventTransitionsCompleted}
}

// Priority implements eventbus.Handler.
func (d *Dispatcher) Priority() int { return 30 }

// Handle delivers one payload per transition to every enabled endpoint.
// Endpoints are checked first so no payload is assembled when nobody
// listens.
func (d *Dispatcher) Handle(ctx context.Context, event *eventbus.Event, _ *eventbus.Result) error {
	endpoints, err := d.store.ListWebhookEndpoints(ctx, event.Project)
	if err != nil {
		return fmt.Errorf("failed to load webhook endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	payloads := d.buildPayloads(event)

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		for _, body := range payloads {
			g.Go(func() error {
				d.deliver(gctx, ep, body)
				return nil // best-effort; failures recorded in history
			})
		}
	}
	return g.Wait()
}

func (d *Dispatcher) buildPayloads(event *eventbus.Event) [][]byte {
	out := make([][]byte, 0, len(event.Transitions))
	now := time.Now()
	for _, rec := range event.Transitions {
		p := Payload{
			EventID:    uuid.NewString(),
			RunID:      event.RunID,
			ProjectID:  event.Project,
			PolicyName: rec.PolicyName,
			FromState:  rec.FromState,
			ToState:    rec.ToState,
			Reason:     rec.Reason,
			OccurredAt: now,
		}
		if event.Pipeline != nil {
			p.PipelineID = event.Pipeline.ID
		}
		p.Vulnerability.ID = rec.Vulnerability.ID
		p.Vulnerability.Title = rec.Vulnerability.Title
		p.Vulnerability.Severity = rec.Vulnerability.Severity
		p.Vulnerability.ReportType = rec.Vulnerability.ReportType

		body, err := json.Marshal(p)
		if err != nil {
			d.log.Warn().Err(err).Msg("failed to encode webhook payload")
			continue
		}
		out = append(out, body)
	}
	return out
}

// deliver posts one payload with bounded exponential backoff and records the
// outcome in the delivery history.
func (d *Dispatcher) deliver(ctx context.Context, ep *types.WebhookEndpoint, body []byte) {
	delivery := Delivery{ID: uuid.NewString(), Endpoint: ep.URL, At: time.Now()}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	op := func() error {
		delivery.Attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if ep.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(ep.Secret, body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		delivery.StatusCode = resp.StatusCode

		if resp.StatusCode >= 500 {
			return fmt.Errorf("endpoint returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			// Client errors will not improve with retries.
			return backoff.Permanent(fmt.Errorf("endpoint rejected delivery: %s", resp.Status))
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx))
	if err != nil {
		delivery.Error = err.Error()
		d.log.Warn().Str("endpoint", ep.URL).Err(err).Msg("webhook delivery failed")
	}
	d.record(delivery)
}

func (d *Dispatcher) record(delivery Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, delivery)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
}

// History returns a copy of the recent delivery records, oldest first.
func (d *Dispatcher) History() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Delivery, len(d.history))
	copy(out, d.history)
	return out
}

// Sign computes the hex HMAC-SHA256 signature for a payload body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
