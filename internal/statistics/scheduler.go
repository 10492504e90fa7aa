// Package statistics schedules deferred recomputation of per-project
// vulnerability aggregates. Refreshes are asynchronous and coalesced: many
// requests for one project while a recompute is in flight share a single
// execution.
package statistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/storage"
)

// Scheduler coalesces and runs statistics refreshes.
type Scheduler struct {
	store storage.Storage
	log   zerolog.Logger
	group singleflight.Group
	wg    sync.WaitGroup
}

// NewScheduler creates a statistics scheduler.
func NewScheduler(store storage.Storage, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		log:   log.With().Str("component", "statistics").Logger(),
	}
}

// Schedule queues an asynchronous refresh for the project. Fire-and-forget:
// the caller never blocks on recomputation and never observes its error.
func (s *Scheduler) Schedule(projectID int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		key := fmt.Sprintf("project-%d", projectID)
		_, err, _ := s.group.Do(key, func() (any, error) {
			// Detached context: the run that requested the refresh may
			// already be gone.
			return s.store.RecomputeStatistics(context.Background(), projectID)
		})
		if err != nil {
			s.log.Warn().Int64("project", projectID).Err(err).Msg("statistics refresh failed")
		}
	}()
}

// Wait blocks until all scheduled refreshes finish. Test hook.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Handler adapts the scheduler to the event bus: one refresh per completed
// run, transitions or not.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler wraps a scheduler as a bus handler.
func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// ID implements eventbus.Handler.
func (h *Handler) ID() string { return "statistics-refresh" }

// Handles implements eventbus.Handler.
func (h *Handler) Handles() []eventbus.EventType {
	return []eventbus.EventType{eventbus.EventRunCompleted}
}

// Priority implements eventbus.Handler.
func (h *Handler) Priority() int { return 40 }

// Handle implements eventbus.Handler.
func (h *Handler) Handle(_ context.Context, event *eventbus.Event, _ *eventbus.Result) error {
	h.scheduler.Schedule(event.Project)
	return nil
}
