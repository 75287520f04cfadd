// Package targeting combines validated route intersections with per-user
// read-state and the version cursor to produce the externally visible
// results: affecting-event lists, unread events, and incremental polls. It
// owns the engine's only side effects, UserEventState rows and dispatch
// hand-offs.
package targeting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/commuterlab/hazard-engine/internal/observability"
	"github.com/commuterlab/hazard-engine/internal/pipeline"
	"github.com/jonboulle/clockwork"
)

// RouteEvaluator is the decode-intersect-validate pipeline the service runs
// route batches through.
type RouteEvaluator interface {
	Evaluate(ctx context.Context, routes []pipeline.RouteRequest, typeFilter domain.SourceType, departure time.Time) ([]pipeline.RouteResult, error)
}

// PollItem is one changed event in an incremental poll response. IsAffected
// reports whether the event still applies to the caller's stated area, so
// clients can drop events that moved out of scope or expired.
type PollItem struct {
	Event      domain.Event
	IsAffected bool
}

// Service implements notification targeting. All methods are safe for
// concurrent use.
type Service struct {
	evaluator  RouteEvaluator
	store      domain.EventStore
	states     domain.UserStateStore
	dispatcher domain.Dispatcher
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	lookahead   time.Duration
	gracePeriod time.Duration
}

// NewService creates the targeting service. dispatcher may be nil when
// notification hand-off is disabled; state rows are still maintained.
func NewService(
	evaluator RouteEvaluator,
	store domain.EventStore,
	states domain.UserStateStore,
	dispatcher domain.Dispatcher,
	clock clockwork.Clock,
	logger *slog.Logger,
	metrics *observability.Metrics,
	lookahead, gracePeriod time.Duration,
) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		evaluator:   evaluator,
		store:       store,
		states:      states,
		dispatcher:  dispatcher,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		lookahead:   lookahead,
		gracePeriod: gracePeriod,
	}
}

// AffectingEvents evaluates the user's routes and returns per-route results
// with events the user has already read removed. Events confirmed affecting
// for the first time get a delivery record and a dispatch hand-off.
func (s *Service) AffectingEvents(ctx context.Context, userID string, routes []pipeline.RouteRequest, typeFilter domain.SourceType, departure time.Time) ([]pipeline.RouteResult, error) {
	results, err := s.evaluator.Evaluate(ctx, routes, typeFilter, departure)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, 8)
	seen := make(map[string]bool)
	for _, result := range results {
		for _, ae := range result.Events {
			if !seen[ae.Event.ID] {
				seen[ae.Event.ID] = true
				ids = append(ids, ae.Event.ID)
			}
		}
	}
	if len(ids) == 0 {
		return results, nil
	}

	states, err := s.states.States(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch user event states: %w", err)
	}

	delivered := make(map[string]bool)
	for i := range results {
		kept := results[i].Events[:0]
		for _, ae := range results[i].Events {
			if state, ok := states[ae.Event.ID]; ok && state.Read {
				continue
			}
			kept = append(kept, ae)
			if _, ok := states[ae.Event.ID]; !ok && !delivered[ae.Event.ID] {
				delivered[ae.Event.ID] = true
				s.recordDelivery(ctx, userID, ae.Event)
			}
		}
		results[i].Events = kept
	}
	return results, nil
}

// UnreadEvents returns active events in the user's area that the user has
// not read. Events seen for the first time get a delivery record, so a
// subsequent acknowledgment has a row to flip.
func (s *Service) UnreadEvents(ctx context.Context, userID string, area *domain.BoundingBox) ([]domain.Event, error) {
	box := domain.WorldBox()
	if area != nil {
		box = *area
	}

	queryStart := s.clock.Now()
	candidates, err := s.store.ActiveInBox(ctx, box, s.clock.Now(), s.lookahead)
	s.metrics.StoreQueryDuration.WithLabelValues("active_in_box").Observe(s.clock.Since(queryStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch active events: %w", err)
	}

	// The store may hand back a spatial superset for boxes its index cannot
	// express, so trim against the requested area here.
	events := candidates[:0]
	for _, event := range candidates {
		if box.Overlaps(event.Bound()) {
			events = append(events, event)
		}
	}
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]string, len(events))
	for i, event := range events {
		ids[i] = event.ID
	}
	states, err := s.states.States(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch user event states: %w", err)
	}

	unread := make([]domain.Event, 0, len(events))
	for _, event := range events {
		state, ok := states[event.ID]
		if ok && state.Read {
			continue
		}
		unread = append(unread, event)
		if !ok {
			s.recordDelivery(ctx, userID, event)
		}
	}
	return unread, nil
}

// Poll returns events changed since the caller's version cursor, each
// flagged with whether it still applies to the caller's area, plus the new
// cursor value. An empty change set echoes the cursor back.
func (s *Service) Poll(ctx context.Context, sinceVersion int64, box domain.BoundingBox) ([]PollItem, int64, error) {
	queryStart := s.clock.Now()
	events, err := s.store.ChangedSince(ctx, sinceVersion)
	s.metrics.StoreQueryDuration.WithLabelValues("changed_since").Observe(s.clock.Since(queryStart).Seconds())
	if err != nil {
		return nil, 0, fmt.Errorf("fetch changed events: %w", err)
	}
	s.metrics.PollBatchSize.Observe(float64(len(events)))

	now := s.clock.Now()
	items := make([]PollItem, len(events))
	newVersion := sinceVersion
	for i, event := range events {
		items[i] = PollItem{
			Event:      event,
			IsAffected: box.Overlaps(event.Bound()) && event.ActiveAt(now, s.lookahead),
		}
		if event.Version > newVersion {
			newVersion = event.Version
		}
	}
	return items, newVersion, nil
}

// MarkRead acknowledges an event for a user. Acknowledging an event with no
// delivery row still sticks; the row is created already-read.
func (s *Service) MarkRead(ctx context.Context, userID, eventID string) error {
	if err := s.states.MarkRead(ctx, userID, eventID, s.clock.Now(), s.gracePeriod); err != nil {
		return fmt.Errorf("mark event read: %w", err)
	}
	return nil
}

// recordDelivery creates the (user, event) state row if absent and hands the
// event to the dispatch topic on first creation. Dispatch failures are
// logged and counted, never surfaced; delivery transport has its own retry
// policy.
func (s *Service) recordDelivery(ctx context.Context, userID string, event domain.Event) {
	now := s.clock.Now()
	ttl := s.gracePeriod
	if remaining := event.Expires.Sub(now); remaining > 0 {
		ttl += remaining
	}

	created, err := s.states.EnsureDelivered(ctx, userID, event.ID, now, ttl)
	if err != nil {
		s.logger.Error("create delivery state failed",
			"user_id", userID,
			"event_id", event.ID,
			"error", err,
		)
		return
	}
	if !created {
		return
	}
	s.metrics.StateCreations.Inc()

	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, userID, event); err != nil {
		s.metrics.DispatchPublishes.WithLabelValues("error").Inc()
		s.logger.Error("dispatch hand-off failed",
			"user_id", userID,
			"event_id", event.ID,
			"error", err,
		)
		return
	}
	s.metrics.DispatchPublishes.WithLabelValues("success").Inc()
}
