// Package pipeline orchestrates the per-request evaluation flow: decode the
// batch's polylines, fetch the candidate event set once, then fan out
// intersection and ETA checks across routes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/commuterlab/hazard-engine/internal/eta"
	"github.com/commuterlab/hazard-engine/internal/geometry"
	"github.com/commuterlab/hazard-engine/internal/observability"
	"github.com/commuterlab/hazard-engine/internal/polyline"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
)

// RouteRequest is one encoded route from a batch evaluation request.
type RouteRequest struct {
	ID      string
	Encoded string
	Format  polyline.Format
}

// AffectedEvent is an event confirmed affecting for one route, with the
// intersected vertex range and the estimated arrival time there.
type AffectedEvent struct {
	Event domain.Event
	Range domain.SegmentRange
	ETA   time.Time
}

// RouteResult is the evaluation outcome for one route. A failed route never
// aborts its batch; the failure is carried here instead.
type RouteResult struct {
	RouteID   string
	Outcome   domain.RouteOutcome
	Truncated bool
	Warning   string
	Events    []AffectedEvent
}

// Evaluator runs decode-intersect-validate over a batch of routes against a
// single candidate snapshot. Stateless between requests; safe for concurrent
// use.
type Evaluator struct {
	codec     polyline.Decoder
	store     domain.EventStore
	validator *eta.Validator
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics

	lookahead   time.Duration
	maxVertices int
	workerLimit int
}

// New creates an Evaluator. workerLimit bounds per-request route fan-out;
// maxVertices bounds the per-route geometry size, with overruns truncated and
// reported.
func New(
	codec polyline.Decoder,
	store domain.EventStore,
	validator *eta.Validator,
	clock clockwork.Clock,
	logger *slog.Logger,
	metrics *observability.Metrics,
	lookahead time.Duration,
	maxVertices, workerLimit int,
) *Evaluator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if workerLimit <= 0 {
		workerLimit = runtime.NumCPU()
	}
	return &Evaluator{
		codec:       codec,
		store:       store,
		validator:   validator,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		lookahead:   lookahead,
		maxVertices: maxVertices,
		workerLimit: workerLimit,
	}
}

// Evaluate processes a batch of routes. The candidate event set is fetched
// exactly once for the union of all route bounds, so every route in the batch
// sees the same snapshot. Per-route failures (malformed polyline, deadline)
// are reported in that route's result; only a store failure fails the whole
// request.
func (e *Evaluator) Evaluate(ctx context.Context, routes []RouteRequest, typeFilter domain.SourceType, departure time.Time) ([]RouteResult, error) {
	start := e.clock.Now()

	results := make([]RouteResult, len(routes))
	decoded := make([]domain.Route, len(routes))
	var unionBound orb.Bound
	haveBound := false

	for i, req := range routes {
		results[i] = RouteResult{RouteID: req.ID}

		route, warning := e.decodeRoute(req, departure)
		if warning != "" {
			results[i].Outcome = domain.RouteDecodeError
			results[i].Warning = warning
			continue
		}
		results[i].Truncated = route.Truncated
		decoded[i] = route

		if haveBound {
			unionBound = unionBound.Union(route.Bound())
		} else {
			unionBound = route.Bound()
			haveBound = true
		}
	}

	if !haveBound {
		e.finish(start, results)
		return results, nil
	}

	candidates, err := e.fetchCandidates(ctx, unionBound, typeFilter)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(routes), e.workerLimit))
	for i := range routes {
		i := i
		if results[i].Outcome == domain.RouteDecodeError {
			continue
		}
		g.Go(func() error {
			e.evaluateRoute(gctx, decoded[i], candidates, &results[i])
			return nil
		})
	}
	// Workers never return errors; failures land in per-route results.
	_ = g.Wait()

	e.finish(start, results)
	return results, nil
}

// decodeRoute decodes and caps one route. Malformed input degrades to an
// empty route with a warning, the §7 contract for polylines.
func (e *Evaluator) decodeRoute(req RouteRequest, departure time.Time) (domain.Route, string) {
	points, err := e.codec.Decode(req.Encoded, req.Format)
	if err != nil {
		e.metrics.PolylineDecodes.WithLabelValues(string(req.Format), "error").Inc()
		e.logger.Warn("polyline decode failed",
			"route_id", req.ID,
			"format", req.Format,
			"error", err,
		)
		return domain.Route{}, err.Error()
	}
	e.metrics.PolylineDecodes.WithLabelValues(string(req.Format), "success").Inc()

	route := domain.Route{ID: req.ID, Points: points, Departure: departure}
	if e.maxVertices > 0 && len(points) > e.maxVertices {
		route.Points = points[:e.maxVertices]
		route.Truncated = true
		e.logger.Warn("route truncated",
			"route_id", req.ID,
			"vertices", len(points),
			"limit", e.maxVertices,
		)
	}
	return route, ""
}

// fetchCandidates performs the single coarse store query for the request.
func (e *Evaluator) fetchCandidates(ctx context.Context, bound orb.Bound, typeFilter domain.SourceType) ([]domain.Event, error) {
	queryStart := e.clock.Now()
	candidates, err := e.store.ActiveInBox(ctx, domain.BoxFromBound(bound), e.clock.Now(), e.lookahead)
	e.metrics.StoreQueryDuration.WithLabelValues("active_in_box").Observe(e.clock.Since(queryStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch candidate events: %w", err)
	}

	if typeFilter != "" {
		filtered := candidates[:0]
		for _, event := range candidates {
			if event.SourceType == typeFilter {
				filtered = append(filtered, event)
			}
		}
		candidates = filtered
	}
	e.metrics.CandidateEvents.Observe(float64(len(candidates)))
	return candidates, nil
}

// evaluateRoute runs the CPU-bound stages for one route. A deadline or
// disconnect mid-route marks this route, never the batch.
func (e *Evaluator) evaluateRoute(ctx context.Context, route domain.Route, candidates []domain.Event, result *RouteResult) {
	if err := ctx.Err(); err != nil {
		result.Outcome = outcomeForContext(err)
		return
	}

	affecting := make([]AffectedEvent, 0, 4)
	for _, isec := range geometry.Intersect(route, candidates) {
		if err := ctx.Err(); err != nil {
			result.Outcome = outcomeForContext(err)
			return
		}
		res := e.validator.Validate(route, isec)
		if !res.Affecting {
			continue
		}
		affecting = append(affecting, AffectedEvent{
			Event: isec.Event,
			Range: isec.Range,
			ETA:   res.ETA,
		})
	}

	result.Outcome = domain.RouteOK
	result.Events = affecting
}

func (e *Evaluator) finish(start time.Time, results []RouteResult) {
	var affecting int
	for i := range results {
		if results[i].Outcome == "" {
			results[i].Outcome = domain.RouteFailed
		}
		e.metrics.RouteResults.WithLabelValues(string(results[i].Outcome)).Inc()
		affecting += len(results[i].Events)
	}
	e.metrics.AffectingEvents.Add(float64(affecting))
	e.metrics.EvaluationDuration.Observe(e.clock.Since(start).Seconds())
}

func outcomeForContext(err error) domain.RouteOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.RouteTimeout
	}
	return domain.RouteFailed
}
