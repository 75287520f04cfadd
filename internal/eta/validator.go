// Package eta decides whether a geometric intersection is temporally
// relevant: will the traveler actually be at the affected segment while the
// event is live, heading in a direction the event applies to.
package eta

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb/geo"
)

// Result is the validation outcome for one intersection. ETA is zero when it
// could not be computed.
type Result struct {
	Affecting bool
	ETA       time.Time
}

// Validator estimates arrival times at intersected segments and checks them
// against event validity windows and directionality. Safe for concurrent use.
type Validator struct {
	avgSpeedKMH  float64
	toleranceDeg float64
	clock        clockwork.Clock
	logger       *slog.Logger
}

// NewValidator creates a validator. avgSpeedKMH is the assumed travel speed
// when routes carry no per-segment timing; toleranceDeg is the maximum
// bearing deviation for directionality matches. A nil clock falls back to the
// real one.
func NewValidator(avgSpeedKMH, toleranceDeg float64, clock clockwork.Clock, logger *slog.Logger) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{
		avgSpeedKMH:  avgSpeedKMH,
		toleranceDeg: toleranceDeg,
		clock:        clock,
		logger:       logger,
	}
}

// Validate computes the ETA at the midpoint vertex of the intersected range
// and reports whether the event is affecting: geometric overlap is necessary
// but not sufficient. Computation failures fail closed, the event is
// reported non-affecting and the cause is logged, never propagated.
func (v *Validator) Validate(route domain.Route, isec domain.Intersection) Result {
	mid := (isec.Range.First + isec.Range.Last) / 2
	if len(route.Points) == 0 || mid < 0 || mid >= len(route.Points) {
		v.warn(route, isec, "intersection range outside route")
		return Result{}
	}
	if v.avgSpeedKMH <= 0 {
		v.warn(route, isec, "non-positive average speed")
		return Result{}
	}

	var meters float64
	for i := 0; i < mid; i++ {
		meters += geo.DistanceHaversine(route.Points[i], route.Points[i+1])
	}

	departure := route.Departure
	if departure.IsZero() {
		departure = v.clock.Now()
	}
	elapsed := time.Duration(meters / (v.avgSpeedKMH / 3.6) * float64(time.Second))
	eta := departure.Add(elapsed)

	event := isec.Event
	if eta.Before(event.Start) || eta.After(event.Expires) {
		return Result{ETA: eta}
	}

	if event.Directionality != "" {
		ok, err := v.directionMatches(route, mid, event.Directionality)
		if err != nil {
			v.warn(route, isec, err.Error())
			return Result{ETA: eta}
		}
		if !ok {
			return Result{ETA: eta}
		}
	}

	return Result{Affecting: true, ETA: eta}
}

// directionMatches compares the route's bearing at the midpoint segment
// against the event's stated direction.
func (v *Validator) directionMatches(route domain.Route, mid int, direction string) (bool, error) {
	want, ok := domain.DirectionBearing(direction)
	if !ok {
		return false, fmt.Errorf("unknown directionality %q", direction)
	}

	from, to := mid, mid+1
	if to >= len(route.Points) {
		from, to = mid-1, mid
	}
	if from < 0 {
		return false, fmt.Errorf("route too short for bearing")
	}
	a, b := route.Points[from], route.Points[to]
	if a == b {
		return false, fmt.Errorf("degenerate segment at vertex %d", from)
	}

	bearing := geo.Bearing(a, b)
	return angleDiff(bearing, want) <= v.toleranceDeg, nil
}

func (v *Validator) warn(route domain.Route, isec domain.Intersection, reason string) {
	if v.logger == nil {
		return
	}
	v.logger.Warn("eta validation failed closed",
		"route_id", route.ID,
		"event_id", isec.Event.ID,
		"reason", reason,
	)
}

// angleDiff returns the absolute angular difference in [0, 180].
func angleDiff(a, b float64) float64 {
	return math.Abs(math.Mod(a-b+540, 360) - 180)
}
