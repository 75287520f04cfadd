package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// Route is a per-request, non-persistent travel path. Points are ordered from
// origin to destination; the slice is the decoded form of a caller-supplied
// encoded polyline.
type Route struct {
	ID        string
	Points    []orb.Point
	Departure time.Time

	// Truncated is set when the decoded route exceeded the vertex cap and was
	// cut, so the caller can be told rather than silently served a partial
	// evaluation.
	Truncated bool
}

// Bound returns the bounding box of the route, or a zero bound for an empty
// route.
func (r Route) Bound() orb.Bound {
	if len(r.Points) == 0 {
		return orb.Bound{}
	}
	return orb.LineString(r.Points).Bound()
}

// SegmentRange is a contiguous run of route vertex indices.
type SegmentRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Intersection records that a route geometrically crosses an event's impact
// area. Produced fresh per request, never persisted.
type Intersection struct {
	RouteID string
	Event   Event
	Range   SegmentRange
}

// RouteOutcome classifies how a single route in a batch was handled.
type RouteOutcome string

const (
	RouteOK          RouteOutcome = "ok"
	RouteDecodeError RouteOutcome = "decode_error"
	RouteTimeout     RouteOutcome = "timeout"
	RouteFailed      RouteOutcome = "error"
)
