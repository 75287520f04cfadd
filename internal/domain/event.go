package domain

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// SourceType identifies the kind of feed an event was normalized from.
type SourceType string

const (
	SourceIncident     SourceType = "incident"
	SourceDMS          SourceType = "dms"
	SourceFlood        SourceType = "flood"
	SourceClosure      SourceType = "closure"
	SourceWeatherAlert SourceType = "weather_alert"
)

// ParseSourceType validates a source type string. The empty string is allowed
// as a wildcard in filters but never on a stored event.
func ParseSourceType(s string) (SourceType, bool) {
	switch SourceType(s) {
	case SourceIncident, SourceDMS, SourceFlood, SourceClosure, SourceWeatherAlert:
		return SourceType(s), true
	}
	return "", false
}

// Event is the normalized hazard record shared by all providers. Geometry is
// always an orb.Polygon or orb.MultiPolygon (see package doc).
type Event struct {
	ID          string
	SourceType  SourceType
	Headline    string
	Description string

	Severity  string
	Certainty string
	Urgency   string

	Geometry orb.Geometry
	Start    time.Time
	Expires  time.Time

	// Directionality names the travel direction the event applies to
	// ("northbound" etc). Empty means all directions.
	Directionality string

	Version     int64
	RerouteHint bool

	// RawMetadata preserves provider fields the engine does not interpret.
	RawMetadata map[string]any
}

// ActiveAt reports whether the event's validity window overlaps
// [asOf, asOf+lookahead]. A zero lookahead is the plain "contains asOf" test.
func (e Event) ActiveAt(asOf time.Time, lookahead time.Duration) bool {
	return !e.Start.After(asOf.Add(lookahead)) && !e.Expires.Before(asOf)
}

// Bound returns the axis-aligned bounding box of the event's impact area.
func (e Event) Bound() orb.Bound {
	return e.Geometry.Bound()
}

// Payload is the wire representation of an event, used both by the REST
// surface and the notification dispatch hand-off.
func (e Event) Payload() EventPayload {
	return EventPayload{
		ID:             e.ID,
		SourceType:     string(e.SourceType),
		Headline:       e.Headline,
		Description:    e.Description,
		Severity:       e.Severity,
		Certainty:      e.Certainty,
		Urgency:        e.Urgency,
		Geometry:       geojson.NewGeometry(e.Geometry),
		Start:          e.Start,
		Expires:        e.Expires,
		Directionality: e.Directionality,
		Version:        e.Version,
		RerouteHint:    e.RerouteHint,
		RawMetadata:    e.RawMetadata,
	}
}

// EventPayload is the JSON form of an Event.
type EventPayload struct {
	ID             string            `json:"id"`
	SourceType     string            `json:"source_type"`
	Headline       string            `json:"headline,omitempty"`
	Description    string            `json:"description,omitempty"`
	Severity       string            `json:"severity,omitempty"`
	Certainty      string            `json:"certainty,omitempty"`
	Urgency        string            `json:"urgency,omitempty"`
	Geometry       *geojson.Geometry `json:"geometry"`
	Start          time.Time         `json:"start"`
	Expires        time.Time         `json:"expires"`
	Directionality string            `json:"directionality,omitempty"`
	Version        int64             `json:"version"`
	RerouteHint    bool              `json:"reroute_hint"`
	RawMetadata    map[string]any    `json:"raw_metadata,omitempty"`
}

// BoundingBox is an axis-aligned query rectangle in WGS-84 degrees.
type BoundingBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Validate rejects out-of-range coordinates and inverted boxes before any
// store access.
func (b BoundingBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 {
		return ValidationError{Field: "lat", Reason: "latitude must be within [-90, 90]"}
	}
	if b.MinLon < -180 || b.MaxLon > 180 {
		return ValidationError{Field: "lon", Reason: "longitude must be within [-180, 180]"}
	}
	if b.MinLon > b.MaxLon {
		return ValidationError{Field: "lon", Reason: "min_lon exceeds max_lon"}
	}
	if b.MinLat > b.MaxLat {
		return ValidationError{Field: "lat", Reason: "min_lat exceeds max_lat"}
	}
	return nil
}

// Bound converts the box to an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLon, b.MinLat},
		Max: orb.Point{b.MaxLon, b.MaxLat},
	}
}

// Overlaps reports whether the box overlaps the given geometry bound.
func (b BoundingBox) Overlaps(bound orb.Bound) bool {
	return b.Bound().Intersects(bound)
}

// BoxFromBound converts an orb.Bound back into a BoundingBox.
func BoxFromBound(bound orb.Bound) BoundingBox {
	return BoundingBox{
		MinLon: bound.Min[0],
		MinLat: bound.Min[1],
		MaxLon: bound.Max[0],
		MaxLat: bound.Max[1],
	}
}

// WorldBox covers the whole coordinate space. Used when a caller supplies no
// area of interest.
func WorldBox() BoundingBox {
	return BoundingBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}
}

// BoxAround returns the bounding box of a circle around center, used for
// radius-scoped area queries. Near the poles the longitude extent degenerates
// to the full range.
func BoxAround(center orb.Point, radiusMeters float64) BoundingBox {
	const metersPerDegree = 111320.0
	dLat := radiusMeters / metersPerDegree
	box := BoundingBox{
		MinLon: -180,
		MaxLon: 180,
		MinLat: math.Max(center[1]-dLat, -90),
		MaxLat: math.Min(center[1]+dLat, 90),
	}
	c := math.Cos(center[1] * math.Pi / 180)
	if c <= 1e-6 {
		return box
	}
	dLon := radiusMeters / (metersPerDegree * c)
	if dLon >= 180 {
		return box
	}
	box.MinLon = math.Max(center[0]-dLon, -180)
	box.MaxLon = math.Min(center[0]+dLon, 180)
	return box
}
