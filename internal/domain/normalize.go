package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// defaultBufferMeters is the radius used when a point-sourced record carries
// no radius of its own.
const defaultBufferMeters = 500.0

// bufferSegments is the vertex count of the polygon a point is buffered into.
const bufferSegments = 16

// RawProviderRecord is the duck-typed shape ingestion jobs hand to the
// normalization boundary. Only the envelope fields are interpreted; anything
// the provider adds beyond them rides along in Extra.
type RawProviderRecord struct {
	EventID     string          `json:"event_id"`
	Source      string          `json:"source"`
	Headline    string          `json:"headline"`
	Description string          `json:"description"`
	Severity    string          `json:"severity"`
	Certainty   string          `json:"certainty"`
	Urgency     string          `json:"urgency"`
	Direction   string          `json:"direction"`
	Geometry    json.RawMessage `json:"geometry"`
	// RadiusMeters applies only to Point geometry and sets the buffer radius.
	RadiusMeters float64        `json:"radius_meters"`
	Start        string         `json:"start"`
	Expires      string         `json:"expires"`
	RerouteHint  bool           `json:"reroute_hint"`
	Extra        map[string]any `json:"extra"`
}

// NormalizeRecord converts a raw provider record into a typed Event, assigning
// the next version from versions. Untyped provider payloads never flow past
// this boundary: invalid geometry, a missing expiry, or an inverted validity
// window reject the record outright.
func NormalizeRecord(rec RawProviderRecord, versions *VersionSource) (Event, error) {
	if strings.TrimSpace(rec.EventID) == "" {
		return Event{}, fmt.Errorf("normalize record: missing event_id")
	}

	sourceType, ok := ParseSourceType(rec.Source)
	if !ok {
		return Event{}, fmt.Errorf("normalize record %s: unknown source %q", rec.EventID, rec.Source)
	}

	geom, err := parseImpactArea(rec.Geometry, rec.RadiusMeters)
	if err != nil {
		return Event{}, fmt.Errorf("normalize record %s: %w", rec.EventID, err)
	}

	start, expires, err := parseWindow(rec.Start, rec.Expires, versions.clock.Now())
	if err != nil {
		return Event{}, fmt.Errorf("normalize record %s: %w", rec.EventID, err)
	}

	direction := strings.ToLower(strings.TrimSpace(rec.Direction))
	if direction != "" {
		if _, ok := DirectionBearing(direction); !ok {
			return Event{}, fmt.Errorf("normalize record %s: unknown direction %q", rec.EventID, rec.Direction)
		}
	}

	return Event{
		ID:             rec.EventID,
		SourceType:     sourceType,
		Headline:       rec.Headline,
		Description:    rec.Description,
		Severity:       rec.Severity,
		Certainty:      rec.Certainty,
		Urgency:        rec.Urgency,
		Geometry:       geom,
		Start:          start,
		Expires:        expires,
		Directionality: direction,
		Version:        versions.Next(),
		RerouteHint:    rec.RerouteHint,
		RawMetadata:    rec.Extra,
	}, nil
}

// parseImpactArea decodes the record's GeoJSON geometry and returns a closed
// area. Points are buffered into a polygon; anything other than Point,
// Polygon, or MultiPolygon is rejected.
func parseImpactArea(raw json.RawMessage, radiusMeters float64) (orb.Geometry, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing geometry")
	}

	var g geojson.Geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse geometry: %w", err)
	}

	switch geom := g.Geometry().(type) {
	case orb.Point:
		if radiusMeters <= 0 {
			radiusMeters = defaultBufferMeters
		}
		return bufferPoint(geom, radiusMeters), nil
	case orb.Polygon:
		if err := validatePolygon(geom); err != nil {
			return nil, err
		}
		return geom, nil
	case orb.MultiPolygon:
		if len(geom) == 0 {
			return nil, fmt.Errorf("empty multipolygon")
		}
		for i, poly := range geom {
			if err := validatePolygon(poly); err != nil {
				return nil, fmt.Errorf("polygon %d: %w", i, err)
			}
		}
		return geom, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}

// validatePolygon enforces the closed-linear-ring invariant.
func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("polygon has no rings")
	}
	for i, ring := range p {
		if len(ring) < 4 {
			return fmt.Errorf("ring %d has %d positions, need at least 4", i, len(ring))
		}
		if !ring.Closed() {
			return fmt.Errorf("ring %d is not closed", i)
		}
	}
	return nil
}

// parseWindow parses RFC 3339 start/expires. Expiry is mandatory; a missing
// start defaults to ingestion time (effective immediately).
func parseWindow(startStr, expiresStr string, now time.Time) (time.Time, time.Time, error) {
	if strings.TrimSpace(expiresStr) == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing expires")
	}
	expires, err := time.Parse(time.RFC3339, expiresStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse expires: %w", err)
	}

	start := now
	if strings.TrimSpace(startStr) != "" {
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse start: %w", err)
		}
	}

	if start.After(expires) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s after expires %s", start.Format(time.RFC3339), expires.Format(time.RFC3339))
	}
	return start, expires, nil
}

// bufferPoint expands a point into a regular polygon of the given radius.
// Longitude degrees shrink with latitude, so the east-west radius is scaled
// by cos(lat) to keep the buffer roughly circular on the ground.
func bufferPoint(center orb.Point, radiusMeters float64) orb.Polygon {
	const metersPerDegree = 111320.0

	latRad := center[1] * math.Pi / 180
	dLat := radiusMeters / metersPerDegree
	dLon := dLat
	if c := math.Cos(latRad); c > 1e-6 {
		dLon = radiusMeters / (metersPerDegree * c)
	}

	ring := make(orb.Ring, 0, bufferSegments+1)
	for i := 0; i < bufferSegments; i++ {
		angle := 2 * math.Pi * float64(i) / bufferSegments
		ring = append(ring, orb.Point{
			center[0] + dLon*math.Cos(angle),
			center[1] + dLat*math.Sin(angle),
		})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}
