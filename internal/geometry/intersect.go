// Package geometry tests route coordinate sequences against event impact
// areas. Everything here is pure computation on in-memory geometry; callers
// fan out across routes, so all functions are safe for concurrent use.
package geometry

import (
	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Intersect returns one Intersection per candidate event the route crosses,
// with the first..last affected vertex index range. A route crosses an event
// when any vertex lies inside the impact area or any route segment crosses a
// ring edge. Candidates whose bounding box misses the route's are skipped
// without fine tests.
func Intersect(route domain.Route, candidates []domain.Event) []domain.Intersection {
	if len(route.Points) == 0 || len(candidates) == 0 {
		return nil
	}

	routeBound := route.Bound()
	var found []domain.Intersection
	for _, event := range candidates {
		if event.Geometry == nil || !routeBound.Intersects(event.Bound()) {
			continue
		}
		rng, ok := affectedRange(route.Points, event.Geometry)
		if !ok {
			continue
		}
		found = append(found, domain.Intersection{
			RouteID: route.ID,
			Event:   event,
			Range:   rng,
		})
	}
	return found
}

// affectedRange finds the span of route vertices touching the geometry.
func affectedRange(points []orb.Point, geom orb.Geometry) (domain.SegmentRange, bool) {
	first, last := -1, -1
	mark := func(i int) {
		if first == -1 || i < first {
			first = i
		}
		if i > last {
			last = i
		}
	}

	inside := make([]bool, len(points))
	for i, p := range points {
		if containsPoint(geom, p) {
			inside[i] = true
			mark(i)
		}
	}

	for i := 0; i+1 < len(points); i++ {
		// A segment with both endpoints inside cannot widen the range.
		if inside[i] && inside[i+1] {
			continue
		}
		if segmentCrossesBoundary(geom, points[i], points[i+1]) {
			mark(i)
			mark(i + 1)
		}
	}

	if first == -1 {
		return domain.SegmentRange{}, false
	}
	return domain.SegmentRange{First: first, Last: last}, true
}

func containsPoint(geom orb.Geometry, p orb.Point) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

func segmentCrossesBoundary(geom orb.Geometry, a, b orb.Point) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return segmentCrossesPolygon(g, a, b)
	case orb.MultiPolygon:
		for _, poly := range g {
			if segmentCrossesPolygon(poly, a, b) {
				return true
			}
		}
	}
	return false
}

func segmentCrossesPolygon(poly orb.Polygon, a, b orb.Point) bool {
	for _, ring := range poly {
		for i := 0; i+1 < len(ring); i++ {
			if segmentsIntersect(a, b, ring[i], ring[i+1]) {
				return true
			}
		}
	}
	return false
}

// collinearEps absorbs float noise in cross products. Coordinates are WGS-84
// degrees, so real crossings produce values many orders of magnitude larger.
const collinearEps = 1e-12

// segmentsIntersect reports whether segments p1p2 and q1q2 intersect,
// including collinear overlap and endpoint touches. A route grazing a
// polygon corner counts as a crossing.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	s1 := orientation(q1, q2, p1)
	s2 := orientation(q1, q2, p2)
	s3 := orientation(p1, p2, q1)
	s4 := orientation(p1, p2, q2)

	if s1*s2 < 0 && s3*s4 < 0 {
		return true
	}

	if s1 == 0 && onSegment(q1, q2, p1) {
		return true
	}
	if s2 == 0 && onSegment(q1, q2, p2) {
		return true
	}
	if s3 == 0 && onSegment(p1, p2, q1) {
		return true
	}
	if s4 == 0 && onSegment(p1, p2, q2) {
		return true
	}
	return false
}

// orientation returns the sign of the cross product of ab x ac: 1 when c is
// left of the directed line a->b, -1 when right, 0 when collinear.
func orientation(a, b, c orb.Point) int {
	d := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	if d > collinearEps {
		return 1
	}
	if d < -collinearEps {
		return -1
	}
	return 0
}

// onSegment reports whether c, already known collinear with ab, lies within
// the segment's bounding box.
func onSegment(a, b, c orb.Point) bool {
	const slack = 1e-9
	return min(a[0], b[0])-slack <= c[0] && c[0] <= max(a[0], b[0])+slack &&
		min(a[1], b[1])-slack <= c[1] && c[1] <= max(a[1], b[1])+slack
}
