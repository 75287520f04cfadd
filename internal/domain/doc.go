// Package domain models normalized hazard events and the route-impact types
// built on top of them.
//
// # Event Sources
//
// Events arrive through external ingestion jobs that poll third-party feeds
// (highway incident reports, DMS road-sign systems, NWS flood products, land
// closure bulletins, severe-weather alerts) and write normalized documents to
// the shared event store. Regardless of provider, every event carries the same
// envelope: a stable external id, a source type, a GeoJSON impact area, a
// validity window, and a monotonically increasing version. Provider-specific
// fields that the engine does not reason about are preserved verbatim in
// RawMetadata.
//
// # Geometry Conventions
//
// Impact areas are GeoJSON Polygons or MultiPolygons in WGS-84 with closed
// linear rings (first and last positions equal). Point-sourced reports, such
// as a single DMS sign or a spot incident, are buffered into a regular polygon
// at the ingestion boundary so that query time only ever sees areas. GeoJSON
// positions are ordered [lon, lat], matching orb.Point.
//
// # Validity Windows
//
//	start ≤ expires  (enforced at the ingestion boundary)
//
// An event is active at time T when start ≤ T ≤ expires. Forward-looking
// queries widen the upper bound by a lookahead so that a commute departing
// within the lookahead still sees events that begin mid-trip. Expired events
// stay queryable by version for a grace period so that incremental clients
// learn about the expiry; they never appear in active-window results.
//
// # Versions
//
//	version = microseconds since epoch, strictly increasing per upsert
//
// Versions double as an incremental sync cursor: a client holding cursor V
// asks for everything with version > V and advances to the maximum version it
// observes. VersionSource guarantees strict monotonicity even when the clock
// is coarse or steps backwards. Cursors are round-tripped by clients; the
// server persists nothing per client.
//
// # Directionality
//
// Directional events (for example a DMS message that only concerns northbound
// traffic) name the affected travel direction:
//
//	northbound 0° · eastbound 90° · southbound 180° · westbound 270°
//
// The ETA validator compares these reference bearings against the route's
// bearing at the affected segment. Events without a direction apply to all
// travel directions.
package domain
