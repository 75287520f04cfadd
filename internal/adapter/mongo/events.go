// Package mongo persists normalized hazard events in a MongoDB collection
// with a 2dsphere geometry index. It implements the engine's event store
// queries and the ingest upsert.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const eventsCollection = "hazard_events"

// Store implements domain.EventStore on a MongoDB collection.
type Store struct {
	events   *mongodrv.Collection
	versions *domain.VersionSource
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewStore wraps the hazard_events collection of the given database.
func NewStore(db *mongodrv.Database, versions *domain.VersionSource, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		events:   db.Collection(eventsCollection),
		versions: versions,
		clock:    clock,
		logger:   logger,
	}
}

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongodrv.Client, error) {
	client, err := mongodrv.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the geometry, version, and expiry indexes. Safe to
// call on every startup; index creation is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	models := []mongodrv.IndexModel{
		{Keys: bson.D{{Key: "geometry", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "version", Value: 1}}},
		{Keys: bson.D{{Key: "expires", Value: 1}}},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, models); err != nil {
		return storeError("create event indexes", err)
	}
	return nil
}

// SyncVersionFloor raises the in-process version floor above the highest
// stored version, so versions stay monotonic across restarts.
func (s *Store) SyncVersionFloor(ctx context.Context) error {
	var doc struct {
		Version int64 `bson:"version"`
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.D{{Key: "version", Value: 1}})
	err := s.events.FindOne(ctx, bson.D{}, opts).Decode(&doc)
	if errors.Is(err, mongodrv.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return storeError("load version floor", err)
	}
	s.versions.Observe(doc.Version)
	return nil
}

// Upsert stores an event under a freshly assigned version, replacing any
// previous document with the same ID. Returns the event as stored.
func (s *Store) Upsert(ctx context.Context, event domain.Event) (domain.Event, error) {
	event.Version = s.versions.Next()
	doc := toDocument(event, s.clock.Now())
	filter := bson.D{{Key: "_id", Value: event.ID}}
	if _, err := s.events.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return domain.Event{}, storeError("upsert event", err)
	}
	return event, nil
}

// ActiveInBox returns events whose impact area intersects the box and whose
// validity window overlaps [asOf, asOf+lookahead].
func (s *Store) ActiveInBox(ctx context.Context, box domain.BoundingBox, asOf time.Time, lookahead time.Duration) ([]domain.Event, error) {
	cursor, err := s.events.Find(ctx, buildActiveFilter(box, asOf, lookahead))
	if err != nil {
		return nil, storeError("find active events", err)
	}
	return s.decodeAll(ctx, cursor)
}

// ChangedSince returns events with a version strictly greater than
// sinceVersion, ordered by version ascending so callers can advance their
// cursor from the last element.
func (s *Store) ChangedSince(ctx context.Context, sinceVersion int64) ([]domain.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	cursor, err := s.events.Find(ctx, buildChangedFilter(sinceVersion), opts)
	if err != nil {
		return nil, storeError("find changed events", err)
	}
	return s.decodeAll(ctx, cursor)
}

// Ping reports whether the backing deployment is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.events.Database().Client().Ping(ctx, readpref.Primary())
}

func (s *Store) decodeAll(ctx context.Context, cursor *mongodrv.Cursor) ([]domain.Event, error) {
	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storeError("decode events", err)
	}
	events := make([]domain.Event, 0, len(docs))
	for _, doc := range docs {
		event, err := doc.toEvent()
		if err != nil {
			s.logger.Warn("skipping undecodable event document", "event_id", doc.ID, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// storeError tags a driver failure so handlers can map it to 503 while
// keeping the cause in the chain.
func storeError(op string, cause error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrStoreUnavailable, cause))
}

// buildActiveFilter matches events intersecting the box with a validity
// window overlapping [asOf, asOf+lookahead]. Kept pure for testability.
func buildActiveFilter(box domain.BoundingBox, asOf time.Time, lookahead time.Duration) bson.D {
	window := bson.D{
		{Key: "start", Value: bson.D{{Key: "$lte", Value: asOf.Add(lookahead)}}},
		{Key: "expires", Value: bson.D{{Key: "$gte", Value: asOf}}},
	}
	if !geoFilterable(box) {
		return window
	}
	return append(bson.D{
		{Key: "geometry", Value: bson.D{
			{Key: "$geoIntersects", Value: bson.D{
				{Key: "$geometry", Value: boxPolygon(box)},
			}},
		}},
	}, window...)
}

// geoFilterable reports whether the box can be rendered as a single valid
// 2dsphere query ring. The index rejects rings spanning half the globe or
// touching a pole, so world-scale boxes fall back to the time-only filter and
// callers refine the superset with exact geometry checks.
func geoFilterable(box domain.BoundingBox) bool {
	return box.MaxLon-box.MinLon < 180 && box.MinLat > -90 && box.MaxLat < 90
}

// buildChangedFilter matches events with a version strictly greater than the
// caller's cursor.
func buildChangedFilter(sinceVersion int64) bson.D {
	return bson.D{
		{Key: "version", Value: bson.D{{Key: "$gt", Value: sinceVersion}}},
	}
}

// boxPolygon renders a bounding box as a closed GeoJSON polygon ring for
// $geoIntersects.
func boxPolygon(box domain.BoundingBox) bson.D {
	ring := bson.A{
		bson.A{box.MinLon, box.MinLat},
		bson.A{box.MaxLon, box.MinLat},
		bson.A{box.MaxLon, box.MaxLat},
		bson.A{box.MinLon, box.MaxLat},
		bson.A{box.MinLon, box.MinLat},
	}
	return bson.D{
		{Key: "type", Value: "Polygon"},
		{Key: "coordinates", Value: bson.A{ring}},
	}
}

// eventDocument is the BSON shape of a stored event. Geometry uses the
// geojson codec so documents satisfy the 2dsphere index.
type eventDocument struct {
	ID             string            `bson:"_id"`
	SourceType     string            `bson:"source_type"`
	Headline       string            `bson:"headline,omitempty"`
	Description    string            `bson:"description,omitempty"`
	Severity       string            `bson:"severity,omitempty"`
	Certainty      string            `bson:"certainty,omitempty"`
	Urgency        string            `bson:"urgency,omitempty"`
	Geometry       *geojson.Geometry `bson:"geometry"`
	Start          time.Time         `bson:"start"`
	Expires        time.Time         `bson:"expires"`
	Directionality string            `bson:"directionality,omitempty"`
	Version        int64             `bson:"version"`
	RerouteHint    bool              `bson:"reroute_hint"`
	RawMetadata    map[string]any    `bson:"raw_metadata,omitempty"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func toDocument(event domain.Event, updatedAt time.Time) eventDocument {
	return eventDocument{
		ID:             event.ID,
		SourceType:     string(event.SourceType),
		Headline:       event.Headline,
		Description:    event.Description,
		Severity:       event.Severity,
		Certainty:      event.Certainty,
		Urgency:        event.Urgency,
		Geometry:       geojson.NewGeometry(event.Geometry),
		Start:          event.Start.UTC(),
		Expires:        event.Expires.UTC(),
		Directionality: event.Directionality,
		Version:        event.Version,
		RerouteHint:    event.RerouteHint,
		RawMetadata:    event.RawMetadata,
		UpdatedAt:      updatedAt.UTC(),
	}
}

func (d eventDocument) toEvent() (domain.Event, error) {
	if d.Geometry == nil {
		return domain.Event{}, fmt.Errorf("event %q has no geometry", d.ID)
	}
	geom := d.Geometry.Geometry()
	switch geom.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return domain.Event{}, fmt.Errorf("event %q has unsupported geometry type %q", d.ID, d.Geometry.Type)
	}
	sourceType, ok := domain.ParseSourceType(d.SourceType)
	if !ok {
		return domain.Event{}, fmt.Errorf("event %q has unknown source type %q", d.ID, d.SourceType)
	}
	return domain.Event{
		ID:             d.ID,
		SourceType:     sourceType,
		Headline:       d.Headline,
		Description:    d.Description,
		Severity:       d.Severity,
		Certainty:      d.Certainty,
		Urgency:        d.Urgency,
		Geometry:       geom,
		Start:          d.Start.UTC(),
		Expires:        d.Expires.UTC(),
		Directionality: d.Directionality,
		Version:        d.Version,
		RerouteHint:    d.RerouteHint,
		RawMetadata:    d.RawMetadata,
	}, nil
}
