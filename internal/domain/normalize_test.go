package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRecord_Polygon(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC))
	versions := domain.NewVersionSource(fakeClock)

	rec := domain.RawProviderRecord{
		EventID:     "evt-100",
		Source:      "incident",
		Headline:    "Overturned truck on I-35",
		Description: "Two right lanes blocked",
		Severity:    "major",
		Certainty:   "observed",
		Urgency:     "immediate",
		Direction:   "Northbound",
		Geometry:    polygonJSON(t, -97.75, 30.26, 0.01),
		Start:       "2026-03-14T08:30:00Z",
		Expires:     "2026-03-14T12:00:00Z",
		RerouteHint: true,
		Extra:       map[string]any{"provider_ref": "TX-4417"},
	}

	event, err := domain.NormalizeRecord(rec, versions)
	require.NoError(t, err)

	type summary struct {
		ID             string
		SourceType     domain.SourceType
		Headline       string
		Severity       string
		Directionality string
		RerouteHint    bool
	}
	expected := summary{
		ID:             "evt-100",
		SourceType:     domain.SourceIncident,
		Headline:       "Overturned truck on I-35",
		Severity:       "major",
		Directionality: "northbound",
		RerouteHint:    true,
	}
	actual := summary{
		ID:             event.ID,
		SourceType:     event.SourceType,
		Headline:       event.Headline,
		Severity:       event.Severity,
		Directionality: event.Directionality,
		RerouteHint:    event.RerouteHint,
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Fatalf("normalized event mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, time.Date(2026, time.March, 14, 8, 30, 0, 0, time.UTC), event.Start)
	assert.Equal(t, time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC), event.Expires)
	assert.Equal(t, fakeClock.Now().UnixMicro(), event.Version)
	assert.Equal(t, "TX-4417", event.RawMetadata["provider_ref"])
}

func TestNormalizeRecord_BuffersPoint(t *testing.T) {
	versions := domain.NewVersionSource(clockwork.NewFakeClockAt(time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)))

	rec := domain.RawProviderRecord{
		EventID:      "evt-101",
		Source:       "flood",
		Geometry:     json.RawMessage(`{"type":"Point","coordinates":[-97.75,30.26]}`),
		RadiusMeters: 1000,
		Expires:      "2026-03-15T00:00:00Z",
	}

	event, err := domain.NormalizeRecord(rec, versions)
	require.NoError(t, err)

	bound := event.Bound()
	// 1000 m is roughly 0.009 degrees of latitude.
	assert.InDelta(t, 0.009, bound.Max[1]-30.26, 0.001)
	assert.InDelta(t, 0.009, 30.26-bound.Min[1], 0.001)
	assert.True(t, bound.Contains(orb.Point{-97.75, 30.26}))
}

func TestNormalizeRecord_DefaultsStartToNow(t *testing.T) {
	now := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	versions := domain.NewVersionSource(clockwork.NewFakeClockAt(now))

	rec := domain.RawProviderRecord{
		EventID:  "evt-102",
		Source:   "closure",
		Geometry: polygonJSON(t, -97.75, 30.26, 0.01),
		Expires:  "2026-03-15T00:00:00Z",
	}

	event, err := domain.NormalizeRecord(rec, versions)
	require.NoError(t, err)
	assert.True(t, event.Start.Equal(now))
}

func TestNormalizeRecord_AssignsMonotonicVersions(t *testing.T) {
	versions := domain.NewVersionSource(clockwork.NewFakeClockAt(time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)))

	rec := domain.RawProviderRecord{
		EventID:  "evt-103",
		Source:   "dms",
		Geometry: polygonJSON(t, -97.75, 30.26, 0.01),
		Expires:  "2026-03-15T00:00:00Z",
	}

	first, err := domain.NormalizeRecord(rec, versions)
	require.NoError(t, err)
	second, err := domain.NormalizeRecord(rec, versions)
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)
}

func TestNormalizeRecord_Rejections(t *testing.T) {
	versions := domain.NewVersionSource(clockwork.NewFakeClockAt(time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)))

	valid := domain.RawProviderRecord{
		EventID:  "evt-104",
		Source:   "incident",
		Geometry: polygonJSON(t, -97.75, 30.26, 0.01),
		Expires:  "2026-03-15T00:00:00Z",
	}

	tests := []struct {
		name   string
		mutate func(*domain.RawProviderRecord)
	}{
		{"missing event id", func(r *domain.RawProviderRecord) { r.EventID = " " }},
		{"unknown source", func(r *domain.RawProviderRecord) { r.Source = "earthquake" }},
		{"missing geometry", func(r *domain.RawProviderRecord) { r.Geometry = nil }},
		{"malformed geometry", func(r *domain.RawProviderRecord) { r.Geometry = json.RawMessage(`{"type":`) }},
		{"unsupported geometry", func(r *domain.RawProviderRecord) {
			r.Geometry = json.RawMessage(`{"type":"LineString","coordinates":[[-97.75,30.26],[-97.74,30.27]]}`)
		}},
		{"unclosed ring", func(r *domain.RawProviderRecord) {
			r.Geometry = json.RawMessage(`{"type":"Polygon","coordinates":[[[-97.75,30.26],[-97.74,30.26],[-97.74,30.27],[-97.75,30.27]]]}`)
		}},
		{"degenerate ring", func(r *domain.RawProviderRecord) {
			r.Geometry = json.RawMessage(`{"type":"Polygon","coordinates":[[[-97.75,30.26],[-97.74,30.26],[-97.75,30.26]]]}`)
		}},
		{"missing expires", func(r *domain.RawProviderRecord) { r.Expires = "" }},
		{"malformed expires", func(r *domain.RawProviderRecord) { r.Expires = "tomorrow" }},
		{"inverted window", func(r *domain.RawProviderRecord) {
			r.Start = "2026-03-16T00:00:00Z"
			r.Expires = "2026-03-15T00:00:00Z"
		}},
		{"unknown direction", func(r *domain.RawProviderRecord) { r.Direction = "diagonal" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid
			tt.mutate(&rec)
			_, err := domain.NormalizeRecord(rec, versions)
			assert.Error(t, err)
		})
	}
}

// --- helpers ---

// polygonJSON returns a closed square of the given half-width centered on
// (lon, lat), as raw GeoJSON.
func polygonJSON(t *testing.T, lon, lat, half float64) json.RawMessage {
	t.Helper()
	ring := [][]float64{
		{lon - half, lat - half},
		{lon + half, lat - half},
		{lon + half, lat + half},
		{lon - half, lat + half},
		{lon - half, lat - half},
	}
	data, err := json.Marshal(map[string]any{
		"type":        "Polygon",
		"coordinates": [][][]float64{ring},
	})
	require.NoError(t, err)
	return data
}
