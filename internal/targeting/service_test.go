package targeting_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/commuterlab/hazard-engine/internal/observability"
	"github.com/commuterlab/hazard-engine/internal/pipeline"
	"github.com/commuterlab/hazard-engine/internal/targeting"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type fakeEvaluator struct {
	results   []pipeline.RouteResult
	err       error
	gotRoutes []pipeline.RouteRequest
}

func (f *fakeEvaluator) Evaluate(_ context.Context, routes []pipeline.RouteRequest, _ domain.SourceType, _ time.Time) ([]pipeline.RouteResult, error) {
	f.gotRoutes = routes
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeEventStore struct {
	active    []domain.Event
	changed   []domain.Event
	err       error
	lastBox   domain.BoundingBox
	lastSince int64
}

func (f *fakeEventStore) ActiveInBox(_ context.Context, box domain.BoundingBox, _ time.Time, _ time.Duration) ([]domain.Event, error) {
	f.lastBox = box
	if f.err != nil {
		return nil, f.err
	}
	return f.active, nil
}

func (f *fakeEventStore) ChangedSince(_ context.Context, sinceVersion int64) ([]domain.Event, error) {
	f.lastSince = sinceVersion
	if f.err != nil {
		return nil, f.err
	}
	return f.changed, nil
}

type ensureCall struct {
	userID  string
	eventID string
	at      time.Time
	ttl     time.Duration
}

type markCall struct {
	userID  string
	eventID string
	readAt  time.Time
	ttl     time.Duration
}

type fakeStates struct {
	mu         sync.Mutex
	rows       map[string]domain.UserEventState
	statesErr  error
	ensureErr  error
	markErr    error
	ensures    []ensureCall
	marks      []markCall
	stateCalls int
}

func newFakeStates(rows ...domain.UserEventState) *fakeStates {
	f := &fakeStates{rows: make(map[string]domain.UserEventState)}
	for _, row := range rows {
		f.rows[row.UserID+"|"+row.EventID] = row
	}
	return f
}

func (f *fakeStates) EnsureDelivered(_ context.Context, userID, eventID string, deliveredAt time.Time, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return false, f.ensureErr
	}
	f.ensures = append(f.ensures, ensureCall{userID: userID, eventID: eventID, at: deliveredAt, ttl: ttl})
	key := userID + "|" + eventID
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	f.rows[key] = domain.UserEventState{UserID: userID, EventID: eventID, DeliveredAt: deliveredAt}
	return true, nil
}

func (f *fakeStates) States(_ context.Context, userID string, eventIDs []string) (map[string]domain.UserEventState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.statesErr != nil {
		return nil, f.statesErr
	}
	out := make(map[string]domain.UserEventState)
	for _, id := range eventIDs {
		if row, ok := f.rows[userID+"|"+id]; ok {
			out[id] = row
		}
	}
	return out, nil
}

func (f *fakeStates) MarkRead(_ context.Context, userID, eventID string, readAt time.Time, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, markCall{userID: userID, eventID: eventID, readAt: readAt, ttl: ttl})
	return nil
}

type dispatched struct {
	userID string
	event  domain.Event
}

type fakeDispatcher struct {
	mu   sync.Mutex
	err  error
	sent []dispatched
}

func (f *fakeDispatcher) Dispatch(_ context.Context, userID string, event domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, dispatched{userID: userID, event: event})
	return nil
}

// --- helpers ---

func testClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC))
}

func floodEvent(id string) domain.Event {
	return domain.Event{
		ID:         id,
		SourceType: domain.SourceFlood,
		Headline:   "Flash flooding on SH-288",
		Severity:   "severe",
		Geometry: orb.Polygon{{
			{-95.55, 29.55}, {-95.35, 29.55}, {-95.35, 29.65}, {-95.55, 29.65}, {-95.55, 29.55},
		}},
		Start:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Expires: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Version: 1700000001000001,
	}
}

func routeResult(routeID string, events ...domain.Event) pipeline.RouteResult {
	result := pipeline.RouteResult{RouteID: routeID, Outcome: domain.RouteOK}
	for _, event := range events {
		result.Events = append(result.Events, pipeline.AffectedEvent{
			Event: event,
			Range: domain.SegmentRange{First: 0, Last: 2},
			ETA:   time.Date(2026, 3, 14, 10, 45, 0, 0, time.UTC),
		})
	}
	return result
}

func newService(t *testing.T, ev targeting.RouteEvaluator, store domain.EventStore, states domain.UserStateStore, disp domain.Dispatcher) *targeting.Service {
	t.Helper()
	return targeting.NewService(
		ev, store, states, disp,
		testClock(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		observability.NewMetricsForTesting(),
		time.Hour,
		24*time.Hour,
	)
}

// --- tests ---

func TestService_AffectingEvents_ExcludesReadEvents(t *testing.T) {
	read := domain.UserEventState{UserID: "user-1", EventID: "evt-read", Read: true}
	states := newFakeStates(read)
	disp := &fakeDispatcher{}
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		routeResult("commute", floodEvent("evt-read"), floodEvent("evt-new")),
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, disp)

	results, err := svc.AffectingEvents(context.Background(), "user-1", []pipeline.RouteRequest{{ID: "commute"}}, "", time.Time{})

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Events, 1)
	assert.Equal(t, "evt-new", results[0].Events[0].Event.ID)

	require.Len(t, disp.sent, 1)
	assert.Equal(t, "user-1", disp.sent[0].userID)
	assert.Equal(t, "evt-new", disp.sent[0].event.ID)
}

func TestService_AffectingEvents_DeliversOncePerEvent(t *testing.T) {
	states := newFakeStates()
	disp := &fakeDispatcher{}
	shared := floodEvent("evt-shared")
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		routeResult("northbound", shared),
		routeResult("southbound", shared),
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, disp)

	results, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0].Events, 1)
	assert.Len(t, results[1].Events, 1)
	assert.Len(t, states.ensures, 1)
	assert.Len(t, disp.sent, 1)
}

func TestService_AffectingEvents_DeliveredUnreadStaysWithoutRedispatch(t *testing.T) {
	unread := domain.UserEventState{
		UserID:      "user-1",
		EventID:     "evt-flood",
		DeliveredAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	states := newFakeStates(unread)
	disp := &fakeDispatcher{}
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		routeResult("commute", floodEvent("evt-flood")),
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, disp)

	results, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	require.NoError(t, err)
	require.Len(t, results[0].Events, 1)
	assert.Empty(t, states.ensures)
	assert.Empty(t, disp.sent)
}

func TestService_AffectingEvents_DeliveryTTLCoversEventValidity(t *testing.T) {
	states := newFakeStates()
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		routeResult("commute", floodEvent("evt-flood")),
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, &fakeDispatcher{})

	_, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	require.NoError(t, err)
	require.Len(t, states.ensures, 1)
	call := states.ensures[0]
	assert.Equal(t, "user-1", call.userID)
	assert.Equal(t, "evt-flood", call.eventID)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), call.at)
	// 1h30m until the event expires, plus the 24h grace period.
	assert.Equal(t, 24*time.Hour+90*time.Minute, call.ttl)
}

func TestService_AffectingEvents_DispatchFailureDoesNotFailRequest(t *testing.T) {
	states := newFakeStates()
	disp := &fakeDispatcher{err: errors.New("broker unreachable")}
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		routeResult("commute", floodEvent("evt-flood")),
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, disp)

	results, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Events, 1, "dispatch failure must not drop the event from results")
	assert.Len(t, states.ensures, 1, "state row is still created")
}

func TestService_AffectingEvents_NilDispatcher(t *testing.T) {
	states := newFakeStates()
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		routeResult("commute", floodEvent("evt-flood")),
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, nil)

	results, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	require.NoError(t, err)
	assert.Len(t, results[0].Events, 1)
	assert.Len(t, states.ensures, 1)
}

func TestService_AffectingEvents_StateStoreFailure(t *testing.T) {
	states := newFakeStates()
	states.statesErr = errors.New("connection refused")
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		routeResult("commute", floodEvent("evt-flood")),
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, &fakeDispatcher{})

	_, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "user event states")
}

func TestService_AffectingEvents_EvaluatorErrorPropagates(t *testing.T) {
	ev := &fakeEvaluator{err: domain.ErrStoreUnavailable}
	svc := newService(t, ev, &fakeEventStore{}, newFakeStates(), &fakeDispatcher{})

	_, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestService_AffectingEvents_NoAffectingEventsSkipsStateLookup(t *testing.T) {
	states := newFakeStates()
	ev := &fakeEvaluator{results: []pipeline.RouteResult{
		{RouteID: "commute", Outcome: domain.RouteOK},
		{RouteID: "broken", Outcome: domain.RouteDecodeError, Warning: "decode google polyline: invalid character"},
	}}
	svc := newService(t, ev, &fakeEventStore{}, states, &fakeDispatcher{})

	results, err := svc.AffectingEvents(context.Background(), "user-1", nil, "", time.Time{})

	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Zero(t, states.stateCalls)
}

func TestService_UnreadEvents_FiltersReadAndDeliversNew(t *testing.T) {
	read := domain.UserEventState{UserID: "user-1", EventID: "evt-read", Read: true}
	states := newFakeStates(read)
	disp := &fakeDispatcher{}
	store := &fakeEventStore{active: []domain.Event{floodEvent("evt-read"), floodEvent("evt-new")}}
	svc := newService(t, &fakeEvaluator{}, store, states, disp)

	unread, err := svc.UnreadEvents(context.Background(), "user-1", nil)

	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "evt-new", unread[0].ID)
	require.Len(t, states.ensures, 1)
	assert.Equal(t, "evt-new", states.ensures[0].eventID)
	assert.Len(t, disp.sent, 1)
}

func TestService_UnreadEvents_DefaultsToWorldBox(t *testing.T) {
	store := &fakeEventStore{}
	svc := newService(t, &fakeEvaluator{}, store, newFakeStates(), &fakeDispatcher{})

	unread, err := svc.UnreadEvents(context.Background(), "user-1", nil)

	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.Equal(t, domain.WorldBox(), store.lastBox)
}

func TestService_UnreadEvents_AreaScopesQuery(t *testing.T) {
	store := &fakeEventStore{}
	svc := newService(t, &fakeEvaluator{}, store, newFakeStates(), &fakeDispatcher{})
	area := domain.BoundingBox{MinLon: -95.6, MinLat: 29.4, MaxLon: -95.2, MaxLat: 29.8}

	_, err := svc.UnreadEvents(context.Background(), "user-1", &area)

	require.NoError(t, err)
	assert.Equal(t, area, store.lastBox)
}

func TestService_UnreadEvents_TrimsStoreSuperset(t *testing.T) {
	inside := floodEvent("evt-inside")
	outside := floodEvent("evt-outside")
	outside.Geometry = orb.Polygon{{
		{-94.15, 29.55}, {-94.05, 29.55}, {-94.05, 29.65}, {-94.15, 29.65}, {-94.15, 29.55},
	}}
	states := newFakeStates()
	store := &fakeEventStore{active: []domain.Event{inside, outside}}
	svc := newService(t, &fakeEvaluator{}, store, states, &fakeDispatcher{})
	area := domain.BoundingBox{MinLon: -95.6, MinLat: 29.4, MaxLon: -95.2, MaxLat: 29.8}

	unread, err := svc.UnreadEvents(context.Background(), "user-1", &area)

	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "evt-inside", unread[0].ID)
	require.Len(t, states.ensures, 1, "no delivery record for events outside the area")
	assert.Equal(t, "evt-inside", states.ensures[0].eventID)
}

func TestService_UnreadEvents_StoreFailure(t *testing.T) {
	store := &fakeEventStore{err: domain.ErrStoreUnavailable}
	svc := newService(t, &fakeEvaluator{}, store, newFakeStates(), &fakeDispatcher{})

	_, err := svc.UnreadEvents(context.Background(), "user-1", nil)

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestService_Poll_FlagsEventsOutsideArea(t *testing.T) {
	inside := floodEvent("evt-inside")
	outside := floodEvent("evt-outside")
	outside.Geometry = orb.Polygon{{
		{-94.05, 29.55}, {-93.95, 29.55}, {-93.95, 29.65}, {-94.05, 29.65}, {-94.05, 29.55},
	}}
	outside.Version = inside.Version + 5
	store := &fakeEventStore{changed: []domain.Event{inside, outside}}
	svc := newService(t, &fakeEvaluator{}, store, newFakeStates(), &fakeDispatcher{})
	box := domain.BoundingBox{MinLon: -95.6, MinLat: 29.4, MaxLon: -95.2, MaxLat: 29.8}

	items, newVersion, err := svc.Poll(context.Background(), 100, box)

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].IsAffected)
	assert.False(t, items[1].IsAffected, "event outside the caller's area is flagged not affected")
	assert.Equal(t, outside.Version, newVersion)
	assert.Equal(t, int64(100), store.lastSince)
}

func TestService_Poll_ExpiredEventNotAffected(t *testing.T) {
	expired := floodEvent("evt-expired")
	expired.Start = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	expired.Expires = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store := &fakeEventStore{changed: []domain.Event{expired}}
	svc := newService(t, &fakeEvaluator{}, store, newFakeStates(), &fakeDispatcher{})

	items, _, err := svc.Poll(context.Background(), 0, domain.WorldBox())

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].IsAffected)
}

func TestService_Poll_EchoesCursorWhenNoChanges(t *testing.T) {
	store := &fakeEventStore{}
	svc := newService(t, &fakeEvaluator{}, store, newFakeStates(), &fakeDispatcher{})

	items, newVersion, err := svc.Poll(context.Background(), 1700000001000042, domain.WorldBox())

	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int64(1700000001000042), newVersion)
}

func TestService_Poll_StoreFailure(t *testing.T) {
	store := &fakeEventStore{err: domain.ErrStoreUnavailable}
	svc := newService(t, &fakeEvaluator{}, store, newFakeStates(), &fakeDispatcher{})

	_, _, err := svc.Poll(context.Background(), 0, domain.WorldBox())

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestService_MarkRead(t *testing.T) {
	states := newFakeStates()
	svc := newService(t, &fakeEvaluator{}, &fakeEventStore{}, states, &fakeDispatcher{})

	err := svc.MarkRead(context.Background(), "user-1", "evt-flood")

	require.NoError(t, err)
	require.Len(t, states.marks, 1)
	assert.Equal(t, "user-1", states.marks[0].userID)
	assert.Equal(t, "evt-flood", states.marks[0].eventID)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), states.marks[0].readAt)
	assert.Equal(t, 24*time.Hour, states.marks[0].ttl)
}

func TestService_MarkRead_Error(t *testing.T) {
	states := newFakeStates()
	states.markErr = errors.New("connection refused")
	svc := newService(t, &fakeEvaluator{}, &fakeEventStore{}, states, &fakeDispatcher{})

	err := svc.MarkRead(context.Background(), "user-1", "evt-flood")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark event read")
}
