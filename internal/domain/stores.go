package domain

import (
	"context"
	"time"
)

// EventStore is the read-only query surface over the normalized event
// collection. Ingestion and archival are external collaborators; the engine
// only reads.
type EventStore interface {
	// ActiveInBox returns events whose impact area overlaps the query box and
	// whose validity window overlaps [asOf, asOf+lookahead]. This is a coarse
	// candidate query: implementations may return a spatial superset for box
	// shapes their index cannot express, and callers refine with exact
	// geometry checks.
	ActiveInBox(ctx context.Context, box BoundingBox, asOf time.Time, lookahead time.Duration) ([]Event, error)

	// ChangedSince returns every event with version strictly greater than
	// sinceVersion, including expired ones still inside the audit grace
	// period, so incremental clients can observe removals.
	ChangedSince(ctx context.Context, sinceVersion int64) ([]Event, error)
}

// UserEventState is the engine's only persisted mutable state: one row per
// (user, event) pair, created the first time the event is confirmed affecting
// for that user.
type UserEventState struct {
	UserID      string     `json:"user_id"`
	EventID     string     `json:"event_id"`
	DeliveredAt time.Time  `json:"delivered_at"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// UserStateStore persists UserEventState rows. Implementations must make
// EnsureDelivered an atomic insert-if-absent so concurrent requests for the
// same user never double-create a delivery record.
type UserStateStore interface {
	// EnsureDelivered creates the (userID, eventID) row if absent and reports
	// whether this call created it. ttl bounds the row's lifetime; it should
	// cover the event's remaining validity plus the audit grace period.
	EnsureDelivered(ctx context.Context, userID, eventID string, deliveredAt time.Time, ttl time.Duration) (bool, error)

	// States fetches existing rows for the given event ids. Missing pairs are
	// simply absent from the result map.
	States(ctx context.Context, userID string, eventIDs []string) (map[string]UserEventState, error)

	// MarkRead flips the row to read. Marking an absent row is not an error;
	// the row is created already-read so a late acknowledgment still sticks.
	MarkRead(ctx context.Context, userID, eventID string, readAt time.Time, ttl time.Duration) error
}

// Dispatcher hands affecting events to the external notification-delivery
// service (push/email/SMS transport is out of scope here).
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, event Event) error
}
