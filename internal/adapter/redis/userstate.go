// Package redis keeps per-user event delivery and read state in Redis. Rows
// expire on their own once the underlying event plus a grace period has
// passed, so the keyspace tracks only live hazards.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/commuterlab/hazard-engine/internal/domain"
	redisv9 "github.com/redis/go-redis/v9"
)

const keyPrefix = "ues:"

// stateKey builds the per-(user, event) row key.
func stateKey(userID, eventID string) string {
	return keyPrefix + userID + ":" + eventID
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*redisv9.Client, error) {
	client := redisv9.NewClient(&redisv9.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// StateStore implements domain.UserStateStore on a Redis keyspace.
type StateStore struct {
	client *redisv9.Client
	logger *slog.Logger
}

// NewStateStore wraps an existing Redis client.
func NewStateStore(client *redisv9.Client, logger *slog.Logger) *StateStore {
	return &StateStore{client: client, logger: logger}
}

// EnsureDelivered creates the (user, event) row if absent and reports whether
// this call created it. SetNX keeps the first delivery timestamp and never
// clobbers a row a concurrent acknowledgment already wrote.
func (s *StateStore) EnsureDelivered(ctx context.Context, userID, eventID string, deliveredAt time.Time, ttl time.Duration) (bool, error) {
	state := domain.UserEventState{
		UserID:      userID,
		EventID:     eventID,
		DeliveredAt: deliveredAt,
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("serialize user event state: %w", err)
	}
	created, err := s.client.SetNX(ctx, stateKey(userID, eventID), payload, ttl).Result()
	if err != nil {
		return false, stateError("create delivery state", err)
	}
	return created, nil
}

// States fetches the user's rows for the given events in one round trip.
// Events with no row are absent from the result.
func (s *StateStore) States(ctx context.Context, userID string, eventIDs []string) (map[string]domain.UserEventState, error) {
	if len(eventIDs) == 0 {
		return map[string]domain.UserEventState{}, nil
	}
	keys := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		keys[i] = stateKey(userID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, stateError("fetch user event states", err)
	}

	states := make(map[string]domain.UserEventState, len(values))
	for i, value := range values {
		if value == nil {
			continue
		}
		raw, ok := value.(string)
		if !ok {
			s.logger.Warn("unexpected value type for user event state", "key", keys[i])
			continue
		}
		var state domain.UserEventState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			s.logger.Warn("skipping undecodable user event state", "key", keys[i], "error", err)
			continue
		}
		states[eventIDs[i]] = state
	}
	return states, nil
}

// MarkRead flips the row to read, creating it already-read when the user
// acknowledges an event that was never recorded as delivered.
func (s *StateStore) MarkRead(ctx context.Context, userID, eventID string, readAt time.Time, ttl time.Duration) error {
	key := stateKey(userID, eventID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return stateError("load user event state", err)
	}

	state := applyRead(raw, userID, eventID, readAt)
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize user event state: %w", err)
	}

	// A fresh row gets the caller's TTL; an existing row keeps the one set
	// at delivery, which already covers the event's validity.
	expiry := ttl
	if raw != nil {
		expiry = redisv9.KeepTTL
	}
	if err := s.client.Set(ctx, key, payload, expiry).Err(); err != nil {
		return stateError("store read acknowledgment", err)
	}
	return nil
}

// Ping reports whether the Redis deployment is reachable.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// applyRead computes the post-acknowledgment row. A nil raw value means no
// delivery row existed; the acknowledgment still sticks, recorded as
// delivered and read at the same instant. An undecodable row is replaced
// rather than surfaced.
func applyRead(raw []byte, userID, eventID string, readAt time.Time) domain.UserEventState {
	state := domain.UserEventState{
		UserID:      userID,
		EventID:     eventID,
		DeliveredAt: readAt,
	}
	if raw != nil {
		var existing domain.UserEventState
		if err := json.Unmarshal(raw, &existing); err == nil {
			state = existing
		}
	}
	state.Read = true
	state.ReadAt = &readAt
	return state
}

func stateError(op string, cause error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrStoreUnavailable, cause))
}
