// Package kafka publishes notification dispatch envelopes for downstream
// delivery workers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/commuterlab/hazard-engine/internal/config"
	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
)

// Dispatcher produces dispatch envelopes to the notification topic.
// It implements domain.Dispatcher.
type Dispatcher struct {
	writer *kafkago.Writer
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewDispatcher creates a Kafka producer for the configured dispatch topic.
func NewDispatcher(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.DispatchTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Dispatcher{writer: w, clock: clock, logger: logger}
}

// Dispatch publishes one envelope for the (user, event) pair. Keyed by user
// so a user's notifications stay ordered within a partition.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, event domain.Event) error {
	msg, err := serializeDispatch(userID, event, d.clock.Now())
	if err != nil {
		return err
	}
	return d.writer.WriteMessages(ctx, msg)
}

func (d *Dispatcher) Close() error {
	return d.writer.Close()
}

// dispatchEnvelope is the wire format consumed by delivery workers.
type dispatchEnvelope struct {
	UserID       string              `json:"user_id"`
	Event        domain.EventPayload `json:"event"`
	DispatchedAt time.Time           `json:"dispatched_at"`
}

// serializeDispatch marshals a (user, event) pair into a Kafka message.
// Uninterpreted provider metadata stays in the store and is not forwarded.
func serializeDispatch(userID string, event domain.Event, dispatchedAt time.Time) (kafkago.Message, error) {
	payload := event.Payload()
	payload.RawMetadata = nil
	data, err := json.Marshal(dispatchEnvelope{
		UserID:       userID,
		Event:        payload,
		DispatchedAt: dispatchedAt,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize dispatch envelope: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(userID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "source_type", Value: []byte(event.SourceType)},
			{Key: "dispatched_at", Value: []byte(dispatchedAt.Format(time.RFC3339))},
		},
	}, nil
}
