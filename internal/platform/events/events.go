// Package events publishes domain events for queue and alert changes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	IntakeQueued       = "intake.queued"
	IntakeCompleted    = "intake.completed"
	QueueCleared       = "queue.cleared"
	AlertCreated       = "alert.created"
	AlertStatusChanged = "alert.status_changed"
)

// Event is the envelope published for every domain change.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	HospitalID string          `json:"hospital_id"`
	EntityID   string          `json:"entity_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event, encoding data as the payload. Encoding failures leave
// the payload empty.
func New(eventType string, hospitalID, entityID uuid.UUID, data interface{}) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		HospitalID: hospitalID.String(),
		OccurredAt: time.Now().UTC(),
	}
	if entityID != uuid.Nil {
		ev.EntityID = entityID.String()
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes ev and logs a failure instead of returning it. Domain state
// has already been committed when events go out, so a lost event must not
// fail the operation.
func Emit(ctx context.Context, p Publisher, logger zerolog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		logger.Warn().Err(err).
			Str("event_type", ev.Type).
			Str("hospital_id", ev.HospitalID).
			Str("entity_id", ev.EntityID).
			Msg("event publish failed")
	}
}
