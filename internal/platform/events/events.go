// Package events publishes referral lifecycle notifications to the message
// broker. Publishing happens after the database commit; subscribers must
// tolerate an occasional missing event when the broker is unreachable.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type is the routing key of a lifecycle event.
type Type string

const (
	ReferralCreated        Type = "referral.created"
	ReferralStageConfirmed Type = "referral.stage_confirmed"
	ReferralCompleted      Type = "referral.completed"
)

// Event is the JSON body published for each lifecycle transition.
type Event struct {
	ID             uuid.UUID `json:"id"`
	Type           Type      `json:"type"`
	ReferralID     uuid.UUID `json:"referral_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	TargetClinicID uuid.UUID `json:"target_clinic_id"`
	Stage          int       `json:"stage"`
	ActorID        uuid.UUID `json:"actor_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NopPublisher discards every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
