package outbox

import (
	"encoding/json"
	"time"
)

// ActorRef identifies who produced the event.
type ActorRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// SystemActor is used for events produced by workers and jobs.
func SystemActor(component string) *ActorRef {
	return &ActorRef{ID: component, Kind: "system"}
}

// AdminActor is used for events produced by finance-admin commands.
func AdminActor(adminID string) *ActorRef {
	return &ActorRef{ID: adminID, Kind: "finance_admin"}
}

// EnvelopeVersion is written on every new row. Consumers must reject
// versions they do not know.
const EnvelopeVersion = 1

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
