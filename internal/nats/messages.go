package nats

import "time"

// SubjectForEvent maps an internal event type to its outbound NATS
// subject. All agent events fan out under "events.", letting a remote
// subscriber use a wildcard ("events.>") or narrow to one event type
// ("events.alert", "events.plugin:health_changed"). Colon-joined types are a
// single subject token, so "events.plugin.*" does not match them.
func SubjectForEvent(eventType string) string {
	return "events." + eventType
}

// SubjectAllEvents is the wildcard subject a cross-process subscriber
// uses to receive every event this host's bus publishes.
const SubjectAllEvents = "events.>"

// ClientInfo represents a connected NATS client.
type ClientInfo struct {
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// EventEnvelope is the wire shape published for every bridged event: the
// bus's own Event fields, flattened so a non-Go subscriber (a second
// dashboard instance, a log shipper) doesn't need this module's types.
type EventEnvelope struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
