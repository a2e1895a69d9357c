// Package events implements the typed pub/sub bus connecting the
// collector, rule engine, alert manager, issue manager, plugin registry,
// chat orchestrator and dashboard server.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the domain event taxonomy routed through the bus.
type EventType string

const (
	EventMetrics            EventType = "metrics"
	EventAlert              EventType = "alert"
	EventIssue              EventType = "issue"
	EventPluginHealth       EventType = "plugin:health_changed"
	EventPluginRegistered   EventType = "plugin:registered"
	EventPluginToolExecuted EventType = "plugin:tool_executed"
	EventChatMessage        EventType = "chat:message"
	EventChatToolCall       EventType = "chat:tool_call"
	EventApprovalCreated    EventType = "approval:created"
	EventApprovalResolved   EventType = "approval:resolved"
	EventAgentResult        EventType = "agent-result"
)

// Priority constants for events; lower values are delivered first when a
// store orders by priority.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event is a system event published and subscribed to across the agent.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with an auto-generated ID and timestamp.
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns every defined event type.
func AllEventTypes() []EventType {
	return []EventType{
		EventMetrics,
		EventAlert,
		EventIssue,
		EventPluginHealth,
		EventPluginRegistered,
		EventPluginToolExecuted,
		EventChatMessage,
		EventChatToolCall,
		EventApprovalCreated,
		EventApprovalResolved,
		EventAgentResult,
	}
}
