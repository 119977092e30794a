// Package events carries lifecycle, log, health and workflow notifications
// from the core components to whatever wants to persist or broadcast them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event being published.
type Type string

const (
	TypeStarted           Type = "started"
	TypeStopped           Type = "stopped"
	TypeErrored           Type = "errored"
	TypeLog               Type = "log"
	TypeHealthCheck       Type = "healthCheck"
	TypeClientConnected   Type = "clientConnected"
	TypeClientError       Type = "clientError"
	TypeSocketMessage     Type = "socketMessage"
	TypeToolInvoked       Type = "toolInvoked"
	TypeToolError         Type = "toolError"
	TypeWorkflowStarted   Type = "workflowStarted"
	TypeWorkflowStep      Type = "workflowStepCompleted"
	TypeWorkflowCompleted Type = "workflowCompleted"
	TypeWorkflowFailed    Type = "workflowFailed"
)

// Event is a single notification. Source is the id of the entity it concerns
// (instance id, client id or execution id).
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Level     string                 `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// New builds an event with a fresh id and the current timestamp.
func New(t Type, source, level string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Source:    source,
		Level:     level,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Sink receives events from the core components. Each component is handed a
// Sink at construction; there is no process-wide emitter.
type Sink interface {
	Publish(Event)
}

// Discard is a Sink that drops everything.
type Discard struct{}

// Publish implements Sink.
func (Discard) Publish(Event) {}
