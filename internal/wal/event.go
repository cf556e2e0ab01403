package wal

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates WAL event kinds.
type EventType string

const (
	EventIntentReceived     EventType = "intent_received"
	EventPolicyEvaluated    EventType = "policy_evaluated"
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventStateTransition    EventType = "state_transition"
	EventSagaStepStarted    EventType = "saga_step_started"
	EventSagaStepCompleted  EventType = "saga_step_completed"
	EventSagaStepFailed     EventType = "saga_step_failed"
	EventSagaCompensated    EventType = "saga_compensated"
)

var eventTypes = map[EventType]bool{
	EventIntentReceived:     true,
	EventPolicyEvaluated:    true,
	EventExecutionStarted:   true,
	EventExecutionCompleted: true,
	EventExecutionFailed:    true,
	EventStateTransition:    true,
	EventSagaStepStarted:    true,
	EventSagaStepCompleted:  true,
	EventSagaStepFailed:     true,
	EventSagaCompensated:    true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// ParseEventType converts s to an EventType, rejecting unknown values.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Event is an immutable WAL record.
//
// ExecutionID and SagaID identify the owner of the event; saga events carry
// both when the saga was started from an execution.
type Event struct {
	EventID     string         `json:"event_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	SagaID      string         `json:"saga_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	TenantID    string         `json:"tenant_id"`
	Type        EventType      `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Sequence    int64          `json:"sequence_number"`
}

// PayloadString returns a string field from the payload, or "".
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt returns an integer field from the payload.
//
// Payloads that passed through JSON carry numbers as float64 or json.Number;
// all forms are accepted.
func (e Event) PayloadInt(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// PayloadMap returns a nested object field from the payload, or nil.
func (e Event) PayloadMap(key string) map[string]any {
	m, _ := e.Payload[key].(map[string]any)
	return m
}
