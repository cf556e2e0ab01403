// Package intent defines the intent model and its validator.
//
// An intent declares what is being attempted, never how. It is immutable once
// accepted: the engine clones it at acceptance and only the clone flows into
// the WAL and the execution context.
package intent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/govexec/internal/canon"
)

// Reserved intent type prefixes that span realms.
const (
	PrefixCrossRealm = "cross_realm."
	PrefixSolution   = "solution."
)

// ActionCancel is the reserved action that cancels an in-flight execution or
// saga: "{realm}.cancel".
const ActionCancel = "cancel"

var (
	typePattern     = regexp.MustCompile(`^[a-z_]+\.[a-z_]+$`)
	reservedPattern = regexp.MustCompile(`^(cross_realm|solution)\.[a-z_]+(\.[a-z_]+)*$`)
)

// Metadata carries tracing information supplied by the caller.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Intent is a request to attempt an action.
type Intent struct {
	IntentID   string         `json:"intent_id"`
	IntentType string         `json:"intent_type"`
	SessionID  string         `json:"session_id"`
	TenantID   string         `json:"tenant_id"`
	Payload    map[string]any `json:"payload"`
	Metadata   Metadata       `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ValidType reports whether t is a well-formed intent type.
func ValidType(t string) bool {
	return typePattern.MatchString(t) || reservedPattern.MatchString(t)
}

// Realm returns the part of the intent type before the first dot.
func (i Intent) Realm() string {
	realm, _, _ := strings.Cut(i.IntentType, ".")
	return realm
}

// Action returns the part of the intent type after the last dot.
func (i Intent) Action() string {
	if idx := strings.LastIndex(i.IntentType, "."); idx >= 0 {
		return i.IntentType[idx+1:]
	}
	return i.IntentType
}

// IsCancel reports whether the intent is a reserved cancellation.
func (i Intent) IsCancel() bool {
	return i.Action() == ActionCancel && typePattern.MatchString(i.IntentType)
}

// Clone returns a deep copy. The payload is normalized through canonical JSON
// so the copy shares no memory with the caller's maps.
func (i Intent) Clone() (Intent, error) {
	if i.Payload == nil {
		return i, nil
	}
	raw, err := canon.Marshal(i.Payload)
	if err != nil {
		return Intent{}, fmt.Errorf("clone intent payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Intent{}, fmt.Errorf("clone intent payload: %w", err)
	}
	i.Payload = payload
	return i, nil
}

// Record renders the intent for the intent_received WAL payload.
func (i Intent) Record() map[string]any {
	m := map[string]any{
		"intent_id":   i.IntentID,
		"intent_type": i.IntentType,
		"session_id":  i.SessionID,
		"tenant_id":   i.TenantID,
		"payload":     i.Payload,
		"created_at":  i.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	meta := map[string]any{}
	if i.Metadata.CorrelationID != "" {
		meta["correlation_id"] = i.Metadata.CorrelationID
	}
	if i.Metadata.Source != "" {
		meta["source"] = i.Metadata.Source
	}
	m["metadata"] = meta
	return m
}

// FromRecord rebuilds an intent from its WAL record.
func FromRecord(m map[string]any) Intent {
	str := func(k string) string { s, _ := m[k].(string); return s }
	in := Intent{
		IntentID:   str("intent_id"),
		IntentType: str("intent_type"),
		SessionID:  str("session_id"),
		TenantID:   str("tenant_id"),
	}
	in.Payload, _ = m["payload"].(map[string]any)
	if ts, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		in.CreatedAt = ts
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		in.Metadata.CorrelationID, _ = meta["correlation_id"].(string)
		in.Metadata.Source, _ = meta["source"].(string)
	}
	return in
}
