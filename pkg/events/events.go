// Package events defines the immutable orchestration events and the
// in-process bus that fans them out to per-session subscribers. Durable
// storage of the same events is a separate sink (see store.EventLog) so
// publishing never blocks on persistence.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the facts the orchestrator can emit.
type Type string

const (
	TypeThinking            Type = "thinking"
	TypePlanProposed        Type = "plan_proposed"
	TypePlanApproved        Type = "plan_approved"
	TypePlanRejected        Type = "plan_rejected"
	TypeWaitingForApproval  Type = "waiting_for_approval"
	TypeToolCallStarted     Type = "tool_call_started"
	TypeToolCallCompleted   Type = "tool_call_completed"
	TypeToolCallFailed      Type = "tool_call_failed"
	TypeAuthorizationDenied Type = "authorization_denied"
	TypeAnswerReady         Type = "answer_ready"
	TypeError               Type = "error"
)

// Event is an immutable fact about orchestration progress. Once created
// it is never mutated; both the live bus and the durable log receive the
// same value.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	SessionID string                 `json:"session_id"`
	PlanID    string                 `json:"plan_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New creates an event stamped with a fresh id and the current time.
func New(t Type, sessionID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewForPlan creates an event tied to both a session and a plan.
func NewForPlan(t Type, sessionID, planID string, payload map[string]interface{}) Event {
	evt := New(t, sessionID, payload)
	evt.PlanID = planID
	return evt
}

// Log is the durable, append-only record of every emitted event,
// queryable by session or plan in ascending timestamp order.
type Log interface {
	Append(ctx context.Context, evt Event) error
	BySession(ctx context.Context, sessionID string) ([]Event, error)
	ByPlan(ctx context.Context, planID string) ([]Event, error)
}
