// Package store persists sessions, plans, and events. Sessions live in
// a TTL cache backed by SQLite; reads fall through to the database and
// repopulate the cache, writes go to both.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/stream"
)

// SessionStatus is a session's lifecycle state.
type SessionStatus string

const (
	StatusIdle                SessionStatus = "idle"
	StatusPlanning            SessionStatus = "planning"
	StatusExecuting           SessionStatus = "executing"
	StatusExecutingQueued     SessionStatus = "executing_queued"
	StatusWaitingApproval     SessionStatus = "waiting_approval"
	StatusCompleted           SessionStatus = "completed"
	StatusCompletedWithErrors SessionStatus = "completed_with_errors"
	StatusError               SessionStatus = "error"
	StatusInterrupted         SessionStatus = "interrupted"
)

// Busy reports whether the session is mid-turn and a new message must
// queue instead of starting a turn.
func (s SessionStatus) Busy() bool {
	switch s {
	case StatusPlanning, StatusExecuting, StatusExecutingQueued:
		return true
	}
	return false
}

// Session is one conversation with its accumulated transcript.
type Session struct {
	ID            string           `json:"id"`
	Identity      string           `json:"identity"`
	Autonomy      risk.Autonomy    `json:"autonomy"`
	Status        SessionStatus    `json:"status"`
	Messages      []stream.Message `json:"messages"`
	PendingPlanID string           `json:"pending_plan_id,omitempty"`
	QueuedMessage string           `json:"queued_message,omitempty"`
	Archived      bool             `json:"archived"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// NewSession creates an idle session for an identity at an autonomy
// level.
func NewSession(identity string, autonomy risk.Autonomy) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Identity:  identity,
		Autonomy:  autonomy,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the transcript and bumps UpdatedAt.
func (s *Session) Append(msg stream.Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy so cache readers cannot mutate shared
// state.
func (s *Session) Clone() *Session {
	out := *s
	out.Messages = make([]stream.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}
