// Package approval models execution plans: a batch of proposed tool
// calls that must be approved by a human before running when any call
// exceeds the session's autonomy threshold.
package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/stream"
)

// Status is a plan's lifecycle state.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// validTransitions is the plan state machine. Rejection is terminal,
// as are completed and failed.
var validTransitions = map[Status][]Status{
	StatusProposed:  {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// Step is one tool call inside a plan, with its classified risk.
type Step struct {
	Call stream.ToolCall `json:"call"`
	Risk risk.Level      `json:"risk"`
}

// Plan is a batch of tool calls awaiting or undergoing execution.
// MaxRisk is the highest tier among the steps; the whole batch is
// gated on it. AutoExecuting marks a plan that cleared the autonomy
// threshold and ran without a human; it stays false for plans that
// went through explicit approval.
type Plan struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Purpose       string        `json:"purpose,omitempty"`
	Steps         []Step        `json:"steps"`
	Status        Status        `json:"status"`
	MaxRisk       risk.Level    `json:"max_risk"`
	AutoExecuting bool          `json:"auto_executing"`
	Reason        string        `json:"reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ApprovedAt    *time.Time    `json:"approved_at,omitempty"`
	ExecutedAt    *time.Time    `json:"executed_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// Calls returns the plan's tool calls in step order.
func (p *Plan) Calls() []stream.ToolCall {
	calls := make([]stream.ToolCall, len(p.Steps))
	for i, step := range p.Steps {
		calls[i] = step.Call
	}
	return calls
}

// Transition moves the plan to next, failing on any move the state
// machine does not allow. Each move stamps its timestamp; terminal
// moves also stamp ResolvedAt and the total executing duration.
func (p *Plan) Transition(next Status) error {
	for _, allowed := range validTransitions[p.Status] {
		if next == allowed {
			p.Status = next
			now := time.Now().UTC()
			switch next {
			case StatusApproved:
				p.ApprovedAt = &now
			case StatusExecuting:
				p.ExecutedAt = &now
			case StatusRejected:
				p.ResolvedAt = &now
			case StatusCompleted, StatusFailed:
				p.CompletedAt = &now
				p.ResolvedAt = &now
				since := p.CreatedAt
				if p.ExecutedAt != nil {
					since = *p.ExecutedAt
				}
				p.Duration = now.Sub(since)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid plan transition from %s to %s", p.Status, next)
}

// Terminal reports whether the plan can change state again.
func (p *Plan) Terminal() bool {
	return len(validTransitions[p.Status]) == 0
}

// NewPlan builds a proposed plan from classified steps.
func NewPlan(sessionID string, steps []Step) *Plan {
	maxRisk := risk.ReadOnly
	for _, step := range steps {
		if step.Risk > maxRisk {
			maxRisk = step.Risk
		}
	}
	return &Plan{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Purpose:   purposeFor(steps),
		Steps:     steps,
		Status:    StatusProposed,
		MaxRisk:   maxRisk,
		CreatedAt: time.Now().UTC(),
	}
}

// purposeFor summarizes the batch for humans reviewing it.
func purposeFor(steps []Step) string {
	if len(steps) == 0 {
		return "No tool calls"
	}
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = step.Call.Name
	}
	if len(names) == 1 {
		return "Run " + names[0]
	}
	return fmt.Sprintf("Run %d tools: %s", len(names), strings.Join(names, ", "))
}
