package approval

import (
	"github.com/rs/zerolog"

	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/stream"
)

// Manager decides whether a batch of tool calls needs human approval
// and builds the plan that represents it.
type Manager struct {
	registry *risk.Registry
	logger   zerolog.Logger
}

// NewManager creates a manager over a risk registry.
func NewManager(registry *risk.Registry, logger zerolog.Logger) *Manager {
	return &Manager{registry: registry, logger: logger}
}

// BuildPlan classifies each call and assembles a proposed plan.
func (m *Manager) BuildPlan(sessionID string, calls []stream.ToolCall) *Plan {
	steps := make([]Step, len(calls))
	for i, call := range calls {
		steps[i] = Step{Call: call, Risk: m.registry.Classify(call.Name)}
	}
	plan := NewPlan(sessionID, steps)
	m.logger.Debug().
		Str("plan_id", plan.ID).
		Str("session_id", sessionID).
		Int("steps", len(steps)).
		Str("max_risk", plan.MaxRisk.String()).
		Msg("Plan built")
	return plan
}

// RequiresApproval reports whether the plan must wait for a human at
// the given autonomy level. One over-threshold step gates the whole
// batch.
func (m *Manager) RequiresApproval(plan *Plan, autonomy risk.Autonomy) bool {
	return risk.RequiresApproval(plan.MaxRisk, autonomy)
}
