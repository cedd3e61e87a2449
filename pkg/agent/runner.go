package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stewardlabs/steward/pkg/approval"
	"github.com/stewardlabs/steward/pkg/authz"
	"github.com/stewardlabs/steward/pkg/commandqueue"
	"github.com/stewardlabs/steward/pkg/events"
	"github.com/stewardlabs/steward/pkg/retry"
	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/store"
	"github.com/stewardlabs/steward/pkg/stream"
	"github.com/stewardlabs/steward/pkg/tools"
)

const (
	defaultMaxIterations = 10
	defaultPreviewLimit  = 500
	defaultMaxTokens     = 4096
)

// PlanRepository persists plans across the approval gap.
type PlanRepository interface {
	SavePlan(ctx context.Context, plan *approval.Plan) error
	GetPlan(ctx context.Context, id string) (*approval.Plan, error)
}

// Config wires a Runner. Everything is required unless noted.
type Config struct {
	Providers []*ProviderProfile
	Sessions  *store.SessionStore
	Plans     PlanRepository
	Bus       *events.Bus
	EventLog  events.Log
	Approvals *approval.Manager
	Authz     *authz.Checker
	Registry  *tools.Registry
	Executor  *tools.Executor
	Retry     *retry.Executor
	Queue     *commandqueue.Queue
	Logger    zerolog.Logger

	Model        string
	SystemPrompt string
	MaxTokens    int

	// MaxIterations caps model turns per user message. Optional.
	MaxIterations int
	// PreviewLimit truncates tool results in event payloads. Optional.
	PreviewLimit int
}

// Runner drives sessions through the agentic loop.
type Runner struct {
	pool      *providerPool
	sessions  *store.SessionStore
	plans     PlanRepository
	bus       *events.Bus
	eventLog  events.Log
	approvals *approval.Manager
	authz     *authz.Checker
	registry  *tools.Registry
	executor  *tools.Executor
	retry     *retry.Executor
	queue     *commandqueue.Queue
	logger    zerolog.Logger

	model         string
	systemPrompt  string
	maxTokens     int
	maxIterations int
	previewLimit  int
}

// New validates the config and builds a runner.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if cfg.Sessions == nil || cfg.Plans == nil {
		return nil, errors.New("session and plan stores are required")
	}
	if cfg.Bus == nil || cfg.EventLog == nil {
		return nil, errors.New("event bus and log are required")
	}
	if cfg.Approvals == nil || cfg.Authz == nil {
		return nil, errors.New("approval manager and authorization checker are required")
	}
	if cfg.Registry == nil || cfg.Executor == nil {
		return nil, errors.New("tool registry and executor are required")
	}
	if cfg.Retry == nil {
		return nil, errors.New("retry executor is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("command queue is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = defaultPreviewLimit
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	return &Runner{
		pool:          newProviderPool(cfg.Providers, cfg.Retry, cfg.Logger),
		sessions:      cfg.Sessions,
		plans:         cfg.Plans,
		bus:           cfg.Bus,
		eventLog:      cfg.EventLog,
		approvals:     cfg.Approvals,
		authz:         cfg.Authz,
		registry:      cfg.Registry,
		executor:      cfg.Executor,
		retry:         cfg.Retry,
		queue:         cfg.Queue,
		logger:        cfg.Logger,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
		previewLimit:  cfg.PreviewLimit,
	}, nil
}

// CreateSession starts an idle session for an identity.
func (r *Runner) CreateSession(ctx context.Context, identity string, autonomy risk.Autonomy) (*store.Session, error) {
	if !autonomy.Valid() {
		return nil, fmt.Errorf("invalid autonomy level %d", autonomy)
	}
	session := store.NewSession(identity, autonomy)
	if err := r.save(ctx, session); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("session_id", session.ID).
		Str("identity", identity).
		Str("autonomy", autonomy.String()).
		Msg("Session created")
	return session, nil
}

func lane(sessionID string) string { return "session:" + sessionID }

// HandleMessage feeds a user message into the session. If the session
// is mid-turn the message queues and is drained when the turn ends;
// otherwise a new turn starts. Blocks until the turn pauses or
// finishes.
func (r *Runner) HandleMessage(ctx context.Context, sessionID, content string) error {
	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.Status.Busy() || session.Status == store.StatusWaitingApproval {
		session.QueuedMessage = content
		if session.Status != store.StatusWaitingApproval {
			session.Status = store.StatusExecutingQueued
		}
		r.logger.Debug().Str("session_id", sessionID).Msg("Message queued behind running turn")
		return r.save(ctx, session)
	}

	_, err = r.queue.Enqueue(ctx, lane(sessionID), func(taskCtx context.Context) (interface{}, error) {
		session, err := r.sessions.Get(taskCtx, sessionID)
		if err != nil {
			return nil, err
		}
		session.Append(stream.Message{Role: "user", Content: content})
		session.Status = store.StatusPlanning
		if err := r.save(taskCtx, session); err != nil {
			return nil, err
		}
		return nil, r.runLoop(taskCtx, session)
	}, nil)
	return err
}

// ApprovePlan resumes a session whose pending plan was approved.
func (r *Runner) ApprovePlan(ctx context.Context, planID string) error {
	_, err := r.resolvePlan(ctx, planID, true, "")
	return err
}

// RejectPlan resolves a pending plan as rejected. The model is told
// and gets one more turn to respond.
func (r *Runner) RejectPlan(ctx context.Context, planID, reason string) error {
	_, err := r.resolvePlan(ctx, planID, false, reason)
	return err
}

func (r *Runner) resolvePlan(ctx context.Context, planID string, approved bool, reason string) (interface{}, error) {
	plan, err := r.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != approval.StatusProposed {
		return nil, fmt.Errorf("plan %s is %s, not awaiting approval", planID, plan.Status)
	}

	return r.queue.Enqueue(ctx, lane(plan.SessionID), func(taskCtx context.Context) (interface{}, error) {
		session, err := r.sessions.Get(taskCtx, plan.SessionID)
		if err != nil {
			return nil, err
		}
		if session.PendingPlanID != plan.ID {
			return nil, fmt.Errorf("plan %s is no longer pending for session %s", plan.ID, session.ID)
		}
		session.PendingPlanID = ""

		if approved {
			if err := plan.Transition(approval.StatusApproved); err != nil {
				return nil, err
			}
			if err := r.plans.SavePlan(taskCtx, plan); err != nil {
				return nil, err
			}
			r.emit(taskCtx, events.NewForPlan(events.TypePlanApproved, session.ID, plan.ID, nil))

			if err := plan.Transition(approval.StatusExecuting); err != nil {
				return nil, err
			}
			session.Status = store.StatusExecuting
			if err := r.save(taskCtx, session); err != nil {
				return nil, err
			}

			failed := r.executePlan(taskCtx, session, plan)
			if err := r.finishPlan(taskCtx, plan, failed); err != nil {
				return nil, err
			}
			return nil, r.runLoop(taskCtx, session)
		}

		plan.Reason = reason
		if err := plan.Transition(approval.StatusRejected); err != nil {
			return nil, err
		}
		if err := r.plans.SavePlan(taskCtx, plan); err != nil {
			return nil, err
		}
		r.emit(taskCtx, events.NewForPlan(events.TypePlanRejected, session.ID, plan.ID, map[string]interface{}{
			"reason": reason,
		}))

		// Tell the model each call was declined so it can adjust.
		feedback := "The user declined this action."
		if reason != "" {
			feedback = "The user declined this action: " + reason
		}
		for _, call := range plan.Calls() {
			session.Append(stream.Message{Role: "tool", ToolCallID: call.ID, Content: feedback})
		}
		session.Status = store.StatusPlanning
		if err := r.save(taskCtx, session); err != nil {
			return nil, err
		}
		return nil, r.runLoop(taskCtx, session)
	}, nil)
}

// Interrupt abandons a session's queued work and marks it interrupted.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) error {
	r.queue.ResetLane(lane(sessionID))

	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Status = store.StatusInterrupted
	session.QueuedMessage = ""
	r.logger.Info().Str("session_id", sessionID).Msg("Session interrupted")
	// Direct save: an interrupt discards the queued message on purpose.
	return r.sessions.Save(ctx, session)
}

// runLoop drives model turns until the model answers in text, the
// session pauses for approval, or the iteration cap is hit. Finishing
// a turn drains at most one queued message into a fresh turn.
func (r *Runner) runLoop(ctx context.Context, session *store.Session) error {
	for {
		done, err := r.runTurns(ctx, session)
		if err != nil {
			session.Status = store.StatusError
			r.emit(ctx, events.New(events.TypeError, session.ID, map[string]interface{}{
				"error": err.Error(),
			}))
			if saveErr := r.save(ctx, session); saveErr != nil {
				r.logger.Error().Err(saveErr).Msg("Failed to persist error status")
			}
			return err
		}
		if !done {
			// Paused for approval; the lane task ends here.
			return nil
		}

		// Merge any message queued while the turn was running.
		if err := r.save(ctx, session); err != nil {
			return err
		}
		if session.QueuedMessage == "" {
			return nil
		}

		queued := session.QueuedMessage
		session.QueuedMessage = ""
		session.Append(stream.Message{Role: "user", Content: queued})
		session.Status = store.StatusPlanning
		// Direct save: the merge helper would read the stored row and
		// resurrect the message just drained.
		if err := r.sessions.Save(ctx, session); err != nil {
			return err
		}
	}
}

// runTurns is one user message worth of model turns. Returns done =
// false when the session paused for approval.
func (r *Runner) runTurns(ctx context.Context, session *store.Session) (bool, error) {
	anyErrors := false

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		extractor := stream.NewExtractor(r.logger)

		r.emit(ctx, events.New(events.TypeThinking, session.ID, map[string]interface{}{
			"iteration": iteration,
		}))

		req := stream.Request{
			Model:     r.model,
			System:    r.systemPrompt,
			Messages:  session.Messages,
			Tools:     r.registry.Schemas(),
			MaxTokens: r.maxTokens,
		}
		if err := r.pool.stream(ctx, req, func(frag stream.Fragment) error {
			extractor.Consume(frag)
			return nil
		}); err != nil {
			return false, err
		}

		text := extractor.Text()
		calls := extractor.Calls()

		session.Append(stream.Message{Role: "assistant", Content: text, ToolCalls: calls})

		if len(calls) == 0 {
			if anyErrors {
				session.Status = store.StatusCompletedWithErrors
			} else {
				session.Status = store.StatusCompleted
			}
			r.emit(ctx, events.New(events.TypeAnswerReady, session.ID, map[string]interface{}{
				"text": text,
			}))
			return true, r.save(ctx, session)
		}

		plan := r.approvals.BuildPlan(session.ID, calls)
		if err := r.plans.SavePlan(ctx, plan); err != nil {
			return false, err
		}

		if r.approvals.RequiresApproval(plan, session.Autonomy) {
			r.emit(ctx, events.NewForPlan(events.TypePlanProposed, session.ID, plan.ID, map[string]interface{}{
				"purpose":  plan.Purpose,
				"steps":    len(plan.Steps),
				"max_risk": plan.MaxRisk.String(),
			}))
			session.PendingPlanID = plan.ID
			session.Status = store.StatusWaitingApproval
			if err := r.save(ctx, session); err != nil {
				return false, err
			}
			r.emit(ctx, events.NewForPlan(events.TypeWaitingForApproval, session.ID, plan.ID, map[string]interface{}{
				"max_risk": plan.MaxRisk.String(),
			}))
			return false, nil
		}

		plan.AutoExecuting = true
		if err := plan.Transition(approval.StatusApproved); err != nil {
			return false, err
		}
		if err := plan.Transition(approval.StatusExecuting); err != nil {
			return false, err
		}
		session.Status = store.StatusExecuting
		if err := r.save(ctx, session); err != nil {
			return false, err
		}

		failed := r.executePlan(ctx, session, plan)
		anyErrors = anyErrors || failed
		if err := r.finishPlan(ctx, plan, failed); err != nil {
			return false, err
		}
		if err := r.save(ctx, session); err != nil {
			return false, err
		}
	}

	session.Status = store.StatusCompletedWithErrors
	r.emit(ctx, events.New(events.TypeError, session.ID, map[string]interface{}{
		"error": fmt.Sprintf("stopped after %d iterations without a final answer", r.maxIterations),
	}))
	return true, r.save(ctx, session)
}

// executePlan runs the plan's calls in order, appending a tool result
// message per call. Returns whether any call failed after retries.
func (r *Runner) executePlan(ctx context.Context, session *store.Session, plan *approval.Plan) bool {
	anyFailed := false

	for _, step := range plan.Steps {
		call := step.Call

		// An explicitly approved plan already cleared the autonomy
		// threshold; the blacklist and content patterns still apply.
		var decision authz.Decision
		if plan.AutoExecuting {
			decision = r.authz.Check(session.Identity, session.Autonomy, call)
		} else {
			decision = r.authz.CheckApproved(session.Identity, call)
		}
		if !decision.Allowed {
			r.emit(ctx, events.NewForPlan(events.TypeAuthorizationDenied, session.ID, plan.ID, map[string]interface{}{
				"tool":   call.Name,
				"reason": decision.Reason,
			}))
			session.Append(stream.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    "Authorization denied: " + decision.Reason,
			})
			continue
		}

		r.emit(ctx, events.NewForPlan(events.TypeToolCallStarted, session.ID, plan.ID, map[string]interface{}{
			"tool":    call.Name,
			"call_id": call.ID,
		}))

		result, err := r.retry.Do(ctx, func(opCtx context.Context) (interface{}, error) {
			return r.executor.Execute(opCtx, call)
		})
		if err != nil {
			anyFailed = true
			r.emit(ctx, events.NewForPlan(events.TypeToolCallFailed, session.ID, plan.ID, map[string]interface{}{
				"tool":    call.Name,
				"call_id": call.ID,
				"error":   err.Error(),
			}))
			session.Append(stream.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    "Error: " + err.Error(),
			})
			continue
		}

		output := result.(string)
		r.emit(ctx, events.NewForPlan(events.TypeToolCallCompleted, session.ID, plan.ID, map[string]interface{}{
			"tool":    call.Name,
			"call_id": call.ID,
			"result":  preview(output, r.previewLimit),
		}))
		session.Append(stream.Message{Role: "tool", ToolCallID: call.ID, Content: output})
	}

	return anyFailed
}

func (r *Runner) finishPlan(ctx context.Context, plan *approval.Plan, failed bool) error {
	next := approval.StatusCompleted
	if failed {
		next = approval.StatusFailed
	}
	if err := plan.Transition(next); err != nil {
		return err
	}
	return r.plans.SavePlan(ctx, plan)
}

// save persists the runner's working copy of the session. A message
// queued by HandleMessage while the turn ran lives only in the stored
// row, so it is merged in rather than overwritten.
func (r *Runner) save(ctx context.Context, session *store.Session) error {
	if session.QueuedMessage == "" {
		if stored, err := r.sessions.Get(ctx, session.ID); err == nil && stored.QueuedMessage != "" {
			session.QueuedMessage = stored.QueuedMessage
		}
	}
	return r.sessions.Save(ctx, session)
}

// emit publishes an event and records it durably. Log failures are
// logged, not fatal; the turn keeps going.
func (r *Runner) emit(ctx context.Context, evt events.Event) {
	r.bus.Publish(evt)
	if err := r.eventLog.Append(ctx, evt); err != nil {
		r.logger.Error().Err(err).Str("event_type", string(evt.Type)).Msg("Failed to record event")
	}
}

func preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s... (%d more bytes)", s[:limit], len(s)-limit)
}
