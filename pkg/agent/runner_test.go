package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeProvider replays scripted turns, one per Stream call.
type fakeProvider struct {
	mu    sync.Mutex
	name  string
	turns [][]stream.Fragment
	calls int
	errs  []error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, req stream.Request) (<-chan stream.Fragment, error) {
	f.mu.Lock()
	turn := f.calls
	f.calls++
	f.mu.Unlock()

	if turn < len(f.errs) && f.errs[turn] != nil {
		return nil, f.errs[turn]
	}
	idx := turn - len(f.errs)
	if idx >= len(f.turns) {
		idx = len(f.turns) - 1
	}
	if idx < 0 {
		return nil, errors.New("script exhausted")
	}

	ch := make(chan stream.Fragment, len(f.turns[idx]))
	for _, frag := range f.turns[idx] {
		ch <- frag
	}
	close(ch)
	return ch, nil
}

func textTurn(text string) []stream.Fragment {
	return []stream.Fragment{
		{Kind: stream.FragmentBlockStart, Block: stream.BlockText},
		{Kind: stream.FragmentBlockDelta, Block: stream.BlockText, Text: text},
		{Kind: stream.FragmentBlockStop},
		{Kind: stream.FragmentMessageStop},
	}
}

func toolTurn(id, name, argsJSON string) []stream.Fragment {
	return []stream.Fragment{
		{Kind: stream.FragmentBlockStart, Block: stream.BlockToolUse, ToolID: id, ToolName: name},
		{Kind: stream.FragmentBlockDelta, Block: stream.BlockToolUse, PartialJSON: argsJSON},
		{Kind: stream.FragmentBlockStop},
		{Kind: stream.FragmentMessageStop},
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func (r *eventRecorder) count(t events.Type) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

type harness struct {
	runner   *Runner
	db       *store.SQLiteStore
	sessions *store.SessionStore
	bus      *events.Bus
	recorder *eventRecorder
	registry *tools.Registry
}

func newHarness(t *testing.T, provider stream.Provider, blacklist map[string][]string) *harness {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "steward.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := store.NewSessionStore(db, time.Hour, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	recorder := &eventRecorder{}
	bus.SubscribeAll(recorder.record)

	registry := risk.NewRegistry(map[string]risk.Level{
		"read_file":   risk.ReadOnly,
		"write_file":  risk.WriteLowRisk,
		"run_command": risk.WriteHighRisk,
		"deploy":      risk.Critical,
	}, zerolog.Nop())

	toolRegistry := tools.NewRegistry()
	queue := commandqueue.New(zerolog.Nop())
	t.Cleanup(func() { queue.Close() })

	runner, err := New(Config{
		Providers: []*ProviderProfile{{Provider: provider, Priority: 0}},
		Sessions:  sessions,
		Plans:     db,
		Bus:       bus,
		EventLog:  db,
		Approvals: approval.NewManager(registry, zerolog.Nop()),
		Authz:     authz.NewChecker(registry, blacklist, zerolog.Nop()),
		Registry:  toolRegistry,
		Executor:  tools.NewExecutor(toolRegistry, 0, zerolog.Nop()),
		Retry:     retry.New(2, time.Millisecond, 10*time.Millisecond, zerolog.Nop()),
		Queue:     queue,
		Logger:    zerolog.Nop(),
		Model:     "test-model",
	})
	require.NoError(t, err)

	return &harness{
		runner:   runner,
		db:       db,
		sessions: sessions,
		bus:      bus,
		recorder: recorder,
		registry: toolRegistry,
	}
}

func (h *harness) registerTool(t *testing.T, name string, handler tools.Handler) {
	t.Helper()
	require.NoError(t, h.registry.Register(tools.Definition{Name: name, Handler: handler}))
}

func (h *harness) session(t *testing.T, autonomy risk.Autonomy) *store.Session {
	t.Helper()
	session, err := h.runner.CreateSession(context.Background(), "alice", autonomy)
	require.NoError(t, err)
	return session
}

func (h *harness) reload(t *testing.T, id string) *store.Session {
	t.Helper()
	session, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return session
}

func TestLowRiskCallRunsWithoutApproval(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "read_file", `{"path":"notes.txt"}`),
		textTurn("The file says hello."),
	}}
	h := newHarness(t, provider, nil)

	var gotPath string
	h.registerTool(t, "read_file", func(ctx context.Context, args map[string]interface{}) (string, error) {
		gotPath = args["path"].(string)
		return "hello", nil
	})

	session := h.session(t, risk.AutonomySupervised)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "read my notes"))
	h.bus.Wait()

	assert.Equal(t, "notes.txt", gotPath)

	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	require.Len(t, final.Messages, 4) // user, assistant+call, tool result, answer
	assert.Equal(t, "hello", final.Messages[2].Content)
	assert.Equal(t, "The file says hello.", final.Messages[3].Content)

	assert.Equal(t, 1, h.recorder.count(events.TypeToolCallStarted))
	assert.Equal(t, 1, h.recorder.count(events.TypeToolCallCompleted))
	assert.Equal(t, 1, h.recorder.count(events.TypeAnswerReady))
	assert.Equal(t, 0, h.recorder.count(events.TypeWaitingForApproval))
	// Auto-executing batches never surface a proposal.
	assert.Equal(t, 0, h.recorder.count(events.TypePlanProposed))
}

func TestBlacklistedCallFeedsDenialBack(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "read_file", `{"path":"secret.txt"}`),
		textTurn("I am not allowed to read that."),
	}}
	h := newHarness(t, provider, map[string][]string{"alice": {"read_file"}})

	executed := false
	h.registerTool(t, "read_file", func(ctx context.Context, args map[string]interface{}) (string, error) {
		executed = true
		return "", nil
	})

	session := h.session(t, risk.AutonomyFull)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "read the secret"))
	h.bus.Wait()

	assert.False(t, executed)
	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Contains(t, final.Messages[2].Content, "Authorization denied")
	assert.Equal(t, 1, h.recorder.count(events.TypeAuthorizationDenied))
	assert.Equal(t, 0, h.recorder.count(events.TypeToolCallStarted))
}

func TestHighRiskCallWaitsForApprovalThenResumes(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "deploy", `{"env":"prod"}`),
		textTurn("Deployed."),
	}}
	h := newHarness(t, provider, nil)

	deployed := false
	h.registerTool(t, "deploy", func(ctx context.Context, args map[string]interface{}) (string, error) {
		deployed = true
		return "release 42 live", nil
	})

	session := h.session(t, risk.AutonomySupervised)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "ship it"))
	h.bus.Wait()

	paused := h.reload(t, session.ID)
	assert.Equal(t, store.StatusWaitingApproval, paused.Status)
	require.NotEmpty(t, paused.PendingPlanID)
	assert.False(t, deployed)

	plan, err := h.db.GetPlan(context.Background(), paused.PendingPlanID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusProposed, plan.Status)
	assert.Equal(t, risk.Critical, plan.MaxRisk)

	require.NoError(t, h.runner.ApprovePlan(context.Background(), plan.ID))
	h.bus.Wait()

	assert.True(t, deployed)
	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Empty(t, final.PendingPlanID)

	done, err := h.db.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusCompleted, done.Status)
	assert.False(t, done.AutoExecuting)
	require.NotNil(t, done.ApprovedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, 1, h.recorder.count(events.TypeWaitingForApproval))
	assert.Equal(t, 1, h.recorder.count(events.TypePlanProposed))
	assert.Equal(t, 1, h.recorder.count(events.TypePlanApproved))
	// The human's approval satisfies the threshold for every step.
	assert.Equal(t, 0, h.recorder.count(events.TypeAuthorizationDenied))
	assert.Equal(t, 1, h.recorder.count(events.TypeToolCallCompleted))
}

func TestRejectedPlanLetsModelRespond(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "deploy", `{"env":"prod"}`),
		textTurn("Understood, I will not deploy."),
	}}
	h := newHarness(t, provider, nil)

	deployed := false
	h.registerTool(t, "deploy", func(ctx context.Context, args map[string]interface{}) (string, error) {
		deployed = true
		return "", nil
	})

	session := h.session(t, risk.AutonomySupervised)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "ship it"))
	h.bus.Wait()

	paused := h.reload(t, session.ID)
	require.Equal(t, store.StatusWaitingApproval, paused.Status)

	require.NoError(t, h.runner.RejectPlan(context.Background(), paused.PendingPlanID, "not before the freeze"))
	h.bus.Wait()

	assert.False(t, deployed)
	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Contains(t, final.Messages[2].Content, "declined")
	assert.Contains(t, final.Messages[2].Content, "not before the freeze")
	assert.Equal(t, "Understood, I will not deploy.", final.Messages[len(final.Messages)-1].Content)

	plan, err := h.db.GetPlan(context.Background(), paused.PendingPlanID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, plan.Status)
	assert.Equal(t, 1, h.recorder.count(events.TypePlanRejected))
}

func TestTransientToolFailureIsRetried(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "read_file", `{"path":"a"}`),
		textTurn("Got it on the second try."),
	}}
	h := newHarness(t, provider, nil)

	attempts := 0
	h.registerTool(t, "read_file", func(ctx context.Context, args map[string]interface{}) (string, error) {
		attempts++
		if attempts == 1 {
			return "", tools.Transient(errors.New("connection reset"))
		}
		return "contents", nil
	})

	session := h.session(t, risk.AutonomyFull)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "read it"))
	h.bus.Wait()

	assert.Equal(t, 2, attempts)
	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, 0, h.recorder.count(events.TypeToolCallFailed))
}

func TestPermanentToolFailureMarksSession(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "read_file", `{"path":"a"}`),
		textTurn("That file could not be read."),
	}}
	h := newHarness(t, provider, nil)

	attempts := 0
	h.registerTool(t, "read_file", func(ctx context.Context, args map[string]interface{}) (string, error) {
		attempts++
		return "", errors.New("no such file")
	})

	session := h.session(t, risk.AutonomyFull)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "read it"))
	h.bus.Wait()

	assert.Equal(t, 1, attempts) // permanent errors are not retried
	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompletedWithErrors, final.Status)
	assert.Contains(t, final.Messages[2].Content, "no such file")
	assert.Equal(t, 1, h.recorder.count(events.TypeToolCallFailed))
}

func TestProviderFailoverToNextProfile(t *testing.T) {
	broken := &fakeProvider{name: "broken", errs: []error{errors.New("connection refused")}}
	healthy := &fakeProvider{name: "healthy", turns: [][]stream.Fragment{textTurn("Hello from backup.")}}

	h := newHarness(t, broken, nil)
	h.runner.pool = newProviderPool([]*ProviderProfile{
		{Provider: broken, Priority: 0},
		{Provider: healthy, Priority: 1},
	}, retry.New(1, time.Millisecond, 10*time.Millisecond, zerolog.Nop()), zerolog.Nop())

	session := h.session(t, risk.AutonomyFull)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "hi"))
	h.bus.Wait()

	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, "Hello from backup.", final.Messages[len(final.Messages)-1].Content)
}

func TestTransientProviderErrorRetriedOnSameProfile(t *testing.T) {
	// A single-provider deployment must survive a transient upstream
	// error without failing the turn.
	provider := &fakeProvider{
		name:  "flaky",
		errs:  []error{errors.New("429 rate limit exceeded")},
		turns: [][]stream.Fragment{textTurn("Recovered.")},
	}
	h := newHarness(t, provider, nil)

	session := h.session(t, risk.AutonomyFull)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "hi"))
	h.bus.Wait()

	assert.Equal(t, 2, provider.calls)
	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, "Recovered.", final.Messages[len(final.Messages)-1].Content)
	assert.Equal(t, 0, h.recorder.count(events.TypeError))
}

func TestApprovedPlanStillHonorsBlacklist(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "deploy", `{"env":"prod"}`),
		textTurn("I was not allowed to deploy."),
	}}
	h := newHarness(t, provider, map[string][]string{"alice": {"deploy"}})

	deployed := false
	h.registerTool(t, "deploy", func(ctx context.Context, args map[string]interface{}) (string, error) {
		deployed = true
		return "", nil
	})

	session := h.session(t, risk.AutonomySupervised)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "ship it"))
	h.bus.Wait()

	paused := h.reload(t, session.ID)
	require.Equal(t, store.StatusWaitingApproval, paused.Status)

	require.NoError(t, h.runner.ApprovePlan(context.Background(), paused.PendingPlanID))
	h.bus.Wait()

	// Approval clears the threshold but never the blacklist.
	assert.False(t, deployed)
	assert.Equal(t, 1, h.recorder.count(events.TypeAuthorizationDenied))
	assert.Equal(t, 0, h.recorder.count(events.TypeToolCallStarted))
	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
}

func TestMessageDuringTurnQueuesAndDrains(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{
		toolTurn("tc_1", "read_file", `{"path":"a"}`),
		textTurn("First answer."),
		textTurn("Second answer."),
	}}
	h := newHarness(t, provider, nil)

	var runner *Runner
	var sessionID string
	h.registerTool(t, "read_file", func(ctx context.Context, args map[string]interface{}) (string, error) {
		// The session is mid-turn, so this message must queue.
		if err := runner.HandleMessage(ctx, sessionID, "and another thing"); err != nil {
			return "", err
		}
		return "data", nil
	})

	runner = h.runner
	session := h.session(t, risk.AutonomyFull)
	sessionID = session.ID

	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "read it"))
	h.bus.Wait()

	final := h.reload(t, session.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Empty(t, final.QueuedMessage)

	// Both answers landed, in order, with the queued message between.
	var contents []string
	for _, msg := range final.Messages {
		contents = append(contents, msg.Content)
	}
	assert.Contains(t, contents, "First answer.")
	assert.Contains(t, contents, "and another thing")
	assert.Equal(t, "Second answer.", contents[len(contents)-1])
	assert.Equal(t, 2, h.recorder.count(events.TypeAnswerReady))
}

func TestEventsAreDurablyLogged(t *testing.T) {
	provider := &fakeProvider{name: "fake", turns: [][]stream.Fragment{textTurn("Hi.")}}
	h := newHarness(t, provider, nil)

	session := h.session(t, risk.AutonomyManual)
	require.NoError(t, h.runner.HandleMessage(context.Background(), session.ID, "hello"))
	h.bus.Wait()

	logged, err := h.db.BySession(context.Background(), session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logged)
	assert.Equal(t, events.TypeThinking, logged[0].Type)
	assert.Equal(t, events.TypeAnswerReady, logged[len(logged)-1].Type)
}
