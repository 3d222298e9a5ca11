package service_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/clock"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/workflow"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock.Fake
	store  *repository.MemoryStore
	engine *service.Engine
}

func newHarness(t *testing.T, def *repository.WorkflowDefinition, opts ...service.Option) *harness {
	t.Helper()
	provider, err := workflow.NewStaticProvider(def)
	require.NoError(t, err)

	clk := clock.NewFake(epoch)
	store := repository.NewMemoryStore()
	engine := service.NewEngine(store, provider, append([]service.Option{service.WithClock(clk)}, opts...)...)
	t.Cleanup(engine.Close)
	return &harness{t: t, ctx: context.Background(), clock: clk, store: store, engine: engine}
}

func (h *harness) initiate() *service.Status {
	h.t.Helper()
	status, err := h.engine.Initiate(h.ctx, "wf", service.RequestData{
		Title:     "New laptops",
		Category:  "it",
		Priority:  repository.PriorityNormal,
		Requester: "requester",
	})
	require.NoError(h.t, err)
	return status
}

func (h *harness) decide(requestID string, stage int, approver string, outcome repository.Outcome) (*service.Status, error) {
	return h.engine.SubmitDecision(h.ctx, service.DecisionInput{
		RequestID:  requestID,
		StageIndex: stage,
		Approver:   approver,
		Outcome:    outcome,
	})
}

func (h *harness) mustDecide(requestID string, stage int, approver string, outcome repository.Outcome) *service.Status {
	h.t.Helper()
	status, err := h.decide(requestID, stage, approver, outcome)
	require.NoError(h.t, err)
	return status
}

func (h *harness) history(requestID string) *service.History {
	h.t.Helper()
	hist, err := h.engine.History(h.ctx, requestID)
	require.NoError(h.t, err)
	return hist
}

func stage(name string, mode repository.StageMode, approvers ...string) repository.StageSpec {
	return repository.StageSpec{Name: name, Mode: mode, Approvers: approvers, TimeoutMinutes: 60}
}

func definition(stages ...repository.StageSpec) *repository.WorkflowDefinition {
	return &repository.WorkflowDefinition{ID: "wf", Name: "test", Stages: stages}
}

func auditActions(entries []*repository.AuditEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestTwoStageSequentialScenario(t *testing.T) {
	h := newHarness(t, definition(
		stage("manager", repository.ModeSequential, "alice"),
		stage("finance", repository.ModeSequential, "bob"),
	))
	status := h.initiate()
	id := status.Request.ID
	assert.Equal(t, repository.StatusInProgress, status.Request.Status)
	assert.Equal(t, 0, status.Request.CurrentStageIndex)
	assert.Equal(t, 1, h.engine.ArmedTimers())

	h.clock.Advance(10 * time.Minute)
	status = h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusInProgress, status.Request.Status)
	assert.Equal(t, 1, status.Request.CurrentStageIndex)
	require.Len(t, status.Stages, 2)
	assert.False(t, status.Stages[0].Open)
	assert.Equal(t, repository.OutcomeApprove, status.Stages[0].Outcome)

	h.clock.Advance(10 * time.Minute)
	status = h.mustDecide(id, 1, "bob", repository.OutcomeReject)
	assert.Equal(t, repository.StatusRejected, status.Request.Status)
	require.NotNil(t, status.Request.CompletedAt)
	assert.Equal(t, epoch.Add(20*time.Minute), *status.Request.CompletedAt)

	// Timer disarmed.
	assert.Equal(t, 0, h.engine.ArmedTimers())
	assert.Equal(t, 0, h.clock.Pending())

	hist := h.history(id)
	require.Len(t, hist.Decisions, 2)
	assert.Equal(t, "alice", hist.Decisions[0].Approver)
	assert.Equal(t, "bob", hist.Decisions[1].Approver)
	assert.Less(t, hist.Decisions[0].Sequence, hist.Decisions[1].Sequence)
	assert.Empty(t, hist.Escalations)

	last := hist.Audit[len(hist.Audit)-1]
	assert.Equal(t, "status_changed", last.Action)
	assert.Equal(t, string(repository.StatusInProgress), last.OldValue)
	assert.Equal(t, string(repository.StatusRejected), last.NewValue)

	// Nothing fires later.
	h.clock.Advance(24 * time.Hour)
	assert.Empty(t, h.history(id).Escalations)
}

func TestTimeoutEscalationThenRetainedApproverDecides(t *testing.T) {
	first := stage("manager", repository.ModeSequential, "alice")
	first.EscalationTargets = []repository.EscalationTarget{{Approvers: []string{"carol"}}}
	h := newHarness(t, definition(first, stage("finance", repository.ModeSequential, "bob")))

	id := h.initiate().Request.ID

	h.clock.Advance(60 * time.Minute)
	hist := h.history(id)
	require.Len(t, hist.Escalations, 1)
	ev := hist.Escalations[0]
	assert.Equal(t, 1, ev.Level)
	assert.Equal(t, repository.CauseTimeout, ev.Cause)
	assert.Equal(t, []string{"alice"}, ev.EscalatedFrom)
	assert.Equal(t, []string{"carol"}, ev.EscalatedTo)
	assert.Equal(t, "system", ev.Actor)

	st := hist.Stages[0]
	assert.Equal(t, 1, st.EscalationLevel)
	assert.Equal(t, []string{"alice", "carol"}, st.ApproversPending)
	deadline, ok := h.engine.ArmedDeadline(id, 0)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(120*time.Minute), deadline)

	h.clock.Advance(time.Minute)
	status := h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	assert.Equal(t, 1, status.Request.CurrentStageIndex)

	_, ok = h.engine.ArmedDeadline(id, 0)
	assert.False(t, ok)

	h.clock.Advance(59 * time.Minute)
	assert.Len(t, h.history(id).Escalations, 1, "no further escalation of the decided stage")
}

func TestQuorumCompletesEarlyAndLateDecisionIsStale(t *testing.T) {
	q := stage("board", repository.ModeQuorum, "a", "b", "c")
	q.Quorum = 2
	h := newHarness(t, definition(q))
	id := h.initiate().Request.ID

	status := h.mustDecide(id, 0, "a", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusInProgress, status.Request.Status)

	status = h.mustDecide(id, 0, "b", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)
	assert.False(t, status.Stages[0].Open)

	_, err := h.decide(id, 0, "c", repository.OutcomeReject)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStaleStage))
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))

	hist := h.history(id)
	assert.Equal(t, repository.StatusApproved, hist.Request.Status)
	assert.False(t, hist.Stages[0].Open)
	assert.Len(t, hist.Decisions, 2)
	assert.Contains(t, auditActions(hist.Audit), "decision_rejected_late")
}

func TestQuorumFailsEarly(t *testing.T) {
	q := stage("board", repository.ModeQuorum, "a", "b", "c")
	q.Quorum = 2
	h := newHarness(t, definition(q))
	id := h.initiate().Request.ID

	h.mustDecide(id, 0, "a", repository.OutcomeReject)
	status := h.mustDecide(id, 0, "b", repository.OutcomeAbstain)
	assert.Equal(t, repository.StatusRejected, status.Request.Status)
}

func TestTerminalRequestAbsorbsEverything(t *testing.T) {
	h := newHarness(t, definition(stage("manager", repository.ModeSequential, "alice")))
	id := h.initiate().Request.ID
	h.mustDecide(id, 0, "alice", repository.OutcomeApprove)

	_, err := h.engine.EscalateNow(h.ctx, id, repository.CauseManual, "ops")
	assert.True(t, errors.Is(err, errors.ErrTerminalState))
	assert.Equal(t, errors.KindNoop, errors.KindOf(err))

	status, err := h.engine.Cancel(h.ctx, id, "requester")
	require.NoError(t, err)
	assert.True(t, status.Noop)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)

	_, err = h.decide(id, 0, "alice", repository.OutcomeReject)
	assert.Error(t, err)

	got, err := h.engine.QueryStatus(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Request.Status)
}

func TestCancelIsIdempotentAndDisarms(t *testing.T) {
	h := newHarness(t, definition(stage("manager", repository.ModeParallel, "alice", "bob")))
	id := h.initiate().Request.ID

	status, err := h.engine.Cancel(h.ctx, id, "requester")
	require.NoError(t, err)
	assert.False(t, status.Noop)
	assert.Equal(t, repository.StatusCancelled, status.Request.Status)
	assert.False(t, status.Stages[0].Open)
	assert.Equal(t, 0, h.engine.ArmedTimers())

	again, err := h.engine.Cancel(h.ctx, id, "requester")
	require.NoError(t, err)
	assert.True(t, again.Noop)
	assert.Equal(t, status.Request.Version, again.Request.Version)

	h.clock.Advance(2 * time.Hour)
	assert.Empty(t, h.history(id).Escalations)

	_, err = h.decide(id, 0, "alice", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrStaleStage))
}

func TestEscalationLevelIsMonotonic(t *testing.T) {
	s := stage("manager", repository.ModeSequential, "alice")
	s.TimeoutMinutes = 10
	def := definition(s)
	def.MaxEscalationLevel = 2
	h := newHarness(t, def)
	id := h.initiate().Request.ID

	h.clock.Advance(30 * time.Minute)
	status, err := h.engine.QueryStatus(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusEscalated, status.Request.Status)
	assert.Equal(t, 3, status.Stages[0].EscalationLevel)
	assert.True(t, status.Stages[0].Open)
	assert.Equal(t, 0, h.engine.ArmedTimers())

	ev, err := h.engine.EscalateNow(h.ctx, id, repository.CauseManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, 4, ev.Level)
	assert.Equal(t, "ops", ev.Actor)

	hist := h.history(id)
	levels := make([]int, len(hist.Escalations))
	for i, e := range hist.Escalations {
		levels[i] = e.Level
	}
	assert.Equal(t, []int{1, 2, 3, 4}, levels)

	// Past the limit the stage still takes a decision.
	status = h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)
}

func TestManualEscalationReArms(t *testing.T) {
	s := stage("manager", repository.ModeParallel, "alice")
	s.EscalationTargets = []repository.EscalationTarget{
		{Approvers: []string{"carol"}, Replace: true, TimeoutMinutes: 30},
	}
	h := newHarness(t, definition(s))
	id := h.initiate().Request.ID

	h.clock.Advance(5 * time.Minute)
	ev, err := h.engine.EscalateNow(h.ctx, id, repository.CauseCompliance, "auditor")
	require.NoError(t, err)
	assert.Equal(t, repository.CauseCompliance, ev.Cause)
	assert.Equal(t, []string{"carol"}, ev.EscalatedTo)

	deadline, ok := h.engine.ArmedDeadline(id, 0)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(35*time.Minute), deadline)

	// Replaced approvers lose the stage.
	_, err = h.decide(id, 0, "alice", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrUnauthorizedApprover))

	status := h.mustDecide(id, 0, "carol", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)

	_, err = h.engine.EscalateNow(h.ctx, id, "SIDEWAYS", "auditor")
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestEscalationRuleOverridesStageTarget(t *testing.T) {
	s := stage("manager", repository.ModeSequential, "alice")
	s.EscalationTargets = []repository.EscalationTarget{{Approvers: []string{"carol"}}}
	def := definition(s)
	def.EscalationRules = []repository.EscalationRule{{
		Name:   "urgent",
		When:   &rules.Condition{Field: "priority", Op: rules.OpGte, Value: "URGENT"},
		Target: repository.EscalationTarget{Approvers: []string{"vp"}},
	}}
	h := newHarness(t, def)

	status, err := h.engine.Initiate(h.ctx, "wf", service.RequestData{
		Title: "Server outage", Category: "ops", Priority: repository.PriorityCritical, Requester: "sre",
	})
	require.NoError(t, err)

	ev, err := h.engine.EscalateNow(h.ctx, status.Request.ID, repository.CauseManual, "sre")
	require.NoError(t, err)
	assert.Equal(t, []string{"vp"}, ev.EscalatedTo)
}

func TestDecisionValidation(t *testing.T) {
	h := newHarness(t, definition(stage("manager", repository.ModeSequential, "alice", "bob")))
	id := h.initiate().Request.ID

	_, err := h.decide(id, 0, "mallory", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrUnauthorizedApprover))

	_, err = h.decide(id, 0, "bob", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrUnauthorizedApprover), "bob acts out of turn")

	_, err = h.decide(id, 3, "alice", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrStaleStage))

	_, err = h.decide(id, 0, "alice", "MAYBE")
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))

	_, err = h.decide("missing", 0, "alice", repository.OutcomeApprove)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	_, err = h.decide(id, 0, "alice", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrDuplicateDecision))

	hist := h.history(id)
	assert.Len(t, hist.Decisions, 1)
	var rejected, late int
	for _, e := range hist.Audit {
		switch e.Action {
		case "decision_rejected":
			rejected++
		case "decision_rejected_late":
			late++
		}
	}
	assert.Equal(t, 3, rejected)
	assert.Equal(t, 1, late)
}

func TestParallelFailsOnDissent(t *testing.T) {
	h := newHarness(t, definition(stage("review", repository.ModeParallel, "alice", "bob")))
	id := h.initiate().Request.ID

	status := h.mustDecide(id, 0, "alice", repository.OutcomeReject)
	assert.Equal(t, repository.StatusInProgress, status.Request.Status)
	assert.True(t, status.Stages[0].Open)

	status = h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusRejected, status.Request.Status)
}

func TestParallelAbstentionIsNotApproval(t *testing.T) {
	h := newHarness(t, definition(stage("review", repository.ModeParallel, "alice", "bob")))
	id := h.initiate().Request.ID

	status := h.mustDecide(id, 0, "alice", repository.OutcomeAbstain)
	assert.True(t, status.Stages[0].Open, "bob has not decided yet")

	status = h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusRejected, status.Request.Status)
	assert.Equal(t, repository.OutcomeReject, status.Stages[0].Outcome)
}

func TestParallelDelegatorNeedNotApprove(t *testing.T) {
	h := newHarness(t, definition(stage("review", repository.ModeParallel, "alice", "bob")))
	id := h.initiate().Request.ID

	_, err := h.engine.SubmitDecision(h.ctx, service.DecisionInput{
		RequestID: id, StageIndex: 0, Approver: "alice", Outcome: repository.OutcomeDelegate, DelegateTo: "dave",
	})
	require.NoError(t, err)
	h.mustDecide(id, 0, "dave", repository.OutcomeApprove)
	status := h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)
}

func TestTimeoutWithoutTargetKeepsParallelRule(t *testing.T) {
	h := newHarness(t, definition(stage("review", repository.ModeParallel, "alice", "bob")))
	id := h.initiate().Request.ID

	h.clock.Advance(60 * time.Minute)
	require.Len(t, h.history(id).Escalations, 1)

	status := h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusInProgress, status.Request.Status)
	st := status.Stages[0]
	assert.True(t, st.Open)
	assert.Equal(t, []string{"alice"}, st.ApproversPending)

	status = h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)
}

func TestTimeoutWithoutTargetKeepsSequentialOrder(t *testing.T) {
	h := newHarness(t, definition(stage("manager", repository.ModeSequential, "alice", "bob")))
	id := h.initiate().Request.ID

	h.clock.Advance(60 * time.Minute)
	_, err := h.engine.EscalateNow(h.ctx, id, repository.CauseManual, "bob")
	require.NoError(t, err)

	_, err = h.decide(id, 0, "bob", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrUnauthorizedApprover), "still alice's turn")

	status := h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	assert.True(t, status.Stages[0].Open)
	status = h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)
}

func TestEscalatedInApproverSettlesStage(t *testing.T) {
	for _, mode := range []repository.StageMode{repository.ModeSequential, repository.ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			s := stage("review", mode, "alice", "bob")
			s.EscalationTargets = []repository.EscalationTarget{{Approvers: []string{"carol"}}}
			h := newHarness(t, definition(s))
			id := h.initiate().Request.ID

			h.clock.Advance(60 * time.Minute)
			status, err := h.engine.QueryStatus(h.ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []string{"carol"}, status.Stages[0].EscalatedIn)

			// An original approver is still held to the stage mode.
			if mode == repository.ModeParallel {
				status = h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
				assert.True(t, status.Stages[0].Open)
			} else {
				_, err = h.decide(id, 0, "bob", repository.OutcomeApprove)
				assert.True(t, errors.Is(err, errors.ErrUnauthorizedApprover))
			}

			status = h.mustDecide(id, 0, "carol", repository.OutcomeApprove)
			assert.Equal(t, repository.StatusApproved, status.Request.Status)
		})
	}
}

func TestOriginalApproversCompleteBeforeEscalatedIn(t *testing.T) {
	s := stage("review", repository.ModeParallel, "alice", "bob")
	s.EscalationTargets = []repository.EscalationTarget{{Approvers: []string{"carol"}}}
	h := newHarness(t, definition(s))
	id := h.initiate().Request.ID

	h.clock.Advance(60 * time.Minute)
	h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	status := h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)
}

func TestDelegationKeepsOrder(t *testing.T) {
	h := newHarness(t, definition(stage("manager", repository.ModeSequential, "alice", "bob")))
	id := h.initiate().Request.ID

	status, err := h.engine.SubmitDecision(h.ctx, service.DecisionInput{
		RequestID: id, StageIndex: 0, Approver: "alice",
		Outcome: repository.OutcomeDelegate, DelegateTo: "dave", Comment: "on leave",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDelegated, status.Request.Status)
	st := status.CurrentStage()
	require.NotNil(t, st)
	assert.True(t, st.Open)
	assert.Equal(t, []string{"dave", "bob"}, st.ApproversPending)
	assert.Equal(t, []string{"alice", "dave", "bob"}, st.Approvers)
	assert.Equal(t, "alice", st.Delegations["dave"])

	_, err = h.decide(id, 0, "bob", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrUnauthorizedApprover))

	_, err = h.decide(id, 0, "alice", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrDuplicateDecision))

	status = h.mustDecide(id, 0, "dave", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusInProgress, status.Request.Status)

	status = h.mustDecide(id, 0, "bob", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)

	hist := h.history(id)
	require.Len(t, hist.Decisions, 3)
	assert.Equal(t, repository.OutcomeDelegate, hist.Decisions[0].Outcome)
	assert.False(t, hist.Decisions[0].IsSystemGenerated)
}

func TestDelegateValidation(t *testing.T) {
	h := newHarness(t, definition(stage("review", repository.ModeParallel, "alice", "bob")))
	id := h.initiate().Request.ID

	_, err := h.engine.SubmitDecision(h.ctx, service.DecisionInput{
		RequestID: id, StageIndex: 0, Approver: "alice", Outcome: repository.OutcomeDelegate,
	})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))

	_, err = h.engine.SubmitDecision(h.ctx, service.DecisionInput{
		RequestID: id, StageIndex: 0, Approver: "alice", Outcome: repository.OutcomeDelegate, DelegateTo: "bob",
	})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err), "bob is already pending")
}

func TestRejectRecoveryEscalatesInNewRound(t *testing.T) {
	s := stage("manager", repository.ModeSequential, "alice")
	s.OnReject = repository.OnRejectEscalate
	s.EscalationTargets = []repository.EscalationTarget{{Approvers: []string{"cfo"}}}
	h := newHarness(t, definition(s))
	id := h.initiate().Request.ID

	status := h.mustDecide(id, 0, "alice", repository.OutcomeReject)
	assert.Equal(t, repository.StatusInProgress, status.Request.Status)
	st := status.CurrentStage()
	assert.True(t, st.Open)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, 1, st.EscalationLevel)
	assert.Equal(t, []string{"cfo"}, st.ApproversPending)

	_, err := h.decide(id, 0, "alice", repository.OutcomeApprove)
	assert.True(t, errors.Is(err, errors.ErrUnauthorizedApprover))

	status = h.mustDecide(id, 0, "cfo", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)

	hist := h.history(id)
	require.Len(t, hist.Escalations, 1)
	assert.Equal(t, repository.CauseRejection, hist.Escalations[0].Cause)
	assert.Equal(t, []string{"alice"}, hist.Escalations[0].EscalatedFrom)
	assert.Equal(t, 0, hist.Decisions[0].Round)
	assert.Equal(t, 1, hist.Decisions[1].Round)
}

func TestRoutingRulesAndConditionalStages(t *testing.T) {
	threshold := stage("finance", repository.ModeSequential, "bob")
	threshold.When = &rules.Condition{Field: "amount", Op: rules.OpGte, Value: "1000"}
	def := definition(threshold, stage("manager", repository.ModeSequential, "alice"))
	def.RoutingRules = []repository.RoutingRule{{
		Name:   "capex",
		When:   &rules.Condition{Field: "category", Op: rules.OpEq, Value: "capex"},
		Stages: []repository.StageSpec{stage("cfo", repository.ModeSequential, "frank")},
	}}
	h := newHarness(t, def)

	small := decimal.NewFromInt(200)
	status, err := h.engine.Initiate(h.ctx, "wf", service.RequestData{
		Title: "Monitor", Category: "it", Requester: "r", Amount: &small,
	})
	require.NoError(t, err)
	assert.Equal(t, "", status.Request.Route)
	assert.Equal(t, 1, status.Request.CurrentStageIndex, "finance stage skipped below threshold")
	assert.Contains(t, auditActions(h.history(status.Request.ID).Audit), "stage_skipped")

	status, err = h.engine.Initiate(h.ctx, "wf", service.RequestData{
		Title: "Forklift", Category: "CAPEX", Requester: "r",
	})
	require.NoError(t, err)
	assert.Equal(t, "capex", status.Request.Route)
	assert.Equal(t, []string{"frank"}, status.CurrentStage().Approvers)
}

func TestInitiateValidation(t *testing.T) {
	only := stage("finance", repository.ModeSequential, "bob")
	only.When = &rules.Condition{Field: "amount", Op: rules.OpGte, Value: "1000"}
	h := newHarness(t, definition(only))

	_, err := h.engine.Initiate(h.ctx, "wf", service.RequestData{Category: "it"})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))

	_, err = h.engine.Initiate(h.ctx, "wf", service.RequestData{Title: "x"})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))

	_, err = h.engine.Initiate(h.ctx, "wf", service.RequestData{Title: "x", Category: "it"})
	assert.True(t, errors.Is(err, errors.ErrValidation), "no stage resolves without an amount")

	_, err = h.engine.Initiate(h.ctx, "nope", service.RequestData{Title: "x", Category: "it"})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, definition(
		stage("manager", repository.ModeSequential, "alice"),
		stage("finance", repository.ModeSequential, "bob"),
	))
	id := h.initiate().Request.ID
	before, err := h.engine.QueryStatus(h.ctx, id)
	require.NoError(t, err)

	h.store.FailNext(stderrors.New("connection reset"))
	_, err = h.decide(id, 0, "alice", repository.OutcomeApprove)
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))

	after, err := h.engine.QueryStatus(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Request.Version, after.Request.Version)
	assert.Equal(t, 0, after.Request.CurrentStageIndex)
	_, armed := h.engine.ArmedDeadline(id, 0)
	assert.True(t, armed, "timer untouched by a failed commit")
	_, armed = h.engine.ArmedDeadline(id, 1)
	assert.False(t, armed)

	// The caller may retry.
	status := h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	assert.Equal(t, 1, status.Request.CurrentStageIndex)
}

func TestTimerCallbackRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, definition(stage("manager", repository.ModeSequential, "alice")),
		service.WithConfig(service.EngineConfig{DefaultTimeoutMinutes: 60, RetryInterval: 2 * time.Minute}))
	id := h.initiate().Request.ID

	h.store.FailNext(stderrors.New("connection reset"))
	h.clock.Advance(60 * time.Minute)
	assert.Empty(t, h.history(id).Escalations)
	deadline, ok := h.engine.ArmedDeadline(id, 0)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(62*time.Minute), deadline)

	h.clock.Advance(2 * time.Minute)
	require.Len(t, h.history(id).Escalations, 1)
}

type calendarFunc func(from, to time.Time) float64

func (f calendarFunc) ElapsedBusinessMinutes(from, to time.Time) float64 { return f(from, to) }

func TestBusinessCalendarPushesTimeoutOut(t *testing.T) {
	def := definition(stage("manager", repository.ModeSequential, "alice"))
	def.UseBusinessCalendar = true

	// The first hour is outside business hours.
	opens := epoch.Add(time.Hour)
	cal := calendarFunc(func(from, to time.Time) float64 {
		if from.Before(opens) {
			from = opens
		}
		if !to.After(from) {
			return 0
		}
		return to.Sub(from).Minutes()
	})
	h := newHarness(t, def, service.WithCalendar(cal))
	id := h.initiate().Request.ID

	h.clock.Advance(60 * time.Minute)
	hist := h.history(id)
	assert.Empty(t, hist.Escalations)
	assert.Contains(t, auditActions(hist.Audit), "deadline_extended")
	deadline, ok := h.engine.ArmedDeadline(id, 0)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(120*time.Minute), deadline)

	// The pushed-out deadline is stored, so readers and a restarted engine see it.
	status, err := h.engine.QueryStatus(h.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, status.Stages[0].Deadline)
	assert.Equal(t, epoch.Add(120*time.Minute), *status.Stages[0].Deadline)

	provider, err := workflow.NewStaticProvider(def)
	require.NoError(t, err)
	restarted := service.NewEngine(h.store, provider, service.WithClock(h.clock), service.WithCalendar(cal))
	_, err = restarted.Recover(h.ctx)
	require.NoError(t, err)
	deadline, ok = restarted.ArmedDeadline(id, 0)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(120*time.Minute), deadline)
	restarted.Close()

	h.clock.Advance(59 * time.Minute)
	assert.Empty(t, h.history(id).Escalations)

	h.clock.Advance(time.Minute)
	assert.Len(t, h.history(id).Escalations, 1)
}

func TestRecoverReArmsOpenStages(t *testing.T) {
	def := definition(stage("manager", repository.ModeSequential, "alice"))
	provider, err := workflow.NewStaticProvider(def)
	require.NoError(t, err)
	clk := clock.NewFake(epoch)
	store := repository.NewMemoryStore()

	first := service.NewEngine(store, provider, service.WithClock(clk))
	status, err := first.Initiate(context.Background(), "wf", service.RequestData{Title: "x", Category: "it"})
	require.NoError(t, err)
	first.Close()

	clk.Advance(90 * time.Minute)
	second := service.NewEngine(store, provider, service.WithClock(clk))
	defer second.Close()
	n, err := second.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The overdue deadline fires on the next tick.
	clk.Advance(0)
	hist, err := second.History(context.Background(), status.Request.ID)
	require.NoError(t, err)
	require.Len(t, hist.Escalations, 1)
	assert.Equal(t, repository.CauseTimeout, hist.Escalations[0].Cause)
}

func TestPendingFor(t *testing.T) {
	h := newHarness(t, definition(stage("review", repository.ModeParallel, "alice", "bob")))
	a := h.initiate().Request.ID
	b := h.initiate().Request.ID
	h.mustDecide(a, 0, "alice", repository.OutcomeApprove)

	pending, err := h.engine.PendingFor(h.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b, pending[0].RequestID)

	pending, err = h.engine.PendingFor(h.ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestConcurrentDecisionsAreSerialized(t *testing.T) {
	approvers := make([]string, 20)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("approver-%02d", i)
	}
	h := newHarness(t, definition(stage("committee", repository.ModeParallel, approvers...)))
	id := h.initiate().Request.ID

	var wg sync.WaitGroup
	errs := make(chan error, len(approvers)*2)
	for _, a := range approvers {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(a string) {
				defer wg.Done()
				_, err := h.decide(id, 0, a, repository.OutcomeApprove)
				errs <- err
			}(a)
		}
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrDuplicateDecision), errors.Is(err, errors.ErrStaleStage):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, len(approvers), ok)
	assert.Equal(t, len(approvers), dup)

	hist := h.history(id)
	assert.Equal(t, repository.StatusApproved, hist.Request.Status)
	require.Len(t, hist.Decisions, len(approvers))
	seen := map[int64]bool{}
	for _, d := range hist.Decisions {
		assert.False(t, seen[d.Sequence], "sequence numbers are unique")
		seen[d.Sequence] = true
	}
}
