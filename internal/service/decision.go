package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type stageResult int

const (
	stageOpen stageResult = iota
	stageApproved
	stageRejected
)

// SubmitDecision applies one approver response to the request's active stage.
// Rejected attempts leave state unchanged and are written to the audit log.
func (e *Engine) SubmitDecision(ctx context.Context, in DecisionInput) (_ *Status, err error) {
	ctx, span := e.startSpan(ctx, "SubmitDecision",
		attribute.String("request_id", in.RequestID),
		attribute.Int("stage_index", in.StageIndex),
		attribute.String("outcome", string(in.Outcome)))
	defer func() { endSpan(span, err) }()

	if err := validateDecision(in); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(in.RequestID)
	t, err := e.load(ctx, in.RequestID, in.Approver)
	if err != nil {
		unlock()
		return nil, err
	}

	st, err := e.checkDecision(t, in)
	if err != nil {
		e.recordRejected(t, in, err)
		unlock()
		return nil, err
	}

	if err := t.applyDecision(st, in); err != nil {
		unlock()
		return nil, err
	}
	status, events, err := e.finish(t)
	if err != nil {
		unlock()
		return nil, err
	}
	e.deliver(ctx, in.RequestID, unlock, events)

	e.log.Info().
		Str("request_id", in.RequestID).
		Int("stage_index", in.StageIndex).
		Str("approver", in.Approver).
		Str("outcome", string(in.Outcome)).
		Str("status", string(status.Request.Status)).
		Msg("Decision recorded")
	return status, nil
}

func validateDecision(in DecisionInput) error {
	if in.RequestID == "" {
		return errors.InvalidInput("requestId", "is required")
	}
	if in.Approver == "" {
		return errors.InvalidInput("approver", "is required")
	}
	if !in.Outcome.Valid() {
		return errors.InvalidInput("outcome", fmt.Sprintf("unknown outcome %q", in.Outcome))
	}
	if in.Outcome == repository.OutcomeDelegate {
		if in.DelegateTo == "" {
			return errors.InvalidInput("delegateTo", "is required for DELEGATE")
		}
		if in.DelegateTo == in.Approver {
			return errors.InvalidInput("delegateTo", "cannot delegate to yourself")
		}
	}
	return nil
}

// checkDecision resolves the target stage and rejects stale, terminal,
// unauthorized and duplicate submissions, in that order.
func (e *Engine) checkDecision(t *transition, in DecisionInput) (*repository.StageInstance, error) {
	if in.StageIndex != t.req.CurrentStageIndex || in.StageIndex < 0 {
		return nil, errors.StaleStage(t.req.ID, in.StageIndex, t.req.CurrentStageIndex)
	}
	st, err := t.stage(in.StageIndex)
	if err != nil {
		return nil, err
	}
	if !st.Open {
		return nil, errors.StaleStage(t.req.ID, in.StageIndex, t.req.CurrentStageIndex)
	}
	if t.req.Status.IsTerminal() {
		return nil, errors.Terminal(t.req.ID, string(t.req.Status))
	}

	if !st.HasApprover(in.Approver) {
		return nil, errors.UnauthorizedApprover(in.Approver, in.StageIndex, "not an approver of this stage")
	}
	if _, decided := st.ApproversDecided[in.Approver]; decided {
		return nil, errors.DuplicateDecision(in.Approver, in.StageIndex)
	}
	if !st.IsPending(in.Approver) {
		return nil, errors.UnauthorizedApprover(in.Approver, in.StageIndex, "no longer assigned to this stage")
	}
	if next, ok := nextInTurn(st); ok && next != in.Approver && !st.IsEscalatedIn(in.Approver) {
		return nil, errors.UnauthorizedApprover(in.Approver, in.StageIndex,
			fmt.Sprintf("waiting on %s", next))
	}

	if in.Outcome == repository.OutcomeDelegate {
		if st.IsPending(in.DelegateTo) {
			return nil, errors.InvalidInput("delegateTo", in.DelegateTo+" is already pending on this stage")
		}
		if _, decided := st.ApproversDecided[in.DelegateTo]; decided {
			return nil, errors.InvalidInput("delegateTo", in.DelegateTo+" already decided on this stage")
		}
	}
	return st, nil
}

// recordRejected writes a refused submission to the audit log. A failure to
// write is logged; the caller still gets the original error.
func (e *Engine) recordRejected(t *transition, in DecisionInput, cause error) {
	action := "decision_rejected"
	if errors.Is(cause, errors.ErrStaleStage) {
		action = "decision_rejected_late"
	}
	entry := &repository.AuditEntry{
		RequestID:  t.req.ID,
		EntityType: repository.EntityDecision,
		EntityID:   stageEntityID(t.req.ID, in.StageIndex),
		Action:     action,
		Actor:      in.Approver,
		NewValue:   string(in.Outcome),
		Sequence:   t.seq,
		Timestamp:  t.now,
		Metadata: map[string]interface{}{
			"stage_index": in.StageIndex,
			"code":        string(errors.CodeOf(cause)),
			"reason":      cause.Error(),
		},
	}
	if err := e.ledger.Record(t.ctx, entry); err != nil {
		e.log.Warn().Err(err).Str("request_id", t.req.ID).Msg("Failed to audit rejected decision")
	}
	e.log.Info().
		Str("request_id", t.req.ID).
		Int("stage_index", in.StageIndex).
		Str("approver", in.Approver).
		Str("code", string(errors.CodeOf(cause))).
		Msg("Decision rejected")
}

func (t *transition) applyDecision(st *repository.StageInstance, in DecisionInput) error {
	d := &repository.Decision{
		ID:         uuid.NewString(),
		RequestID:  t.req.ID,
		StageIndex: st.StageIndex,
		Round:      st.Round,
		Approver:   in.Approver,
		Outcome:    in.Outcome,
		DelegateTo: in.DelegateTo,
		Comment:    in.Comment,
		Sequence:   t.seq,
		Timestamp:  t.now,
	}
	t.cs.Decisions = append(t.cs.Decisions, d)
	t.audit(repository.EntityDecision, d.ID, "decision_recorded", "", string(in.Outcome), map[string]interface{}{
		"stage_index": st.StageIndex,
		"round":       st.Round,
		"delegate_to": in.DelegateTo,
	})
	t.emit(EventDecisionRecorded, map[string]interface{}{
		"stageIndex": st.StageIndex,
		"approver":   in.Approver,
		"outcome":    string(in.Outcome),
		"delegateTo": in.DelegateTo,
		"comment":    in.Comment,
	})
	t.touch(st)

	if in.Outcome == repository.OutcomeDelegate {
		delegate(st, in.Approver, in.DelegateTo)
		if t.req.Status == repository.StatusInProgress {
			t.setStatus(repository.StatusDelegated)
		}
		return nil
	}

	st.ApproversDecided[in.Approver] = in.Outcome
	st.ApproversPending = lo.Without(st.ApproversPending, in.Approver)
	if t.req.Status == repository.StatusDelegated {
		t.setStatus(repository.StatusInProgress)
	}

	switch evaluateStage(st, in.Approver, in.Outcome) {
	case stageApproved:
		t.closeStage(st, repository.OutcomeApprove)
		t.req.LastStageOutcome = repository.OutcomeApprove
		t.audit(repository.EntityStage, stageEntityID(st.RequestID, st.StageIndex), "stage_completed", "", string(repository.OutcomeApprove), nil)
		t.setStatus(repository.StatusPartiallyApproved)
		return t.advance()

	case stageRejected:
		recovered, err := t.escalateOnReject(st)
		if err != nil {
			return err
		}
		if recovered {
			t.setStatus(repository.StatusInProgress)
			return nil
		}
		t.closeStage(st, repository.OutcomeReject)
		t.req.LastStageOutcome = repository.OutcomeReject
		t.audit(repository.EntityStage, stageEntityID(st.RequestID, st.StageIndex), "stage_completed", "", string(repository.OutcomeReject), nil)
		t.finalize(repository.StatusRejected)
	}
	return nil
}

// delegate hands approver's obligation to delegateTo, keeping its place in
// the approval order.
func delegate(st *repository.StageInstance, approver, delegateTo string) {
	st.ApproversDecided[approver] = repository.OutcomeDelegate
	st.Delegations[delegateTo] = approver

	if i := lo.IndexOf(st.ApproversPending, approver); i >= 0 {
		st.ApproversPending[i] = delegateTo
	} else {
		st.ApproversPending = append(st.ApproversPending, delegateTo)
	}
	if !lo.Contains(st.Approvers, delegateTo) {
		i := lo.IndexOf(st.Approvers, approver)
		st.Approvers = append(st.Approvers[:i+1], append([]string{delegateTo}, st.Approvers[i+1:]...)...)
	}
	if st.IsEscalatedIn(approver) && !st.IsEscalatedIn(delegateTo) {
		st.EscalatedIn = append(st.EscalatedIn, delegateTo)
	}
}

// nextInTurn returns the approver whose turn it is in a SEQUENTIAL stage.
// Escalated-in approvers sit outside the order.
func nextInTurn(st *repository.StageInstance) (string, bool) {
	if st.Mode != repository.ModeSequential {
		return "", false
	}
	return lo.Find(st.ApproversPending, func(a string) bool { return !st.IsEscalatedIn(a) })
}

// evaluateStage decides whether the stage is complete after approver's
// decision with outcome last was applied.
//
// An APPROVE or REJECT from an escalated-in approver settles a SEQUENTIAL
// or PARALLEL stage on its own. Everyone else is held to the stage mode;
// escalated-in approvers still pending keep the stage open only when the
// original approvers produced no result.
func evaluateStage(st *repository.StageInstance, approver string, last repository.Outcome) stageResult {
	if st.Mode == repository.ModeQuorum {
		var approves int
		for _, o := range st.ApproversDecided {
			if o == repository.OutcomeApprove {
				approves++
			}
		}
		switch {
		case approves >= st.Quorum:
			return stageApproved
		case approves+len(st.ApproversPending) < st.Quorum:
			return stageRejected
		}
		return stageOpen
	}

	if st.IsEscalatedIn(approver) {
		switch last {
		case repository.OutcomeApprove:
			return stageApproved
		case repository.OutcomeReject:
			return stageRejected
		}
	}

	var approves, rejects, abstains int
	for a, o := range st.ApproversDecided {
		if st.IsEscalatedIn(a) {
			continue
		}
		switch o {
		case repository.OutcomeApprove:
			approves++
		case repository.OutcomeReject:
			rejects++
		case repository.OutcomeAbstain:
			abstains++
		}
	}
	owed := lo.CountBy(st.ApproversPending, func(a string) bool { return !st.IsEscalatedIn(a) })
	standby := len(st.ApproversPending) - owed

	switch st.Mode {
	case repository.ModeSequential:
		if rejects > 0 {
			return stageRejected
		}
		if owed > 0 {
			return stageOpen
		}
		if approves > 0 {
			return stageApproved
		}
	case repository.ModeParallel:
		if owed > 0 {
			return stageOpen
		}
		// Every approver who did not delegate must have approved.
		if rejects > 0 || abstains > 0 {
			return stageRejected
		}
		if approves > 0 {
			return stageApproved
		}
	}
	if standby > 0 {
		return stageOpen
	}
	return stageRejected
}
