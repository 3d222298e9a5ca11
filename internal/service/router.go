package service

import (
	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// resolveRoute picks the stage sequence for a new request. The first routing
// rule whose condition holds wins; otherwise the default stages apply.
func resolveRoute(def *repository.WorkflowDefinition, req *repository.ApprovalRequest) (string, []repository.StageSpec, error) {
	if len(def.RoutingRules) > 0 {
		conds := lo.Map(def.RoutingRules, func(r repository.RoutingRule, _ int) *rules.Condition { return r.When })
		idx, err := rules.FirstMatch(conds, req)
		if err != nil {
			return "", nil, errors.Validation("failed to evaluate routing rules: " + err.Error())
		}
		if idx >= 0 {
			rule := def.RoutingRules[idx]
			return rule.Name, rule.Stages, nil
		}
	}
	return "", def.Stages, nil
}

// nextStage returns the first stage index after `after` whose condition
// holds, or -1 when none remains.
func nextStage(stages []repository.StageSpec, after int, req *repository.ApprovalRequest) (int, error) {
	for i := after + 1; i < len(stages); i++ {
		ok, err := rules.Evaluate(stages[i].When, req)
		if err != nil {
			return -1, errors.Validation("failed to evaluate condition of stage " + stages[i].Name + ": " + err.Error())
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// advance opens the next applicable stage or finalizes the request.
func (t *transition) advance() error {
	def, err := t.definition()
	if err != nil {
		return err
	}
	stages := def.StagesFor(t.req.Route)
	from := t.req.CurrentStageIndex

	next, err := nextStage(stages, from, t.req)
	if err != nil {
		return err
	}

	last := next
	if next < 0 {
		last = len(stages)
	}
	for i := from + 1; i < last; i++ {
		t.audit(repository.EntityStage, stageEntityID(t.req.ID, i), "stage_skipped", "", stages[i].Name, nil)
	}

	if next < 0 {
		if t.req.LastStageOutcome == repository.OutcomeApprove {
			t.finalize(repository.StatusApproved)
		} else {
			t.finalize(repository.StatusCompleted)
		}
		return nil
	}

	t.openStage(next, stages[next])
	return nil
}

func (t *transition) openStage(idx int, spec repository.StageSpec) {
	timeout := spec.TimeoutMinutes
	if timeout == 0 {
		timeout = t.e.cfg.DefaultTimeoutMinutes
	}
	st := &repository.StageInstance{
		RequestID:        t.req.ID,
		StageIndex:       idx,
		Name:             spec.Name,
		Mode:             spec.Mode,
		Quorum:           spec.Quorum,
		Approvers:        append([]string(nil), spec.Approvers...),
		ApproversPending: append([]string(nil), spec.Approvers...),
		ApproversDecided: make(map[string]repository.Outcome),
		Delegations:      make(map[string]string),
		TimeoutMinutes:   timeout,
		Open:             true,
		OpenedAt:         t.now,
	}
	t.req.CurrentStageIndex = idx
	t.arm(st)
	t.touch(st)
	t.setStatus(repository.StatusInProgress)

	t.audit(repository.EntityStage, stageEntityID(st.RequestID, idx), "stage_opened", "", spec.Name, map[string]interface{}{
		"mode":      string(spec.Mode),
		"approvers": st.Approvers,
	})
	t.emit(EventStageAdvanced, map[string]interface{}{
		"stageIndex": idx,
		"stageName":  spec.Name,
		"mode":       string(spec.Mode),
		"approvers":  st.Approvers,
	})
}

// finalize moves the request to a terminal status. The caller has already
// closed the active stage.
func (t *transition) finalize(status repository.RequestStatus) {
	now := t.now
	t.req.CompletedAt = &now
	t.emit(EventFinalized, map[string]interface{}{
		"status":           string(status),
		"lastStageOutcome": string(t.req.LastStageOutcome),
	})
	t.setStatus(status)
}
