package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-plt-approvals/internal/clock"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

type stageKey struct {
	requestID  string
	stageIndex int
}

type armedTimer struct {
	timer    clock.Timer
	gen      uint64
	deadline time.Time
}

// Scheduler keeps at most one timer per (request, stage). Every arm bumps a
// generation number; a callback whose generation is no longer current was
// disarmed or superseded and must do nothing.
type Scheduler struct {
	clock  clock.Clock
	fire   func(key stageKey, gen uint64)
	mu     sync.Mutex
	gen    uint64
	timers map[stageKey]*armedTimer
}

func newScheduler(c clock.Clock, fire func(stageKey, uint64)) *Scheduler {
	return &Scheduler{clock: c, fire: fire, timers: make(map[stageKey]*armedTimer)}
}

func (s *Scheduler) arm(key stageKey, deadline time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	t := s.clock.AfterFunc(d, func() { s.fire(key, gen) })
	s.timers[key] = &armedTimer{timer: t, gen: gen, deadline: deadline}
	return gen
}

func (s *Scheduler) disarm(key stageKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.timers[key]
	if !ok {
		return false
	}
	old.timer.Stop()
	delete(s.timers, key)
	return true
}

// claim removes the entry for key when gen is still current and reports
// whether the caller owns the firing.
func (s *Scheduler) claim(key stageKey, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(s.timers, key)
	return true
}

// deadline returns the armed deadline for a stage.
func (s *Scheduler) deadline(key stageKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return cur.deadline, true
}

func (s *Scheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, key)
	}
}

// ArmedDeadline reports the pending timeout of a stage, if any.
func (e *Engine) ArmedDeadline(requestID string, stageIndex int) (time.Time, bool) {
	return e.scheduler.deadline(stageKey{requestID, stageIndex})
}

// ArmedTimers reports how many stage timers are pending.
func (e *Engine) ArmedTimers() int { return e.scheduler.armed() }

// onTimeout is the timer callback.
func (e *Engine) onTimeout(key stageKey, gen uint64) {
	ctx, span := e.startSpan(context.Background(), "Timeout",
		attribute.String("request_id", key.requestID),
		attribute.Int("stage_index", key.stageIndex))
	var err error
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(key.requestID)
	if !e.scheduler.claim(key, gen) {
		unlock()
		return
	}

	var events []WorkflowEvent
	events, err = e.handleTimeout(ctx, key)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			e.log.Warn().Err(err).Str("request_id", key.requestID).Msg("Dropping timeout for missing request")
		} else {
			retryAt := e.clock.Now().Add(e.cfg.RetryInterval)
			e.scheduler.arm(key, retryAt)
			e.log.Error().Err(err).
				Str("request_id", key.requestID).
				Int("stage_index", key.stageIndex).
				Time("retry_at", retryAt).
				Msg("Escalation timeout failed; re-armed for retry")
		}
	}
	e.deliver(ctx, key.requestID, unlock, events)
}

func (e *Engine) handleTimeout(ctx context.Context, key stageKey) ([]WorkflowEvent, error) {
	t, err := e.load(ctx, key.requestID, systemActor)
	if err != nil {
		return nil, err
	}
	if t.req.Status.IsTerminal() || t.req.CurrentStageIndex != key.stageIndex {
		return nil, nil
	}
	st, err := t.stage(key.stageIndex)
	if err != nil {
		return nil, err
	}
	if !st.Open {
		return nil, nil
	}
	def, err := t.definition()
	if err != nil {
		return nil, err
	}

	if def.UseBusinessCalendar && e.calendar != nil && st.ArmedAt != nil {
		elapsed := e.calendar.ElapsedBusinessMinutes(*st.ArmedAt, t.now)
		remaining := time.Duration((float64(st.TimeoutMinutes) - elapsed) * float64(time.Minute))
		if remaining >= time.Second {
			next := t.now.Add(remaining)
			var prev string
			if st.Deadline != nil {
				prev = st.Deadline.Format(time.RFC3339)
			}
			t.extend(st, next)
			t.audit(repository.EntityStage, stageEntityID(st.RequestID, st.StageIndex), "deadline_extended",
				prev, next.Format(time.RFC3339), map[string]interface{}{
					"business_minutes_elapsed": elapsed,
				})
			if _, _, err := e.finish(t); err != nil {
				return nil, err
			}
			e.log.Debug().
				Str("request_id", key.requestID).
				Float64("business_minutes_elapsed", elapsed).
				Time("next", next).
				Msg("Timeout outside business hours; pushed out")
			return nil, nil
		}
	}

	if _, err := t.escalate(st, repository.CauseTimeout); err != nil {
		return nil, err
	}
	_, events, err := e.finish(t)
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("request_id", key.requestID).
		Int("stage_index", key.stageIndex).
		Int("level", st.EscalationLevel).
		Msg("Stage escalated on timeout")
	return events, nil
}

// EscalateNow escalates the active stage immediately on behalf of actor.
func (e *Engine) EscalateNow(ctx context.Context, requestID string, cause repository.EscalationCause, actor string) (_ *repository.EscalationEvent, err error) {
	ctx, span := e.startSpan(ctx, "EscalateNow",
		attribute.String("request_id", requestID),
		attribute.String("cause", string(cause)))
	defer func() { endSpan(span, err) }()

	if !cause.Valid() {
		return nil, errors.InvalidInput("cause", fmt.Sprintf("unknown escalation cause %q", cause))
	}
	if actor == "" {
		return nil, errors.InvalidInput("actor", "is required")
	}

	unlock := e.locks.Lock(requestID)
	t, err := e.load(ctx, requestID, actor)
	if err != nil {
		unlock()
		return nil, err
	}
	if t.req.Status.IsTerminal() {
		unlock()
		return nil, errors.Terminal(requestID, string(t.req.Status))
	}
	if t.req.CurrentStageIndex < 0 {
		unlock()
		return nil, errors.Validation("request has no active stage")
	}
	st, err := t.stage(t.req.CurrentStageIndex)
	if err != nil {
		unlock()
		return nil, err
	}
	if !st.Open {
		unlock()
		return nil, errors.Validation("request has no active stage")
	}

	ev, err := t.escalate(st, cause)
	if err != nil {
		unlock()
		return nil, err
	}
	_, events, err := e.finish(t)
	if err != nil {
		unlock()
		return nil, err
	}
	e.deliver(ctx, requestID, unlock, events)

	e.log.Info().
		Str("request_id", requestID).
		Str("cause", string(cause)).
		Str("actor", actor).
		Int("level", ev.Level).
		Msg("Stage escalated")
	return ev, nil
}

// escalate raises the stage one level. Within the workflow's limit the
// escalation target joins (or replaces) the pending approvers and the timer
// is re-armed; past the limit the request parks in ESCALATED with no timer.
func (t *transition) escalate(st *repository.StageInstance, cause repository.EscalationCause) (*repository.EscalationEvent, error) {
	def, err := t.definition()
	if err != nil {
		return nil, err
	}

	st.EscalationLevel++
	ev := &repository.EscalationEvent{
		ID:            uuid.NewString(),
		RequestID:     st.RequestID,
		StageIndex:    st.StageIndex,
		Level:         st.EscalationLevel,
		Cause:         cause,
		Actor:         t.actor,
		EscalatedFrom: append([]string(nil), st.ApproversPending...),
		Sequence:      t.seq,
		TriggeredAt:   t.now,
	}

	if st.EscalationLevel > t.e.maxLevel(def) {
		t.disarm(st)
		t.setStatus(repository.StatusEscalated)
		t.audit(repository.EntityStage, stageEntityID(st.RequestID, st.StageIndex), "escalation_limit_reached", "",
			fmt.Sprint(st.EscalationLevel), map[string]interface{}{"cause": string(cause)})
	} else {
		target, ok, err := t.escalationTarget(st)
		if err != nil {
			return nil, err
		}
		if ok {
			ev.EscalatedTo = applyTarget(st, target)
		}
		t.arm(st)
	}
	t.touch(st)

	t.cs.Escalations = append(t.cs.Escalations, ev)
	t.audit(repository.EntityEscalation, ev.ID, "escalated",
		fmt.Sprint(ev.Level-1), fmt.Sprint(ev.Level), map[string]interface{}{
			"cause":       string(cause),
			"stage_index": st.StageIndex,
			"to":          ev.EscalatedTo,
		})
	t.emit(EventEscalated, map[string]interface{}{
		"stageIndex":    st.StageIndex,
		"level":         ev.Level,
		"cause":         string(cause),
		"escalatedFrom": ev.EscalatedFrom,
		"escalatedTo":   ev.EscalatedTo,
	})
	return ev, nil
}

// escalateOnReject re-routes a failed stage to its escalation target in a
// new decision round. It reports false when the stage has no reject-recovery
// route, no target, or no level budget left.
func (t *transition) escalateOnReject(st *repository.StageInstance) (bool, error) {
	def, err := t.definition()
	if err != nil {
		return false, err
	}
	spec, ok := t.stageSpec(st.StageIndex)
	if !ok || spec.OnReject != repository.OnRejectEscalate {
		return false, nil
	}
	if st.EscalationLevel+1 > t.e.maxLevel(def) {
		return false, nil
	}

	st.EscalationLevel++
	target, ok, err := t.escalationTarget(st)
	if err != nil || !ok {
		st.EscalationLevel--
		return false, err
	}

	from := lo.Keys(st.ApproversDecided)
	sort.Strings(from)
	st.Round++
	st.ApproversDecided = make(map[string]repository.Outcome)
	st.ApproversPending = nil
	st.EscalatedIn = nil
	target.Replace = true
	to := applyTarget(st, target)
	t.arm(st)
	t.touch(st)

	ev := &repository.EscalationEvent{
		ID:            uuid.NewString(),
		RequestID:     st.RequestID,
		StageIndex:    st.StageIndex,
		Level:         st.EscalationLevel,
		Cause:         repository.CauseRejection,
		Actor:         t.actor,
		EscalatedFrom: from,
		EscalatedTo:   to,
		Sequence:      t.seq,
		TriggeredAt:   t.now,
	}
	t.cs.Escalations = append(t.cs.Escalations, ev)
	t.audit(repository.EntityEscalation, ev.ID, "escalated",
		fmt.Sprint(ev.Level-1), fmt.Sprint(ev.Level), map[string]interface{}{
			"cause":       string(repository.CauseRejection),
			"stage_index": st.StageIndex,
			"round":       st.Round,
			"to":          to,
		})
	t.emit(EventEscalated, map[string]interface{}{
		"stageIndex":  st.StageIndex,
		"level":       ev.Level,
		"cause":       string(repository.CauseRejection),
		"escalatedTo": to,
	})
	return true, nil
}

// escalationTarget picks the target for the stage's current level: the first
// matching escalation rule wins, then the stage's own per-level list.
func (t *transition) escalationTarget(st *repository.StageInstance) (repository.EscalationTarget, bool, error) {
	def, err := t.definition()
	if err != nil {
		return repository.EscalationTarget{}, false, err
	}
	if len(def.EscalationRules) > 0 {
		conds := lo.Map(def.EscalationRules, func(r repository.EscalationRule, _ int) *rules.Condition { return r.When })
		idx, err := rules.FirstMatch(conds, t.req)
		if err != nil {
			return repository.EscalationTarget{}, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to evaluate escalation rules")
		}
		if idx >= 0 {
			return def.EscalationRules[idx].Target, true, nil
		}
	}
	spec, ok := t.stageSpec(st.StageIndex)
	if !ok {
		return repository.EscalationTarget{}, false, nil
	}
	target, ok := spec.TargetForLevel(st.EscalationLevel)
	return target, ok, nil
}

func (t *transition) stageSpec(idx int) (repository.StageSpec, bool) {
	if t.def == nil {
		return repository.StageSpec{}, false
	}
	stages := t.def.StagesFor(t.req.Route)
	if idx < 0 || idx >= len(stages) {
		return repository.StageSpec{}, false
	}
	return stages[idx], true
}

// applyTarget merges target into the stage and returns the approvers that
// became pending.
func applyTarget(st *repository.StageInstance, target repository.EscalationTarget) []string {
	var added []string
	if target.Replace {
		st.ApproversPending = nil
	}
	for _, a := range target.Approvers {
		if _, decided := st.ApproversDecided[a]; decided {
			continue
		}
		if !lo.Contains(st.Approvers, a) {
			st.Approvers = append(st.Approvers, a)
		}
		if !lo.Contains(st.ApproversPending, a) {
			st.ApproversPending = append(st.ApproversPending, a)
			added = append(added, a)
		}
		if !lo.Contains(st.EscalatedIn, a) {
			st.EscalatedIn = append(st.EscalatedIn, a)
		}
	}
	if target.TimeoutMinutes > 0 {
		st.TimeoutMinutes = target.TimeoutMinutes
	}
	return added
}

func (e *Engine) maxLevel(def *repository.WorkflowDefinition) int {
	if def.MaxEscalationLevel > 0 {
		return def.MaxEscalationLevel
	}
	if e.cfg.DefaultMaxEscalation > 0 {
		return e.cfg.DefaultMaxEscalation
	}
	return repository.DefaultMaxEscalationLevel
}

func stageEntityID(requestID string, stageIndex int) string {
	return fmt.Sprintf("%s/%d", requestID, stageIndex)
}
