package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-plt-approvals/internal/clock"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const tracerName = "github.com/pesio-ai/be-plt-approvals/internal/service"

// systemActor attributes automatic transitions such as timeouts.
const systemActor = "system"

// WorkflowDefinitionProvider resolves workflow definitions.
type WorkflowDefinitionProvider interface {
	GetWorkflow(ctx context.Context, id string) (*repository.WorkflowDefinition, error)
}

// BusinessCalendar measures working time between two instants.
type BusinessCalendar interface {
	ElapsedBusinessMinutes(from, to time.Time) float64
}

// EngineConfig tunes timers and escalation.
type EngineConfig struct {
	// DefaultTimeoutMinutes applies to stages without their own timeout.
	// Zero leaves such stages without a timer.
	DefaultTimeoutMinutes int
	// DefaultMaxEscalation applies to workflows that leave MaxEscalationLevel unset.
	DefaultMaxEscalation int
	// RetryInterval re-arms a timer whose callback failed.
	RetryInterval time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultTimeoutMinutes: 24 * 60,
		DefaultMaxEscalation:  repository.DefaultMaxEscalationLevel,
		RetryInterval:         time.Minute,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithCalendar enables business-hours timeouts for workflows that ask for them.
func WithCalendar(c BusinessCalendar) Option { return func(e *Engine) { e.calendar = c } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(e *Engine) { e.log = l } }

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithConfig overrides the engine configuration.
func WithConfig(cfg EngineConfig) Option { return func(e *Engine) { e.cfg = cfg } }

// WithSink registers a notification sink.
func WithSink(name string, sink NotificationSink, trigger TriggerConfig) Option {
	return func(e *Engine) { e.pendingSinks = append(e.pendingSinks, registeredSink{name, sink, trigger}) }
}

// Engine is the approval workflow engine. It routes requests through stages,
// applies decisions, escalates stalled stages and records every transition.
type Engine struct {
	store      repository.Store
	provider   WorkflowDefinitionProvider
	clock      clock.Clock
	calendar   BusinessCalendar
	ledger     *Ledger
	dispatcher *Dispatcher
	scheduler  *Scheduler
	locks      *keyedMutex
	delivery   *keyedMutex
	seq        sequencer
	cfg        EngineConfig
	log        *logger.Logger
	tracer     trace.Tracer

	pendingSinks []registeredSink
}

// NewEngine wires an engine over store and provider.
func NewEngine(store repository.Store, provider WorkflowDefinitionProvider, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		provider: provider,
		clock:    clock.Real{},
		locks:    newKeyedMutex(),
		delivery: newKeyedMutex(),
		cfg:      DefaultEngineConfig(),
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.cfg.RetryInterval <= 0 {
		e.cfg.RetryInterval = time.Minute
	}
	e.log = e.log.Component("approval_engine")
	e.ledger = NewLedger(store, e.clock)
	e.dispatcher = NewDispatcher(e.ledger, e.log)
	for _, s := range e.pendingSinks {
		e.dispatcher.Register(s.name, s.sink, s.trigger)
	}
	e.pendingSinks = nil
	e.scheduler = newScheduler(e.clock, e.onTimeout)
	// Seed from the clock so sequence numbers keep increasing across restarts.
	e.seq.observe(e.clock.Now().UnixMicro())
	return e
}

// deliver swaps the request lock for the request's delivery lock and sends
// events. Taking the delivery lock before unlock keeps notifications for one
// request in commit order without holding the request lock during delivery.
func (e *Engine) deliver(ctx context.Context, requestID string, unlock func(), events []WorkflowEvent) {
	done := e.delivery.Lock(requestID)
	unlock()
	defer done()
	e.dispatcher.Dispatch(ctx, events...)
}

// Ledger exposes the audit ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Dispatcher exposes the notification dispatcher for late sink registration.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Close stops every pending timer.
func (e *Engine) Close() {
	e.scheduler.stopAll()
}

// ── Inbound API types ────────────────────────────────────────────────────────

// RequestData is the caller-supplied part of a new request.
type RequestData struct {
	Title      string
	Category   string
	Priority   repository.Priority
	Requester  string
	Amount     *decimal.Decimal
	Attributes map[string]string
}

// DecisionInput is one approver response.
type DecisionInput struct {
	RequestID  string
	StageIndex int
	Approver   string
	Outcome    repository.Outcome
	Comment    string
	DelegateTo string
}

// Status is a request snapshot with its stages.
type Status struct {
	Request *repository.ApprovalRequest
	Stages  []*repository.StageInstance
	// Noop is set when the call changed nothing because the request was
	// already terminal.
	Noop bool
}

// CurrentStage returns the stage at the request's current index, if opened.
func (s *Status) CurrentStage() *repository.StageInstance {
	for _, st := range s.Stages {
		if st.StageIndex == s.Request.CurrentStageIndex {
			return st
		}
	}
	return nil
}

// History is the full record of a request.
type History struct {
	Request     *repository.ApprovalRequest
	Stages      []*repository.StageInstance
	Decisions   []*repository.Decision
	Escalations []*repository.EscalationEvent
	Audit       []*repository.AuditEntry
}

// ── Inbound API ──────────────────────────────────────────────────────────────

// Initiate creates a request on workflowID and opens its first stage.
func (e *Engine) Initiate(ctx context.Context, workflowID string, data RequestData) (_ *Status, err error) {
	ctx, span := e.startSpan(ctx, "Initiate", attribute.String("workflow_id", workflowID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(data.Title) == "" {
		return nil, errors.InvalidInput("title", "is required")
	}
	if strings.TrimSpace(data.Category) == "" {
		return nil, errors.InvalidInput("category", "is required")
	}
	if workflowID == "" {
		return nil, errors.InvalidInput("workflowId", "is required")
	}

	def, err := e.provider.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	req := &repository.ApprovalRequest{
		ID:                uuid.NewString(),
		Title:             strings.TrimSpace(data.Title),
		Category:          strings.TrimSpace(data.Category),
		Priority:          data.Priority,
		Requester:         data.Requester,
		Amount:            data.Amount,
		WorkflowID:        def.ID,
		Attributes:        data.Attributes,
		CurrentStageIndex: -1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	route, stages, err := resolveRoute(def, req)
	if err != nil {
		return nil, err
	}
	req.Route = route
	first, err := nextStage(stages, -1, req)
	if err != nil {
		return nil, err
	}
	if first < 0 {
		return nil, errors.Validation(fmt.Sprintf("workflow %s resolves no stage for this request", def.ID))
	}

	span.SetAttributes(attribute.String("request_id", req.ID))
	unlock := e.locks.Lock(req.ID)
	t := e.newTransition(ctx, req, 0, data.Requester)
	t.def = def

	t.setStatus(repository.StatusPending)
	t.audit(repository.EntityRequest, req.ID, "request_created", "", req.Title, map[string]interface{}{
		"workflow_id": def.ID,
		"route":       route,
		"category":    req.Category,
		"priority":    req.Priority.String(),
	})
	t.emit(EventRequestCreated, map[string]interface{}{
		"title":      req.Title,
		"workflowId": def.ID,
		"requester":  req.Requester,
	})
	if err := t.advance(); err != nil {
		unlock()
		return nil, err
	}
	status, events, err := e.finish(t)
	if err != nil {
		unlock()
		return nil, err
	}
	e.deliver(ctx, req.ID, unlock, events)

	e.log.Info().
		Str("request_id", req.ID).
		Str("workflow_id", def.ID).
		Str("route", route).
		Int("stage_index", status.Request.CurrentStageIndex).
		Msg("Approval request initiated")
	return status, nil
}

// Cancel moves a non-terminal request to CANCELLED. Cancelling a terminal
// request changes nothing and returns its snapshot with Noop set.
func (e *Engine) Cancel(ctx context.Context, requestID, actor string) (_ *Status, err error) {
	ctx, span := e.startSpan(ctx, "Cancel", attribute.String("request_id", requestID))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	t, err := e.load(ctx, requestID, actor)
	if err != nil {
		unlock()
		return nil, err
	}
	if t.req.Status.IsTerminal() {
		status, err := e.snapshot(ctx, requestID)
		unlock()
		if err != nil {
			return nil, err
		}
		status.Noop = true
		return status, nil
	}

	// Disarm before the cancel commits so a waiting timer cannot escalate a
	// cancelled request; the generation check discards it.
	var armed *repository.StageInstance
	if t.req.CurrentStageIndex >= 0 {
		st, err := t.stage(t.req.CurrentStageIndex)
		if err != nil {
			unlock()
			return nil, err
		}
		if st.Open {
			e.scheduler.disarm(stageKey{requestID, st.StageIndex})
			armed = st.Clone()
			t.closeStage(st, "")
		}
	}

	now := t.now
	t.req.CompletedAt = &now
	t.setStatus(repository.StatusCancelled)
	t.emit(EventCancelled, map[string]interface{}{"actor": actor})

	status, events, err := e.finish(t)
	if err != nil && armed != nil && armed.Deadline != nil {
		e.scheduler.arm(stageKey{requestID, armed.StageIndex}, *armed.Deadline)
	}
	if err != nil {
		unlock()
		return nil, err
	}
	e.deliver(ctx, requestID, unlock, events)

	e.log.Info().Str("request_id", requestID).Str("actor", actor).Msg("Approval request cancelled")
	return status, nil
}

// QueryStatus returns the current snapshot of a request.
func (e *Engine) QueryStatus(ctx context.Context, requestID string) (*Status, error) {
	return e.snapshot(ctx, requestID)
}

// History returns decisions, escalations and the audit trail of a request.
func (e *Engine) History(ctx context.Context, requestID string) (*History, error) {
	status, err := e.snapshot(ctx, requestID)
	if err != nil {
		return nil, err
	}
	decisions, err := e.store.ListDecisions(ctx, requestID)
	if err != nil {
		return nil, err
	}
	escalations, err := e.store.ListEscalations(ctx, requestID)
	if err != nil {
		return nil, err
	}
	audit, err := e.ledger.Trail(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &History{
		Request:     status.Request,
		Stages:      status.Stages,
		Decisions:   decisions,
		Escalations: escalations,
		Audit:       audit,
	}, nil
}

// PendingFor lists open stages where approver still owes a decision.
func (e *Engine) PendingFor(ctx context.Context, approver string) ([]*repository.StageInstance, error) {
	if approver == "" {
		return nil, errors.InvalidInput("approver", "is required")
	}
	return e.store.ListPendingFor(ctx, approver)
}

// Recover re-arms the timers of every open stage. Deadlines already in the
// past fire on the next clock tick.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stages, err := e.store.ListOpenStages(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, st := range stages {
		if st.Deadline == nil {
			continue
		}
		unlock := e.locks.Lock(st.RequestID)
		req, err := e.store.GetRequest(ctx, st.RequestID)
		if err == nil && !req.Status.IsTerminal() && req.CurrentStageIndex == st.StageIndex {
			e.scheduler.arm(stageKey{st.RequestID, st.StageIndex}, *st.Deadline)
			armed++
		}
		unlock()
		if err != nil {
			e.log.Warn().Err(err).Str("request_id", st.RequestID).Msg("Skipping timer recovery")
		}
	}
	e.log.Info().Int("armed", armed).Msg("Escalation timers recovered")
	return armed, nil
}

// ── transitions ──────────────────────────────────────────────────────────────

type timerOp struct {
	key      stageKey
	arm      bool
	deadline time.Time
}

// transition accumulates one operation's writes, timer changes and events.
// Nothing is visible outside until finish commits it.
type transition struct {
	ctx             context.Context
	e               *Engine
	now             time.Time
	seq             int64
	actor           string
	def             *repository.WorkflowDefinition
	req             *repository.ApprovalRequest
	expectedVersion int64
	stages          map[int]*repository.StageInstance
	touched         map[int]bool
	cs              repository.Changeset
	timers          []timerOp
	events          []WorkflowEvent
}

func (e *Engine) newTransition(ctx context.Context, req *repository.ApprovalRequest, expectedVersion int64, actor string) *transition {
	return &transition{
		ctx:             ctx,
		e:               e,
		now:             e.clock.Now(),
		seq:             e.seq.next(),
		actor:           actor,
		req:             req,
		expectedVersion: expectedVersion,
		stages:          make(map[int]*repository.StageInstance),
		touched:         make(map[int]bool),
	}
}

// load starts a transition on a stored request. Callers hold the request lock.
func (e *Engine) load(ctx context.Context, requestID, actor string) (*transition, error) {
	if requestID == "" {
		return nil, errors.InvalidInput("requestId", "is required")
	}
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return e.newTransition(ctx, req, req.Version, actor), nil
}

func (t *transition) definition() (*repository.WorkflowDefinition, error) {
	if t.def == nil {
		def, err := t.e.provider.GetWorkflow(t.ctx, t.req.WorkflowID)
		if err != nil {
			return nil, err
		}
		t.def = def
	}
	return t.def, nil
}

func (t *transition) stage(idx int) (*repository.StageInstance, error) {
	if st, ok := t.stages[idx]; ok {
		return st, nil
	}
	st, err := t.e.store.GetStage(t.ctx, t.req.ID, idx)
	if err != nil {
		return nil, err
	}
	t.stages[idx] = st
	return st, nil
}

func (t *transition) touch(st *repository.StageInstance) {
	t.stages[st.StageIndex] = st
	t.touched[st.StageIndex] = true
}

func (t *transition) setStatus(status repository.RequestStatus) {
	old := t.req.Status
	if old == status {
		return
	}
	t.req.Status = status
	t.audit(repository.EntityRequest, t.req.ID, "status_changed", string(old), string(status), nil)
}

func (t *transition) audit(entityType, entityID, action, oldValue, newValue string, meta map[string]interface{}) {
	t.cs.Audit = append(t.cs.Audit, &repository.AuditEntry{
		ID:         uuid.NewString(),
		RequestID:  t.req.ID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      t.actor,
		OldValue:   oldValue,
		NewValue:   newValue,
		Sequence:   t.seq,
		Timestamp:  t.now,
		Metadata:   meta,
	})
}

func (t *transition) emit(typ EventType, payload map[string]interface{}) {
	t.events = append(t.events, WorkflowEvent{
		Type:       typ,
		RequestID:  t.req.ID,
		Priority:   t.req.Priority,
		Payload:    payload,
		OccurredAt: t.now,
		Sequence:   t.seq,
	})
}

// arm stamps a fresh deadline on st and schedules the timer after commit.
func (t *transition) arm(st *repository.StageInstance) {
	key := stageKey{st.RequestID, st.StageIndex}
	if st.TimeoutMinutes <= 0 {
		st.ArmedAt, st.Deadline = nil, nil
		t.timers = append(t.timers, timerOp{key: key})
		return
	}
	armedAt := t.now
	deadline := t.now.Add(time.Duration(st.TimeoutMinutes) * time.Minute)
	st.ArmedAt, st.Deadline = &armedAt, &deadline
	t.timers = append(t.timers, timerOp{key: key, arm: true, deadline: deadline})
}

// extend moves the deadline without restarting the timeout window.
func (t *transition) extend(st *repository.StageInstance, deadline time.Time) {
	st.Deadline = &deadline
	t.timers = append(t.timers, timerOp{key: stageKey{st.RequestID, st.StageIndex}, arm: true, deadline: deadline})
	t.touch(st)
}

func (t *transition) disarm(st *repository.StageInstance) {
	st.Deadline = nil
	t.timers = append(t.timers, timerOp{key: stageKey{st.RequestID, st.StageIndex}})
}

func (t *transition) closeStage(st *repository.StageInstance, outcome repository.Outcome) {
	now := t.now
	st.Open = false
	st.Outcome = outcome
	st.ClosedAt = &now
	t.disarm(st)
	t.touch(st)
}

// finish commits the transition, applies timer changes and returns the
// snapshot plus the events to dispatch once the lock is released.
func (e *Engine) finish(t *transition) (*Status, []WorkflowEvent, error) {
	t.req.Version = t.expectedVersion + 1
	t.req.UpdatedAt = t.now
	t.cs.Request = t.req
	t.cs.ExpectedVersion = t.expectedVersion

	idx := make([]int, 0, len(t.touched))
	for i := range t.touched {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		t.cs.Stages = append(t.cs.Stages, t.stages[i])
	}

	if err := e.store.Commit(t.ctx, &t.cs); err != nil {
		e.log.Error().Err(err).Str("request_id", t.req.ID).Msg("Failed to commit transition")
		return nil, nil, err
	}

	for _, op := range t.timers {
		if op.arm {
			e.scheduler.arm(op.key, op.deadline)
		} else {
			e.scheduler.disarm(op.key)
		}
	}

	status, err := e.snapshot(t.ctx, t.req.ID)
	if err != nil {
		return nil, nil, err
	}
	return status, t.events, nil
}

func (e *Engine) snapshot(ctx context.Context, requestID string) (*Status, error) {
	if requestID == "" {
		return nil, errors.InvalidInput("requestId", "is required")
	}
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	stages, err := e.store.ListStages(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Status{Request: req, Stages: stages}, nil
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "approval."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errors.KindOf(err).String())
	}
	span.End()
}
