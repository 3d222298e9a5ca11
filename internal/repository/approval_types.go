package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// Priority is an ordered enum: LOW < NORMAL < HIGH < URGENT < CRITICAL.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

var priorityNames = [...]string{"LOW", "NORMAL", "HIGH", "URGENT", "CRITICAL"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// CompareTo lets rule conditions compare a priority against a literal name.
func (p Priority) CompareTo(raw interface{}) (int, error) {
	var other Priority
	switch v := raw.(type) {
	case Priority:
		other = v
	case string:
		parsed, err := ParsePriority(v)
		if err != nil {
			return 0, err
		}
		other = parsed
	default:
		return 0, fmt.Errorf("cannot compare priority with %T", raw)
	}
	return int(p) - int(other), nil
}

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

const (
	StatusPending           RequestStatus = "PENDING"
	StatusInProgress        RequestStatus = "IN_PROGRESS"
	StatusPartiallyApproved RequestStatus = "PARTIALLY_APPROVED"
	StatusApproved          RequestStatus = "APPROVED"
	StatusRejected          RequestStatus = "REJECTED"
	StatusEscalated         RequestStatus = "ESCALATED"
	StatusDelegated         RequestStatus = "DELEGATED"
	StatusOnHold            RequestStatus = "ON_HOLD"
	StatusCancelled         RequestStatus = "CANCELLED"
	StatusExpired           RequestStatus = "EXPIRED"
	StatusCompleted         RequestStatus = "COMPLETED"
)

// IsTerminal reports whether the request accepts no further decisions or escalations.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// StageMode selects how a stage's decisions combine.
type StageMode string

const (
	ModeSequential StageMode = "SEQUENTIAL"
	ModeParallel   StageMode = "PARALLEL"
	ModeQuorum     StageMode = "QUORUM"
)

// Outcome is an approver's response.
type Outcome string

const (
	OutcomeApprove  Outcome = "APPROVE"
	OutcomeReject   Outcome = "REJECT"
	OutcomeDelegate Outcome = "DELEGATE"
	OutcomeAbstain  Outcome = "ABSTAIN"
)

// Valid reports whether o is a recognised outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApprove, OutcomeReject, OutcomeDelegate, OutcomeAbstain:
		return true
	}
	return false
}

// EscalationCause records why a stage escalated.
type EscalationCause string

const (
	CauseTimeout    EscalationCause = "TIMEOUT"
	CauseRejection  EscalationCause = "REJECTION"
	CauseManual     EscalationCause = "MANUAL"
	CauseCompliance EscalationCause = "COMPLIANCE"
)

// Valid reports whether c is a recognised cause.
func (c EscalationCause) Valid() bool {
	switch c {
	case CauseTimeout, CauseRejection, CauseManual, CauseCompliance:
		return true
	}
	return false
}

// RejectPolicy decides what a failed stage does.
type RejectPolicy string

const (
	// OnRejectReject finalizes the request as REJECTED (default).
	OnRejectReject RejectPolicy = "REJECT"
	// OnRejectEscalate re-routes the stage to its escalation target.
	OnRejectEscalate RejectPolicy = "ESCALATE"
)

// ── Workflow definitions (read-only to the engine) ──────────────────────────

// EscalationTarget is the approver set a stage escalates to.
type EscalationTarget struct {
	Approvers []string `json:"approvers" yaml:"approvers"`
	// Replace swaps out the pending approvers instead of adding to them.
	Replace bool `json:"replace,omitempty" yaml:"replace,omitempty"`
	// TimeoutMinutes for the escalated stage; 0 reuses the stage timeout.
	TimeoutMinutes int `json:"timeoutMinutes,omitempty" yaml:"timeoutMinutes,omitempty"`
}

// StageSpec is one approval checkpoint of a workflow.
type StageSpec struct {
	Name              string             `json:"name" yaml:"name"`
	Approvers         []string           `json:"approvers" yaml:"approvers"`
	Mode              StageMode          `json:"mode" yaml:"mode"`
	Quorum            int                `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	TimeoutMinutes    int                `json:"timeoutMinutes,omitempty" yaml:"timeoutMinutes,omitempty"`
	EscalationTargets []EscalationTarget `json:"escalationTargets,omitempty" yaml:"escalationTargets,omitempty"`
	When              *rules.Condition   `json:"when,omitempty" yaml:"when,omitempty"`
	OnReject          RejectPolicy       `json:"onReject,omitempty" yaml:"onReject,omitempty"`
}

// TargetForLevel returns the escalation target for level (1-based). Levels
// past the configured list reuse the last entry.
func (s StageSpec) TargetForLevel(level int) (EscalationTarget, bool) {
	if len(s.EscalationTargets) == 0 || level < 1 {
		return EscalationTarget{}, false
	}
	idx := level - 1
	if idx >= len(s.EscalationTargets) {
		idx = len(s.EscalationTargets) - 1
	}
	return s.EscalationTargets[idx], true
}

// RoutingRule selects an alternate stage sequence.
type RoutingRule struct {
	Name   string           `json:"name" yaml:"name"`
	When   *rules.Condition `json:"when,omitempty" yaml:"when,omitempty"`
	Stages []StageSpec      `json:"stages" yaml:"stages"`
}

// EscalationRule overrides the stage's escalation target.
type EscalationRule struct {
	Name   string           `json:"name" yaml:"name"`
	When   *rules.Condition `json:"when,omitempty" yaml:"when,omitempty"`
	Target EscalationTarget `json:"target" yaml:"target"`
}

// DefaultMaxEscalationLevel applies when a definition leaves it unset.
const DefaultMaxEscalationLevel = 3

// WorkflowDefinition is an ordered list of stages plus routing and escalation rules.
type WorkflowDefinition struct {
	ID                  string           `json:"id" yaml:"id"`
	Name                string           `json:"name" yaml:"name"`
	Stages              []StageSpec      `json:"stages" yaml:"stages"`
	RoutingRules        []RoutingRule    `json:"routingRules,omitempty" yaml:"routingRules,omitempty"`
	EscalationRules     []EscalationRule `json:"escalationRules,omitempty" yaml:"escalationRules,omitempty"`
	MaxEscalationLevel  int              `json:"maxEscalationLevel,omitempty" yaml:"maxEscalationLevel,omitempty"`
	UseBusinessCalendar bool             `json:"useBusinessCalendar,omitempty" yaml:"useBusinessCalendar,omitempty"`
}

// MaxLevel returns the escalation ceiling, applying the default.
func (w *WorkflowDefinition) MaxLevel() int {
	if w.MaxEscalationLevel <= 0 {
		return DefaultMaxEscalationLevel
	}
	return w.MaxEscalationLevel
}

// StagesFor returns the stage sequence for a route name; "" is the default sequence.
func (w *WorkflowDefinition) StagesFor(route string) []StageSpec {
	if route == "" {
		return w.Stages
	}
	for _, r := range w.RoutingRules {
		if r.Name == route {
			return r.Stages
		}
	}
	return nil
}

// Validate checks structural consistency of the definition.
func (w *WorkflowDefinition) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(w.Stages) == 0 && len(w.RoutingRules) == 0 {
		return fmt.Errorf("workflow %s: at least one stage or routing rule is required", w.ID)
	}
	for i, s := range w.Stages {
		if err := validateStage(s); err != nil {
			return fmt.Errorf("workflow %s stage %d: %w", w.ID, i, err)
		}
	}
	seen := make(map[string]bool)
	for _, r := range w.RoutingRules {
		if r.Name == "" {
			return fmt.Errorf("workflow %s: routing rule name is required", w.ID)
		}
		if seen[r.Name] {
			return fmt.Errorf("workflow %s: duplicate routing rule %q", w.ID, r.Name)
		}
		seen[r.Name] = true
		if err := r.When.Validate(); err != nil {
			return fmt.Errorf("workflow %s routing rule %s: %w", w.ID, r.Name, err)
		}
		if len(r.Stages) == 0 {
			return fmt.Errorf("workflow %s routing rule %s: no stages", w.ID, r.Name)
		}
		for i, s := range r.Stages {
			if err := validateStage(s); err != nil {
				return fmt.Errorf("workflow %s routing rule %s stage %d: %w", w.ID, r.Name, i, err)
			}
		}
	}
	for _, r := range w.EscalationRules {
		if err := r.When.Validate(); err != nil {
			return fmt.Errorf("workflow %s escalation rule %s: %w", w.ID, r.Name, err)
		}
		if len(r.Target.Approvers) == 0 {
			return fmt.Errorf("workflow %s escalation rule %s: target has no approvers", w.ID, r.Name)
		}
	}
	return nil
}

func validateStage(s StageSpec) error {
	if len(s.Approvers) == 0 {
		return fmt.Errorf("stage requires at least one approver")
	}
	if len(lo.Uniq(s.Approvers)) != len(s.Approvers) {
		return fmt.Errorf("stage lists an approver twice")
	}
	switch s.Mode {
	case ModeSequential, ModeParallel:
	case ModeQuorum:
		if s.Quorum < 1 || s.Quorum > len(s.Approvers) {
			return fmt.Errorf("quorum %d out of range 1..%d", s.Quorum, len(s.Approvers))
		}
	default:
		return fmt.Errorf("unknown stage mode %q", s.Mode)
	}
	if s.TimeoutMinutes < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	switch s.OnReject {
	case "", OnRejectReject, OnRejectEscalate:
	default:
		return fmt.Errorf("unknown onReject policy %q", s.OnReject)
	}
	for _, t := range s.EscalationTargets {
		if len(t.Approvers) == 0 {
			return fmt.Errorf("escalation target has no approvers")
		}
	}
	return s.When.Validate()
}

// ── Runtime entities ────────────────────────────────────────────────────────

// ApprovalRequest is one request moving through a workflow.
type ApprovalRequest struct {
	ID                string
	Title             string
	Category          string
	Priority          Priority
	Requester         string
	Amount            *decimal.Decimal // optional; used by threshold rules
	WorkflowID        string
	Attributes        map[string]string
	Status            RequestStatus
	CurrentStageIndex int    // -1 before start
	Route             string // routing rule chosen at initiation; "" = default stages
	LastStageOutcome  Outcome
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Lookup exposes request fields to rule conditions. Custom attributes are
// reachable as "attr.<name>" or by bare name when no field shadows them.
func (r *ApprovalRequest) Lookup(field string) (interface{}, bool) {
	switch field {
	case "title":
		return r.Title, true
	case "category":
		return r.Category, true
	case "priority":
		return r.Priority, true
	case "requester":
		return r.Requester, true
	case "workflowId":
		return r.WorkflowID, true
	case "amount":
		if r.Amount == nil {
			return nil, false
		}
		return *r.Amount, true
	}
	name := strings.TrimPrefix(field, "attr.")
	v, ok := r.Attributes[name]
	return v, ok
}

// Clone returns a deep copy.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Amount != nil {
		a := *r.Amount
		c.Amount = &a
	}
	if r.Attributes != nil {
		c.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StageInstance is the runtime state of one stage of a request.
type StageInstance struct {
	RequestID  string
	StageIndex int
	Name       string
	Mode       StageMode
	Quorum     int
	// Approvers is the ordered approver list; it grows on escalation and delegation.
	Approvers        []string
	ApproversPending []string
	ApproversDecided map[string]Outcome // current round only
	Delegations      map[string]string  // delegate -> delegator
	Round            int
	EscalationLevel  int
	TimeoutMinutes   int
	ArmedAt          *time.Time
	Deadline         *time.Time
	Open             bool
	Outcome          Outcome
	OpenedAt         time.Time
	ClosedAt         *time.Time
	// EscalatedIn holds the approvers an escalation brought in. Any one of
	// them settles a SEQUENTIAL or PARALLEL stage alone.
	EscalatedIn []string
}

// HasApprover reports whether approver belongs to the stage's approver set.
func (s *StageInstance) HasApprover(approver string) bool {
	return lo.Contains(s.Approvers, approver)
}

// IsEscalatedIn reports whether approver joined the stage through escalation.
func (s *StageInstance) IsEscalatedIn(approver string) bool {
	return lo.Contains(s.EscalatedIn, approver)
}

// IsPending reports whether approver still owes a decision in this round.
func (s *StageInstance) IsPending(approver string) bool {
	return lo.Contains(s.ApproversPending, approver)
}

// Clone returns a deep copy.
func (s *StageInstance) Clone() *StageInstance {
	if s == nil {
		return nil
	}
	c := *s
	c.Approvers = append([]string(nil), s.Approvers...)
	c.ApproversPending = append([]string(nil), s.ApproversPending...)
	c.EscalatedIn = append([]string(nil), s.EscalatedIn...)
	c.ApproversDecided = make(map[string]Outcome, len(s.ApproversDecided))
	for k, v := range s.ApproversDecided {
		c.ApproversDecided[k] = v
	}
	c.Delegations = make(map[string]string, len(s.Delegations))
	for k, v := range s.Delegations {
		c.Delegations[k] = v
	}
	if s.ArmedAt != nil {
		t := *s.ArmedAt
		c.ArmedAt = &t
	}
	if s.Deadline != nil {
		t := *s.Deadline
		c.Deadline = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Decision is one approver response. Append-only.
type Decision struct {
	ID                string
	RequestID         string
	StageIndex        int
	Round             int
	Approver          string
	Outcome           Outcome
	DelegateTo        string
	Comment           string
	IsSystemGenerated bool
	Sequence          int64
	Timestamp         time.Time
}

// EscalationEvent is the audit fact of one escalation. Append-only.
type EscalationEvent struct {
	ID            string
	RequestID     string
	StageIndex    int
	Level         int
	Cause         EscalationCause
	Actor         string
	EscalatedFrom []string
	EscalatedTo   []string
	Sequence      int64
	TriggeredAt   time.Time
}

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID         string
	RequestID  string
	EntityType string // request | stage | decision | escalation | notification
	EntityID   string
	Action     string
	Actor      string
	OldValue   string
	NewValue   string
	Sequence   int64
	Timestamp  time.Time
	Metadata   map[string]interface{}
}

// Audit entity types.
const (
	EntityRequest      = "request"
	EntityStage        = "stage"
	EntityDecision     = "decision"
	EntityEscalation   = "escalation"
	EntityNotification = "notification"
)
