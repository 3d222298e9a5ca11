package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// InitiateRequest starts a new approval request.
type InitiateRequest struct {
	WorkflowID string            `json:"workflowId"`
	Title      string            `json:"title"`
	Category   string            `json:"category"`
	Priority   string            `json:"priority,omitempty"`
	Requester  string            `json:"requester,omitempty"`
	Amount     string            `json:"amount,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DecisionRequest carries one approver response.
type DecisionRequest struct {
	RequestID  string `json:"requestId"`
	StageIndex int    `json:"stageIndex"`
	Approver   string `json:"approver,omitempty"`
	Outcome    string `json:"outcome"`
	Comment    string `json:"comment,omitempty"`
	DelegateTo string `json:"delegateTo,omitempty"`
}

// CancelRequest cancels a request.
type CancelRequest struct {
	RequestID string `json:"requestId"`
	Actor     string `json:"actor,omitempty"`
}

// EscalateRequest escalates the active stage immediately.
type EscalateRequest struct {
	RequestID string `json:"requestId"`
	Cause     string `json:"cause,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// QueryRequest addresses a request by id.
type QueryRequest struct {
	RequestID string `json:"requestId"`
}

// PendingRequest asks for the stages an approver still owes.
type PendingRequest struct {
	Approver string `json:"approver,omitempty"`
}

// RequestView is the wire form of an ApprovalRequest.
type RequestView struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Category          string            `json:"category"`
	Priority          string            `json:"priority"`
	Requester         string            `json:"requester,omitempty"`
	Amount            string            `json:"amount,omitempty"`
	WorkflowID        string            `json:"workflowId"`
	Route             string            `json:"route,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Status            string            `json:"status"`
	CurrentStageIndex int               `json:"currentStageIndex"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
}

// StageView is the wire form of a StageInstance.
type StageView struct {
	RequestID       string            `json:"requestId"`
	StageIndex      int               `json:"stageIndex"`
	Name            string            `json:"name"`
	Mode            string            `json:"mode"`
	Quorum          int               `json:"quorum,omitempty"`
	Approvers       []string          `json:"approvers"`
	Pending         []string          `json:"pending"`
	Decided         map[string]string `json:"decided,omitempty"`
	Delegations     map[string]string `json:"delegations,omitempty"`
	EscalatedIn     []string          `json:"escalatedIn,omitempty"`
	Round           int               `json:"round"`
	EscalationLevel int               `json:"escalationLevel"`
	Open            bool              `json:"open"`
	Outcome         string            `json:"outcome,omitempty"`
	OpenedAt        time.Time         `json:"openedAt"`
	ClosedAt        *time.Time        `json:"closedAt,omitempty"`
	Deadline        *time.Time        `json:"deadline,omitempty"`
}

// StatusResponse is a request snapshot.
type StatusResponse struct {
	Request RequestView `json:"request"`
	Stages  []StageView `json:"stages"`
	Noop    bool        `json:"noop,omitempty"`
}

// DecisionView is the wire form of a Decision.
type DecisionView struct {
	ID                string    `json:"id"`
	StageIndex        int       `json:"stageIndex"`
	Round             int       `json:"round"`
	Approver          string    `json:"approver"`
	Outcome           string    `json:"outcome"`
	DelegateTo        string    `json:"delegateTo,omitempty"`
	Comment           string    `json:"comment,omitempty"`
	IsSystemGenerated bool      `json:"isSystemGenerated,omitempty"`
	Sequence          int64     `json:"sequence"`
	Timestamp         time.Time `json:"timestamp"`
}

// EscalationView is the wire form of an EscalationEvent.
type EscalationView struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"requestId"`
	StageIndex    int       `json:"stageIndex"`
	Level         int       `json:"level"`
	Cause         string    `json:"cause"`
	Actor         string    `json:"actor"`
	EscalatedFrom []string  `json:"escalatedFrom"`
	EscalatedTo   []string  `json:"escalatedTo"`
	Sequence      int64     `json:"sequence"`
	TriggeredAt   time.Time `json:"triggeredAt"`
}

// AuditView is the wire form of an AuditEntry.
type AuditView struct {
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Action     string                 `json:"action"`
	Actor      string                 `json:"actor,omitempty"`
	OldValue   string                 `json:"oldValue,omitempty"`
	NewValue   string                 `json:"newValue,omitempty"`
	Sequence   int64                  `json:"sequence"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// HistoryResponse is the full record of a request.
type HistoryResponse struct {
	Request     RequestView      `json:"request"`
	Stages      []StageView      `json:"stages"`
	Decisions   []DecisionView   `json:"decisions"`
	Escalations []EscalationView `json:"escalations"`
	Audit       []AuditView      `json:"audit"`
}

// PendingResponse lists stages awaiting an approver.
type PendingResponse struct {
	Approver string      `json:"approver"`
	Stages   []StageView `json:"stages"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ── conversions ──────────────────────────────────────────────────────────────

func (r InitiateRequest) toData() (service.RequestData, error) {
	data := service.RequestData{
		Title:      r.Title,
		Category:   r.Category,
		Priority:   repository.PriorityNormal,
		Requester:  r.Requester,
		Attributes: r.Attributes,
	}
	if r.Priority != "" {
		p, err := repository.ParsePriority(r.Priority)
		if err != nil {
			return data, errors.InvalidInput("priority", err.Error())
		}
		data.Priority = p
	}
	if r.Amount != "" {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return data, errors.InvalidInput("amount", "must be a decimal number")
		}
		data.Amount = &amount
	}
	return data, nil
}

func (r DecisionRequest) toInput() service.DecisionInput {
	return service.DecisionInput{
		RequestID:  r.RequestID,
		StageIndex: r.StageIndex,
		Approver:   r.Approver,
		Outcome:    repository.Outcome(r.Outcome),
		Comment:    r.Comment,
		DelegateTo: r.DelegateTo,
	}
}

func toRequestView(r *repository.ApprovalRequest) RequestView {
	v := RequestView{
		ID:                r.ID,
		Title:             r.Title,
		Category:          r.Category,
		Priority:          r.Priority.String(),
		Requester:         r.Requester,
		WorkflowID:        r.WorkflowID,
		Route:             r.Route,
		Attributes:        r.Attributes,
		Status:            string(r.Status),
		CurrentStageIndex: r.CurrentStageIndex,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		CompletedAt:       r.CompletedAt,
	}
	if r.Amount != nil {
		v.Amount = r.Amount.String()
	}
	return v
}

func toStageView(s *repository.StageInstance) StageView {
	v := StageView{
		RequestID:       s.RequestID,
		StageIndex:      s.StageIndex,
		Name:            s.Name,
		Mode:            string(s.Mode),
		Quorum:          s.Quorum,
		Approvers:       nonNil(s.Approvers),
		Pending:         nonNil(s.ApproversPending),
		Delegations:     s.Delegations,
		EscalatedIn:     s.EscalatedIn,
		Round:           s.Round,
		EscalationLevel: s.EscalationLevel,
		Open:            s.Open,
		Outcome:         string(s.Outcome),
		OpenedAt:        s.OpenedAt,
		ClosedAt:        s.ClosedAt,
		Deadline:        s.Deadline,
	}
	if len(s.ApproversDecided) > 0 {
		v.Decided = make(map[string]string, len(s.ApproversDecided))
		for a, o := range s.ApproversDecided {
			v.Decided[a] = string(o)
		}
	}
	return v
}

func toStageViews(stages []*repository.StageInstance) []StageView {
	out := make([]StageView, 0, len(stages))
	for _, s := range stages {
		out = append(out, toStageView(s))
	}
	return out
}

func toStatusResponse(s *service.Status) *StatusResponse {
	return &StatusResponse{
		Request: toRequestView(s.Request),
		Stages:  toStageViews(s.Stages),
		Noop:    s.Noop,
	}
}

func toEscalationView(e *repository.EscalationEvent) EscalationView {
	return EscalationView{
		ID:            e.ID,
		RequestID:     e.RequestID,
		StageIndex:    e.StageIndex,
		Level:         e.Level,
		Cause:         string(e.Cause),
		Actor:         e.Actor,
		EscalatedFrom: nonNil(e.EscalatedFrom),
		EscalatedTo:   nonNil(e.EscalatedTo),
		Sequence:      e.Sequence,
		TriggeredAt:   e.TriggeredAt,
	}
}

func toHistoryResponse(h *service.History) *HistoryResponse {
	resp := &HistoryResponse{
		Request:     toRequestView(h.Request),
		Stages:      toStageViews(h.Stages),
		Decisions:   make([]DecisionView, 0, len(h.Decisions)),
		Escalations: make([]EscalationView, 0, len(h.Escalations)),
		Audit:       make([]AuditView, 0, len(h.Audit)),
	}
	for _, d := range h.Decisions {
		resp.Decisions = append(resp.Decisions, DecisionView{
			ID:                d.ID,
			StageIndex:        d.StageIndex,
			Round:             d.Round,
			Approver:          d.Approver,
			Outcome:           string(d.Outcome),
			DelegateTo:        d.DelegateTo,
			Comment:           d.Comment,
			IsSystemGenerated: d.IsSystemGenerated,
			Sequence:          d.Sequence,
			Timestamp:         d.Timestamp,
		})
	}
	for _, e := range h.Escalations {
		resp.Escalations = append(resp.Escalations, toEscalationView(e))
	}
	for _, a := range h.Audit {
		resp.Audit = append(resp.Audit, AuditView{
			EntityType: a.EntityType,
			EntityID:   a.EntityID,
			Action:     a.Action,
			Actor:      a.Actor,
			OldValue:   a.OldValue,
			NewValue:   a.NewValue,
			Sequence:   a.Sequence,
			Timestamp:  a.Timestamp,
			Metadata:   a.Metadata,
		})
	}
	return resp
}

func toErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{
		Code:    string(errors.CodeOf(err)),
		Kind:    errors.KindOf(err).String(),
		Message: err.Error(),
	}
	var e *errors.Error
	if errors.As(err, &e) {
		resp.Message = e.Message
		resp.Details = e.Details
	}
	return resp
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
