package repository

import (
	"context"
	"time"
)

// Changeset is everything one engine transition writes. A store applies a
// changeset atomically: either every part is persisted or none is.
type Changeset struct {
	// Request is the new request snapshot. Its Version must be
	// ExpectedVersion+1; ExpectedVersion 0 means the request is new.
	Request         *ApprovalRequest
	ExpectedVersion int64
	Stages          []*StageInstance // upserted by (RequestID, StageIndex)
	Decisions       []*Decision
	Escalations     []*EscalationEvent
	Audit           []*AuditEntry
}

// Empty reports whether the changeset writes nothing.
func (c *Changeset) Empty() bool {
	return c.Request == nil && len(c.Stages) == 0 && len(c.Decisions) == 0 &&
		len(c.Escalations) == 0 && len(c.Audit) == 0
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	// Append writes entries. Entries are never updated or deleted.
	Append(ctx context.Context, entries ...*AuditEntry) error
	// LatestAudit returns the newest entry for (requestID, action) whose
	// timestamp is not after `notAfter`, or nil when there is none.
	LatestAudit(ctx context.Context, requestID, action string, notAfter time.Time) (*AuditEntry, error)
	// ListAudit returns a request's audit trail, oldest first.
	ListAudit(ctx context.Context, requestID string) ([]*AuditEntry, error)
}

// Store persists requests, stages, decisions, escalations and audit entries.
type Store interface {
	AuditStore

	// Commit applies a changeset atomically.
	Commit(ctx context.Context, cs *Changeset) error

	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	GetStage(ctx context.Context, requestID string, stageIndex int) (*StageInstance, error)
	ListStages(ctx context.Context, requestID string) ([]*StageInstance, error)
	// ListOpenStages returns every open stage across requests, for timer recovery.
	ListOpenStages(ctx context.Context) ([]*StageInstance, error)
	// ListPendingFor returns open stages where approver still owes a decision.
	ListPendingFor(ctx context.Context, approver string) ([]*StageInstance, error)
	ListDecisions(ctx context.Context, requestID string) ([]*Decision, error)
	ListEscalations(ctx context.Context, requestID string) ([]*EscalationEvent, error)
}
