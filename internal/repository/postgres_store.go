package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// PostgresStore is the Store backed by Postgres. Commit runs every write of a
// changeset inside one transaction.
type PostgresStore struct {
	db        *database.DB
	requests  *ApprovalRequestRepository
	stages    *StageInstanceRepository
	decisions *DecisionRepository
	audit     *ApprovalAuditRepository
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		db:        db,
		requests:  NewApprovalRequestRepository(db),
		stages:    NewStageInstanceRepository(db),
		decisions: NewDecisionRepository(db),
		audit:     NewApprovalAuditRepository(db),
	}
}

// Commit implements Store.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if cs.Request != nil {
			requests := s.requests.WithQuerier(tx)
			if cs.ExpectedVersion == 0 {
				if err := requests.Create(ctx, cs.Request); err != nil {
					return err
				}
			} else if err := requests.Update(ctx, cs.Request, cs.ExpectedVersion); err != nil {
				return err
			}
		}

		stages := s.stages.WithQuerier(tx)
		for _, st := range cs.Stages {
			if err := stages.Upsert(ctx, st); err != nil {
				return err
			}
		}

		decisions := s.decisions.WithQuerier(tx)
		for _, d := range cs.Decisions {
			if err := decisions.AppendDecision(ctx, d); err != nil {
				return err
			}
		}
		for _, e := range cs.Escalations {
			if err := decisions.AppendEscalation(ctx, e); err != nil {
				return err
			}
		}

		audit := s.audit.WithQuerier(tx)
		for _, e := range cs.Audit {
			if err := audit.Append(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	var typed *errors.Error
	if err != nil && !errors.As(err, &typed) {
		// begin or commit failed
		return errors.Persistence(err, "failed to commit changeset")
	}
	return err
}

// Append implements AuditStore.
func (s *PostgresStore) Append(ctx context.Context, entries ...*AuditEntry) error {
	if len(entries) == 1 {
		return s.audit.Append(ctx, entries[0])
	}
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		audit := s.audit.WithQuerier(tx)
		for _, e := range entries {
			if err := audit.Append(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestAudit implements AuditStore.
func (s *PostgresStore) LatestAudit(ctx context.Context, requestID, action string, notAfter time.Time) (*AuditEntry, error) {
	return s.audit.Latest(ctx, requestID, action, notAfter)
}

// ListAudit implements AuditStore.
func (s *PostgresStore) ListAudit(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	return s.audit.GetByRequestID(ctx, requestID)
}

// GetRequest implements Store.
func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// GetStage implements Store.
func (s *PostgresStore) GetStage(ctx context.Context, requestID string, stageIndex int) (*StageInstance, error) {
	return s.stages.Get(ctx, requestID, stageIndex)
}

// ListStages implements Store.
func (s *PostgresStore) ListStages(ctx context.Context, requestID string) ([]*StageInstance, error) {
	return s.stages.ListByRequest(ctx, requestID)
}

// ListOpenStages implements Store.
func (s *PostgresStore) ListOpenStages(ctx context.Context) ([]*StageInstance, error) {
	return s.stages.ListOpen(ctx)
}

// ListPendingFor implements Store.
func (s *PostgresStore) ListPendingFor(ctx context.Context, approver string) ([]*StageInstance, error) {
	return s.stages.ListPendingFor(ctx, approver)
}

// ListDecisions implements Store.
func (s *PostgresStore) ListDecisions(ctx context.Context, requestID string) ([]*Decision, error) {
	return s.decisions.ListDecisions(ctx, requestID)
}

// ListEscalations implements Store.
func (s *PostgresStore) ListEscalations(ctx context.Context, requestID string) ([]*EscalationEvent, error) {
	return s.decisions.ListEscalations(ctx, requestID)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
