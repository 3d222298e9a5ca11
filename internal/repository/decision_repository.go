package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// DecisionRepository appends decisions and escalation events. Both tables are
// append-only; neither exposes an update.
type DecisionRepository struct {
	db database.Querier
}

// NewDecisionRepository creates a new DecisionRepository.
func NewDecisionRepository(db database.Querier) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// WithQuerier returns a copy bound to q, typically a transaction.
func (r *DecisionRepository) WithQuerier(q database.Querier) *DecisionRepository {
	return &DecisionRepository{db: q}
}

// AppendDecision inserts one decision.
func (r *DecisionRepository) AppendDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	query := `
		INSERT INTO approval_decisions
		    (id, request_id, stage_index, round, approver, outcome,
		     delegate_to, comment, is_system_generated, sequence, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		d.ID,
		d.RequestID,
		d.StageIndex,
		d.Round,
		d.Approver,
		string(d.Outcome),
		d.DelegateTo,
		d.Comment,
		d.IsSystemGenerated,
		d.Sequence,
		d.Timestamp,
	)
	if err != nil {
		return errors.Persistence(err, "failed to append decision")
	}
	return nil
}

// ListDecisions returns a request's decisions in sequence order.
func (r *DecisionRepository) ListDecisions(ctx context.Context, requestID string) ([]*Decision, error) {
	query := `
		SELECT id, request_id, stage_index, round, approver, outcome,
		       delegate_to, comment, is_system_generated, sequence, decided_at
		FROM approval_decisions
		WHERE request_id = $1
		ORDER BY sequence ASC
	`
	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list decisions")
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		d := &Decision{}
		var outcome string
		if err := rows.Scan(
			&d.ID,
			&d.RequestID,
			&d.StageIndex,
			&d.Round,
			&d.Approver,
			&outcome,
			&d.DelegateTo,
			&d.Comment,
			&d.IsSystemGenerated,
			&d.Sequence,
			&d.Timestamp,
		); err != nil {
			return nil, errors.Persistence(err, "failed to scan decision")
		}
		d.Outcome = Outcome(outcome)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// AppendEscalation inserts one escalation event.
func (r *DecisionRepository) AppendEscalation(ctx context.Context, e *EscalationEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	query := `
		INSERT INTO approval_escalations
		    (id, request_id, stage_index, level, cause, actor,
		     escalated_from, escalated_to, sequence, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		e.ID,
		e.RequestID,
		e.StageIndex,
		e.Level,
		string(e.Cause),
		e.Actor,
		nonNil(e.EscalatedFrom),
		nonNil(e.EscalatedTo),
		e.Sequence,
		e.TriggeredAt,
	)
	if err != nil {
		return errors.Persistence(err, "failed to append escalation")
	}
	return nil
}

// ListEscalations returns a request's escalation events in sequence order.
func (r *DecisionRepository) ListEscalations(ctx context.Context, requestID string) ([]*EscalationEvent, error) {
	query := `
		SELECT id, request_id, stage_index, level, cause, actor,
		       escalated_from, escalated_to, sequence, triggered_at
		FROM approval_escalations
		WHERE request_id = $1
		ORDER BY sequence ASC
	`
	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list escalations")
	}
	defer rows.Close()

	var events []*EscalationEvent
	for rows.Next() {
		e := &EscalationEvent{}
		var cause string
		if err := rows.Scan(
			&e.ID,
			&e.RequestID,
			&e.StageIndex,
			&e.Level,
			&cause,
			&e.Actor,
			&e.EscalatedFrom,
			&e.EscalatedTo,
			&e.Sequence,
			&e.TriggeredAt,
		); err != nil {
			return nil, errors.Persistence(err, "failed to scan escalation")
		}
		e.Cause = EscalationCause(cause)
		events = append(events, e)
	}
	return events, rows.Err()
}
