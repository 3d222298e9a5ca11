package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// StageInstanceRepository persists per-request stage state. A stage row is
// created when the stage opens and rewritten on every transition.
type StageInstanceRepository struct {
	db database.Querier
}

// NewStageInstanceRepository creates a new StageInstanceRepository.
func NewStageInstanceRepository(db database.Querier) *StageInstanceRepository {
	return &StageInstanceRepository{db: db}
}

// WithQuerier returns a copy bound to q, typically a transaction.
func (r *StageInstanceRepository) WithQuerier(q database.Querier) *StageInstanceRepository {
	return &StageInstanceRepository{db: q}
}

const stageColumns = `
	request_id, stage_index, name, mode, quorum,
	approvers, approvers_pending, approvers_decided, delegations, escalated_in,
	round, escalation_level, timeout_minutes, armed_at, deadline,
	is_open, outcome, opened_at, closed_at`

// Upsert writes the full stage state keyed by (request_id, stage_index).
func (r *StageInstanceRepository) Upsert(ctx context.Context, st *StageInstance) error {
	decided, err := json.Marshal(st.ApproversDecided)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal stage decisions")
	}
	delegations, err := json.Marshal(st.Delegations)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal stage delegations")
	}

	query := `
		INSERT INTO approval_stage_instances (` + stageColumns + `)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15,
		        $16, $17, $18, $19)
		ON CONFLICT (request_id, stage_index) DO UPDATE
		SET approvers         = EXCLUDED.approvers,
		    approvers_pending = EXCLUDED.approvers_pending,
		    approvers_decided = EXCLUDED.approvers_decided,
		    delegations       = EXCLUDED.delegations,
		    escalated_in      = EXCLUDED.escalated_in,
		    round             = EXCLUDED.round,
		    escalation_level  = EXCLUDED.escalation_level,
		    timeout_minutes   = EXCLUDED.timeout_minutes,
		    armed_at          = EXCLUDED.armed_at,
		    deadline          = EXCLUDED.deadline,
		    is_open           = EXCLUDED.is_open,
		    outcome           = EXCLUDED.outcome,
		    closed_at         = EXCLUDED.closed_at
	`

	_, err = r.db.Exec(ctx, query,
		st.RequestID,
		st.StageIndex,
		st.Name,
		string(st.Mode),
		st.Quorum,
		nonNil(st.Approvers),
		nonNil(st.ApproversPending),
		decided,
		delegations,
		nonNil(st.EscalatedIn),
		st.Round,
		st.EscalationLevel,
		st.TimeoutMinutes,
		st.ArmedAt,
		st.Deadline,
		st.Open,
		string(st.Outcome),
		st.OpenedAt,
		st.ClosedAt,
	)
	if err != nil {
		return errors.Persistence(err, "failed to write stage instance")
	}
	return nil
}

// Get returns one stage of a request.
func (r *StageInstanceRepository) Get(ctx context.Context, requestID string, stageIndex int) (*StageInstance, error) {
	query := `SELECT ` + stageColumns + ` FROM approval_stage_instances WHERE request_id = $1 AND stage_index = $2`

	st, err := r.scanStage(r.db.QueryRow(ctx, query, requestID, stageIndex))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("stage_instance", fmt.Sprintf("%s/%d", requestID, stageIndex))
	}
	if err != nil {
		return nil, errors.Persistence(err, "failed to get stage instance")
	}
	return st, nil
}

// ListByRequest returns every opened stage of a request ordered by index.
func (r *StageInstanceRepository) ListByRequest(ctx context.Context, requestID string) ([]*StageInstance, error) {
	query := `SELECT ` + stageColumns + `
		FROM approval_stage_instances
		WHERE request_id = $1
		ORDER BY stage_index ASC`
	return r.list(ctx, query, requestID)
}

// ListOpen returns every open stage, oldest first.
func (r *StageInstanceRepository) ListOpen(ctx context.Context) ([]*StageInstance, error) {
	query := `SELECT ` + stageColumns + `
		FROM approval_stage_instances
		WHERE is_open
		ORDER BY opened_at ASC, request_id ASC`
	return r.list(ctx, query)
}

// ListPendingFor returns open stages where approver still owes a decision.
func (r *StageInstanceRepository) ListPendingFor(ctx context.Context, approver string) ([]*StageInstance, error) {
	query := `SELECT ` + stageColumns + `
		FROM approval_stage_instances
		WHERE is_open AND $1 = ANY (approvers_pending)
		ORDER BY deadline ASC NULLS LAST, opened_at ASC`
	return r.list(ctx, query, approver)
}

func (r *StageInstanceRepository) list(ctx context.Context, query string, args ...any) ([]*StageInstance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list stage instances")
	}
	defer rows.Close()

	var stages []*StageInstance
	for rows.Next() {
		st, err := r.scanStage(rows)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan stage instance")
		}
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to list stage instances")
	}
	return stages, nil
}

func (r *StageInstanceRepository) scanStage(row rowScanner) (*StageInstance, error) {
	st := &StageInstance{}
	var (
		mode, outcome        string
		decided, delegations []byte
	)
	err := row.Scan(
		&st.RequestID,
		&st.StageIndex,
		&st.Name,
		&mode,
		&st.Quorum,
		&st.Approvers,
		&st.ApproversPending,
		&decided,
		&delegations,
		&st.EscalatedIn,
		&st.Round,
		&st.EscalationLevel,
		&st.TimeoutMinutes,
		&st.ArmedAt,
		&st.Deadline,
		&st.Open,
		&outcome,
		&st.OpenedAt,
		&st.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Mode = StageMode(mode)
	st.Outcome = Outcome(outcome)
	st.ApproversDecided = make(map[string]Outcome)
	st.Delegations = make(map[string]string)
	if len(decided) > 0 {
		if err := json.Unmarshal(decided, &st.ApproversDecided); err != nil {
			return nil, err
		}
	}
	if len(delegations) > 0 {
		if err := json.Unmarshal(delegations, &st.Delegations); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
