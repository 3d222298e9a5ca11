package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ApprovalRequestRepository persists approval requests. Updates are guarded
// by the version column so two writers can never both win.
type ApprovalRequestRepository struct {
	db database.Querier
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db database.Querier) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

// WithQuerier returns a copy bound to q, typically a transaction.
func (r *ApprovalRequestRepository) WithQuerier(q database.Querier) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: q}
}

const requestColumns = `
	id, title, category, priority, requester, amount::text,
	workflow_id, attributes, status, current_stage_index, route,
	last_stage_outcome, version, created_at, updated_at, completed_at`

// Create inserts a new request.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	attrs, err := marshalAttributes(req.Attributes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests
		    (id, title, category, priority, requester, amount,
		     workflow_id, attributes, status, current_stage_index, route,
		     last_stage_outcome, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric,
		        $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		req.ID,
		req.Title,
		req.Category,
		req.Priority.String(),
		req.Requester,
		amountText(req.Amount),
		req.WorkflowID,
		attrs,
		string(req.Status),
		req.CurrentStageIndex,
		req.Route,
		string(req.LastStageOutcome),
		req.Version,
		req.CreatedAt,
		req.UpdatedAt,
		req.CompletedAt,
	)
	if err != nil {
		return errors.Persistence(err, "failed to create approval request")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.ErrCodeConflict, "approval request "+req.ID+" already exists")
	}
	return nil
}

// Update writes req when the stored version equals expectedVersion.
func (r *ApprovalRequestRepository) Update(ctx context.Context, req *ApprovalRequest, expectedVersion int64) error {
	query := `
		UPDATE approval_requests
		SET status              = $2,
		    current_stage_index = $3,
		    route               = $4,
		    last_stage_outcome  = $5,
		    version             = $6,
		    updated_at          = $7,
		    completed_at        = $8
		WHERE id = $1 AND version = $9
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query,
		req.ID,
		string(req.Status),
		req.CurrentStageIndex,
		req.Route,
		string(req.LastStageOutcome),
		req.Version,
		req.UpdatedAt,
		req.CompletedAt,
		expectedVersion,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodePersistence, "concurrent modification of approval request "+req.ID)
	}
	if err != nil {
		return errors.Persistence(err, "failed to update approval request")
	}
	return nil
}

// GetByID retrieves a request by its primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Persistence(err, "failed to get approval request")
	}
	return req, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRequestRepository) scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var (
		priority, status, outcome string
		amount                    *string
		attrs                     []byte
		completedAt               *time.Time
	)
	err := row.Scan(
		&req.ID,
		&req.Title,
		&req.Category,
		&priority,
		&req.Requester,
		&amount,
		&req.WorkflowID,
		&attrs,
		&status,
		&req.CurrentStageIndex,
		&req.Route,
		&outcome,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if req.Priority, err = ParsePriority(priority); err != nil {
		return nil, err
	}
	req.Status = RequestStatus(status)
	req.LastStageOutcome = Outcome(outcome)
	req.CompletedAt = completedAt
	if amount != nil {
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return nil, err
		}
		req.Amount = &d
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &req.Attributes); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func marshalAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request attributes")
	}
	return b, nil
}

func amountText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
