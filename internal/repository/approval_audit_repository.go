package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db database.Querier
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// WithQuerier returns a copy bound to q, typically a transaction.
func (r *ApprovalAuditRepository) WithQuerier(q database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: q}
}

// Append inserts one audit entry. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, request_id, entity_type, entity_id,
		     action, actor, old_value, new_value,
		     sequence, performed_at, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.Actor,
		entry.OldValue,
		entry.NewValue,
		entry.Sequence,
		entry.Timestamp,
		metadataJSON,
	)
	if err != nil {
		return errors.Persistence(err, "failed to append audit entry")
	}
	return nil
}

// Latest returns the newest entry for (requestID, action) at or before
// notAfter. Returns nil when none exists.
func (r *ApprovalAuditRepository) Latest(ctx context.Context, requestID, action string, notAfter time.Time) (*AuditEntry, error) {
	query := `
		SELECT id, request_id, entity_type, entity_id,
		       action, actor, old_value, new_value,
		       sequence, performed_at, metadata
		FROM approval_audit_log
		WHERE request_id = $1 AND action = $2 AND performed_at <= $3
		ORDER BY performed_at DESC, sequence DESC
		LIMIT 1
	`

	entry, err := r.scanEntry(r.db.QueryRow(ctx, query, requestID, action, notAfter))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Persistence(err, "failed to read audit log")
	}
	return entry, nil
}

// GetByRequestID returns the full audit trail for a request ordered oldest-first.
func (r *ApprovalAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, entity_type, entity_id,
		       action, actor, old_value, new_value,
		       sequence, performed_at, metadata
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC, sequence ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Persistence(err, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *ApprovalAuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.EntityType,
		&entry.EntityID,
		&entry.Action,
		&entry.Actor,
		&entry.OldValue,
		&entry.NewValue,
		&entry.Sequence,
		&entry.Timestamp,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, err
		}
	}
	return entry, nil
}
