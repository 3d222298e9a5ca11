package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// WorkflowDefinitionRepository stores workflow definitions as JSONB documents.
type WorkflowDefinitionRepository struct {
	db database.Querier
}

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db database.Querier) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

// Save inserts or replaces a definition after validating it.
func (r *WorkflowDefinitionRepository) Save(ctx context.Context, def *WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return errors.InvalidInput("workflow", err.Error())
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow definition")
	}

	query := `
		INSERT INTO approval_workflow_definitions (id, name, definition, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (id) DO UPDATE
		SET name       = EXCLUDED.name,
		    definition = EXCLUDED.definition,
		    is_active  = TRUE,
		    updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, def.ID, def.Name, doc); err != nil {
		return errors.Persistence(err, "failed to save workflow definition")
	}
	return nil
}

// GetByID returns an active definition.
func (r *WorkflowDefinitionRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `
		SELECT definition
		FROM approval_workflow_definitions
		WHERE id = $1 AND is_active
	`

	var doc []byte
	err := r.db.QueryRow(ctx, query, id).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Persistence(err, "failed to get workflow definition")
	}
	return decodeDefinition(doc)
}

// List returns every active definition ordered by id.
func (r *WorkflowDefinitionRepository) List(ctx context.Context) ([]*WorkflowDefinition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT definition
		FROM approval_workflow_definitions
		WHERE is_active
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list workflow definitions")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Persistence(err, "failed to scan workflow definition")
		}
		def, err := decodeDefinition(doc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Deactivate hides a definition from new requests.
func (r *WorkflowDefinitionRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_workflow_definitions
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return errors.Persistence(err, "failed to deactivate workflow definition")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow", id)
	}
	return nil
}

func decodeDefinition(doc []byte) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	if err := json.Unmarshal(doc, def); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow definition")
	}
	return def, nil
}
