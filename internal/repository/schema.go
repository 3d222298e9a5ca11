package repository

import (
	"context"
	_ "embed"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Schema is the DDL for every table the Postgres store uses.
//
//go:embed schema.sql
var Schema string

// ApplySchema creates missing tables and indexes.
func ApplySchema(ctx context.Context, db database.Querier) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}
