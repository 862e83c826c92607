package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the bootstrap DDL for the tenantauth tables
func Schema() string {
	return schemaSQL
}

// EnsureSchema creates any missing tables and indexes. Every statement is
// idempotent, so it is safe to run on each start of a development database.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
