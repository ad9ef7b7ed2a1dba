package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSupplementalIndexes creates indexes not expressed in the embedded
// migrations' base DDL — analogous to the teacher's post-migration GIN index
// step, here a GIN index on cognitive_inbox's JSONB payload column. The
// dispatcher decodes payloads in Go after claiming rows and does not query
// payload fields, and NewClient does not call this function.
func CreateSupplementalIndexes(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_cognitive_inbox_payload_gin
			ON cognitive_inbox USING gin(payload)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create supplemental index: %w", err)
		}
	}
	return nil
}
