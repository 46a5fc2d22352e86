// Package schema bootstraps the Postgres tables used by the stores.
package schema

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/pkg/errors"
)

//go:embed schema.sql
var ddl string

// DDL returns the schema statements.
func DDL() string {
	return ddl
}

// Apply creates any missing table. It is safe to run on every start.
func Apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}
