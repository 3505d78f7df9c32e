package storage

import (
	"context"
	"embed"

	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every embedded schema file, in name order, against the
// connected PostgreSQL database. Each file is plain idempotent DDL (create
// table/index if not exists), so re-running Migrate against an
// already-migrated database is a no-op.
func Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "storage: read migrations")
	}

	for _, e := range entries {
		b, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return errors.Wrapf(err, "storage: read migration %s", e.Name())
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return errors.Wrapf(err, "storage: apply migration %s", e.Name())
		}
	}

	return nil
}
