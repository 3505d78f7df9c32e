package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
)

// Application belongs to exactly one Tenant and holds the integration
// configurations the fanout in internal/integration reads.
type Application struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	Name       string    `db:"name"`
	Description string   `db:"description"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// CreateApplication inserts a.
func CreateApplication(ctx context.Context, a *Application) error {
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		insert into application (id, tenant_id, name, description, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TenantID, a.Name, a.Description, a.CreatedAt, a.UpdatedAt,
	)
	return wrapDBError(err, "create application")
}

// GetApplication returns the application with the given id.
func GetApplication(ctx context.Context, id string) (Application, error) {
	var a Application
	err := db.GetContext(ctx, &a, "select * from application where id = $1", id)
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return a, errs.ErrDoesNotExist
		}
		return a, wrapDBError(err, "get application")
	}
	return a, nil
}

// UpdateApplication persists every mutable field of a.
func UpdateApplication(ctx context.Context, a *Application) error {
	a.UpdatedAt = time.Now()

	res, err := db.ExecContext(ctx, `
		update application set name = $2, description = $3, updated_at = $4
		where id = $1`,
		a.ID, a.Name, a.Description, a.UpdatedAt,
	)
	if err != nil {
		return wrapDBError(err, "update application")
	}
	return checkRowsAffected(res)
}

// DeleteApplication removes the application with the given id.
func DeleteApplication(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "delete from application where id = $1", id)
	if err != nil {
		return wrapDBError(err, "delete application")
	}
	return checkRowsAffected(res)
}
